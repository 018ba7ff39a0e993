// Package cmd wires the proactor CLI.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentfoundry/proactor/internal/config"
	"github.com/agentfoundry/proactor/internal/graph"
	"github.com/agentfoundry/proactor/internal/logging"
)

// Version is set at build time via -ldflags "-X github.com/agentfoundry/proactor/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "proactor",
	Short:         "Proactor, a proactive LLM agent runtime",
	Long:          "Proactor runs scheduled agent tasks against a knowledge graph, with MCP tool servers, recurrence policies, and a live WebSocket event feed.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json5 or $PROACTOR_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runSchedulerCmd())
	rootCmd.AddCommand(enqueueTaskCmd())
	rootCmd.AddCommand(listTasksCmd())
	rootCmd.AddCommand(cancelTaskCmd())
	rootCmd.AddCommand(sweepTasksCmd())
	rootCmd.AddCommand(listToolsCmd())
	rootCmd.AddCommand(reloadToolCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("proactor %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("PROACTOR_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

// loadConfig reads the config file and installs the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Logging, verbose)
	return cfg, nil
}

// Execute runs the root command. Exit codes: 0 success, 1 validation or
// configuration error, 2 runtime failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ve *graph.ValidationError
		if errors.As(err, &ve) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
