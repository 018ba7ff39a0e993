package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentfoundry/proactor/internal/config"
	"github.com/agentfoundry/proactor/internal/mcp"
)

func listToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-tools",
		Short: "Start the tool fleet and list aggregated capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			broker, err := startFleet(cmd, cfg)
			if err != nil {
				return err
			}
			defer broker.StopAll()

			for _, st := range broker.Status() {
				fmt.Printf("%s: %d tools, %d prompts, %d resources (ttl %s)\n",
					st.Name, st.Tools, st.Prompts, st.Resources, st.TTL)
				if st.LastError != "" {
					fmt.Printf("  error: %s\n", st.LastError)
				}
			}
			for _, at := range broker.AggregateTools(cmd.Context()) {
				fmt.Printf("  %s/%s\n", at.Server, at.Tool.Name)
			}
			return nil
		},
	}
}

func reloadToolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload-tool <server-name>",
		Short: "Restart one tool server and refresh its capability cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			broker, err := startFleet(cmd, cfg)
			if err != nil {
				return err
			}
			defer broker.StopAll()

			if err := broker.ForceReload(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("reloaded", args[0])
			return nil
		},
	}
}

func startFleet(cmd *cobra.Command, cfg *config.Config) (*mcp.Broker, error) {
	fleet, err := config.LoadToolFleet(cfg.ToolConfigPath)
	if err != nil {
		return nil, err
	}
	broker := mcp.NewBroker(cfg.Broker)
	broker.StartFleet(cmd.Context(), fleet, sortedNames(fleet))
	return broker, nil
}
