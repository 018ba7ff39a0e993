package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RecurrenceKind discriminates the three interval forms.
type RecurrenceKind string

const (
	RecurCycles RecurrenceKind = "cycles"
	RecurEvery  RecurrenceKind = "every"
	RecurCron   RecurrenceKind = "cron"
)

// Recurrence is a parsed interval spec.
type Recurrence struct {
	Kind   RecurrenceKind
	Cycles int           // RecurCycles: run when cycle_count % Cycles == 0
	Every  time.Duration // RecurEvery
	Cron   string        // RecurCron: standard 5-field expression
}

func (r Recurrence) String() string {
	switch r.Kind {
	case RecurCycles:
		return fmt.Sprintf("cycles(%d)", r.Cycles)
	case RecurEvery:
		return fmt.Sprintf("every(%s)", r.Every)
	case RecurCron:
		return fmt.Sprintf("cron(%s)", r.Cron)
	}
	return "unknown"
}

// RecurringTaskSpec is one entry of the recurring-task file.
type RecurringTaskSpec struct {
	Name     string
	Interval Recurrence
	// prompt is either a literal or a file() reference resolved on demand.
	promptLiteral string
	promptFile    string
	baseDir       string
	Metadata      map[string]any
	Enabled       bool
}

// Prompt resolves the instruction text. file() references are read relative
// to the tasks file's directory on every call, so edits take effect without a
// reload.
func (s *RecurringTaskSpec) Prompt() (string, error) {
	if s.promptFile == "" {
		return s.promptLiteral, nil
	}
	path := s.promptFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt file for %q: %w", s.Name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

type recurringTaskFile struct {
	ScheduledTasks []recurringTaskEntry `yaml:"scheduled_tasks"`
}

type recurringTaskEntry struct {
	Name     string         `yaml:"name"`
	Interval yaml.Node      `yaml:"interval"`
	Prompt   string         `yaml:"prompt"`
	Metadata map[string]any `yaml:"metadata"`
	Enabled  *bool          `yaml:"enabled"`
}

// LoadRecurringTasks parses the YAML spec file. Duplicate names and
// unparseable intervals are validation errors; a missing file yields an
// empty list.
func LoadRecurringTasks(path string) ([]*RecurringTaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks config: %w", err)
	}

	var file recurringTaskFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tasks config %s: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	seen := map[string]bool{}
	var out []*RecurringTaskSpec
	for i, e := range file.ScheduledTasks {
		if e.Name == "" {
			return nil, fmt.Errorf("scheduled_tasks[%d]: name is required", i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("scheduled_tasks[%d]: duplicate name %q", i, e.Name)
		}
		seen[e.Name] = true

		rec, err := parseInterval(&e.Interval)
		if err != nil {
			return nil, fmt.Errorf("scheduled_tasks[%d] %q: %w", i, e.Name, err)
		}

		spec := &RecurringTaskSpec{
			Name:     e.Name,
			Interval: rec,
			Metadata: e.Metadata,
			Enabled:  e.Enabled == nil || *e.Enabled,
			baseDir:  baseDir,
		}
		if inner, ok := callArg(e.Prompt, "file"); ok {
			spec.promptFile = inner
		} else {
			spec.promptLiteral = e.Prompt
		}
		out = append(out, spec)
	}
	return out, nil
}

// NewRecurringTaskSpec builds a spec programmatically, mainly for tests.
func NewRecurringTaskSpec(name string, interval Recurrence, prompt string) *RecurringTaskSpec {
	return &RecurringTaskSpec{Name: name, Interval: interval, promptLiteral: prompt, Enabled: true}
}

// parseInterval accepts a bare int (cycle count), "every(<duration>)", or
// "cron(<expr>)".
func parseInterval(node *yaml.Node) (Recurrence, error) {
	var asInt int
	if err := node.Decode(&asInt); err == nil {
		if asInt <= 0 {
			return Recurrence{}, fmt.Errorf("interval cycle count must be positive, got %d", asInt)
		}
		return Recurrence{Kind: RecurCycles, Cycles: asInt}, nil
	}

	var asStr string
	if err := node.Decode(&asStr); err != nil {
		return Recurrence{}, fmt.Errorf("interval must be an int or a string: %w", err)
	}

	if inner, ok := callArg(asStr, "every"); ok {
		d, err := parseHumanDuration(inner)
		if err != nil {
			return Recurrence{}, err
		}
		return Recurrence{Kind: RecurEvery, Every: d}, nil
	}
	if inner, ok := callArg(asStr, "cron"); ok {
		if strings.TrimSpace(inner) == "" {
			return Recurrence{}, fmt.Errorf("empty cron expression")
		}
		return Recurrence{Kind: RecurCron, Cron: strings.TrimSpace(inner)}, nil
	}
	return Recurrence{}, fmt.Errorf("unrecognized interval %q", asStr)
}

// callArg extracts X from "name(X)".
func callArg(s, name string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, name+"(") || !strings.HasSuffix(s, ")") {
		return "", false
	}
	return s[len(name)+1 : len(s)-1], true
}

// parseHumanDuration accepts Go duration syntax ("90s", "1h30m") and the
// spelled-out form used in task files ("1 hour", "30 seconds").
func parseHumanDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, fmt.Errorf("unparseable duration %q", s)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("unparseable duration %q", s)
	}
	var unit time.Duration
	switch strings.TrimSuffix(strings.ToLower(fields[1]), "s") {
	case "second", "sec":
		unit = time.Second
	case "minute", "min":
		unit = time.Minute
	case "hour", "hr":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown duration unit %q", fields[1])
	}
	return time.Duration(n) * unit, nil
}
