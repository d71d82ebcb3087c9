package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"pollhub/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Parse and validate a pollhub config without starting anything.

Exit codes:
  0 - config is valid
  1 - config is invalid (every problem is printed)`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	p, grace, err := cfg.Scheduler.Policy()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	byPriority := map[string]int{}
	disabled, units := 0, 0
	for _, t := range cfg.Tasks {
		byPriority[t.Priority]++
		if !t.IsEnabled() {
			disabled++
		}
		if t.Unit != "" {
			units++
		}
	}
	tiers := make([]string, 0, len(byPriority))
	for k := range byPriority {
		tiers = append(tiers, k)
	}
	sort.Strings(tiers)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Config is valid!")
	fmt.Fprintf(out, "  Tasks:          %d (%d disabled, %d systemd units)\n", len(cfg.Tasks), disabled, units)
	for _, tier := range tiers {
		fmt.Fprintf(out, "    %-12s  %d\n", tier, byPriority[tier])
	}
	fmt.Fprintf(out, "  Max backoff:    %s\n", p.MaxBackoff)
	fmt.Fprintf(out, "  Unhealthy at:   %d consecutive errors\n", p.UnhealthyThreshold)
	fmt.Fprintf(out, "  Shutdown grace: %s\n", grace)
	return nil
}
