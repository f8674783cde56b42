package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/entraguard/entraguard/internal/config"
	"github.com/entraguard/entraguard/internal/logging"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Collect a tenant snapshot and print the posture score summary.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScore()
	},
}

func runScore() error {
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       "entraguard score",
		UsesStructuredLog: true,
	})

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.BootstrapFromEnv(logging.BootstrapOptions{
		Command: "entraguard score",
		Writer:  os.Stderr,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector, err := newCollector(cfg, logger)
	if err != nil {
		return err
	}

	rep, err := collector.Run(ctx, reportConfig(cfg), lookback(cfg))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return canceledExit(err)
		}
		return failedExit(err)
	}

	fmt.Printf("posture score: %.1f\n", rep.PostureScore)
	fmt.Printf("  conditional access: %.1f\n", rep.Scores.ConditionalAccess)
	fmt.Printf("  pim compliance:     %.1f\n", rep.Scores.PIMCompliance)
	fmt.Printf("violations: %d\n", len(rep.Violations))

	severities := make([]string, 0, len(rep.SeverityCounts))
	for s := range rep.SeverityCounts {
		severities = append(severities, s)
	}
	sort.Strings(severities)
	for _, s := range severities {
		fmt.Printf("  %s: %d\n", s, rep.SeverityCounts[s])
	}

	if len(rep.Degraded) > 0 {
		fmt.Println("degraded sections:")
		sections := make([]string, 0, len(rep.Degraded))
		for s := range rep.Degraded {
			sections = append(sections, s)
		}
		sort.Strings(sections)
		for _, s := range sections {
			fmt.Printf("  %s: %s\n", s, rep.Degraded[s])
		}
	}
	return nil
}
