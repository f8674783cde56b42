package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/entraguard/entraguard/internal/analyze"
	"github.com/entraguard/entraguard/internal/config"
	"github.com/entraguard/entraguard/internal/directory"
	"github.com/entraguard/entraguard/internal/graph"
	"github.com/entraguard/entraguard/internal/logging"
	"github.com/entraguard/entraguard/internal/metrics"
	"github.com/entraguard/entraguard/internal/report"
)

var (
	analyzeOutput       string
	analyzeLookbackDays int
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Collect a tenant snapshot and write the full posture report as JSON.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalyze()
	},
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOutput, "output", "o", "", "Write the report to a file instead of stdout")
	analyzeCmd.Flags().IntVar(&analyzeLookbackDays, "lookback-days", 0, "Activation history window in days (default from DORMANCY_LOOKBACK)")
}

func runAnalyze() error {
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       "entraguard analyze",
		UsesStructuredLog: true,
	})

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// The report goes to stdout, so logs go to stderr.
	logger, err := logging.BootstrapFromEnv(logging.BootstrapOptions{
		Command: "entraguard analyze",
		Writer:  os.Stderr,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, errCh := metrics.StartServer(ctx, cfg.MetricsAddr); errCh != nil {
		go func() {
			if serveErr := <-errCh; serveErr != nil {
				logger.Error("metrics server failed", "error", serveErr)
			}
		}()
	}

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

	return writeReport(rep)
}

func newCollector(cfg config.Config, logger *slog.Logger) (*report.Collector, error) {
	client, err := graph.New(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, graph.Options{
		HTTPClient:          &http.Client{Timeout: cfg.RequestTimeout},
		GraphBaseURL:        cfg.GraphBaseURL,
		AuthorityBaseURL:    cfg.AuthorityBase,
		MaxRateLimitRetries: cfg.MaxRateLimitRetries,
		MaxTransientRetries: cfg.MaxTransientRetries,
		BackoffBase:         cfg.BackoffBase,
		BackoffMax:          cfg.BackoffMax,
		RequestsPerSecond:   cfg.RequestsPerSecond,
		MaxPages:            cfg.MaxPages,
		MaxItems:            cfg.MaxItems,
		BatchSize:           cfg.BatchSize,
	})
	if err != nil {
		return nil, err
	}

	repo := directory.NewRepository(client, logger)
	return report.NewCollector(repo, logger), nil
}

func reportConfig(cfg config.Config) report.Config {
	return report.Config{
		PIM: analyze.PIMConfig{
			PrivilegedRoles:        cfg.PrivilegedRoles,
			ExcessiveRoleThreshold: cfg.ExcessiveRoleThreshold,
			DormancyLookback:       cfg.DormancyLookback,
			StandingHorizon:        cfg.StandingAccessHorizon,
			Weights:                analyze.WeightsFromOverrides(cfg.ViolationKindWeights, cfg.SeverityWeights),
		},
		Reviews: analyze.ReviewConfig{
			ParticipationThreshold: cfg.ParticipationThreshold,
		},
	}
}

func lookback(cfg config.Config) time.Duration {
	if analyzeLookbackDays > 0 {
		return time.Duration(analyzeLookbackDays) * 24 * time.Hour
	}
	return cfg.DormancyLookback
}

func writeReport(rep report.Report) error {
	out := os.Stdout
	if analyzeOutput != "" {
		f, err := os.Create(analyzeOutput)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
