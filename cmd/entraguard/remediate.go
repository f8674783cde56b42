package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/entraguard/entraguard/internal/config"
	"github.com/entraguard/entraguard/internal/graph"
	"github.com/entraguard/entraguard/internal/logging"
	"github.com/entraguard/entraguard/internal/remediate"
)

var activateFlags struct {
	principal     string
	role          string
	justification string
	duration      time.Duration
	ticket        string
}

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Submit a PIM self-activation request for an eligible role.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runActivate()
	},
}

var decisionFlags struct {
	definition    string
	instance      string
	decision      string
	outcome       string
	justification string
	reviewer      string
}

var reviewDecisionCmd = &cobra.Command{
	Use:   "review-decision",
	Short: "Record an approve or deny outcome on an access review decision.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReviewDecision()
	},
}

func init() {
	activateCmd.Flags().StringVar(&activateFlags.principal, "principal", "", "Principal id to activate for")
	activateCmd.Flags().StringVar(&activateFlags.role, "role", "", "Role definition id to activate")
	activateCmd.Flags().StringVar(&activateFlags.justification, "justification", "", "Business justification")
	activateCmd.Flags().DurationVar(&activateFlags.duration, "duration", 0, "Activation window (default 8h)")
	activateCmd.Flags().StringVar(&activateFlags.ticket, "ticket", "", "Optional ticket number")

	reviewDecisionCmd.Flags().StringVar(&decisionFlags.definition, "definition", "", "Review definition id")
	reviewDecisionCmd.Flags().StringVar(&decisionFlags.instance, "instance", "", "Review instance id")
	reviewDecisionCmd.Flags().StringVar(&decisionFlags.decision, "decision-id", "", "Decision id")
	reviewDecisionCmd.Flags().StringVar(&decisionFlags.outcome, "outcome", "", "Approve or Deny")
	reviewDecisionCmd.Flags().StringVar(&decisionFlags.justification, "justification", "", "Decision justification")
	reviewDecisionCmd.Flags().StringVar(&decisionFlags.reviewer, "reviewer", "", "Reviewer principal id")
}

func newRemediator(cfg config.Config) (*remediate.Remediator, error) {
	logger, err := logging.BootstrapFromEnv(logging.BootstrapOptions{
		Command: "entraguard remediate",
		Writer:  os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	client, err := graph.New(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, graph.Options{
		HTTPClient:          &http.Client{Timeout: cfg.RequestTimeout},
		GraphBaseURL:        cfg.GraphBaseURL,
		AuthorityBaseURL:    cfg.AuthorityBase,
		MaxRateLimitRetries: cfg.MaxRateLimitRetries,
		MaxTransientRetries: cfg.MaxTransientRetries,
		BackoffBase:         cfg.BackoffBase,
		BackoffMax:          cfg.BackoffMax,
		RequestsPerSecond:   cfg.RequestsPerSecond,
	})
	if err != nil {
		return nil, err
	}
	return remediate.NewRemediator(client, logger), nil
}

func runActivate() error {
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       "entraguard activate",
		UsesStructuredLog: true,
	})

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	rem, err := newRemediator(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := rem.ActivateRole(ctx, remediate.ActivationInput{
		PrincipalID:      activateFlags.principal,
		RoleDefinitionID: activateFlags.role,
		Justification:    activateFlags.justification,
		Duration:         activateFlags.duration,
		TicketNumber:     activateFlags.ticket,
	})
	if err != nil {
		return failedExit(err)
	}

	fmt.Printf("request %s: %s\n", result.RequestID, result.Status)
	return nil
}

func runReviewDecision() error {
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       "entraguard review-decision",
		UsesStructuredLog: true,
	})

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	rem, err := newRemediator(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = rem.RecordDecision(ctx, remediate.DecisionInput{
		DefinitionID:  decisionFlags.definition,
		InstanceID:    decisionFlags.instance,
		DecisionID:    decisionFlags.decision,
		Decision:      decisionFlags.outcome,
		Justification: decisionFlags.justification,
		ReviewerID:    decisionFlags.reviewer,
	})
	if err != nil {
		return failedExit(err)
	}

	fmt.Printf("decision %s recorded: %s\n", decisionFlags.decision, decisionFlags.outcome)
	return nil
}
