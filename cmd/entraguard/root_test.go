package main

import (
	"testing"
	"time"

	"github.com/entraguard/entraguard/internal/config"
)

func TestRootCommand_RegistersCommands(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"analyze", "score", "activate", "review-decision", "version"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd == nil || cmd.Name() != name {
			t.Fatalf("%s command not registered: cmd=%v err=%v", name, cmd, err)
		}
	}
}

func TestLookbackFlagOverridesConfig(t *testing.T) {
	old := analyzeLookbackDays
	t.Cleanup(func() { analyzeLookbackDays = old })

	analyzeLookbackDays = 0
	cfg := config.Config{DormancyLookback: 90 * 24 * time.Hour}
	if got := lookback(cfg); got != cfg.DormancyLookback {
		t.Fatalf("lookback = %v, want config default %v", got, cfg.DormancyLookback)
	}

	analyzeLookbackDays = 30
	if got := lookback(cfg); got.Hours() != 30*24 {
		t.Fatalf("lookback = %v, want 720h", got)
	}
}
