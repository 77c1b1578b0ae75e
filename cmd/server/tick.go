package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
)

func runTick(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.scheduler.Tick(cmd.Context(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("tick failed: %w", err)
	}
	slog.Info("Tick finished",
		"evaluated", report.Evaluated,
		"paid", report.Paid,
		"blocked", report.Blocked,
		"failed", report.Failed,
	)
	if report.Failed > 0 {
		return fmt.Errorf("%d tontines failed to evaluate", report.Failed)
	}
	return nil
}
