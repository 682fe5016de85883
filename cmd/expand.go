package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tmarchal/medispense/app"
	"github.com/tmarchal/medispense/config"
	"github.com/tmarchal/medispense/infra/logger"
)

var expandCmd = &cobra.Command{
	Use:   "expand",
	Short: "Expand all active schedules once and exit",
	RunE:  expandSchedules,
}

func init() {
	rootCmd.AddCommand(expandCmd)
}

func expandSchedules(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logg := logger.New("expand-command")
	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logg.Errorf("service close: %v", err)
		}
	}()

	horizon := time.Now().Add(time.Duration(cfg.Engine.HorizonDays) * 24 * time.Hour)
	if err := svc.Expander.ExpandAll(ctx, horizon); err != nil {
		return fmt.Errorf("expand schedules: %w", err)
	}
	logg.Infof("schedules expanded up to %s", horizon.Format(time.RFC3339))
	return nil
}
