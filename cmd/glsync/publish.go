package main

import (
	"context"

	"github.com/MarcoPoloResearchLab/glsync/internal/config"
	"github.com/MarcoPoloResearchLab/glsync/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// newPublishCommand runs one publish pass outside the server, for cron-driven deployments.
func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Run one publish pass against the ledger",
	}

	var perOrg bool
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Launch publish jobs for every eligible changeset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application, logger *zap.Logger) error {
				launched, err := app.orchestrator.Sweep(ctx, perOrg)
				if err != nil {
					return err
				}
				logger.Info("publish sweep finished", zap.Int("jobs", launched))
				return nil
			})
		},
	}
	sweep.Flags().BoolVar(&perOrg, "per-org", false, "Launch one job per org instead of one job for all")

	poll := &cobra.Command{
		Use:   "poll",
		Short: "Fold finished publish jobs back into the changeset history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application, logger *zap.Logger) error {
				finished, err := app.orchestrator.PollJobs(ctx)
				if err != nil {
					return err
				}
				logger.Info("publish poll finished", zap.Int("finished", finished))
				return nil
			})
		},
	}

	initAll := &cobra.Command{
		Use:   "init-all",
		Short: "Start update cycles for every connected org that is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application, logger *zap.Logger) error {
				started, err := app.lifecycle.InitAllUpdates(ctx)
				if err != nil {
					return err
				}
				logger.Info("update cycles started", zap.Int("orgs", started))
				return nil
			})
		},
	}

	cmd.AddCommand(sweep, poll, initAll)
	return cmd
}

func withApplication(ctx context.Context, run func(context.Context, *application, *zap.Logger) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, serviceName)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := buildApplication(appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close() //nolint:errcheck
	return run(ctx, app, logger)
}
