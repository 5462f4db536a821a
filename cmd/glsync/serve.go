package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/auth"
	"github.com/MarcoPoloResearchLab/glsync/internal/config"
	"github.com/MarcoPoloResearchLab/glsync/internal/logging"
	"github.com/MarcoPoloResearchLab/glsync/internal/server"
	"github.com/MarcoPoloResearchLab/glsync/internal/tasks"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	var withoutWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the task workers and the periodic schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), !withoutWorkers)
		},
	}
	cmd.Flags().BoolVar(&withoutWorkers, "api-only", false, "Serve HTTP without running task workers or schedules")
	return cmd
}

func runServer(ctx context.Context, withWorkers bool) error {
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

	validator, err := auth.NewValidator(auth.ValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator:    validator,
		Projector:         app.projector,
		Lifecycle:         app.lifecycle,
		Controller:        app.controller,
		Orchestrator:      app.orchestrator,
		Store:             app.store,
		Events:            app.events,
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		Logger:            logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if withWorkers {
		group.Go(func() error {
			logger.Info("task workers starting", zap.Int("concurrency", appConfig.WorkerConcurrency))
			return app.dispatcher.Run(groupCtx)
		})
		group.Go(func() error {
			return tasks.RunPeriodic(groupCtx, logger.Named("schedule"), app.periodicJobs(appConfig)...)
		})
	}

	return group.Wait()
}
