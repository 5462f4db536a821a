package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/adapter"
	"github.com/MarcoPoloResearchLab/glsync/internal/apisession"
	"github.com/MarcoPoloResearchLab/glsync/internal/changesets"
	"github.com/MarcoPoloResearchLab/glsync/internal/config"
	"github.com/MarcoPoloResearchLab/glsync/internal/database"
	"github.com/MarcoPoloResearchLab/glsync/internal/events"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/glsync/internal/providers/qbo"
	"github.com/MarcoPoloResearchLab/glsync/internal/providers/zuora"
	"github.com/MarcoPoloResearchLab/glsync/internal/publish"
	"github.com/MarcoPoloResearchLab/glsync/internal/status"
	"github.com/MarcoPoloResearchLab/glsync/internal/syncengine"
	"github.com/MarcoPoloResearchLab/glsync/internal/tasks"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/batch"
	"github.com/aws/aws-sdk-go/service/sns"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// application holds every wired component of the service.
type application struct {
	db           *gorm.DB
	store        *ledger.Store
	queue        *tasks.Queue
	events       *events.Dispatcher
	lifecycle    *changesets.Manager
	controller   *adapter.Controller
	orchestrator *publish.Orchestrator
	projector    *status.Projector
	dispatcher   *tasks.Dispatcher
}

func (a *application) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func openDatabase(cfg config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	return database.Open(database.Config{Driver: cfg.DatabaseDriver, DSN: cfg.DatabaseDSN}, logger)
}

func newAWSSession(cfg config.AppConfig) (*session.Session, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.AWSRegion),
	}
	if cfg.AWSEndpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.AWSEndpoint)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return sess, nil
}

func buildApplication(cfg config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := openDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}
	app := &application{db: db}
	if err := app.wire(cfg, logger); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) wire(cfg config.AppConfig, logger *zap.Logger) error {
	store, err := ledger.NewStore(ledger.StoreConfig{Database: a.db, Logger: logger.Named("ledger")})
	if err != nil {
		return err
	}
	queue, err := tasks.NewQueue(tasks.QueueConfig{Database: a.db, Logger: logger.Named("tasks")})
	if err != nil {
		return err
	}

	awsSession, err := newAWSSession(cfg)
	if err != nil {
		return err
	}

	dispatcher := events.NewDispatcher()
	sinks := events.Fanout{dispatcher}
	if cfg.SNSTopicARN != "" {
		snsPublisher, err := events.NewSNSPublisher(events.SNSConfig{Client: sns.New(awsSession), TopicARN: cfg.SNSTopicARN})
		if err != nil {
			return err
		}
		sinks = append(sinks, snsPublisher)
	} else {
		logger.Warn("sns topic not configured, status notifications stay in process")
	}
	notifier, err := events.NewNotifier(events.NotifierConfig{Publisher: sinks, Logger: logger.Named("events")})
	if err != nil {
		return err
	}

	lifecycle, err := changesets.NewManager(changesets.ManagerConfig{
		Store:        store,
		Queue:        queue,
		Notifier:     notifier,
		SyncInterval: cfg.SyncInterval,
		Logger:       logger.Named("changesets"),
	})
	if err != nil {
		return err
	}

	sessions, err := apisession.NewFactory(apisession.FactoryConfig{
		Store:      store,
		HTTPClient: &http.Client{},
		Timeout:    cfg.APITimeout,
		Logger:     logger.Named("apisession"),
		QBO: &oauth2.Config{
			ClientID:     cfg.QBOClientID,
			ClientSecret: cfg.QBOClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.QBOAuthURL,
				TokenURL: cfg.QBOTokenURL,
			},
		},
		ZuoraBaseURL: cfg.ZuoraBaseURL,
	})
	if err != nil {
		return err
	}

	qboSource := qbo.New(qbo.Config{BaseURL: cfg.QBOBaseURL, MinorVersion: cfg.QBOMinorVersion})
	zuoraSource := zuora.New(zuora.Config{BaseURL: cfg.ZuoraBaseURL})
	machine, err := syncengine.NewMachine(syncengine.MachineConfig{
		Store:    store,
		Sessions: sessions,
		Catalogs: []syncengine.Catalog{qboSource.Catalog(), zuoraSource.Catalog()},
		Logger:   logger.Named("syncengine"),
	})
	if err != nil {
		return err
	}

	controller, err := adapter.NewController(adapter.ControllerConfig{
		Store:     store,
		Lifecycle: lifecycle,
		Engine:    machine,
		Sessions:  sessions,
		Probers: map[ledger.Provider]adapter.Prober{
			ledger.ProviderQBO:   qboSource,
			ledger.ProviderZuora: zuoraSource,
		},
		Logger: logger.Named("adapter"),
	})
	if err != nil {
		return err
	}

	launcher, err := publish.NewBatchLauncher(publish.BatchConfig{
		Client:      batch.New(awsSession),
		JobQueue:    cfg.BatchJobQueue,
		Definitions: cfg.JobDefinitions,
	})
	if err != nil {
		return err
	}
	orchestrator, err := publish.NewOrchestrator(publish.OrchestratorConfig{
		Store:    store,
		Queue:    queue,
		Launcher: launcher,
		Notifier: notifier,
		Logger:   logger.Named("publish"),
	})
	if err != nil {
		return err
	}

	projector, err := status.NewProjector(status.ProjectorConfig{Store: store, Logger: logger.Named("status")})
	if err != nil {
		return err
	}

	taskDispatcher, err := tasks.NewDispatcher(tasks.DispatcherConfig{
		Queue:        queue,
		Logger:       logger.Named("dispatcher"),
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		Lease:        cfg.WorkerLease,
		Policies:     retryPolicies(),
	})
	if err != nil {
		return err
	}
	controller.Register(taskDispatcher)
	orchestrator.Register(taskDispatcher)

	a.store = store
	a.queue = queue
	a.events = dispatcher
	a.lifecycle = lifecycle
	a.controller = controller
	a.orchestrator = orchestrator
	a.projector = projector
	a.dispatcher = taskDispatcher
	return nil
}

// retryPolicies spaces reconnect probes four hours apart; the controller bounds their number.
func retryPolicies() map[string]tasks.RetryPolicy {
	return map[string]tasks.RetryPolicy{
		tasks.QueueUpdate:    {MinBackoff: 10 * time.Second, MaxBackoff: 10 * time.Minute},
		tasks.QueueReconnect: {MinBackoff: 4 * time.Hour, MaxBackoff: 4 * time.Hour},
		tasks.QueueAdmin:     {MinBackoff: 30 * time.Second, MaxBackoff: 30 * time.Second, MaxAttempts: 5},
		tasks.QueuePublish:   {MinBackoff: time.Minute, MaxBackoff: 15 * time.Minute},
	}
}

func (a *application) periodicJobs(cfg config.AppConfig) []tasks.Periodic {
	return []tasks.Periodic{
		{
			Name:  "init_all_updates",
			Every: cfg.InitAllEvery,
			Run: func(ctx context.Context) error {
				_, err := a.lifecycle.InitAllUpdates(ctx)
				return err
			},
		},
		a.queue.EnqueueEvery("publish_sweep", cfg.PublishEvery, tasks.Spec{
			Queue:   tasks.QueuePublish,
			Target:  tasks.TargetPublishSweep,
			Payload: publish.SweepPayload{PerOrg: cfg.PublishPerOrg},
		}),
		a.queue.EnqueueEvery("publish_poll", cfg.PollJobsEvery, tasks.Spec{
			Queue:  tasks.QueuePublish,
			Target: tasks.TargetPublishPoll,
		}),
	}
}
