// Package adapter executes sync steps delivered by the task queue and decides how failures
// escalate into disconnects and reconnect probes.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/glsync/internal/apisession"
	"github.com/MarcoPoloResearchLab/glsync/internal/changesets"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/glsync/internal/syncengine"
	"github.com/MarcoPoloResearchLab/glsync/internal/tasks"
	"go.uber.org/zap"
)

const (
	// disconnectAfterAttempts is how many consecutive disconnect-class failures a step tolerates.
	disconnectAfterAttempts = 3
	// reconnectGiveUpAfter bounds the reconnect probe loop, about a week at four hour spacing.
	reconnectGiveUpAfter = 42
)

var (
	errReconnectPending = errors.New("adapter: provider still rejects the org")
	noOpLogger          = zap.NewNop()
)

// Engine runs one stage invocation for an org.
type Engine interface {
	Next(ctx context.Context, org ledger.Org, payload syncengine.Payload) (bool, syncengine.Payload, error)
}

// Prober makes one cheap authenticated call to tell whether an org's credentials work again.
type Prober interface {
	Probe(ctx context.Context, session apisession.Session, org ledger.Org) error
}

type ControllerConfig struct {
	Store     *ledger.Store
	Lifecycle *changesets.Manager
	Engine    Engine
	Sessions  syncengine.SessionSource
	Probers   map[ledger.Provider]Prober
	Logger    *zap.Logger
}

// Controller holds the task handlers of the sync pipeline.
type Controller struct {
	store     *ledger.Store
	lifecycle *changesets.Manager
	engine    Engine
	sessions  syncengine.SessionSource
	probers   map[ledger.Provider]Prober
	logger    *zap.Logger
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("adapter: store is required")
	case cfg.Lifecycle == nil:
		return nil, errors.New("adapter: lifecycle manager is required")
	case cfg.Engine == nil:
		return nil, errors.New("adapter: engine is required")
	case cfg.Sessions == nil:
		return nil, errors.New("adapter: session source is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	probers := make(map[ledger.Provider]Prober, len(cfg.Probers))
	for provider, prober := range cfg.Probers {
		probers[provider] = prober
	}
	return &Controller{
		store:     cfg.Store,
		lifecycle: cfg.Lifecycle,
		engine:    cfg.Engine,
		sessions:  cfg.Sessions,
		probers:   probers,
		logger:    logger,
	}, nil
}

// Register wires the handlers into a dispatcher.
func (c *Controller) Register(dispatcher *tasks.Dispatcher) {
	dispatcher.Handle(tasks.TargetStart, c.HandleStart)
	dispatcher.Handle(tasks.TargetStep, c.HandleStep)
	dispatcher.Handle(tasks.TargetReconnect, c.HandleReconnect)
	dispatcher.Handle(tasks.TargetResetEndpoints, c.HandleResetEndpoints)
}

// HandleStart starts or resumes the org's cycle.
func (c *Controller) HandleStart(ctx context.Context, delivery tasks.Delivery) (tasks.Result, error) {
	if _, err := c.lifecycle.StartOrResume(ctx, delivery.Task.OrgID); err != nil {
		return tasks.Result{}, permanentIfMissing(err)
	}
	return tasks.Result{}, nil
}

// HandleStep runs one stage invocation and chains the next step, completes the changeset,
// or escalates provider failures.
func (c *Controller) HandleStep(ctx context.Context, delivery tasks.Delivery) (tasks.Result, error) {
	var payload tasks.StepPayload
	if err := delivery.Decode(&payload); err != nil {
		return tasks.Result{}, fmt.Errorf("%w: decode step payload: %v", tasks.ErrPermanent, err)
	}
	orgID := delivery.Task.OrgID
	org, err := c.store.GetOrg(ctx, orgID)
	if err != nil {
		return tasks.Result{}, permanentIfMissing(err)
	}
	logger := c.logger.With(
		zap.String("org_id", orgID),
		zap.Int64("changeset", org.Changeset),
		zap.Int("attempt", delivery.Attempt),
	)

	if org.Status != ledger.StatusConnected {
		logger.Info("org is not connected, ending step chain", zap.Stringer("status", org.Status))
		if err := c.lifecycle.Deactivate(ctx, orgID); err != nil {
			return tasks.Result{}, err
		}
		return tasks.Result{}, nil
	}
	if !org.CycleInProgress() || payload.Changeset != org.Changeset {
		logger.Warn("dropping stale step", zap.Int64("step_changeset", payload.Changeset))
		return tasks.Result{}, nil
	}

	complete, next, err := c.engine.Next(ctx, org, syncengine.Payload(payload.State))
	if err != nil {
		return c.stepFailed(ctx, org, delivery, err, logger)
	}
	if complete {
		if _, err := c.lifecycle.Complete(ctx, orgID); err != nil {
			return tasks.Result{}, err
		}
		return tasks.Result{}, nil
	}
	return tasks.Result{FollowUps: []tasks.Spec{changesets.StepSpec(org, next)}}, nil
}

func (c *Controller) stepFailed(ctx context.Context, org ledger.Org, delivery tasks.Delivery, err error, logger *zap.Logger) (tasks.Result, error) {
	switch {
	case apisession.IsRateLimited(err):
		logger.Info("provider rate limit reached, backing off", zap.Error(err))
		return tasks.Result{}, fmt.Errorf("%w: %v", tasks.ErrThrottled, err)
	case apisession.IsDisconnect(err):
		if delivery.Attempt <= disconnectAfterAttempts {
			logger.Info("got an authorization error, will try again", zap.Error(err))
			return tasks.Result{}, err
		}
		logger.Warn("api calls keep failing authorization, marking as disconnected", zap.Error(err))
		if _, markErr := c.lifecycle.MarkDisconnected(ctx, org.ID, true); markErr != nil {
			return tasks.Result{}, markErr
		}
		return tasks.Result{}, nil
	default:
		logger.Warn("sync step failed", zap.Error(err))
		return tasks.Result{}, err
	}
}

// HandleReconnect probes a disconnected org. Success reconnects it and restarts its cycle;
// failure retries on the reconnect queue until the give-up bound.
func (c *Controller) HandleReconnect(ctx context.Context, delivery tasks.Delivery) (tasks.Result, error) {
	orgID := delivery.Task.OrgID
	org, err := c.store.GetOrg(ctx, orgID)
	if err != nil {
		return tasks.Result{}, permanentIfMissing(err)
	}
	logger := c.logger.With(zap.String("org_id", orgID), zap.Int("attempt", delivery.Attempt))
	if org.Status == ledger.StatusConnected {
		logger.Info("org is connected, nothing to do")
		return tasks.Result{}, nil
	}
	if delivery.Attempt > reconnectGiveUpAfter {
		logger.Info("reached maximum number of reconnect attempts, giving up")
		return tasks.Result{}, nil
	}
	prober, ok := c.probers[org.Provider]
	if !ok {
		logger.Warn("no prober for provider, giving up", zap.String("provider", string(org.Provider)))
		return tasks.Result{}, nil
	}

	logger.Info("checking connection status")
	session, err := c.sessions.Session(org)
	if err == nil {
		err = prober.Probe(ctx, session, org)
	}
	if err != nil {
		logger.Info("could not make a successful api call, will try again", zap.Error(err))
		return tasks.Result{}, fmt.Errorf("%w: %v", errReconnectPending, err)
	}

	logger.Info("made a successful api call, marking the org as connected")
	if _, err := c.lifecycle.MarkConnected(ctx, orgID, false); err != nil {
		return tasks.Result{}, err
	}
	if _, err := c.lifecycle.StartOrResume(ctx, orgID); err != nil {
		return tasks.Result{}, err
	}
	return tasks.Result{}, nil
}

// HandleResetEndpoints resets markers once the org is idle. A syncing org is retried later.
func (c *Controller) HandleResetEndpoints(ctx context.Context, delivery tasks.Delivery) (tasks.Result, error) {
	var payload tasks.ResetEndpointsPayload
	if err := delivery.Decode(&payload); err != nil {
		return tasks.Result{}, fmt.Errorf("%w: decode reset payload: %v", tasks.ErrPermanent, err)
	}
	if err := c.lifecycle.ResetEndpoints(ctx, delivery.Task.OrgID, payload.Endpoints); err != nil {
		return tasks.Result{}, permanentIfMissing(err)
	}
	return tasks.Result{}, nil
}

func permanentIfMissing(err error) error {
	if errors.Is(err, ledger.ErrOrgNotFound) {
		return fmt.Errorf("%w: %v", tasks.ErrPermanent, err)
	}
	return err
}
