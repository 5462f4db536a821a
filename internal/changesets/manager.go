// Package changesets owns the lifecycle of an org's ingestion cycles.
package changesets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/events"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/glsync/internal/tasks"
	"go.uber.org/zap"
)

const defaultSyncInterval = 60 * time.Minute

var (
	// ErrOrgSyncing indicates the org has a cycle in flight and the operation must be retried later.
	ErrOrgSyncing = errors.New("changesets: org is syncing")
	// ErrCycleNotStarted indicates Complete was called for an org that never started a cycle.
	ErrCycleNotStarted = errors.New("changesets: no cycle in progress")
	// ErrInvalidLink indicates a link request without the credentials its provider needs.
	ErrInvalidLink = errors.New("changesets: invalid link request")

	noOpLogger = zap.NewNop()
)

// LifecycleError carries a dotted code describing the failed transition.
type LifecycleError struct {
	code string
	err  error
}

func (e *LifecycleError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *LifecycleError) Unwrap() error {
	return e.err
}

func (e *LifecycleError) Code() string {
	return e.code
}

const (
	opStart      = "changesets.start"
	opComplete   = "changesets.complete"
	opConnect    = "changesets.connect"
	opDisconnect = "changesets.disconnect"
	opLink       = "changesets.link"
	opInitAll    = "changesets.init_all"
	opReset      = "changesets.reset_endpoints"
)

func newLifecycleError(operation, reason string, cause error) error {
	return &LifecycleError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StartOutcome reports what StartOrResume did.
type StartOutcome int

const (
	// Started means a new changeset was allocated.
	Started StartOutcome = iota + 1
	// Resumed means the in-flight changeset had no step task and one was enqueued.
	Resumed
	// AlreadyActive means a step task was already outstanding.
	AlreadyActive
)

func (o StartOutcome) String() string {
	switch o {
	case Started:
		return "started"
	case Resumed:
		return "resumed"
	case AlreadyActive:
		return "already_active"
	default:
		return "unknown"
	}
}

type ManagerConfig struct {
	Store        *ledger.Store
	Queue        *tasks.Queue
	Notifier     *events.Notifier
	SyncInterval time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Manager starts, resumes and completes changesets and tracks connection status.
// Every transition that enqueues work does so in the same unit of work as the org write.
type Manager struct {
	store        *ledger.Store
	queue        *tasks.Queue
	notifier     *events.Notifier
	syncInterval time.Duration
	clock        func() time.Time
	logger       *zap.Logger
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("changesets: store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("changesets: queue is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("changesets: notifier is required")
	}
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{
		store:        cfg.Store,
		queue:        cfg.Queue,
		notifier:     cfg.Notifier,
		syncInterval: interval,
		clock:        clock,
		logger:       logger,
	}, nil
}

// StepSpec is the task that runs the next stage invocation of an org.
func StepSpec(org ledger.Org, state map[string]string) tasks.Spec {
	return tasks.Spec{
		Queue:   tasks.QueueUpdate,
		Target:  tasks.TargetStep,
		OrgID:   org.ID,
		Payload: tasks.StepPayload{Changeset: org.Changeset, State: state},
	}
}

// StartOrResume allocates the next changeset when the previous one finished, or re-enqueues
// the step task of an in-flight changeset that lost it. An outstanding step task is never duplicated.
func (m *Manager) StartOrResume(ctx context.Context, orgID string) (StartOutcome, error) {
	var (
		outcome StartOutcome
		org     ledger.Org
	)
	err := m.store.Transact(ctx, func(uow *ledger.UnitOfWork) error {
		locked, err := uow.LockOrg(orgID)
		if err != nil {
			return err
		}
		switch {
		case locked.CycleFinished() || locked.CycleNeverStarted():
			now := m.now()
			locked.Changeset++
			locked.ChangesetStartedAt = &now
			locked.ChangesetCompletedAt = nil
			locked.UpdateCycleActive = true
			outcome = Started
		default:
			outstanding, err := m.queue.Outstanding(uow.DB(), tasks.TargetStep, orgID)
			if err != nil {
				return err
			}
			if outstanding {
				outcome = AlreadyActive
				org = locked
				if locked.UpdateCycleActive {
					return nil
				}
				locked.UpdateCycleActive = true
				return uow.SaveOrg(&locked)
			}
			locked.UpdateCycleActive = true
			outcome = Resumed
		}
		if err := uow.SaveOrg(&locked); err != nil {
			return err
		}
		if _, err := m.queue.EnqueueTx(uow.DB(), StepSpec(locked, nil)); err != nil {
			return err
		}
		org = locked
		return nil
	})
	if err != nil {
		return 0, m.fail(opStart, "transaction_failed", err, orgID)
	}

	fields := []zap.Field{zap.String("org_id", orgID), zap.Int64("changeset", org.Changeset), zap.Stringer("outcome", outcome)}
	if outcome == AlreadyActive {
		m.logger.Info("update cycle already active", fields...)
		return outcome, nil
	}
	m.logger.Info("update cycle scheduled", fields...)
	m.notifier.ChangesetStatus(ctx, orgID, org.Changeset, events.ChangesetSyncing, nil)
	return outcome, nil
}

// Complete closes the in-flight changeset and writes its history record. The first changeset
// of an org is handed to a dedicated publish job in the same unit of work. Completing a finished
// changeset returns its existing record.
func (m *Manager) Complete(ctx context.Context, orgID string) (ledger.ChangesetRecord, error) {
	var record ledger.ChangesetRecord
	err := m.store.Transact(ctx, func(uow *ledger.UnitOfWork) error {
		org, err := uow.LockOrg(orgID)
		if err != nil {
			return err
		}
		if org.CycleNeverStarted() {
			return ErrCycleNotStarted
		}
		existing, found, err := uow.FindChangeset(orgID, org.Changeset)
		if err != nil {
			return err
		}
		if org.CycleFinished() && found {
			record = existing
			return nil
		}

		now := m.now()
		org.ChangesetCompletedAt = &now
		org.UpdateCycleActive = false
		org.LastUpdateCycleCompletedAt = now
		if err := uow.SaveOrg(&org); err != nil {
			return err
		}
		if found {
			record = existing
			return nil
		}

		record = ledger.ChangesetRecord{
			OrgID:                orgID,
			Provider:             org.Provider,
			Changeset:            org.Changeset,
			IngestionStartedAt:   org.ChangesetStartedAt,
			IngestionCompletedAt: &now,
		}
		if err := uow.CreateChangeset(&record); err != nil {
			return err
		}
		if record.Changeset == 0 {
			_, err := m.queue.EnqueueTx(uow.DB(), tasks.Spec{
				Queue:   tasks.QueuePublish,
				Target:  tasks.TargetPublishJob,
				OrgID:   orgID,
				Payload: tasks.PublishJobPayload{ChangesetIDs: []uint64{record.ID}},
			})
			if err != nil {
				return err
			}
			m.logger.Info("requesting publish after initial sync", zap.String("org_id", orgID))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCycleNotStarted) {
			return ledger.ChangesetRecord{}, newLifecycleError(opComplete, "not_started", err)
		}
		return ledger.ChangesetRecord{}, m.fail(opComplete, "transaction_failed", err, orgID)
	}
	m.logger.Info("changeset completed", zap.String("org_id", orgID), zap.Int64("changeset", record.Changeset))
	return record, nil
}

// InitAllUpdates schedules a start task for every connected API-provider org whose last cycle
// completed longer than the sync interval ago.
func (m *Manager) InitAllUpdates(ctx context.Context) (int, error) {
	due, err := m.store.OrgsDueForUpdate(ctx, m.now().Add(-m.syncInterval))
	if err != nil {
		return 0, m.fail(opInitAll, "list_failed", err, "")
	}
	count := 0
	for _, org := range due {
		_, err := m.queue.Enqueue(ctx, tasks.Spec{Queue: tasks.QueueUpdate, Target: tasks.TargetStart, OrgID: org.ID})
		if err != nil {
			return count, m.fail(opInitAll, "enqueue_failed", err, org.ID)
		}
		count++
	}
	m.logger.Info("queued sync updates", zap.Int("count", count))
	return count, nil
}

// ReconnectSpec is the first delivery of the reconnect probe loop.
func ReconnectSpec(orgID string) tasks.Spec {
	return tasks.Spec{Queue: tasks.QueueReconnect, Target: tasks.TargetReconnect, OrgID: orgID}
}

// MarkConnected flags the org as connected so it joins update cycles again.
func (m *Manager) MarkConnected(ctx context.Context, orgID string, alsoLinked bool) (ledger.Org, error) {
	var org ledger.Org
	err := m.store.Transact(ctx, func(uow *ledger.UnitOfWork) error {
		locked, err := uow.LockOrg(orgID)
		if err != nil {
			return err
		}
		now := m.now()
		locked.Status = ledger.StatusConnected
		if alsoLinked {
			locked.LinkedAt = &now
		}
		locked.ConnectedAt = &now
		org = locked
		return uow.SaveOrg(&locked)
	})
	if err != nil {
		return ledger.Org{}, m.fail(opConnect, "transaction_failed", err, orgID)
	}
	m.logger.Info("org marked connected", zap.String("org_id", orgID))
	m.notifier.OrgStatus(ctx, org)
	if org.CycleInProgress() {
		m.notifier.ChangesetStatus(ctx, orgID, org.Changeset, events.ChangesetSyncing, nil)
	}
	return org, nil
}

// MarkDisconnected flags the org as disconnected without touching its credentials and
// schedules the reconnect probe loop in the same transaction. The in-flight changeset,
// if any, is reported as failed.
func (m *Manager) MarkDisconnected(ctx context.Context, orgID string, deactivateCycle bool) (ledger.Org, error) {
	org, err := m.disconnect(ctx, orgID, deactivateCycle, true)
	if err != nil {
		return ledger.Org{}, err
	}
	m.notifier.OrgStatus(ctx, org)
	if org.CycleInProgress() {
		m.notifier.ChangesetStatus(ctx, orgID, org.Changeset, events.ChangesetError, nil)
	}
	return org, nil
}

// Disconnect is an explicit unlink requested by an operator.
func (m *Manager) Disconnect(ctx context.Context, orgID string) (ledger.Org, error) {
	org, err := m.disconnect(ctx, orgID, false, false)
	if err != nil {
		return ledger.Org{}, err
	}
	m.notifier.Unlinked(ctx, orgID)
	if org.CycleInProgress() {
		m.notifier.ChangesetStatus(ctx, orgID, org.Changeset, events.ChangesetError, nil)
	}
	return org, nil
}

func (m *Manager) disconnect(ctx context.Context, orgID string, deactivateCycle, reconnect bool) (ledger.Org, error) {
	var org ledger.Org
	err := m.store.Transact(ctx, func(uow *ledger.UnitOfWork) error {
		locked, err := uow.LockOrg(orgID)
		if err != nil {
			return err
		}
		locked.Status = ledger.StatusDisconnected
		if deactivateCycle {
			locked.UpdateCycleActive = false
		}
		org = locked
		if err := uow.SaveOrg(&locked); err != nil {
			return err
		}
		if !reconnect {
			return nil
		}
		probing, err := m.queue.Outstanding(uow.DB(), tasks.TargetReconnect, orgID)
		if err != nil || probing {
			return err
		}
		_, err = m.queue.EnqueueTx(uow.DB(), ReconnectSpec(orgID))
		return err
	})
	if err != nil {
		return ledger.Org{}, m.fail(opDisconnect, "transaction_failed", err, orgID)
	}
	m.logger.Info("org marked disconnected", zap.String("org_id", orgID), zap.Bool("deactivate_cycle", deactivateCycle))
	return org, nil
}

// Deactivate clears the active flag of an org whose step chain ends without completing.
func (m *Manager) Deactivate(ctx context.Context, orgID string) error {
	err := m.store.Transact(ctx, func(uow *ledger.UnitOfWork) error {
		locked, err := uow.LockOrg(orgID)
		if err != nil {
			return err
		}
		if !locked.UpdateCycleActive {
			return nil
		}
		locked.UpdateCycleActive = false
		return uow.SaveOrg(&locked)
	})
	if err != nil {
		return m.fail(opDisconnect, "deactivate_failed", err, orgID)
	}
	return nil
}

// LinkRequest registers an org after its auth flow completed elsewhere.
type LinkRequest struct {
	OrgID           string
	Provider        ledger.Provider
	EntityID        string
	Token           []byte
	AccessKeyID     string
	SecretAccessKey string
}

// LinkOrg stores the org and its credentials as linked and connected. API-provider orgs
// start their first cycle immediately; manual providers are only tracked for status.
func (m *Manager) LinkOrg(ctx context.Context, request LinkRequest) (ledger.Org, error) {
	orgID, err := ledger.ValidateOrgID(request.OrgID)
	if err != nil {
		return ledger.Org{}, newLifecycleError(opLink, "invalid_org_id", err)
	}
	if request.Provider == "" {
		return ledger.Org{}, newLifecycleError(opLink, "missing_provider", ErrInvalidLink)
	}
	hasToken := len(request.Token) > 0
	hasKeys := request.AccessKeyID != "" && request.SecretAccessKey != ""
	if request.Provider.IsAPI() && !hasToken && !hasKeys {
		return ledger.Org{}, newLifecycleError(opLink, "missing_credentials", ErrInvalidLink)
	}

	var org ledger.Org
	err = m.store.Transact(ctx, func(uow *ledger.UnitOfWork) error {
		existing, found, err := uow.FindOrg(orgID)
		if err != nil {
			return err
		}
		if !found {
			existing = ledger.NewOrg(orgID, request.Provider, ledger.StatusConnected)
		}
		now := m.now()
		existing.Provider = request.Provider
		existing.EntityID = request.EntityID
		existing.Status = ledger.StatusConnected
		existing.LinkedAt = &now
		existing.ConnectedAt = &now
		if err := uow.SaveOrg(&existing); err != nil {
			return err
		}
		if request.Provider.IsAPI() {
			credential := ledger.OrgCredential{
				OrgID:           orgID,
				Token:           append([]byte(nil), request.Token...),
				AccessKeyID:     request.AccessKeyID,
				SecretAccessKey: request.SecretAccessKey,
			}
			if err := uow.SaveCredential(&credential); err != nil {
				return err
			}
		}
		org = existing
		return nil
	})
	if err != nil {
		return ledger.Org{}, m.fail(opLink, "transaction_failed", err, orgID)
	}
	m.logger.Info("org linked", zap.String("org_id", orgID), zap.String("provider", string(request.Provider)))
	m.notifier.OrgStatus(ctx, org)

	if !request.Provider.IsAPI() {
		return org, nil
	}
	if _, err := m.StartOrResume(ctx, orgID); err != nil {
		return org, err
	}
	return m.store.GetOrg(ctx, orgID)
}

// ResetEndpoints moves endpoint markers back to the epoch so the next cycle pulls everything,
// then starts that cycle. Orgs with a cycle in flight are refused with ErrOrgSyncing.
func (m *Manager) ResetEndpoints(ctx context.Context, orgID string, endpoints []string) error {
	org, err := m.store.GetOrg(ctx, orgID)
	if err != nil {
		return m.fail(opReset, "load_failed", err, orgID)
	}
	if org.CycleInProgress() || org.UpdateCycleActive {
		m.logger.Info("org syncing, endpoint reset deferred", zap.String("org_id", orgID))
		return newLifecycleError(opReset, "org_syncing", ErrOrgSyncing)
	}

	cursor, err := m.store.LoadCursor(ctx, orgID, org.Provider)
	if err != nil {
		return m.fail(opReset, "load_failed", err, orgID)
	}
	if len(endpoints) == 0 {
		for endpoint := range cursor.Markers.Data() {
			endpoints = append(endpoints, endpoint)
		}
	}
	for _, endpoint := range endpoints {
		cursor.SetMarker(endpoint, ledger.Epoch)
	}
	if err := m.store.SaveCursor(ctx, &cursor); err != nil {
		return m.fail(opReset, "save_failed", err, orgID)
	}
	m.logger.Info("endpoint markers reset", zap.String("org_id", orgID), zap.Strings("endpoints", endpoints))

	_, err = m.StartOrResume(ctx, orgID)
	return err
}

func (m *Manager) now() time.Time {
	return m.clock().UTC()
}

func (m *Manager) fail(operation, reason string, err error, orgID string) error {
	var lifecycleErr *LifecycleError
	if errors.As(err, &lifecycleErr) {
		return err
	}
	if !errors.Is(err, ledger.ErrOrgNotFound) {
		m.logger.Error("changeset lifecycle error",
			zap.String("operation", operation),
			zap.String("reason", reason),
			zap.String("org_id", orgID),
			zap.Error(err))
	}
	return newLifecycleError(operation, reason, err)
}
