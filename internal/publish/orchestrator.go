// Package publish batches completed changesets into downstream publish jobs and tracks their outcome.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/events"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/glsync/internal/tasks"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	paramOrgChangesets = "orgChangesets"
	paramDryRun        = "dryRun"
	paramDataTypes     = "datatypes"
	paramOrgs          = "orgs"

	// statusLookupFailed is recorded when the job state could not be retrieved.
	statusLookupFailed = "STATUS_LOOKUP_FAILED"
	// statusClaimExpired is recorded when a claim never got a job attached.
	statusClaimExpired = "CLAIM_EXPIRED"

	claimTimeout = 15 * time.Minute
)

// ItemTypes lists the canonical item types a replay can target.
var ItemTypes = []string{
	"accounting_data_source",
	"general_ledger_account",
	"sales_payment",
	"sales_payment_allocation",
	"sales_credit_note",
	"sales_credit_note_allocation",
	"sales_cash_transaction",
	"purchase_cash_transaction",
	"purchase_invoice",
	"item",
	"contact",
	"sales_invoice",
	"journal",
	"general_ledger_account_balance",
	"purchase_credit_note",
	"purchase_credit_note_allocation",
	"purchase_payment",
	"purchase_payment_allocation",
}

var (
	// ErrUnknownItemType indicates a replay request named an item type outside ItemTypes.
	ErrUnknownItemType = errors.New("publish: unknown item type")
	// ErrNoItemTypes indicates a replay request without item types.
	ErrNoItemTypes = errors.New("publish: at least one item type is required")

	noOpLogger = zap.NewNop()
)

// OrchestratorError carries a dotted code describing the failed operation.
type OrchestratorError struct {
	code string
	err  error
}

func (e *OrchestratorError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *OrchestratorError) Unwrap() error {
	return e.err
}

func (e *OrchestratorError) Code() string {
	return e.code
}

const (
	opSweep     = "publish.sweep"
	opCreateJob = "publish.create_job"
	opPoll      = "publish.poll"
	opCleanup   = "publish.cleanup"
	opReplay    = "publish.replay"
	opMarkFail  = "publish.mark_changeset_failed"
)

func newOrchestratorError(operation, reason string, cause error) error {
	return &OrchestratorError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type OrchestratorConfig struct {
	Store    *ledger.Store
	Queue    *tasks.Queue
	Launcher Launcher
	Notifier *events.Notifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Orchestrator decides which changesets to publish, launches jobs for them and folds job
// outcomes back into the changeset history.
type Orchestrator struct {
	store    *ledger.Store
	queue    *tasks.Queue
	launcher Launcher
	notifier *events.Notifier
	clock    func() time.Time
	logger   *zap.Logger
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("publish: store is required")
	case cfg.Queue == nil:
		return nil, errors.New("publish: queue is required")
	case cfg.Launcher == nil:
		return nil, errors.New("publish: launcher is required")
	case cfg.Notifier == nil:
		return nil, errors.New("publish: notifier is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Orchestrator{
		store:    cfg.Store,
		queue:    cfg.Queue,
		launcher: cfg.Launcher,
		notifier: cfg.Notifier,
		clock:    clock,
		logger:   logger,
	}, nil
}

// SweepPayload is the task form of Sweep.
type SweepPayload struct {
	PerOrg bool `json:"per_org"`
}

// Register wires the orchestrator's task handlers into a dispatcher.
func (o *Orchestrator) Register(dispatcher *tasks.Dispatcher) {
	dispatcher.Handle(tasks.TargetPublishJob, o.HandleCreateJob)
	dispatcher.Handle(tasks.TargetPublishSweep, o.HandleSweep)
	dispatcher.Handle(tasks.TargetPublishPoll, o.HandlePoll)
}

// SelectCandidates returns the changesets to publish now: never published or failed, not
// running, for orgs without a job in flight and with publishing enabled.
func (o *Orchestrator) SelectCandidates(ctx context.Context) ([]ledger.ChangesetRecord, error) {
	candidates, err := o.store.PublishCandidates(ctx)
	if err != nil {
		return nil, err
	}
	running, err := o.store.RunningChangesets(ctx)
	if err != nil {
		return nil, err
	}
	return o.gate(ctx, candidates, running)
}

func (o *Orchestrator) gate(ctx context.Context, candidates, running []ledger.ChangesetRecord) ([]ledger.ChangesetRecord, error) {
	runningOrgs := make(map[string]struct{}, len(running))
	for _, record := range running {
		runningOrgs[record.OrgID] = struct{}{}
	}
	disabled := make(map[string]bool)
	selected := make([]ledger.ChangesetRecord, 0, len(candidates))
	var held []string
	for _, record := range candidates {
		if _, busy := runningOrgs[record.OrgID]; busy {
			held = append(held, record.Label())
			continue
		}
		off, known := disabled[record.OrgID]
		if !known {
			org, err := o.store.GetOrg(ctx, record.OrgID)
			switch {
			case errors.Is(err, ledger.ErrOrgNotFound):
				off = false
			case err != nil:
				return nil, err
			default:
				off = org.PublishDisabled
			}
			disabled[record.OrgID] = off
		}
		if off {
			continue
		}
		selected = append(selected, record)
	}
	if len(held) > 0 {
		o.logger.Info("changesets held back, job already running for the org", zap.Strings("changesets", held))
	}
	return selected, nil
}

// Sweep enqueues job-creation tasks for the current candidates, one for all of them or one per org.
func (o *Orchestrator) Sweep(ctx context.Context, perOrg bool) (int, error) {
	candidates, err := o.SelectCandidates(ctx)
	if err != nil {
		return 0, newOrchestratorError(opSweep, "select_failed", err)
	}
	candidates, err = o.withoutQueued(ctx, candidates)
	if err != nil {
		return 0, newOrchestratorError(opSweep, "select_failed", err)
	}
	if len(candidates) == 0 {
		o.logger.Info("nothing to publish")
		return 0, nil
	}

	var groups [][]uint64
	if perOrg {
		byOrg := make(map[string][]uint64)
		var orgIDs []string
		for _, record := range candidates {
			if _, seen := byOrg[record.OrgID]; !seen {
				orgIDs = append(orgIDs, record.OrgID)
			}
			byOrg[record.OrgID] = append(byOrg[record.OrgID], record.ID)
		}
		sort.Strings(orgIDs)
		for _, orgID := range orgIDs {
			groups = append(groups, byOrg[orgID])
		}
	} else {
		ids := make([]uint64, 0, len(candidates))
		for _, record := range candidates {
			ids = append(ids, record.ID)
		}
		groups = append(groups, ids)
	}

	for _, ids := range groups {
		_, err := o.queue.Enqueue(ctx, tasks.Spec{
			Queue:   tasks.QueuePublish,
			Target:  tasks.TargetPublishJob,
			Payload: tasks.PublishJobPayload{ChangesetIDs: ids},
		})
		if err != nil {
			return 0, newOrchestratorError(opSweep, "enqueue_failed", err)
		}
	}
	o.logger.Info("publish tasks created", zap.Int("tasks", len(groups)), zap.Bool("per_org", perOrg))
	return len(groups), nil
}

// withoutQueued drops candidates already named by a waiting or running job-creation task.
func (o *Orchestrator) withoutQueued(ctx context.Context, candidates []ledger.ChangesetRecord) ([]ledger.ChangesetRecord, error) {
	pending, err := o.queue.Pending(ctx, tasks.TargetPublishJob)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return candidates, nil
	}
	queued := make(map[uint64]struct{})
	for _, task := range pending {
		var payload tasks.PublishJobPayload
		if err := (tasks.Delivery{Task: task}).Decode(&payload); err != nil {
			o.logger.Warn("unreadable publish task payload", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		for _, id := range payload.ChangesetIDs {
			queued[id] = struct{}{}
		}
	}
	remaining := make([]ledger.ChangesetRecord, 0, len(candidates))
	for _, record := range candidates {
		if _, ok := queued[record.ID]; ok {
			continue
		}
		remaining = append(remaining, record)
	}
	if skipped := len(candidates) - len(remaining); skipped > 0 {
		o.logger.Info("changesets already queued for publishing", zap.Int("changesets", skipped))
	}
	return remaining, nil
}

// CreateJob launches one sync job for the given records. The records are claimed first, so a
// record or an org already covered by another job is left out. On launch failure the claim is
// released, every record is reported as errored and the error is returned so the task retries.
func (o *Orchestrator) CreateJob(ctx context.Context, ids []uint64) (string, error) {
	now := o.clock().UTC()
	records, err := o.store.ClaimForPublish(ctx, ids, now)
	if err != nil {
		return "", newOrchestratorError(opCreateJob, "claim_failed", err)
	}
	if len(records) == 0 {
		o.logger.Info("publish job skipped, no changeset left after gating", zap.Int("requested", len(ids)))
		return "", nil
	}

	claimed := make([]uint64, 0, len(records))
	labels := make([]string, 0, len(records))
	for _, record := range records {
		claimed = append(claimed, record.ID)
		labels = append(labels, record.Label())
	}
	jobID, err := o.launcher.Submit(ctx, TemplateSync, jobName(TemplateSync), map[string]string{
		paramOrgChangesets: strings.Join(labels, ","),
	})
	if err != nil {
		o.logger.Error("failed to create publish job", zap.Strings("changesets", labels), zap.Error(err))
		if releaseErr := o.store.ReleasePublishClaim(ctx, claimed); releaseErr != nil {
			o.logger.Error("failed to release publish claim", zap.Strings("changesets", labels), zap.Error(releaseErr))
		}
		for _, record := range records {
			o.notifier.RecordStatus(ctx, record, events.ChangesetError)
		}
		return "", newOrchestratorError(opCreateJob, "launch_failed", err)
	}
	o.logger.Info("publish job scheduled", zap.String("job_id", jobID), zap.Strings("changesets", labels))

	if err := o.store.AttachPublishJob(ctx, claimed, jobID); err != nil {
		// The records stay claimed, so a retry cannot launch a second job for them.
		o.logger.Error("failed to record publish job", zap.String("job_id", jobID), zap.Error(err))
		return jobID, newOrchestratorError(opCreateJob, "save_failed", err)
	}
	for _, record := range records {
		o.notifier.RecordStatus(ctx, record, events.ChangesetSyncing)
	}
	return jobID, nil
}

// PollJobs refreshes every running record with one status lookup per job. Terminal jobs finish
// their records; a failed lookup counts as a failed job. Claims younger than claimTimeout are
// left to the task launching their job.
func (o *Orchestrator) PollJobs(ctx context.Context) (int, error) {
	running, err := o.store.RunningChangesets(ctx)
	if err != nil {
		return 0, newOrchestratorError(opPoll, "load_failed", err)
	}
	if len(running) == 0 {
		o.logger.Debug("no changesets to update")
		return 0, nil
	}

	now := o.clock().UTC()
	statuses := make(map[string]JobStatus)
	polled := make([]ledger.ChangesetRecord, 0, len(running))
	for _, record := range running {
		if record.PublishJobID == "" {
			if record.PublishStartedAt != nil && now.Sub(*record.PublishStartedAt) < claimTimeout {
				continue
			}
			o.logger.Warn("publish claim expired without a job",
				zap.String("org_id", record.OrgID),
				zap.Int64("changeset", record.Changeset))
			polled = append(polled, record)
			continue
		}
		polled = append(polled, record)
		if _, ok := statuses[record.PublishJobID]; ok {
			continue
		}
		status, err := o.launcher.Status(ctx, record.PublishJobID)
		if err != nil {
			o.logger.Warn("failed to retrieve job status", zap.String("job_id", record.PublishJobID), zap.Error(err))
			status = JobStatus{State: statusLookupFailed, Terminal: true}
		}
		statuses[record.PublishJobID] = status
	}
	if len(polled) == 0 {
		return 0, nil
	}

	finished := make([]ledger.ChangesetRecord, 0, len(polled))
	for index := range polled {
		record := &polled[index]
		status, ok := statuses[record.PublishJobID]
		if !ok {
			status = JobStatus{State: statusClaimExpired, Terminal: true}
		}
		record.PublishJobStatus = status.State
		if status.Terminal {
			record.PublishJobRunning = false
			record.PublishJobFinished = true
			record.PublishJobFailed = !status.Succeeded
			record.PublishFinishedAt = &now
			finished = append(finished, *record)
		}
		o.logger.Info("updating changeset with job status",
			zap.String("org_id", record.OrgID),
			zap.Int64("changeset", record.Changeset),
			zap.String("job_status", status.State))
	}
	if err := o.store.SaveChangesets(ctx, polled); err != nil {
		return 0, newOrchestratorError(opPoll, "save_failed", err)
	}
	for _, record := range finished {
		if record.PublishJobFailed {
			o.notifier.RecordStatus(ctx, record, events.ChangesetError)
		} else {
			o.notifier.RecordStatus(ctx, record, events.ChangesetSynced)
		}
	}
	return len(finished), nil
}

// Cleanup launches the job that prunes historic changeset items.
func (o *Orchestrator) Cleanup(ctx context.Context) (string, error) {
	jobID, err := o.launcher.Submit(ctx, TemplateCleanup, jobName(TemplateCleanup), map[string]string{paramDryRun: "false"})
	if err != nil {
		return "", newOrchestratorError(opCleanup, "launch_failed", err)
	}
	o.logger.Info("cleanup job scheduled", zap.String("job_id", jobID))
	return jobID, nil
}

// Replay launches a job that re-emits the selected item types. No org ids means every org.
func (o *Orchestrator) Replay(ctx context.Context, orgIDs, itemTypes []string) (string, error) {
	if len(itemTypes) == 0 {
		return "", newOrchestratorError(opReplay, "missing_item_types", ErrNoItemTypes)
	}
	for _, itemType := range itemTypes {
		if !knownItemType(itemType) {
			return "", newOrchestratorError(opReplay, "unknown_item_type", fmt.Errorf("%w: %s", ErrUnknownItemType, itemType))
		}
	}
	if len(orgIDs) == 0 {
		all, err := o.store.OrgIDs(ctx)
		if err != nil {
			return "", newOrchestratorError(opReplay, "list_failed", err)
		}
		orgIDs = all
	}
	jobID, err := o.launcher.Submit(ctx, TemplateReplay, jobName(TemplateReplay), map[string]string{
		paramDataTypes: strings.Join(itemTypes, ","),
		paramOrgs:      strings.Join(orgIDs, ","),
	})
	if err != nil {
		return "", newOrchestratorError(opReplay, "launch_failed", err)
	}
	o.logger.Info("replay job scheduled", zap.String("job_id", jobID), zap.Strings("item_types", itemTypes), zap.Int("orgs", len(orgIDs)))
	return jobID, nil
}

// MarkChangesetFailed records that the downstream job could not publish one changeset.
// The next sweep picks it up again.
func (o *Orchestrator) MarkChangesetFailed(ctx context.Context, orgID string, changeset int64) (ledger.ChangesetRecord, error) {
	record, err := o.store.GetChangeset(ctx, orgID, changeset)
	if err != nil {
		return ledger.ChangesetRecord{}, newOrchestratorError(opMarkFail, "load_failed", err)
	}
	record.PublishChangesetFailed = true
	if err := o.store.SaveChangesets(ctx, []ledger.ChangesetRecord{record}); err != nil {
		return ledger.ChangesetRecord{}, newOrchestratorError(opMarkFail, "save_failed", err)
	}
	o.notifier.RecordStatus(ctx, record, events.ChangesetError)
	return record, nil
}

func (o *Orchestrator) HandleCreateJob(ctx context.Context, delivery tasks.Delivery) (tasks.Result, error) {
	var payload tasks.PublishJobPayload
	if err := delivery.Decode(&payload); err != nil {
		return tasks.Result{}, fmt.Errorf("%w: decode publish payload: %v", tasks.ErrPermanent, err)
	}
	_, err := o.CreateJob(ctx, payload.ChangesetIDs)
	return tasks.Result{}, err
}

func (o *Orchestrator) HandleSweep(ctx context.Context, delivery tasks.Delivery) (tasks.Result, error) {
	var payload SweepPayload
	if err := delivery.Decode(&payload); err != nil {
		return tasks.Result{}, fmt.Errorf("%w: decode sweep payload: %v", tasks.ErrPermanent, err)
	}
	_, err := o.Sweep(ctx, payload.PerOrg)
	return tasks.Result{}, err
}

func (o *Orchestrator) HandlePoll(ctx context.Context, delivery tasks.Delivery) (tasks.Result, error) {
	_, err := o.PollJobs(ctx)
	return tasks.Result{}, err
}

func knownItemType(candidate string) bool {
	for _, itemType := range ItemTypes {
		if itemType == candidate {
			return true
		}
	}
	return false
}

func jobName(template string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%s-job-%d", template, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-job-%s", template, id.String())
}
