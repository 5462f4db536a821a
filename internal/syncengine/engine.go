// Package syncengine drives the resumable per-org ingestion stages.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/apisession"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"go.uber.org/zap"
)

// StageKind is the closed set of ingestion stages.
type StageKind int

const (
	StageListAPI StageKind = iota
	StageMissingItems
	StageJournalReport
	StageAccountBalance
)

func (k StageKind) String() string {
	switch k {
	case StageListAPI:
		return "list_api"
	case StageMissingItems:
		return "missing_items"
	case StageJournalReport:
		return "journal_report"
	case StageAccountBalance:
		return "account_balance"
	default:
		return fmt.Sprintf("stage(%d)", int(k))
	}
}

// Payload is the opaque state handed from one step to the next.
type Payload map[string]string

const payloadMaxUpdatedAt = "max_updated_at"

var (
	errMissingStore    = errors.New("ledger store is required")
	errMissingSessions = errors.New("session source is required")
	// ErrUnknownProvider indicates no catalog is registered for the org's provider.
	ErrUnknownProvider = errors.New("syncengine: no catalog for provider")
	noOpLogger         = zap.NewNop()
)

// EngineError carries a dotted code describing the failed operation.
type EngineError struct {
	code string
	err  error
}

func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *EngineError) Unwrap() error {
	return e.err
}

func (e *EngineError) Code() string {
	return e.code
}

const (
	opMachineNew  = "syncengine.machine.new"
	opMachineNext = "syncengine.machine.next"
	opList        = "syncengine.list"
	opMissing     = "syncengine.missing_items"
	opJournal     = "syncengine.journal"
	opBalance     = "syncengine.balance"
)

func newEngineError(operation, reason string, cause error) error {
	return &EngineError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Catalog describes everything the engine needs to know about one provider.
type Catalog struct {
	Provider ledger.Provider
	Stages   []StageKind
	List     ListSource
	Lookup   LookupSource
	Reports  ReportSource
}

func (c Catalog) validate() error {
	if len(c.Stages) == 0 {
		return fmt.Errorf("catalog %s has no stages", c.Provider)
	}
	for _, kind := range c.Stages {
		switch kind {
		case StageListAPI:
			if c.List == nil {
				return fmt.Errorf("catalog %s: list stage needs a list source", c.Provider)
			}
		case StageMissingItems:
			if c.Lookup == nil {
				return fmt.Errorf("catalog %s: missing items stage needs a lookup source", c.Provider)
			}
		case StageJournalReport, StageAccountBalance:
			if c.Reports == nil {
				return fmt.Errorf("catalog %s: %s stage needs a report source", c.Provider, kind)
			}
		default:
			return fmt.Errorf("catalog %s: unknown stage %s", c.Provider, kind)
		}
	}
	return nil
}

// SessionSource hands out API sessions per org.
type SessionSource interface {
	Session(org ledger.Org) (apisession.Session, error)
}

// Run is the state shared by a stage during one step.
type Run struct {
	Org     ledger.Org
	Cursor  *ledger.SyncCursor
	Session apisession.Session
	Now     time.Time
}

type MachineConfig struct {
	Store    *ledger.Store
	Sessions SessionSource
	Catalogs []Catalog
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Machine runs one stage step per call and keeps the cursor.
type Machine struct {
	store    *ledger.Store
	sessions SessionSource
	catalogs map[ledger.Provider]Catalog
	clock    func() time.Time
	logger   *zap.Logger
}

func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.Store == nil {
		return nil, newEngineError(opMachineNew, "missing_store", errMissingStore)
	}
	if cfg.Sessions == nil {
		return nil, newEngineError(opMachineNew, "missing_sessions", errMissingSessions)
	}
	catalogs := make(map[ledger.Provider]Catalog, len(cfg.Catalogs))
	for _, catalog := range cfg.Catalogs {
		if err := catalog.validate(); err != nil {
			return nil, newEngineError(opMachineNew, "invalid_catalog", err)
		}
		catalogs[catalog.Provider] = catalog
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Machine{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		catalogs: catalogs,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Supports reports whether the provider has a registered catalog.
func (m *Machine) Supports(provider ledger.Provider) bool {
	_, ok := m.catalogs[provider]
	return ok
}

// Next runs the current stage once. It reports complete when the last stage finished
// and the cursor wrapped back to the first stage.
func (m *Machine) Next(ctx context.Context, org ledger.Org, payload Payload) (bool, Payload, error) {
	catalog, ok := m.catalogs[org.Provider]
	if !ok {
		return false, nil, fmt.Errorf("%w: %s", ErrUnknownProvider, org.Provider)
	}
	cursor, err := m.store.LoadCursor(ctx, org.ID, org.Provider)
	if err != nil {
		return false, nil, err
	}
	if cursor.StageIndex < 0 || cursor.StageIndex >= len(catalog.Stages) {
		cursor.StageIndex = 0
	}
	session, err := m.sessions.Session(org)
	if err != nil {
		return false, nil, err
	}

	kind := catalog.Stages[cursor.StageIndex]
	run := &Run{Org: org, Cursor: &cursor, Session: session, Now: m.clock().UTC()}
	logger := m.logger.With(
		zap.String("org_id", org.ID),
		zap.Int64("changeset", org.Changeset),
		zap.String("stage", kind.String()),
	)
	logger.Debug("running stage", zap.Int("stage_index", cursor.StageIndex))

	if payload == nil {
		payload = Payload{}
	}
	stageComplete, nextPayload, err := m.runStage(ctx, catalog, kind, run, payload, logger)
	if err != nil {
		return false, nil, err
	}

	complete := false
	if stageComplete {
		cursor.StageIndex++
		if cursor.StageIndex >= len(catalog.Stages) {
			cursor.StageIndex = 0
			complete = true
		}
		logger.Info("stage completed", zap.Int("next_stage_index", cursor.StageIndex))
	}
	if err := m.store.SaveCursor(ctx, &cursor); err != nil {
		return false, nil, newEngineError(opMachineNext, "save_cursor_failed", err)
	}
	if nextPayload == nil {
		nextPayload = Payload{}
	}
	return complete, nextPayload, nil
}

func (m *Machine) runStage(ctx context.Context, catalog Catalog, kind StageKind, run *Run, payload Payload, logger *zap.Logger) (bool, Payload, error) {
	switch kind {
	case StageListAPI:
		return m.nextListPage(ctx, catalog.List, run, payload, logger)
	case StageMissingItems:
		return m.nextMissingBundle(ctx, catalog.Lookup, run, logger)
	case StageJournalReport:
		return m.nextJournalDate(ctx, catalog.Reports, run, logger)
	case StageAccountBalance:
		return m.nextBalanceDate(ctx, catalog.Reports, run, logger)
	default:
		return false, nil, newEngineError(opMachineNext, "unknown_stage", fmt.Errorf("stage %s", kind))
	}
}
