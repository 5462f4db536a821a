// Package status projects the read-only status of data sources and their changesets.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/events"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"go.uber.org/zap"
)

// StatusUnknown is reported when org state does not determine a changeset status.
const StatusUnknown = "unknown"

var (
	ErrDataSourceNotFound = errors.New("status: data source not found")
	ErrChangesetNotFound  = errors.New("status: changeset not found")

	noOpLogger = zap.NewNop()
)

// DataSourceStatus is the projected state of one org.
type DataSourceStatus struct {
	OrgID            string
	LinkStatus       string
	ConnectionStatus string
	LinkedAt         *time.Time
	ConnectedAt      *time.Time
	LastChangeset    int64
}

// HasLastChangeset reports whether the last changeset is visible. Changeset -1 is internal.
func (s DataSourceStatus) HasLastChangeset() bool {
	return s.LastChangeset >= 0
}

// ChangesetStatus is the projected sync state of one changeset.
type ChangesetStatus struct {
	OrgID     string
	Changeset int64
	Status    string
	SyncedAt  *time.Time
}

type ProjectorConfig struct {
	Store  *ledger.Store
	Logger *zap.Logger
}

// Projector derives statuses from the store without changing anything.
type Projector struct {
	store  *ledger.Store
	logger *zap.Logger
}

func NewProjector(cfg ProjectorConfig) (*Projector, error) {
	if cfg.Store == nil {
		return nil, errors.New("status: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Projector{store: cfg.Store, logger: logger}, nil
}

func (p *Projector) loadOrg(ctx context.Context, orgID string) (ledger.Org, error) {
	org, err := p.store.GetOrg(ctx, orgID)
	if errors.Is(err, ledger.ErrOrgNotFound) {
		return ledger.Org{}, fmt.Errorf("%w: %s", ErrDataSourceNotFound, orgID)
	}
	return org, err
}

// lastChangeset is the org's current changeset, or a newer recorded one for orgs synced by an external process.
func (p *Projector) lastChangeset(ctx context.Context, org ledger.Org) (int64, error) {
	recorded, err := p.store.LastChangesetNumber(ctx, org.ID)
	if err != nil {
		return ledger.LatestChangeset, err
	}
	return max(org.Changeset, recorded), nil
}

func (p *Projector) DataSource(ctx context.Context, orgID string) (DataSourceStatus, error) {
	org, err := p.loadOrg(ctx, orgID)
	if err != nil {
		return DataSourceStatus{}, err
	}
	last, err := p.lastChangeset(ctx, org)
	if err != nil {
		return DataSourceStatus{}, err
	}

	linkStatus := events.LinkUnlinked
	if org.Status == ledger.StatusConnected || org.Status == ledger.StatusDisconnected {
		linkStatus = events.LinkLinked
	}
	connectionStatus := events.ConnectionDisconnected
	if org.Status == ledger.StatusConnected {
		connectionStatus = events.ConnectionConnected
	}

	return DataSourceStatus{
		OrgID:            org.ID,
		LinkStatus:       linkStatus,
		ConnectionStatus: connectionStatus,
		LinkedAt:         org.LinkedAt,
		ConnectedAt:      org.ConnectedAt,
		LastChangeset:    last,
	}, nil
}

func (p *Projector) Changeset(ctx context.Context, orgID string, changeset int64) (ChangesetStatus, error) {
	org, err := p.loadOrg(ctx, orgID)
	if err != nil {
		return ChangesetStatus{}, err
	}
	last, err := p.lastChangeset(ctx, org)
	if err != nil {
		return ChangesetStatus{}, err
	}
	if changeset < 0 || changeset > last {
		return ChangesetStatus{}, fmt.Errorf("%w: %s", ErrChangesetNotFound, events.ChangesetResourceID(orgID, changeset))
	}

	result := ChangesetStatus{OrgID: org.ID, Changeset: changeset, Status: StatusUnknown}
	record, err := p.store.GetChangeset(ctx, orgID, changeset)
	switch {
	case err == nil:
		finished := record.PublishJobFinished && !record.PublishJobRunning
		successful := !record.PublishJobFailed && !record.PublishChangesetFailed
		switch {
		case finished && successful:
			result.Status = events.ChangesetSynced
			result.SyncedAt = record.PublishFinishedAt
		case !finished:
			result.Status = events.ChangesetSyncing
		default:
			result.Status = events.ChangesetError
		}
	case errors.Is(err, ledger.ErrChangesetNotFound):
		// ingestion has not finished yet
		switch org.Status {
		case ledger.StatusConnected:
			result.Status = events.ChangesetSyncing
		case ledger.StatusDisconnected:
			result.Status = events.ChangesetError
		}
	default:
		return ChangesetStatus{}, err
	}

	if result.Status == StatusUnknown {
		p.logger.Error("changeset status undetermined",
			zap.String("org_id", orgID),
			zap.Int64("changeset", changeset),
			zap.String("org_status", org.Status.String()),
		)
	}
	return result, nil
}
