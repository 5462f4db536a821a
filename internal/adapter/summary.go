package adapter

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
)

// Summary is the coarse sync state of an org as reported to operators.
type Summary struct {
	ID        string          `json:"id"`
	Source    ledger.Provider `json:"source"`
	Connected bool            `json:"connected"`
	Updating  bool            `json:"updating"`
	Synced    bool            `json:"synced"`
	SyncedAt  *string         `json:"synced_at"`
}

// OrgSummary reports whether an org has ever been published. The first publish only happens
// after the initial ingestion, so one successful publish means the org is synced. SyncedAt is
// the ingestion completion of the most recently published changeset.
func (c *Controller) OrgSummary(ctx context.Context, orgID string) (Summary, error) {
	org, err := c.store.GetOrg(ctx, orgID)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{
		ID:        org.ID,
		Source:    org.Provider,
		Connected: org.Status == ledger.StatusConnected,
		Updating:  org.CycleInProgress(),
	}
	record, found, err := c.store.LastPublishedChangeset(ctx, orgID)
	if err != nil {
		return Summary{}, err
	}
	if found {
		summary.Synced = true
		if record.IngestionCompletedAt != nil {
			syncedAt := record.IngestionCompletedAt.UTC().Format(time.RFC3339)
			summary.SyncedAt = &syncedAt
		}
	}
	return summary, nil
}
