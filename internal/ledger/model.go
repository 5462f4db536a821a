package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// ConnectionStatus tracks the link/connection lifecycle of an org.
type ConnectionStatus int

const (
	// StatusLinking is set while the auth flow is in progress.
	StatusLinking ConnectionStatus = 1
	// StatusConnected means the org is linked and API calls succeed.
	StatusConnected ConnectionStatus = 2
	// StatusDisconnected means the org was linked but API calls stopped working.
	StatusDisconnected ConnectionStatus = 3
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusLinking:
		return "linking"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Provider names the system an org is synced from.
type Provider string

const (
	ProviderQBO   Provider = "qbo"
	ProviderZuora Provider = "zuora"
)

// IsAPI reports whether the provider is pulled by the sync engine. Other providers
// are fed by an external uploader and only tracked for status.
func (p Provider) IsAPI() bool {
	return p == ProviderQBO || p == ProviderZuora
}

// APIProviders lists the providers driven by the sync engine.
func APIProviders() []Provider {
	return []Provider{ProviderQBO, ProviderZuora}
}

const (
	// LatestChangeset is the pseudo changeset holding the most recent copy of every item.
	LatestChangeset int64 = -1
	// Epoch is the default low-watermark for list endpoints.
	Epoch = "1970-01-01T00:00:00"

	maxIdentifierLength = 190
)

var (
	// ErrInvalidOrgID indicates an empty or oversized org identifier.
	ErrInvalidOrgID = errors.New("ledger: invalid org id")
	// ErrOrgNotFound indicates the org row does not exist.
	ErrOrgNotFound = errors.New("ledger: org not found")
	// ErrChangesetNotFound indicates the changeset record does not exist.
	ErrChangesetNotFound = errors.New("ledger: changeset not found")
)

// ValidateOrgID trims and bounds an org identifier.
func ValidateOrgID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOrgID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOrgID, maxIdentifierLength)
	}
	return trimmed, nil
}

// Org is the live sync state of one connected tenant.
type Org struct {
	ID                         string           `gorm:"column:org_id;primaryKey;size:190;not null"`
	Provider                   Provider         `gorm:"column:provider;size:32;not null;index"`
	EntityID                   string           `gorm:"column:entity_id;size:190"`
	Status                     ConnectionStatus `gorm:"column:status;not null;index"`
	Country                    string           `gorm:"column:country;size:8"`
	Changeset                  int64            `gorm:"column:changeset;not null"`
	ChangesetStartedAt         *time.Time       `gorm:"column:changeset_started_at"`
	ChangesetCompletedAt       *time.Time       `gorm:"column:changeset_completed_at"`
	UpdateCycleActive          bool             `gorm:"column:update_cycle_active;not null"`
	LastUpdateCycleCompletedAt time.Time        `gorm:"column:last_update_cycle_completed_at;not null;index"`
	PublishDisabled            bool             `gorm:"column:publish_disabled;not null"`
	LinkedAt                   *time.Time       `gorm:"column:linked_at"`
	ConnectedAt                *time.Time       `gorm:"column:connected_at"`
	CreatedAt                  time.Time        `gorm:"column:created_at"`
	UpdatedAt                  time.Time        `gorm:"column:updated_at"`
}

func (Org) TableName() string {
	return "orgs"
}

// NewOrg returns an org that has never run a changeset.
func NewOrg(id string, provider Provider, status ConnectionStatus) Org {
	return Org{
		ID:                         id,
		Provider:                   provider,
		Status:                     status,
		Changeset:                  LatestChangeset,
		LastUpdateCycleCompletedAt: time.Unix(0, 0).UTC(),
	}
}

// CycleInProgress reports whether the current changeset was started and not completed.
func (o Org) CycleInProgress() bool {
	return o.ChangesetStartedAt != nil && o.ChangesetCompletedAt == nil
}

// CycleFinished reports whether the current changeset was started and completed.
func (o Org) CycleFinished() bool {
	return o.ChangesetStartedAt != nil && o.ChangesetCompletedAt != nil
}

// CycleNeverStarted reports whether no changeset has ever been started.
func (o Org) CycleNeverStarted() bool {
	return o.ChangesetStartedAt == nil && o.ChangesetCompletedAt == nil
}

// SyncCursor is the resumable position of an org inside its provider's stage list.
type SyncCursor struct {
	OrgID                string                               `gorm:"column:org_id;primaryKey;size:190;not null"`
	Provider             Provider                             `gorm:"column:provider;primaryKey;size:32;not null"`
	StageIndex           int                                  `gorm:"column:stage_index;not null"`
	EndpointIndex        int                                  `gorm:"column:endpoint_index;not null"`
	Offset               int                                  `gorm:"column:page_offset;not null"`
	PageCursor           string                               `gorm:"column:page_cursor;type:text"`
	Markers              datatypes.JSONType[map[string]string] `gorm:"column:markers"`
	JournalDates         datatypes.JSONSlice[string]          `gorm:"column:journal_dates"`
	BalanceInitialMarker string                               `gorm:"column:balance_initial_marker;size:16"`
	BalanceMarker        string                               `gorm:"column:balance_marker;size:16"`
	UpdatedAt            time.Time                            `gorm:"column:updated_at"`
}

func (SyncCursor) TableName() string {
	return "sync_cursors"
}

// NewSyncCursor returns a cursor positioned at the first stage.
func NewSyncCursor(orgID string, provider Provider) SyncCursor {
	return SyncCursor{
		OrgID:    orgID,
		Provider: provider,
		Markers:  datatypes.NewJSONType(map[string]string{}),
	}
}

// Marker returns the low-watermark for an endpoint, defaulting to Epoch.
func (c *SyncCursor) Marker(endpoint string) string {
	if marker, ok := c.Markers.Data()[endpoint]; ok && marker != "" {
		return marker
	}
	return Epoch
}

// SetMarker records a new low-watermark for an endpoint.
func (c *SyncCursor) SetMarker(endpoint, marker string) {
	markers := make(map[string]string, len(c.Markers.Data())+1)
	for key, value := range c.Markers.Data() {
		markers[key] = value
	}
	markers[endpoint] = marker
	c.Markers = datatypes.NewJSONType(markers)
}

// QueueJournalDate adds a report date unless it is already pending.
func (c *SyncCursor) QueueJournalDate(date string) {
	for _, pending := range c.JournalDates {
		if pending == date {
			return
		}
	}
	c.JournalDates = append(c.JournalDates, date)
}

// PeekJournalDate returns the next pending report date.
func (c *SyncCursor) PeekJournalDate() (string, bool) {
	if len(c.JournalDates) == 0 {
		return "", false
	}
	return c.JournalDates[0], true
}

// PopJournalDate removes the next pending report date.
func (c *SyncCursor) PopJournalDate() {
	if len(c.JournalDates) == 0 {
		return
	}
	c.JournalDates = append(datatypes.JSONSlice[string]{}, c.JournalDates[1:]...)
}

// Item is one raw provider record captured under a changeset.
type Item struct {
	OrgID     string         `gorm:"column:org_id;primaryKey;size:190;not null"`
	Changeset int64          `gorm:"column:changeset;primaryKey;autoIncrement:false;not null"`
	Endpoint  string         `gorm:"column:endpoint;primaryKey;size:64;not null"`
	ItemID    string         `gorm:"column:item_id;primaryKey;size:190;not null"`
	Provider  Provider       `gorm:"column:provider;size:32;not null"`
	Data      datatypes.JSON `gorm:"column:data;not null"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

func (Item) TableName() string {
	return "items"
}

// Key renders the item's natural key.
func (i Item) Key() string {
	return fmt.Sprintf("%s_%d_%s_%s", i.OrgID, i.Changeset, i.Endpoint, i.ItemID)
}

// Decode unmarshals the raw payload.
func (i Item) Decode(target any) error {
	return json.Unmarshal(i.Data, target)
}

// NewItemPair returns the versioned copy and the latest copy of a record.
func NewItemPair(org Org, endpoint, itemID string, data []byte) []Item {
	payload := datatypes.JSON(append([]byte(nil), data...))
	return []Item{
		{OrgID: org.ID, Changeset: org.Changeset, Endpoint: endpoint, ItemID: itemID, Provider: org.Provider, Data: payload},
		{OrgID: org.ID, Changeset: LatestChangeset, Endpoint: endpoint, ItemID: itemID, Provider: org.Provider, Data: payload},
	}
}

// MissingItemRef points at a record a downstream consumer could not resolve.
type MissingItemRef struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// MissingItemBundle groups references that must be resolved together.
type MissingItemBundle struct {
	ID        uint64                              `gorm:"column:id;primaryKey;autoIncrement"`
	OrgID     string                              `gorm:"column:org_id;size:190;not null;index"`
	Changeset int64                               `gorm:"column:changeset;not null"`
	Origin    string                              `gorm:"column:origin;size:64"`
	Items     datatypes.JSONSlice[MissingItemRef] `gorm:"column:items;not null"`
	CreatedAt time.Time                           `gorm:"column:created_at"`
}

func (MissingItemBundle) TableName() string {
	return "missing_item_bundles"
}

// ChangesetRecord is the history entry written when a changeset finishes ingestion.
// Publish fields are owned by the publish orchestrator.
type ChangesetRecord struct {
	ID                     uint64     `gorm:"column:id;primaryKey;autoIncrement"`
	OrgID                  string     `gorm:"column:org_id;size:190;not null;uniqueIndex:idx_changeset_records_org_changeset"`
	Provider               Provider   `gorm:"column:provider;size:32;not null"`
	Changeset              int64      `gorm:"column:changeset;not null;uniqueIndex:idx_changeset_records_org_changeset"`
	IngestionStartedAt     *time.Time `gorm:"column:ingestion_started_at"`
	IngestionCompletedAt   *time.Time `gorm:"column:ingestion_completed_at"`
	PublishStartedAt       *time.Time `gorm:"column:publish_started_at"`
	PublishJobID           string     `gorm:"column:publish_job_id;size:190;index"`
	PublishJobStatus       string     `gorm:"column:publish_job_status;size:64"`
	PublishJobRunning      bool       `gorm:"column:publish_job_running;not null;index"`
	PublishJobFinished     bool       `gorm:"column:publish_job_finished;not null"`
	PublishJobFailed       bool       `gorm:"column:publish_job_failed;not null"`
	PublishChangesetFailed bool       `gorm:"column:publish_changeset_failed;not null"`
	PublishJobCount        int        `gorm:"column:publish_job_count;not null"`
	PublishFinishedAt      *time.Time `gorm:"column:publish_finished_at"`
	CreatedAt              time.Time  `gorm:"column:created_at"`
	UpdatedAt              time.Time  `gorm:"column:updated_at"`
}

func (ChangesetRecord) TableName() string {
	return "changeset_records"
}

// Label renders the org:changeset pair passed to publish jobs.
func (r ChangesetRecord) Label() string {
	return fmt.Sprintf("%s:%d", r.OrgID, r.Changeset)
}

// OrgCredential holds the stored API credentials of an org.
type OrgCredential struct {
	OrgID           string         `gorm:"column:org_id;primaryKey;size:190;not null"`
	Token           datatypes.JSON `gorm:"column:token"`
	AccessKeyID     string         `gorm:"column:access_key_id;size:190"`
	SecretAccessKey string         `gorm:"column:secret_access_key;size:190"`
	UpdatedAt       time.Time      `gorm:"column:updated_at"`
}

func (OrgCredential) TableName() string {
	return "org_credentials"
}

// Models lists the schema owned by this package.
func Models() []any {
	return []any{
		&Org{},
		&SyncCursor{},
		&Item{},
		&MissingItemBundle{},
		&ChangesetRecord{},
		&OrgCredential{},
	}
}
