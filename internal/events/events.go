// Package events builds and delivers data source status notifications.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"go.uber.org/zap"
)

const (
	// Topic is the notification topic consumers subscribe to.
	Topic = "gl2.status"
	// Version is the payload schema version.
	Version = "2.0.0"

	TypeLinkStatus       = "link_status"
	TypeConnectionStatus = "connection_status"
	TypeChangesetStatus  = "changeset_sync_status"

	LinkLinked   = "linked"
	LinkUnlinked = "unlinked"

	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"

	ChangesetSyncing = "syncing"
	ChangesetSynced  = "synced"
	ChangesetError   = "error"

	timestampLayout = "2006-01-02T15:04:05"
)

var noOpLogger = zap.NewNop()

// Meta identifies the data source and the moment a notification was built.
type Meta struct {
	Version      string `json:"version"`
	DataSourceID string `json:"data_source_id"`
	Timestamp    string `json:"timestamp"`
}

// Resource is one JSON:API style entry of a notification.
type Resource struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes"`
}

// Envelope is the full notification body.
type Envelope struct {
	Meta Meta       `json:"meta"`
	Data []Resource `json:"data"`
}

// OrgID returns the data source the envelope describes.
func (e Envelope) OrgID() string {
	return e.Meta.DataSourceID
}

// Publisher delivers envelopes to one sink.
type Publisher interface {
	Publish(ctx context.Context, envelope Envelope) error
}

// FormatTimestamp renders a UTC instant to the second without an offset.
func FormatTimestamp(moment time.Time) string {
	return moment.UTC().Format(timestampLayout)
}

func optionalTimestamp(moment *time.Time) any {
	if moment == nil {
		return nil
	}
	return FormatTimestamp(*moment)
}

// ChangesetResourceID renders the id of a changeset resource.
func ChangesetResourceID(orgID string, changeset int64) string {
	return fmt.Sprintf("%s_%d", orgID, changeset)
}

// LinkResource describes whether an org is linked.
func LinkResource(orgID, status string, linkedAt *time.Time) Resource {
	if status != LinkLinked {
		linkedAt = nil
	}
	return Resource{
		Type: TypeLinkStatus,
		ID:   orgID,
		Attributes: map[string]any{
			"status":    status,
			"linked_at": optionalTimestamp(linkedAt),
		},
	}
}

// ConnectionResource describes whether an org's API calls work.
func ConnectionResource(orgID, status string, connectedAt *time.Time) Resource {
	if status != ConnectionConnected {
		connectedAt = nil
	}
	return Resource{
		Type: TypeConnectionStatus,
		ID:   orgID,
		Attributes: map[string]any{
			"status":       status,
			"connected_at": optionalTimestamp(connectedAt),
		},
	}
}

// ChangesetResource describes the sync status of one changeset. syncedAt is only kept for synced changesets.
func ChangesetResource(orgID string, changeset int64, status string, syncedAt *time.Time) Resource {
	if status != ChangesetSynced {
		syncedAt = nil
	}
	return Resource{
		Type: TypeChangesetStatus,
		ID:   ChangesetResourceID(orgID, changeset),
		Attributes: map[string]any{
			"status":    status,
			"changeset": changeset,
			"synced_at": optionalTimestamp(syncedAt),
		},
	}
}

type NotifierConfig struct {
	Publisher Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Notifier turns lifecycle transitions into envelopes. Delivery is best effort:
// failures are logged and never propagate into the caller's transition.
type Notifier struct {
	publisher Publisher
	clock     func() time.Time
	logger    *zap.Logger
}

func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if cfg.Publisher == nil {
		return nil, errors.New("events: publisher is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Notifier{publisher: cfg.Publisher, clock: clock, logger: logger}, nil
}

// Envelope wraps resources for an org with the current timestamp.
func (n *Notifier) Envelope(orgID string, resources ...Resource) Envelope {
	return Envelope{
		Meta: Meta{
			Version:      Version,
			DataSourceID: orgID,
			Timestamp:    FormatTimestamp(n.clock()),
		},
		Data: resources,
	}
}

// OrgStatus publishes the link and connection status of an org.
func (n *Notifier) OrgStatus(ctx context.Context, org ledger.Org) {
	linkStatus := LinkUnlinked
	if org.Status == ledger.StatusConnected || org.Status == ledger.StatusDisconnected {
		linkStatus = LinkLinked
	}
	connectionStatus := ConnectionDisconnected
	if org.Status == ledger.StatusConnected {
		connectionStatus = ConnectionConnected
	}
	n.send(ctx, n.Envelope(org.ID,
		LinkResource(org.ID, linkStatus, org.LinkedAt),
		ConnectionResource(org.ID, connectionStatus, org.ConnectedAt),
	))
}

// Unlinked publishes an explicit unlink of an org.
func (n *Notifier) Unlinked(ctx context.Context, orgID string) {
	n.send(ctx, n.Envelope(orgID,
		LinkResource(orgID, LinkUnlinked, nil),
		ConnectionResource(orgID, ConnectionDisconnected, nil),
	))
}

// ChangesetStatus publishes the sync status of one changeset.
func (n *Notifier) ChangesetStatus(ctx context.Context, orgID string, changeset int64, status string, syncedAt *time.Time) {
	n.send(ctx, n.Envelope(orgID, ChangesetResource(orgID, changeset, status, syncedAt)))
}

// RecordStatus publishes the publish outcome of a changeset record.
func (n *Notifier) RecordStatus(ctx context.Context, record ledger.ChangesetRecord, status string) {
	n.ChangesetStatus(ctx, record.OrgID, record.Changeset, status, record.PublishFinishedAt)
}

func (n *Notifier) send(ctx context.Context, envelope Envelope) {
	if err := n.publisher.Publish(ctx, envelope); err != nil {
		n.logger.Warn("status notification failed",
			zap.String("org_id", envelope.OrgID()),
			zap.String("topic", Topic),
			zap.Error(err))
	}
}
