package syncengine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/apisession"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"go.uber.org/zap"
)

// Endpoint describes one list endpoint of a provider.
type Endpoint struct {
	Name string
	// Paginated endpoints are paged until a short page or a missing page cursor.
	Paginated bool
	// Transactional records carry a transaction date that schedules a journal report.
	Transactional bool
	// IgnoresUpdatedFilter endpoints return unchanged records; they are compared to the latest copy.
	IgnoresUpdatedFilter bool
	// CapturesCountry endpoints carry the org's country.
	CapturesCountry bool
}

// PageRequest addresses one page of an endpoint.
type PageRequest struct {
	Endpoint   Endpoint
	Marker     string
	Offset     int
	PageCursor string
}

// Record is one provider record with the fields the engine inspects.
type Record struct {
	ID        string
	UpdatedAt string
	TxnDate   string
	Country   string
	Raw       json.RawMessage
}

// Page is the result of one list call. More is true when another page may follow.
type Page struct {
	Records    []Record
	More       bool
	NextCursor string
}

// ListSource fetches pages of the provider's list endpoints.
type ListSource interface {
	Endpoints() []Endpoint
	FetchPage(ctx context.Context, session apisession.Session, org ledger.Org, request PageRequest) (Page, error)
	// RecordVersion extracts the version timestamp of a stored raw record.
	RecordVersion(raw []byte) string
}

func (m *Machine) nextListPage(ctx context.Context, source ListSource, run *Run, payload Payload, logger *zap.Logger) (bool, Payload, error) {
	endpoints := source.Endpoints()
	cursor := run.Cursor
	if cursor.EndpointIndex < 0 || cursor.EndpointIndex >= len(endpoints) {
		cursor.EndpointIndex = 0
		cursor.Offset = 0
		cursor.PageCursor = ""
	}
	if cursor.EndpointIndex == 0 && cursor.Offset == 0 && cursor.PageCursor == "" {
		logger.Info("starting to ingest all list endpoints")
	}
	endpoint := endpoints[cursor.EndpointIndex]
	logger = logger.With(zap.String("endpoint", endpoint.Name))

	page, err := source.FetchPage(ctx, run.Session, run.Org, PageRequest{
		Endpoint:   endpoint,
		Marker:     cursor.Marker(endpoint.Name),
		Offset:     cursor.Offset,
		PageCursor: cursor.PageCursor,
	})
	if err != nil {
		return false, nil, err
	}
	logger.Info("fetched list page", zap.Int("count", len(page.Records)))

	pageMax := ""
	items := make([]ledger.Item, 0, len(page.Records)*2)
	for _, record := range page.Records {
		pageMax = LaterTimestamp(pageMax, record.UpdatedAt)

		if endpoint.CapturesCountry && record.Country != "" && record.Country != run.Org.Country {
			if err := m.store.UpdateOrgCountry(ctx, run.Org.ID, record.Country); err != nil {
				return false, nil, err
			}
			run.Org.Country = record.Country
		}
		if endpoint.IgnoresUpdatedFilter {
			unchanged, err := m.unchangedSinceLatest(ctx, source, run.Org.ID, endpoint.Name, record)
			if err != nil {
				return false, nil, err
			}
			if unchanged {
				logger.Info("record has not been updated, ignoring", zap.String("item_id", record.ID))
				continue
			}
		}
		if record.ID == "" {
			logger.Warn("record without id, dropping")
			continue
		}
		if endpoint.Transactional && record.TxnDate != "" {
			cursor.QueueJournalDate(record.TxnDate)
		}
		items = append(items, ledger.NewItemPair(run.Org, endpoint.Name, record.ID, record.Raw)...)
	}
	if err := m.store.PutItems(ctx, items); err != nil {
		return false, nil, newEngineError(opList, "put_items_failed", err)
	}

	next := Payload{}
	carried := LaterTimestamp(pageMax, payload[payloadMaxUpdatedAt])
	if endpoint.Paginated && page.More {
		logger.Info("paginated endpoint may have more pages")
		if page.NextCursor != "" {
			cursor.PageCursor = page.NextCursor
		} else {
			cursor.Offset += len(page.Records)
		}
		if carried != "" {
			next[payloadMaxUpdatedAt] = carried
		}
		return false, next, nil
	}

	if carried != "" {
		logger.Info("advancing endpoint marker", zap.String("marker", carried))
		cursor.SetMarker(endpoint.Name, carried)
	}
	cursor.EndpointIndex++
	cursor.Offset = 0
	cursor.PageCursor = ""
	if cursor.EndpointIndex >= len(endpoints) {
		cursor.EndpointIndex = 0
		return true, next, nil
	}
	return false, next, nil
}

func (m *Machine) unchangedSinceLatest(ctx context.Context, source ListSource, orgID, endpoint string, record Record) (bool, error) {
	if record.UpdatedAt == "" {
		return false, nil
	}
	var (
		latest ledger.Item
		found  bool
		err    error
	)
	if record.ID != "" {
		latest, found, err = m.store.LatestItem(ctx, orgID, endpoint, record.ID)
	} else {
		latest, found, err = m.store.AnyLatestItem(ctx, orgID, endpoint)
	}
	if err != nil || !found {
		return false, err
	}
	return source.RecordVersion(latest.Data) == record.UpdatedAt, nil
}

// LaterTimestamp returns the later of two provider timestamps. Empty values lose.
// Values that do not parse as RFC 3339 are compared lexically.
func LaterTimestamp(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	left, leftErr := time.Parse(time.RFC3339Nano, a)
	right, rightErr := time.Parse(time.RFC3339Nano, b)
	if leftErr == nil && rightErr == nil {
		if right.After(left) {
			return b
		}
		return a
	}
	if b > a {
		return b
	}
	return a
}
