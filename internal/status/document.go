package status

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/glsync/internal/events"
)

const (
	typeDataSourceStatus = "data_source_status"
	typeChangesetStatus  = "changeset_status"
)

// DocumentMeta heads every status document.
type DocumentMeta struct {
	Version      string `json:"version"`
	DataSourceID string `json:"data_source_id,omitempty"`
}

// Identifier points at a resource by type and id.
type Identifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Links holds related resource urls.
type Links struct {
	Related string `json:"related"`
}

type Relationship struct {
	Data  Identifier `json:"data"`
	Links *Links     `json:"links,omitempty"`
}

// Entry is a primary resource of a document.
type Entry struct {
	Type          string                  `json:"type"`
	ID            string                  `json:"id"`
	Relationships map[string]Relationship `json:"relationships"`
}

// ErrorObject describes why a document has no data.
type ErrorObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// Document is a JSON:API style response body.
type Document struct {
	Meta     DocumentMeta      `json:"meta"`
	Data     []Entry           `json:"data,omitempty"`
	Included []events.Resource `json:"included,omitempty"`
	Errors   []ErrorObject     `json:"errors,omitempty"`
}

// ChangesetPath is the status url of a changeset.
func ChangesetPath(orgID string, changeset int64) string {
	return fmt.Sprintf("/api/data_sources/%s/changesets/%d/status", orgID, changeset)
}

// DataSourceDocument renders a data source status with its link and connection resources included.
func DataSourceDocument(s DataSourceStatus) Document {
	relationships := map[string]Relationship{
		events.TypeConnectionStatus: {Data: Identifier{Type: events.TypeConnectionStatus, ID: s.OrgID}},
		events.TypeLinkStatus:       {Data: Identifier{Type: events.TypeLinkStatus, ID: s.OrgID}},
	}
	if s.HasLastChangeset() {
		relationships["last_changeset_status"] = Relationship{
			Data:  Identifier{Type: typeChangesetStatus, ID: events.ChangesetResourceID(s.OrgID, s.LastChangeset)},
			Links: &Links{Related: ChangesetPath(s.OrgID, s.LastChangeset)},
		}
	}
	return Document{
		Meta: DocumentMeta{Version: events.Version, DataSourceID: s.OrgID},
		Data: []Entry{{Type: typeDataSourceStatus, ID: s.OrgID, Relationships: relationships}},
		Included: []events.Resource{
			events.ConnectionResource(s.OrgID, s.ConnectionStatus, s.ConnectedAt),
			events.LinkResource(s.OrgID, s.LinkStatus, s.LinkedAt),
		},
	}
}

// ChangesetDocument renders a changeset status with its sync status included.
func ChangesetDocument(s ChangesetStatus) Document {
	id := events.ChangesetResourceID(s.OrgID, s.Changeset)
	return Document{
		Meta: DocumentMeta{Version: events.Version, DataSourceID: s.OrgID},
		Data: []Entry{{
			Type: typeChangesetStatus,
			ID:   id,
			Relationships: map[string]Relationship{
				"sync_status": {Data: Identifier{Type: events.TypeChangesetStatus, ID: id}},
			},
		}},
		Included: []events.Resource{events.ChangesetResource(s.OrgID, s.Changeset, s.Status, s.SyncedAt)},
	}
}

// DataSourceNotFoundDocument is returned for unknown orgs.
func DataSourceNotFoundDocument(orgID string) Document {
	return Document{
		Meta: DocumentMeta{Version: events.Version},
		Errors: []ErrorObject{{
			ID:     orgID + "_not_found",
			Status: "404",
			Code:   "not_found",
			Title:  "Data Source not found",
			Detail: fmt.Sprintf("Data Source %s could not be found.", orgID),
		}},
	}
}

// ChangesetNotFoundDocument is returned for changesets past the last one of a known org.
func ChangesetNotFoundDocument(orgID string, changeset int64) Document {
	return Document{
		Meta: DocumentMeta{Version: events.Version, DataSourceID: orgID},
		Errors: []ErrorObject{{
			ID:     events.ChangesetResourceID(orgID, changeset) + "_not_found",
			Status: "404",
			Code:   "not_found",
			Title:  "Changeset not found",
			Detail: fmt.Sprintf("Changeset %d could not be found for %s.", changeset, orgID),
		}},
	}
}
