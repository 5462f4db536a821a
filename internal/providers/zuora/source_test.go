package zuora

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/MarcoPoloResearchLab/glsync/internal/apisession"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/glsync/internal/syncengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSession struct {
	requests []apisession.Request
	bodies   [][]byte
}

func (s *scriptedSession) Do(ctx context.Context, request apisession.Request) ([]byte, error) {
	s.requests = append(s.requests, request)
	body := s.bodies[0]
	s.bodies = s.bodies[1:]
	return body, nil
}

func TestFetchPageFollowsQueryLocator(t *testing.T) {
	source := New(Config{BaseURL: "https://rest.zuora.example/v1/"})
	session := &scriptedSession{bodies: [][]byte{
		[]byte(`{"records":[{"Id":"a","UpdatedDate":"2024-01-02T10:00:00.000-08:00"},{"Id":"b","UpdatedDate":"2024-01-01T10:00:00.000-08:00"}],"size":2,"done":false,"queryLocator":"loc-1"}`),
		[]byte(`{"records":[{"Id":"c","UpdatedDate":"2024-01-03T10:00:00.000-08:00"}],"size":1,"done":true}`),
	}}
	org := ledger.NewOrg("org-1", ledger.ProviderZuora, ledger.StatusConnected)
	endpoint := source.Endpoints()[0]

	first, err := source.FetchPage(context.Background(), session, org, syncengine.PageRequest{Endpoint: endpoint, Marker: ledger.Epoch})
	require.NoError(t, err)
	assert.True(t, first.More)
	assert.Equal(t, "loc-1", first.NextCursor)
	require.Len(t, first.Records, 2)

	second, err := source.FetchPage(context.Background(), session, org, syncengine.PageRequest{Endpoint: endpoint, Marker: ledger.Epoch, PageCursor: first.NextCursor})
	require.NoError(t, err)
	assert.False(t, second.More)

	assert.Equal(t, "https://rest.zuora.example/v1/action/query", session.requests[0].URL)
	var query map[string]string
	require.NoError(t, json.Unmarshal(session.requests[0].Body, &query))
	assert.Contains(t, query["queryString"], "from Invoice where UpdatedDate > '1970-01-01T00:00:00'")

	assert.Equal(t, "https://rest.zuora.example/v1/action/queryMore", session.requests[1].URL)
	var more map[string]string
	require.NoError(t, json.Unmarshal(session.requests[1].Body, &more))
	assert.Equal(t, "loc-1", more["queryLocator"])
}

func TestUnorderedPageMaximumIsParsed(t *testing.T) {
	assert.Equal(t, "2024-01-02T10:00:00.000-08:00",
		syncengine.LaterTimestamp("2024-01-02T10:00:00.000-08:00", "2024-01-02T12:00:00.000-05:00"))
}

func TestProbeChecksSuccessFlag(t *testing.T) {
	source := New(Config{BaseURL: "https://rest.zuora.example/v1"})
	org := ledger.NewOrg("org-1", ledger.ProviderZuora, ledger.StatusConnected)

	ok := &scriptedSession{bodies: [][]byte{[]byte(`{"success":true}`)}}
	require.NoError(t, source.Probe(context.Background(), ok, org))
	assert.Equal(t, "https://rest.zuora.example/v1/accounting-codes", ok.requests[0].URL)

	rejected := &scriptedSession{bodies: [][]byte{[]byte(`{"success":false}`)}}
	assert.Error(t, source.Probe(context.Background(), rejected, org))
}

func TestCatalogRunsListStageOnly(t *testing.T) {
	catalog := New(Config{}).Catalog()
	assert.Equal(t, []syncengine.StageKind{syncengine.StageListAPI}, catalog.Stages)
	assert.Equal(t, ledger.ProviderZuora, catalog.Provider)
}
