package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/apisession"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type nullSessions struct{}

func (nullSessions) Session(org ledger.Org) (apisession.Session, error) {
	return nil, nil
}

type fakeList struct {
	endpoints []Endpoint
	pages     map[string][]Page
	requests  []PageRequest
}

func (f *fakeList) Endpoints() []Endpoint {
	return f.endpoints
}

func (f *fakeList) FetchPage(ctx context.Context, session apisession.Session, org ledger.Org, request PageRequest) (Page, error) {
	f.requests = append(f.requests, request)
	queue := f.pages[request.Endpoint.Name]
	if len(queue) == 0 {
		return Page{}, nil
	}
	f.pages[request.Endpoint.Name] = queue[1:]
	return queue[0], nil
}

func (f *fakeList) RecordVersion(raw []byte) string {
	var decoded struct {
		MetaData struct {
			LastUpdatedTime string `json:"LastUpdatedTime"`
		} `json:"MetaData"`
	}
	_ = json.Unmarshal(raw, &decoded)
	return decoded.MetaData.LastUpdatedTime
}

func record(id, updatedAt string) Record {
	raw := fmt.Sprintf(`{"Id":%q,"MetaData":{"LastUpdatedTime":%q}}`, id, updatedAt)
	return Record{ID: id, UpdatedAt: updatedAt, Raw: json.RawMessage(raw)}
}

type fakeLookup struct {
	records map[string]Record
	calls   int
}

func (f *fakeLookup) AddressableByID(endpoint string) bool {
	return endpoint != "CompanyInfo"
}

func (f *fakeLookup) Lookupable(endpoint string) bool {
	return endpoint != JournalEndpoint
}

func (f *fakeLookup) Lookup(ctx context.Context, session apisession.Session, org ledger.Org, ref ledger.MissingItemRef) (Record, bool, error) {
	f.calls++
	found, ok := f.records[ref.Type+"/"+ref.ID]
	return found, ok, nil
}

type fakeReports struct {
	ledgerLines map[string][]LedgerLine
	balances    map[string][]BalanceRow
	balanceDays []string
}

func (f *fakeReports) GeneralLedger(ctx context.Context, session apisession.Session, org ledger.Org, date string) ([]LedgerLine, error) {
	return f.ledgerLines[date], nil
}

func (f *fakeReports) TrialBalance(ctx context.Context, session apisession.Session, org ledger.Org, date string) ([]BalanceRow, error) {
	f.balanceDays = append(f.balanceDays, date)
	return f.balances[date], nil
}

func (f *fakeReports) TransactionEndpoint(transactionType string) (string, bool) {
	switch transactionType {
	case "Invoice":
		return "Invoice", true
	case "Check":
		return "Purchase", true
	default:
		return "", false
	}
}

func openTestStore(t *testing.T) *ledger.Store {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "engine.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(ledger.Models()...))
	store, err := ledger.NewStore(ledger.StoreConfig{Database: database, Clock: func() time.Time { return testNow }})
	require.NoError(t, err)
	return store
}

func seedOrg(t *testing.T, store *ledger.Store, changeset int64) ledger.Org {
	t.Helper()
	org := ledger.NewOrg("org-1", ledger.ProviderQBO, ledger.StatusConnected)
	org.Changeset = changeset
	require.NoError(t, store.SaveOrg(context.Background(), &org))
	return org
}

func newTestMachine(t *testing.T, store *ledger.Store, catalog Catalog) *Machine {
	t.Helper()
	catalog.Provider = ledger.ProviderQBO
	machine, err := NewMachine(MachineConfig{
		Store:    store,
		Sessions: nullSessions{},
		Catalogs: []Catalog{catalog},
		Clock:    func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return machine
}

func TestListStagePaginatesAndCommitsMarkerAtEndpointEnd(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	org := seedOrg(t, store, 0)
	list := &fakeList{
		endpoints: []Endpoint{{Name: "Invoice", Paginated: true}, {Name: "Account", Paginated: true}},
		pages: map[string][]Page{
			"Invoice": {
				{Records: []Record{record("1", "2024-01-01T00:00:00Z"), record("2", "2024-01-02T00:00:00Z")}, More: true},
				{Records: []Record{record("3", "2024-01-03T00:00:00Z")}},
			},
			"Account": {{Records: []Record{record("10", "2024-02-01T00:00:00Z")}}},
		},
	}
	machine := newTestMachine(t, store, Catalog{Stages: []StageKind{StageListAPI}, List: list})

	complete, payload, err := machine.Next(ctx, org, nil)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, "2024-01-02T00:00:00Z", payload[payloadMaxUpdatedAt])

	cursor, err := store.LoadCursor(ctx, org.ID, org.Provider)
	require.NoError(t, err)
	assert.Equal(t, 2, cursor.Offset)
	assert.Equal(t, ledger.Epoch, cursor.Marker("Invoice"))

	complete, payload, err = machine.Next(ctx, org, payload)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Empty(t, payload)
	assert.Equal(t, 2, list.requests[1].Offset)

	cursor, err = store.LoadCursor(ctx, org.ID, org.Provider)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-03T00:00:00Z", cursor.Marker("Invoice"))
	assert.Equal(t, 1, cursor.EndpointIndex)
	assert.Equal(t, 0, cursor.Offset)

	complete, _, err = machine.Next(ctx, org, payload)
	require.NoError(t, err)
	assert.True(t, complete)

	cursor, err = store.LoadCursor(ctx, org.ID, org.Provider)
	require.NoError(t, err)
	assert.Equal(t, 0, cursor.EndpointIndex)
	assert.Equal(t, 0, cursor.StageIndex)

	versioned, err := store.CountItems(ctx, org.ID, 0, "")
	require.NoError(t, err)
	latest, err := store.CountItems(ctx, org.ID, ledger.LatestChangeset, "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), versioned)
	assert.Equal(t, int64(4), latest)
}

func TestListStageCarriedMarkerSurvivesEmptyFinalPage(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	org := seedOrg(t, store, 0)
	list := &fakeList{
		endpoints: []Endpoint{{Name: "Invoice", Paginated: true}},
		pages: map[string][]Page{
			"Invoice": {{Records: []Record{record("1", "2024-01-05T00:00:00Z")}, More: true}},
		},
	}
	machine := newTestMachine(t, store, Catalog{Stages: []StageKind{StageListAPI}, List: list})

	_, payload, err := machine.Next(ctx, org, nil)
	require.NoError(t, err)
	complete, _, err := machine.Next(ctx, org, payload)
	require.NoError(t, err)
	assert.True(t, complete)

	cursor, err := store.LoadCursor(ctx, org.ID, org.Provider)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-05T00:00:00Z", cursor.Marker("Invoice"))
}

func TestListStageReexecutionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	org := seedOrg(t, store, 0)
	records := make([]Record, 0, 50)
	for i := 0; i < 50; i++ {
		records = append(records, record(fmt.Sprintf("%d", i), "2024-01-01T00:00:00Z"))
	}
	page := Page{Records: records}
	list := &fakeList{
		endpoints: []Endpoint{{Name: "Customer", Paginated: true}},
		pages:     map[string][]Page{"Customer": {page, page}},
	}
	machine := newTestMachine(t, store, Catalog{Stages: []StageKind{StageListAPI}, List: list})

	before, err := store.LoadCursor(ctx, org.ID, org.Provider)
	require.NoError(t, err)
	_, _, err = machine.Next(ctx, org, nil)
	require.NoError(t, err)
	require.NoError(t, store.SaveCursor(ctx, &before))
	_, _, err = machine.Next(ctx, org, nil)
	require.NoError(t, err)

	versioned, err := store.CountItems(ctx, org.ID, 0, "Customer")
	require.NoError(t, err)
	latest, err := store.CountItems(ctx, org.ID, ledger.LatestChangeset, "Customer")
	require.NoError(t, err)
	assert.Equal(t, int64(50), versioned)
	assert.Equal(t, int64(50), latest)
}

func TestListStageDeduplicatesUnfilteredEndpointAndCapturesCountry(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	org := seedOrg(t, store, 0)
	info := record("1", "2024-01-01T00:00:00Z")
	info.Country = "AU"
	list := &fakeList{
		endpoints: []Endpoint{{Name: "CompanyInfo", IgnoresUpdatedFilter: true, CapturesCountry: true}},
		pages:     map[string][]Page{"CompanyInfo": {{Records: []Record{info}}, {Records: []Record{info}}}},
	}
	machine := newTestMachine(t, store, Catalog{Stages: []StageKind{StageListAPI}, List: list})

	_, _, err := machine.Next(ctx, org, nil)
	require.NoError(t, err)

	stored, err := store.GetOrg(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, "AU", stored.Country)

	stored.Changeset = 1
	_, _, err = machine.Next(ctx, stored, nil)
	require.NoError(t, err)

	second, err := store.CountItems(ctx, org.ID, 1, "CompanyInfo")
	require.NoError(t, err)
	assert.Zero(t, second)
}

func TestListStageQueuesTransactionDates(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	org := seedOrg(t, store, 0)
	first := record("1", "2024-01-01T00:00:00Z")
	first.TxnDate = "2023-12-30"
	second := record("2", "2024-01-01T00:00:00Z")
	second.TxnDate = "2023-12-30"
	third := record("3", "2024-01-01T00:00:00Z")
	third.TxnDate = "2023-12-31"
	list := &fakeList{
		endpoints: []Endpoint{{Name: "Invoice", Paginated: true, Transactional: true}},
		pages:     map[string][]Page{"Invoice": {{Records: []Record{first, second, third}}}},
	}
	machine := newTestMachine(t, store, Catalog{Stages: []StageKind{StageListAPI}, List: list})

	_, _, err := machine.Next(ctx, org, nil)
	require.NoError(t, err)

	cursor, err := store.LoadCursor(ctx, org.ID, org.Provider)
	require.NoError(t, err)
	assert.Equal(t, datatypes.JSONSlice[string]{"2023-12-30", "2023-12-31"}, cursor.JournalDates)
}

func TestMissingItemsResolvesWholeBundleOrNothing(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	org := seedOrg(t, store, 3)
	require.NoError(t, store.PutItems(ctx, ledger.NewItemPair(ledger.Org{ID: org.ID, Provider: org.Provider, Changeset: 1}, "Customer", "7", []byte(`{"Id":"7"}`))))

	lookup := &fakeLookup{records: map[string]Record{"Invoice/42": record("42", "2024-01-01T00:00:00Z")}}
	machine := newTestMachine(t, store, Catalog{Stages: []StageKind{StageMissingItems}, Lookup: lookup})

	require.NoError(t, store.AddMissingBundle(ctx, &ledger.MissingItemBundle{
		OrgID: org.ID, Changeset: 2, Origin: "publish",
		Items: datatypes.JSONSlice[ledger.MissingItemRef]{{Type: "Customer", ID: "7"}, {Type: "Invoice", ID: "42"}},
	}))
	require.NoError(t, store.AddMissingBundle(ctx, &ledger.MissingItemBundle{
		OrgID: org.ID, Changeset: 2, Origin: "publish",
		Items: datatypes.JSONSlice[ledger.MissingItemRef]{{Type: "Customer", ID: "7"}, {Type: "Journal", ID: "Invoice99"}},
	}))

	complete, _, err := machine.Next(ctx, org, nil)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, 1, lookup.calls)

	resolved, err := store.CountItems(ctx, org.ID, 3, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), resolved)

	complete, _, err = machine.Next(ctx, org, nil)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, 1, lookup.calls)

	resolved, err = store.CountItems(ctx, org.ID, 3, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), resolved)

	complete, _, err = machine.Next(ctx, org, nil)
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestJournalStageDrainsQueuedDates(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	org := seedOrg(t, store, 0)
	cursor := ledger.NewSyncCursor(org.ID, org.Provider)
	cursor.QueueJournalDate("2024-01-01")
	cursor.QueueJournalDate("2024-01-02")
	require.NoError(t, store.SaveCursor(ctx, &cursor))

	reports := &fakeReports{ledgerLines: map[string][]LedgerLine{
		"2024-01-01": {
			{TransactionType: "Invoice", TransactionID: "5", Date: "2024-01-01", AccountID: "1", AccountName: "Sales", Amount: "-10.00"},
			{TransactionType: "Invoice", TransactionID: "5", Date: "2024-01-01", AccountID: "2", AccountName: "AR", Amount: "10.00"},
			{TransactionType: "Mystery", TransactionID: "9", Date: "2024-01-01", AccountID: "2", AccountName: "AR", Amount: "1.00"},
		},
		"2024-01-02": {
			{TransactionType: "Check", TransactionID: "5", Date: "2024-01-02", AccountID: "3", AccountName: "Bank", Amount: "-4.00"},
		},
	}}
	machine := newTestMachine(t, store, Catalog{Stages: []StageKind{StageJournalReport}, Reports: reports})

	for step := 0; step < 2; step++ {
		complete, _, err := machine.Next(ctx, org, nil)
		require.NoError(t, err)
		assert.False(t, complete)
	}
	complete, _, err := machine.Next(ctx, org, nil)
	require.NoError(t, err)
	assert.True(t, complete)

	invoice, found, err := store.LatestItem(ctx, org.ID, JournalEndpoint, "Invoice5")
	require.NoError(t, err)
	require.True(t, found)
	var journal Journal
	require.NoError(t, invoice.Decode(&journal))
	assert.Len(t, journal.Lines, 2)
	assert.Equal(t, "2024-05-01T12:00:00+00:00", journal.CreateTime)

	_, found, err = store.LatestItem(ctx, org.ID, JournalEndpoint, "Purchase5")
	require.NoError(t, err)
	assert.True(t, found)

	count, err := store.CountItems(ctx, org.ID, 0, JournalEndpoint)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestBalanceStageWalksBackAndPersistsOnlyChanges(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	org := seedOrg(t, store, 1)
	rows := []BalanceRow{{AccountID: "1", AccountName: "Bank", Debit: "100.00", Credit: ""}}
	reports := &fakeReports{balances: map[string][]BalanceRow{
		"2024-05-01": rows,
		"2024-04-30": rows,
	}}
	machine := newTestMachine(t, store, Catalog{Stages: []StageKind{StageAccountBalance}, Reports: reports})

	require.NoError(t, store.PutItems(ctx, ledger.NewItemPair(ledger.Org{ID: org.ID, Provider: org.Provider, Changeset: 0}, AccountBalanceEndpoint,
		BalanceItemID("1", "2024-04-30"), []byte(`{"Debit":"100.00","Credit":""}`))))

	complete, _, err := machine.Next(ctx, org, nil)
	require.NoError(t, err)
	assert.False(t, complete)
	complete, _, err = machine.Next(ctx, org, nil)
	require.NoError(t, err)
	assert.False(t, complete)
	complete, _, err = machine.Next(ctx, org, nil)
	require.NoError(t, err)
	assert.True(t, complete)

	assert.Equal(t, []string{"2024-05-01", "2024-04-30", "2024-04-29"}, reports.balanceDays)

	changed, err := store.CountItems(ctx, org.ID, 1, AccountBalanceEndpoint)
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)

	cursor, err := store.LoadCursor(ctx, org.ID, org.Provider)
	require.NoError(t, err)
	assert.Empty(t, cursor.BalanceMarker)
	assert.Equal(t, "2024-05-01", cursor.BalanceInitialMarker)

	complete, _, err = machine.Next(ctx, org, nil)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Len(t, reports.balanceDays, 3)
}

func TestBalanceStageCapsFirstChangesetLookback(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	org := seedOrg(t, store, 0)
	cursor := ledger.NewSyncCursor(org.ID, org.Provider)
	cursor.BalanceInitialMarker = "2024-05-01"
	cursor.BalanceMarker = "2022-04-30"
	require.NoError(t, store.SaveCursor(ctx, &cursor))

	reports := &fakeReports{balances: map[string][]BalanceRow{
		"2022-04-30": {{AccountID: "1", AccountName: "Bank", Debit: "1.00"}},
	}}
	machine := newTestMachine(t, store, Catalog{Stages: []StageKind{StageAccountBalance}, Reports: reports})

	complete, _, err := machine.Next(ctx, org, nil)
	require.NoError(t, err)
	assert.True(t, complete)

	stored, err := store.LoadCursor(ctx, org.ID, org.Provider)
	require.NoError(t, err)
	assert.Empty(t, stored.BalanceMarker)
}

func TestMachineAdvancesStagesAndWraps(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	org := seedOrg(t, store, 0)
	list := &fakeList{endpoints: []Endpoint{{Name: "Account", Paginated: true}}, pages: map[string][]Page{}}
	machine := newTestMachine(t, store, Catalog{
		Stages: []StageKind{StageListAPI, StageMissingItems},
		List:   list,
		Lookup: &fakeLookup{},
	})

	complete, _, err := machine.Next(ctx, org, nil)
	require.NoError(t, err)
	assert.False(t, complete)
	cursor, err := store.LoadCursor(ctx, org.ID, org.Provider)
	require.NoError(t, err)
	assert.Equal(t, 1, cursor.StageIndex)

	complete, _, err = machine.Next(ctx, org, nil)
	require.NoError(t, err)
	assert.True(t, complete)
	cursor, err = store.LoadCursor(ctx, org.ID, org.Provider)
	require.NoError(t, err)
	assert.Equal(t, 0, cursor.StageIndex)
}

func TestLaterTimestampComparesInstants(t *testing.T) {
	assert.Equal(t, "2024-01-01T10:00:00-08:00", LaterTimestamp("2024-01-01T12:00:00-05:00", "2024-01-01T10:00:00-08:00"))
	assert.Equal(t, "b", LaterTimestamp("a", "b"))
	assert.Equal(t, "x", LaterTimestamp("", "x"))
	assert.Equal(t, "x", LaterTimestamp("x", ""))
}

func TestNewMachineRejectsIncompleteCatalog(t *testing.T) {
	store := openTestStore(t)
	_, err := NewMachine(MachineConfig{
		Store:    store,
		Sessions: nullSessions{},
		Catalogs: []Catalog{{Provider: ledger.ProviderQBO, Stages: []StageKind{StageJournalReport}}},
	})
	require.Error(t, err)
}
