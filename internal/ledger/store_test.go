package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "ledger.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func TestPutItemsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	org := NewOrg("org-1", ProviderQBO, StatusConnected)
	org.Changeset = 3

	var items []Item
	for index := 0; index < 50; index++ {
		items = append(items, NewItemPair(org, "Invoice", fmt.Sprintf("%d", index), []byte(`{"Id":"x"}`))...)
	}
	if err := store.PutItems(ctx, items); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	if err := store.PutItems(ctx, items); err != nil {
		t.Fatalf("second put failed: %v", err)
	}

	versioned, err := store.CountItems(ctx, org.ID, 3, "Invoice")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if versioned != 50 {
		t.Fatalf("expected 50 versioned items, got %d", versioned)
	}
	latest, err := store.CountItems(ctx, org.ID, LatestChangeset, "")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if latest != 50 {
		t.Fatalf("expected 50 latest items, got %d", latest)
	}
}

func TestLatestCopyTracksNewestWrite(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	org := NewOrg("org-1", ProviderQBO, StatusConnected)

	org.Changeset = 0
	if err := store.PutItems(ctx, NewItemPair(org, "Customer", "7", []byte(`{"Name":"old"}`))); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	org.Changeset = 1
	if err := store.PutItems(ctx, NewItemPair(org, "Customer", "7", []byte(`{"Name":"new"}`))); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	item, found, err := store.LatestItem(ctx, org.ID, "Customer", "7")
	if err != nil || !found {
		t.Fatalf("expected latest item, found=%v err=%v", found, err)
	}
	var payload struct{ Name string }
	if err := item.Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.Name != "new" {
		t.Fatalf("expected latest copy to hold newest payload, got %q", payload.Name)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	cursor, err := store.LoadCursor(ctx, "org-1", ProviderQBO)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cursor.Marker("Invoice") != Epoch {
		t.Fatalf("expected epoch marker, got %s", cursor.Marker("Invoice"))
	}
	cursor.SetMarker("Invoice", "2024-01-01T00:00:00-08:00")
	cursor.QueueJournalDate("2024-01-02")
	cursor.QueueJournalDate("2024-01-02")
	cursor.QueueJournalDate("2024-01-03")
	cursor.StageIndex = 2
	if err := store.SaveCursor(ctx, &cursor); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	reloaded, err := store.LoadCursor(ctx, "org-1", ProviderQBO)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.StageIndex != 2 {
		t.Fatalf("expected stage index 2, got %d", reloaded.StageIndex)
	}
	if reloaded.Marker("Invoice") != "2024-01-01T00:00:00-08:00" {
		t.Fatalf("unexpected marker %s", reloaded.Marker("Invoice"))
	}
	if len(reloaded.JournalDates) != 2 {
		t.Fatalf("expected deduplicated journal dates, got %v", reloaded.JournalDates)
	}
	reloaded.PopJournalDate()
	if next, ok := reloaded.PeekJournalDate(); !ok || next != "2024-01-03" {
		t.Fatalf("unexpected next journal date %q", next)
	}
}

func TestResolveMissingBundleDeletesBundle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	org := NewOrg("org-1", ProviderQBO, StatusConnected)
	org.Changeset = 2

	bundle := MissingItemBundle{OrgID: org.ID, Changeset: 1, Items: []MissingItemRef{{Type: "Invoice", ID: "9"}}}
	if err := store.AddMissingBundle(ctx, &bundle); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := store.ResolveMissingBundle(ctx, bundle.ID, NewItemPair(org, "Invoice", "9", []byte(`{}`))); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, found, err := store.NextMissingBundle(ctx, org.ID); err != nil || found {
		t.Fatalf("expected bundle to be deleted, found=%v err=%v", found, err)
	}
	count, err := store.CountItems(ctx, org.ID, 2, "Invoice")
	if err != nil || count != 1 {
		t.Fatalf("expected resolved item in current changeset, count=%d err=%v", count, err)
	}
}

func TestTransactRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	org := NewOrg("org-1", ProviderQBO, StatusConnected)
	if err := store.SaveOrg(ctx, &org); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	failure := errors.New("boom")
	err := store.Transact(ctx, func(uow *UnitOfWork) error {
		locked, err := uow.LockOrg(org.ID)
		if err != nil {
			return err
		}
		locked.Changeset = 10
		if err := uow.SaveOrg(&locked); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected failure to propagate, got %v", err)
	}

	reloaded, err := store.GetOrg(ctx, org.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Changeset != LatestChangeset {
		t.Fatalf("expected rollback to keep changeset -1, got %d", reloaded.Changeset)
	}

	if _, err := store.GetOrg(ctx, "missing"); !errors.Is(err, ErrOrgNotFound) {
		t.Fatalf("expected ErrOrgNotFound, got %v", err)
	}
}
