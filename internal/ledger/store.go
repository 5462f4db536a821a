package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const itemBatchSize = 500

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError carries a dotted code describing the failed operation.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew       = "ledger.store.new"
	opGetOrg         = "ledger.get_org"
	opLoadCursor     = "ledger.load_cursor"
	opSaveCursor     = "ledger.save_cursor"
	opPutItems       = "ledger.put_items"
	opLatestItems    = "ledger.latest_items"
	opMissingBundles = "ledger.missing_bundles"
	opChangesets     = "ledger.changesets"
	opCredentials    = "ledger.credentials"
	opTransact       = "ledger.transact"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable raw store for orgs, cursors, items and changeset history.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// DB exposes the handle for read-only projections.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.clock().UTC()
}

// UnitOfWork is an explicit transaction around a single-org read-modify-write.
type UnitOfWork struct {
	tx   *gorm.DB
	done bool
}

// Begin opens a unit of work.
func (s *Store) Begin(ctx context.Context) (*UnitOfWork, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, newStoreError(opTransact, "begin_failed", tx.Error)
	}
	return &UnitOfWork{tx: tx}, nil
}

// Commit makes the unit of work durable.
func (u *UnitOfWork) Commit() error {
	if u.done {
		return nil
	}
	u.done = true
	if err := u.tx.Commit().Error; err != nil {
		return newStoreError(opTransact, "commit_failed", err)
	}
	return nil
}

// Rollback discards the unit of work. It is a no-op after Commit.
func (u *UnitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Rollback().Error
}

// DB returns the transactional handle so collaborators can join the unit of work.
func (u *UnitOfWork) DB() *gorm.DB {
	return u.tx
}

// LockOrg loads an org for update inside the unit of work.
func (u *UnitOfWork) LockOrg(orgID string) (Org, error) {
	var org Org
	err := u.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("org_id = ?", orgID).
		Take(&org).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Org{}, ErrOrgNotFound
	}
	if err != nil {
		return Org{}, newStoreError(opGetOrg, "select_failed", err)
	}
	return org, nil
}

// SaveOrg persists the org inside the unit of work.
func (u *UnitOfWork) SaveOrg(org *Org) error {
	if err := u.tx.Save(org).Error; err != nil {
		return newStoreError(opGetOrg, "save_failed", err)
	}
	return nil
}

// FindOrg loads an org inside the unit of work, reporting whether it exists.
func (u *UnitOfWork) FindOrg(orgID string) (Org, bool, error) {
	org, err := u.LockOrg(orgID)
	if errors.Is(err, ErrOrgNotFound) {
		return Org{}, false, nil
	}
	if err != nil {
		return Org{}, false, err
	}
	return org, true, nil
}

// FindChangeset loads the history record of an org changeset inside the unit of work.
func (u *UnitOfWork) FindChangeset(orgID string, changeset int64) (ChangesetRecord, bool, error) {
	var record ChangesetRecord
	err := u.tx.Where("org_id = ? AND changeset = ?", orgID, changeset).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChangesetRecord{}, false, nil
	}
	if err != nil {
		return ChangesetRecord{}, false, newStoreError(opChangesets, "select_failed", err)
	}
	return record, true, nil
}

func (u *UnitOfWork) CreateChangeset(record *ChangesetRecord) error {
	if err := u.tx.Create(record).Error; err != nil {
		return newStoreError(opChangesets, "insert_failed", err)
	}
	return nil
}

func (u *UnitOfWork) SaveCredential(credential *OrgCredential) error {
	if err := u.tx.Save(credential).Error; err != nil {
		return newStoreError(opCredentials, "save_failed", err)
	}
	return nil
}

// Transact runs fn inside a unit of work, committing when fn returns nil.
func (s *Store) Transact(ctx context.Context, fn func(*UnitOfWork) error) error {
	uow, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback() //nolint:errcheck
	if err := fn(uow); err != nil {
		return err
	}
	return uow.Commit()
}

func (s *Store) GetOrg(ctx context.Context, orgID string) (Org, error) {
	var org Org
	err := s.db.WithContext(ctx).Where("org_id = ?", orgID).Take(&org).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Org{}, ErrOrgNotFound
	}
	if err != nil {
		s.logError(opGetOrg, "select_failed", err, zap.String("org_id", orgID))
		return Org{}, newStoreError(opGetOrg, "select_failed", err)
	}
	return org, nil
}

func (s *Store) SaveOrg(ctx context.Context, org *Org) error {
	if err := s.db.WithContext(ctx).Save(org).Error; err != nil {
		s.logError(opGetOrg, "save_failed", err, zap.String("org_id", org.ID))
		return newStoreError(opGetOrg, "save_failed", err)
	}
	return nil
}

// UpdateOrgCountry sets only the country column so concurrent lifecycle writes are not overwritten.
func (s *Store) UpdateOrgCountry(ctx context.Context, orgID, country string) error {
	err := s.db.WithContext(ctx).Model(&Org{}).Where("org_id = ?", orgID).Update("country", country).Error
	if err != nil {
		s.logError(opGetOrg, "update_failed", err, zap.String("org_id", orgID))
		return newStoreError(opGetOrg, "update_failed", err)
	}
	return nil
}

// ListOrgs returns orgs matching the optional status filter ordered by id.
func (s *Store) ListOrgs(ctx context.Context, statuses ...ConnectionStatus) ([]Org, error) {
	query := s.db.WithContext(ctx).Order("org_id ASC")
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	var orgs []Org
	if err := query.Find(&orgs).Error; err != nil {
		return nil, newStoreError(opGetOrg, "list_failed", err)
	}
	return orgs, nil
}

// OrgsDueForUpdate lists connected API-provider orgs whose last cycle completed before cutoff,
// least recently synced first.
func (s *Store) OrgsDueForUpdate(ctx context.Context, cutoff time.Time) ([]Org, error) {
	var orgs []Org
	err := s.db.WithContext(ctx).
		Where("status = ? AND provider IN ? AND last_update_cycle_completed_at < ?", StatusConnected, APIProviders(), cutoff).
		Order("last_update_cycle_completed_at ASC").
		Order("org_id ASC").
		Find(&orgs).Error
	if err != nil {
		return nil, newStoreError(opGetOrg, "list_failed", err)
	}
	return orgs, nil
}

// LoadCursor returns the stored cursor or a fresh one positioned at stage 0.
func (s *Store) LoadCursor(ctx context.Context, orgID string, provider Provider) (SyncCursor, error) {
	var cursor SyncCursor
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND provider = ?", orgID, provider).
		Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NewSyncCursor(orgID, provider), nil
	}
	if err != nil {
		s.logError(opLoadCursor, "select_failed", err, zap.String("org_id", orgID))
		return SyncCursor{}, newStoreError(opLoadCursor, "select_failed", err)
	}
	return cursor, nil
}

func (s *Store) SaveCursor(ctx context.Context, cursor *SyncCursor) error {
	if err := s.db.WithContext(ctx).Save(cursor).Error; err != nil {
		s.logError(opSaveCursor, "save_failed", err, zap.String("org_id", cursor.OrgID))
		return newStoreError(opSaveCursor, "save_failed", err)
	}
	return nil
}

// PutItems upserts items in bounded batches. Re-putting the same key overwrites the payload.
func (s *Store) PutItems(ctx context.Context, items []Item) error {
	items = dedupeItems(items)
	if len(items) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "org_id"}, {Name: "changeset"}, {Name: "endpoint"}, {Name: "item_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"data", "provider", "updated_at"}),
		}).
		CreateInBatches(items, itemBatchSize).Error
	if err != nil {
		s.logError(opPutItems, "upsert_failed", err, zap.Int("count", len(items)))
		return newStoreError(opPutItems, "upsert_failed", err)
	}
	return nil
}

// LatestItem returns the latest copy of a record.
func (s *Store) LatestItem(ctx context.Context, orgID, endpoint, itemID string) (Item, bool, error) {
	var item Item
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND changeset = ? AND endpoint = ? AND item_id = ?", orgID, LatestChangeset, endpoint, itemID).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, newStoreError(opLatestItems, "select_failed", err)
	}
	return item, true, nil
}

// AnyLatestItem returns some latest copy for an endpoint whose records carry no addressable id.
func (s *Store) AnyLatestItem(ctx context.Context, orgID, endpoint string) (Item, bool, error) {
	var item Item
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND changeset = ? AND endpoint = ?", orgID, LatestChangeset, endpoint).
		Order("item_id ASC").
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, newStoreError(opLatestItems, "select_failed", err)
	}
	return item, true, nil
}

// LatestItems batch-loads latest copies keyed by item id.
func (s *Store) LatestItems(ctx context.Context, orgID, endpoint string, itemIDs []string) (map[string]Item, error) {
	result := make(map[string]Item, len(itemIDs))
	for start := 0; start < len(itemIDs); start += itemBatchSize {
		end := start + itemBatchSize
		if end > len(itemIDs) {
			end = len(itemIDs)
		}
		var items []Item
		err := s.db.WithContext(ctx).
			Where("org_id = ? AND changeset = ? AND endpoint = ? AND item_id IN ?", orgID, LatestChangeset, endpoint, itemIDs[start:end]).
			Find(&items).Error
		if err != nil {
			return nil, newStoreError(opLatestItems, "select_failed", err)
		}
		for _, item := range items {
			result[item.ItemID] = item
		}
	}
	return result, nil
}

// CountItems counts stored items for an org changeset, optionally restricted to one endpoint.
func (s *Store) CountItems(ctx context.Context, orgID string, changeset int64, endpoint string) (int64, error) {
	query := s.db.WithContext(ctx).Model(&Item{}).Where("org_id = ? AND changeset = ?", orgID, changeset)
	if endpoint != "" {
		query = query.Where("endpoint = ?", endpoint)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, newStoreError(opLatestItems, "count_failed", err)
	}
	return count, nil
}

func (s *Store) AddMissingBundle(ctx context.Context, bundle *MissingItemBundle) error {
	if err := s.db.WithContext(ctx).Create(bundle).Error; err != nil {
		return newStoreError(opMissingBundles, "insert_failed", err)
	}
	return nil
}

// NextMissingBundle returns the oldest pending bundle for an org.
func (s *Store) NextMissingBundle(ctx context.Context, orgID string) (MissingItemBundle, bool, error) {
	var bundle MissingItemBundle
	err := s.db.WithContext(ctx).Where("org_id = ?", orgID).Order("id ASC").Take(&bundle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MissingItemBundle{}, false, nil
	}
	if err != nil {
		return MissingItemBundle{}, false, newStoreError(opMissingBundles, "select_failed", err)
	}
	return bundle, true, nil
}

// ResolveMissingBundle persists the resolved items and deletes the bundle atomically.
func (s *Store) ResolveMissingBundle(ctx context.Context, bundleID uint64, items []Item) error {
	return s.Transact(ctx, func(uow *UnitOfWork) error {
		items = dedupeItems(items)
		if len(items) > 0 {
			err := uow.DB().
				Clauses(clause.OnConflict{
					Columns: []clause.Column{
						{Name: "org_id"}, {Name: "changeset"}, {Name: "endpoint"}, {Name: "item_id"},
					},
					DoUpdates: clause.AssignmentColumns([]string{"data", "provider", "updated_at"}),
				}).
				CreateInBatches(items, itemBatchSize).Error
			if err != nil {
				return newStoreError(opMissingBundles, "upsert_failed", err)
			}
		}
		if err := uow.DB().Delete(&MissingItemBundle{}, bundleID).Error; err != nil {
			return newStoreError(opMissingBundles, "delete_failed", err)
		}
		return nil
	})
}

func (s *Store) DeleteMissingBundle(ctx context.Context, bundleID uint64) error {
	if err := s.db.WithContext(ctx).Delete(&MissingItemBundle{}, bundleID).Error; err != nil {
		return newStoreError(opMissingBundles, "delete_failed", err)
	}
	return nil
}

// GetChangeset returns the history record for an org changeset.
func (s *Store) GetChangeset(ctx context.Context, orgID string, changeset int64) (ChangesetRecord, error) {
	var record ChangesetRecord
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND changeset = ?", orgID, changeset).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChangesetRecord{}, ErrChangesetNotFound
	}
	if err != nil {
		return ChangesetRecord{}, newStoreError(opChangesets, "select_failed", err)
	}
	return record, nil
}

// LastChangesetNumber returns the highest recorded changeset for an org or LatestChangeset.
func (s *Store) LastChangesetNumber(ctx context.Context, orgID string) (int64, error) {
	var record ChangesetRecord
	err := s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("changeset DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LatestChangeset, nil
	}
	if err != nil {
		return LatestChangeset, newStoreError(opChangesets, "select_failed", err)
	}
	return record.Changeset, nil
}

// LastPublishedChangeset returns the most recently published successful record.
func (s *Store) LastPublishedChangeset(ctx context.Context, orgID string) (ChangesetRecord, bool, error) {
	var record ChangesetRecord
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND publish_job_finished = ? AND publish_job_failed = ?", orgID, true, false).
		Order("publish_finished_at DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChangesetRecord{}, false, nil
	}
	if err != nil {
		return ChangesetRecord{}, false, newStoreError(opChangesets, "select_failed", err)
	}
	return record, true, nil
}

func (s *Store) LoadCredential(ctx context.Context, orgID string) (OrgCredential, bool, error) {
	var credential OrgCredential
	err := s.db.WithContext(ctx).Where("org_id = ?", orgID).Take(&credential).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return OrgCredential{}, false, nil
	}
	if err != nil {
		return OrgCredential{}, false, newStoreError(opCredentials, "select_failed", err)
	}
	return credential, true, nil
}

func (s *Store) SaveCredential(ctx context.Context, credential *OrgCredential) error {
	if err := s.db.WithContext(ctx).Save(credential).Error; err != nil {
		s.logError(opCredentials, "save_failed", err, zap.String("org_id", credential.OrgID))
		return newStoreError(opCredentials, "save_failed", err)
	}
	return nil
}

// dedupeItems keeps the last write per key so a single upsert statement never touches a row twice.
func dedupeItems(items []Item) []Item {
	index := make(map[string]int, len(items))
	deduped := make([]Item, 0, len(items))
	for _, item := range items {
		key := item.Key()
		if position, ok := index[key]; ok {
			deduped[position] = item
			continue
		}
		index[key] = len(deduped)
		deduped = append(deduped, item)
	}
	return deduped
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("ledger store error", attrs...)
}
