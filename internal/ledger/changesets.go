package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PublishClaimedStatus marks a record reserved for a publish job that is being launched.
const PublishClaimedStatus = "CLAIMED"

// PublishCandidates returns records that were never published or whose last publish failed,
// excluding records with a job in flight. Ordered by id.
func (s *Store) PublishCandidates(ctx context.Context) ([]ChangesetRecord, error) {
	var records []ChangesetRecord
	err := s.db.WithContext(ctx).
		Where("publish_job_running = ?", false).
		Where(s.db.Where("publish_job_finished = ?", false).
			Or("publish_job_failed = ?", true).
			Or("publish_changeset_failed = ?", true)).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opChangesets, "select_failed", err)
		return nil, newStoreError(opChangesets, "select_failed", err)
	}
	return records, nil
}

// RunningChangesets returns records whose publish job is in flight.
func (s *Store) RunningChangesets(ctx context.Context) ([]ChangesetRecord, error) {
	var records []ChangesetRecord
	err := s.db.WithContext(ctx).
		Where("publish_job_running = ?", true).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, newStoreError(opChangesets, "select_failed", err)
	}
	return records, nil
}

// ChangesetsByID loads records by primary key, ordered by id. Unknown ids are skipped.
func (s *Store) ChangesetsByID(ctx context.Context, ids []uint64) ([]ChangesetRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var records []ChangesetRecord
	err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&records).Error
	if err != nil {
		return nil, newStoreError(opChangesets, "select_failed", err)
	}
	return records, nil
}

// ListChangesets returns the history of an org, newest first.
func (s *Store) ListChangesets(ctx context.Context, orgID string, limit int) ([]ChangesetRecord, error) {
	query := s.db.WithContext(ctx).Where("org_id = ?", orgID).Order("changeset DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []ChangesetRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, newStoreError(opChangesets, "select_failed", err)
	}
	return records, nil
}

// SaveChangesets persists a batch of records in one transaction.
func (s *Store) SaveChangesets(ctx context.Context, records []ChangesetRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range records {
			if err := tx.Save(&records[index]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opChangesets, "save_failed", err, zap.Int("count", len(records)))
		return newStoreError(opChangesets, "save_failed", err)
	}
	return nil
}

// ClaimForPublish reserves the idle records among ids for one publish job. Orgs are locked in
// id order; an org with a record already in flight or with publishing disabled is skipped.
// Claimed records are running with an empty job id until AttachPublishJob.
func (s *Store) ClaimForPublish(ctx context.Context, ids []uint64, claimedAt time.Time) ([]ChangesetRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var claimed []ChangesetRecord
	err := s.Transact(ctx, func(uow *UnitOfWork) error {
		var idle []ChangesetRecord
		err := uow.tx.Where("id IN ? AND publish_job_running = ?", ids, false).Order("id ASC").Find(&idle).Error
		if err != nil {
			return newStoreError(opChangesets, "select_failed", err)
		}
		byOrg := make(map[string][]ChangesetRecord)
		var orgIDs []string
		for _, record := range idle {
			if _, seen := byOrg[record.OrgID]; !seen {
				orgIDs = append(orgIDs, record.OrgID)
			}
			byOrg[record.OrgID] = append(byOrg[record.OrgID], record)
		}
		sort.Strings(orgIDs)

		for _, orgID := range orgIDs {
			org, err := uow.LockOrg(orgID)
			switch {
			case errors.Is(err, ErrOrgNotFound):
			case err != nil:
				return err
			case org.PublishDisabled:
				continue
			}
			var inFlight int64
			err = uow.tx.Model(&ChangesetRecord{}).
				Where("org_id = ? AND publish_job_running = ?", orgID, true).
				Count(&inFlight).Error
			if err != nil {
				return newStoreError(opChangesets, "select_failed", err)
			}
			if inFlight > 0 {
				continue
			}
			for _, record := range byOrg[orgID] {
				result := uow.tx.Model(&ChangesetRecord{}).
					Where("id = ? AND publish_job_running = ?", record.ID, false).
					Updates(map[string]any{
						"publish_job_running":      true,
						"publish_job_finished":     false,
						"publish_job_failed":       false,
						"publish_changeset_failed": false,
						"publish_job_id":           "",
						"publish_job_status":       PublishClaimedStatus,
						"publish_started_at":       claimedAt,
					})
				if result.Error != nil {
					return newStoreError(opChangesets, "claim_failed", result.Error)
				}
				if result.RowsAffected != 1 {
					continue
				}
				record.PublishJobRunning = true
				record.PublishJobFinished = false
				record.PublishJobFailed = false
				record.PublishChangesetFailed = false
				record.PublishJobID = ""
				record.PublishJobStatus = PublishClaimedStatus
				record.PublishStartedAt = &claimedAt
				claimed = append(claimed, record)
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opChangesets, "claim_failed", err, zap.Int("requested", len(ids)))
		return nil, err
	}
	return claimed, nil
}

// AttachPublishJob records the launched job on claimed records and counts the attempt.
func (s *Store) AttachPublishJob(ctx context.Context, ids []uint64, jobID string) error {
	err := s.db.WithContext(ctx).Model(&ChangesetRecord{}).
		Where("id IN ? AND publish_job_running = ? AND publish_job_id = ?", ids, true, "").
		Updates(map[string]any{
			"publish_job_id":     jobID,
			"publish_job_status": "",
			"publish_job_count":  gorm.Expr("publish_job_count + 1"),
		}).Error
	if err != nil {
		s.logError(opChangesets, "attach_failed", err, zap.String("job_id", jobID))
		return newStoreError(opChangesets, "attach_failed", err)
	}
	return nil
}

// ReleasePublishClaim returns claimed records that never got a job to the candidate pool.
func (s *Store) ReleasePublishClaim(ctx context.Context, ids []uint64) error {
	err := s.db.WithContext(ctx).Model(&ChangesetRecord{}).
		Where("id IN ? AND publish_job_running = ? AND publish_job_id = ?", ids, true, "").
		Updates(map[string]any{
			"publish_job_running": false,
			"publish_job_status":  "",
			"publish_started_at":  nil,
		}).Error
	if err != nil {
		s.logError(opChangesets, "release_failed", err)
		return newStoreError(opChangesets, "release_failed", err)
	}
	return nil
}

// OrgIDs lists every known org id.
func (s *Store) OrgIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Org{}).Order("org_id ASC").Pluck("org_id", &ids).Error
	if err != nil {
		return nil, newStoreError(opGetOrg, "list_failed", err)
	}
	return ids, nil
}
