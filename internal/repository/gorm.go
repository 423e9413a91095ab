package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/we-ensemble/pkg/errors"
	"github.com/we-ensemble/pkg/model"
)

// GormRunLogRepository implements RunLogRepository using GORM.
type GormRunLogRepository struct {
	db *gorm.DB
}

// NewGormRunLogRepository creates a new GormRunLogRepository.
func NewGormRunLogRepository(db *gorm.DB) *GormRunLogRepository {
	return &GormRunLogRepository{db: db}
}

// Migrate creates or updates the run-log tables.
func (r *GormRunLogRepository) Migrate() error {
	if err := r.db.AutoMigrate(&Run{}, &IterSummaryRecord{}); err != nil {
		return apperrors.Wrapf(apperrors.CodeDatabaseError, err, "migrate run-log tables")
	}
	return nil
}

// CreateRun records the start of a run and returns its id.
func (r *GormRunLogRepository) CreateRun(ctx context.Context, archivePath string) (int64, error) {
	run := &Run{
		ArchivePath: archivePath,
		Status:      RunStatusRunning,
		CurrentIter: 1,
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return 0, apperrors.Wrapf(apperrors.CodeDatabaseError, err, "create run record")
	}
	return run.ID, nil
}

// FinishRun records a run's terminal status.
func (r *GormRunLogRepository) FinishRun(ctx context.Context, runID int64, status RunStatus, info string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", runID).
		Updates(map[string]interface{}{
			"status":      status,
			"status_info": info,
			"end_time":    &now,
		})
	if result.Error != nil {
		return apperrors.Wrapf(apperrors.CodeDatabaseError, result.Error, "finish run %d", runID)
	}
	if result.RowsAffected == 0 {
		return apperrors.Newf(apperrors.CodeNotFound, "run not found: %d", runID)
	}
	return nil
}

// SetCurrentIteration advances the run's iteration watermark.
func (r *GormRunLogRepository) SetCurrentIteration(ctx context.Context, runID int64, nIter int64) error {
	result := r.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", runID).
		Update("current_iter", nIter)
	if result.Error != nil {
		return apperrors.Wrapf(apperrors.CodeDatabaseError, result.Error, "update run %d iteration", runID)
	}
	if result.RowsAffected == 0 {
		return apperrors.Newf(apperrors.CodeNotFound, "run not found: %d", runID)
	}
	return nil
}

// GetRun retrieves a run record by id.
func (r *GormRunLogRepository) GetRun(ctx context.Context, runID int64) (*Run, error) {
	var run Run
	err := r.db.WithContext(ctx).Where("id = ?", runID).First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Newf(apperrors.CodeNotFound, "run not found: %d", runID)
		}
		return nil, apperrors.Wrapf(apperrors.CodeDatabaseError, err, "get run %d", runID)
	}
	return &run, nil
}

// SaveIterSummary mirrors one iteration summary row, replacing any earlier
// mirror of the same (run, iteration).
func (r *GormRunLogRepository) SaveIterSummary(ctx context.Context, runID int64, summary *model.IterSummary) error {
	record := fromModel(runID, summary)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "run_id"}, {Name: "n_iter"}},
			UpdateAll: true,
		}).
		Create(record).Error
	if err != nil {
		return apperrors.Wrapf(apperrors.CodeDatabaseError, err,
			"save summary for run %d iteration %d", runID, summary.NIter)
	}
	return nil
}

// GetIterSummaries retrieves the mirrored summary rows of a run in iteration
// order.
func (r *GormRunLogRepository) GetIterSummaries(ctx context.Context, runID int64) ([]*model.IterSummary, error) {
	var records []IterSummaryRecord
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("n_iter ASC").
		Find(&records).Error
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.CodeDatabaseError, err, "query summaries for run %d", runID)
	}

	summaries := make([]*model.IterSummary, len(records))
	for i, record := range records {
		summaries[i] = record.ToModel()
	}
	return summaries, nil
}
