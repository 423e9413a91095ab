package repository

import (
	"time"

	"github.com/we-ensemble/pkg/model"
)

// Run represents the wemd_run table.
type Run struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	ArchivePath   string     `gorm:"column:archive_path;type:varchar(512)"`
	Status        RunStatus  `gorm:"column:status;type:varchar(16)"`
	StatusInfo    string     `gorm:"column:status_info;type:text"`
	CurrentIter   int64      `gorm:"column:current_iter"`
	StartTime     time.Time  `gorm:"column:start_time;autoCreateTime"`
	EndTime       *time.Time `gorm:"column:end_time"`
}

// TableName returns the table name for Run.
func (Run) TableName() string {
	return "wemd_run"
}

// IterSummaryRecord represents the wemd_iter_summary table, one mirrored
// summary row per (run, iteration).
type IterSummaryRecord struct {
	ID          int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RunID       int64   `gorm:"column:run_id;index:idx_run_iter,unique"`
	NIter       int64   `gorm:"column:n_iter;index:idx_run_iter,unique"`
	NParticles  int64   `gorm:"column:n_particles"`
	Norm        float64 `gorm:"column:norm"`
	TargetFlux  float64 `gorm:"column:target_flux"`
	TargetHits  int64   `gorm:"column:target_hits"`
	MinBinProb  float64 `gorm:"column:min_bin_prob"`
	MaxBinProb  float64 `gorm:"column:max_bin_prob"`
	BinDynRange float64 `gorm:"column:bin_dyn_range"`
	MinSegProb  float64 `gorm:"column:min_seg_prob"`
	MaxSegProb  float64 `gorm:"column:max_seg_prob"`
	SegDynRange float64 `gorm:"column:seg_dyn_range"`
	CPUTime     float64 `gorm:"column:cputime"`
	Walltime    float64 `gorm:"column:walltime"`
	Status      uint8   `gorm:"column:status"`
}

// TableName returns the table name for IterSummaryRecord.
func (IterSummaryRecord) TableName() string {
	return "wemd_iter_summary"
}

// ToModel converts an IterSummaryRecord to a model.IterSummary.
func (r *IterSummaryRecord) ToModel() *model.IterSummary {
	return &model.IterSummary{
		NIter:       r.NIter,
		NParticles:  r.NParticles,
		Norm:        r.Norm,
		TargetFlux:  r.TargetFlux,
		TargetHits:  r.TargetHits,
		MinBinProb:  r.MinBinProb,
		MaxBinProb:  r.MaxBinProb,
		BinDynRange: r.BinDynRange,
		MinSegProb:  r.MinSegProb,
		MaxSegProb:  r.MaxSegProb,
		SegDynRange: r.SegDynRange,
		CPUTime:     r.CPUTime,
		Walltime:    r.Walltime,
		Status:      model.IterStatus(r.Status),
	}
}

// fromModel builds an IterSummaryRecord from a model.IterSummary.
func fromModel(runID int64, s *model.IterSummary) *IterSummaryRecord {
	return &IterSummaryRecord{
		RunID:       runID,
		NIter:       s.NIter,
		NParticles:  s.NParticles,
		Norm:        s.Norm,
		TargetFlux:  s.TargetFlux,
		TargetHits:  s.TargetHits,
		MinBinProb:  s.MinBinProb,
		MaxBinProb:  s.MaxBinProb,
		BinDynRange: s.BinDynRange,
		MinSegProb:  s.MinSegProb,
		MaxSegProb:  s.MaxSegProb,
		SegDynRange: s.SegDynRange,
		CPUTime:     s.CPUTime,
		Walltime:    s.Walltime,
		Status:      uint8(s.Status),
	}
}
