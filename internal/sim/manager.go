// Package sim drives the per-iteration control flow: seed segments, prepare
// the iteration in the archive, propagate through the work manager, account
// bin occupancy and fluxes, finalize the summary row, and seed the next
// iteration from the finished one.
package sim

import (
	"context"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/we-ensemble/internal/archive"
	"github.com/we-ensemble/internal/dispatch"
	"github.com/we-ensemble/internal/repository"
	"github.com/we-ensemble/internal/storage"
	"github.com/we-ensemble/internal/system"
	apperrors "github.com/we-ensemble/pkg/errors"
	"github.com/we-ensemble/pkg/model"
	"github.com/we-ensemble/pkg/utils"
)

// Config holds simulation-manager configuration.
type Config struct {
	// InitialSegments is the population seeded into iteration 1.
	InitialSegments int
	// StartPoint is the initial progress coordinate; nil means the midpoint
	// of the binned region in every dimension.
	StartPoint []float64
}

// Manager owns the simulation loop on the master. It is the only writer of
// the archive, and it opens the archive only around its own write batches.
type Manager struct {
	cfg     *Config
	archive *archive.Archive
	system  *system.System
	wm      dispatch.WorkManager
	runLog  repository.RunLogRepository // optional
	shipper *storage.Shipper            // optional
	logger  utils.Logger
	tracer  trace.Tracer

	runID int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunLog mirrors run progress into the run-log database.
func WithRunLog(runLog repository.RunLogRepository) Option {
	return func(m *Manager) { m.runLog = runLog }
}

// WithShipper ships the archive to object storage when a run finishes.
func WithShipper(shipper *storage.Shipper) Option {
	return func(m *Manager) { m.shipper = shipper }
}

// WithLogger sets the manager logger.
func WithLogger(logger utils.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New creates a simulation Manager.
func New(cfg *Config, arch *archive.Archive, sys *system.System, wm dispatch.WorkManager, opts ...Option) *Manager {
	if cfg.InitialSegments < 1 {
		cfg.InitialSegments = 1
	}
	m := &Manager{
		cfg:     cfg,
		archive: arch,
		system:  sys,
		wm:      wm,
		logger:  &utils.NullLogger{},
		tracer:  otel.Tracer("wemd"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes nIterations of weighted-ensemble evolution, then ships the
// archive if shipping is configured.
func (m *Manager) Run(ctx context.Context, nIterations int) error {
	if m.runLog != nil {
		runID, err := m.runLog.CreateRun(ctx, m.archive.Path())
		if err != nil {
			return err
		}
		m.runID = runID
	}

	err := m.run(ctx, nIterations)

	if m.runLog != nil {
		status := repository.RunStatusCompleted
		info := ""
		if err != nil {
			status = repository.RunStatusFailed
			info = err.Error()
		}
		if logErr := m.runLog.FinishRun(ctx, m.runID, status, info); logErr != nil {
			m.logger.Warn("finish run log entry: %v", logErr)
		}
	}
	if err != nil {
		return err
	}

	if m.shipper != nil {
		if shipErr := m.ship(ctx); shipErr != nil {
			return shipErr
		}
	}
	return nil
}

// ship uploads the closed archive, stamped with how many finished
// iterations it holds.
func (m *Manager) ship(ctx context.Context) error {
	if err := m.archive.Open("r"); err != nil {
		return err
	}
	current, err := m.archive.CurrentIteration()
	if closeErr := m.archive.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	_, err = m.shipper.Ship(ctx, m.archive.Path(), current-1)
	return err
}

func (m *Manager) run(ctx context.Context, nIterations int) error {
	if err := m.archive.Open("r+"); err != nil {
		return err
	}
	start, err := m.archive.CurrentIteration()
	if err != nil {
		m.archive.Close()
		return err
	}

	var segments []*model.Segment
	if start == 1 {
		segments = m.seedSegments()
	} else {
		// Resume: continue from the last finished iteration's segments.
		prev, err := m.archive.GetSegments(start - 1)
		if err != nil {
			m.archive.Close()
			return err
		}
		segments = m.continuationSegments(prev)
	}
	if err := m.archive.Close(); err != nil {
		return err
	}

	for n := start; n < start+int64(nIterations); n++ {
		next, err := m.runIteration(ctx, n, segments)
		if err != nil {
			return err
		}
		segments = next
	}
	return nil
}

// runIteration executes one full iteration and returns the continuation
// segments seeding the next one.
func (m *Manager) runIteration(ctx context.Context, n int64, segments []*model.Segment) ([]*model.Segment, error) {
	ctx, span := m.tracer.Start(ctx, "wemd.iteration",
		trace.WithAttributes(
			attribute.Int64("wemd.n_iter", n),
			attribute.Int("wemd.n_particles", len(segments)),
		))
	defer span.End()

	m.logger.Info("iteration %d: %d segments", n, len(segments))

	// Prepare the iteration group, then read the segments back: the archive
	// materializes full-length pcoord arrays with row 0 seeded, which is the
	// shape propagation fills in. The archive is released before any
	// propagation commits need it.
	if err := m.archive.Open("r+"); err != nil {
		return nil, err
	}
	var full []*model.Segment
	err := m.archive.PrepareIteration(n, segments)
	if err == nil {
		full, err = m.archive.GetSegments(n)
	}
	if closeErr := m.archive.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, err
	}

	if err := m.propagate(ctx, full); err != nil {
		return nil, err
	}

	return m.finalize(ctx, n)
}

func (m *Manager) propagate(ctx context.Context, segments []*model.Segment) error {
	ctx, span := m.tracer.Start(ctx, "wemd.propagate")
	defer span.End()
	return m.wm.Propagate(ctx, segments)
}

// finalize accounts bins and fluxes, completes the summary row, advances the
// archive watermark, and builds the next iteration's segments.
func (m *Manager) finalize(ctx context.Context, n int64) ([]*model.Segment, error) {
	_, span := m.tracer.Start(ctx, "wemd.finalize")
	defer span.End()

	if err := m.archive.Open("r+"); err != nil {
		return nil, err
	}
	defer m.archive.Close()

	segments, err := m.archive.GetSegments(n)
	if err != nil {
		return nil, err
	}
	for _, seg := range segments {
		if seg.Status != model.StatusComplete {
			return nil, apperrors.Newf(apperrors.CodeInternal,
				"segment %d of iteration %d finished propagation with status %s",
				seg.SegID, n, seg.Status)
		}
	}

	if err := m.writeBinData(n, segments); err != nil {
		return nil, err
	}

	// Recycled trajectories are summed into one entry; the recycling policy
	// itself lives with the region-set collaborator.
	recycled := model.RecyclingEntry{}
	for _, seg := range segments {
		if seg.EndpointType == model.EndpointRecycled {
			recycled.Count++
			recycled.Weight += seg.Weight
		}
	}
	if recycled.Count > 0 {
		if err := m.archive.WriteRecyclingData(n, []model.RecyclingEntry{recycled}); err != nil {
			return nil, err
		}
	}

	if err := m.completeSummary(n, segments); err != nil {
		return nil, err
	}
	if err := m.archive.SetCurrentIteration(n + 1); err != nil {
		return nil, err
	}

	if m.runLog != nil {
		summary, err := m.archive.GetIterSummary(n)
		if err == nil {
			if logErr := m.runLog.SaveIterSummary(ctx, m.runID, summary); logErr != nil {
				m.logger.Warn("mirror summary for iteration %d: %v", n, logErr)
			}
			if logErr := m.runLog.SetCurrentIteration(ctx, m.runID, n+1); logErr != nil {
				m.logger.Warn("advance run log iteration: %v", logErr)
			}
		}
	}

	return m.continuationSegments(segments), nil
}

// writeBinData maps every pcoord time point to its bin and accounts
// populations, transition counts, weight fluxes, and rates.
func (m *Manager) writeBinData(n int64, segments []*model.Segment) error {
	regionSet := m.system.RegionSet()
	nBins := regionSet.NBins()
	pcoordLen := m.system.PcoordLen()

	assignments := model.NewArray(model.DTypeUint32, len(segments), pcoordLen)
	populations := model.NewArray(model.DTypeFloat64, pcoordLen, nBins)
	ntrans := model.NewArray(model.DTypeUint32, nBins, nBins)
	fluxes := model.NewArray(model.DTypeFloat64, nBins, nBins)
	rates := model.NewArray(model.DTypeFloat64, nBins, nBins)

	point := make([]float64, m.system.PcoordNDim())
	for i, seg := range segments {
		prevBin := -1
		for ti := 0; ti < pcoordLen; ti++ {
			for d := range point {
				point[d] = seg.Pcoord.Float64At(ti, d)
			}
			bin, err := regionSet.MapToBin(point)
			if err != nil {
				return err
			}
			assignments.SetFloat64(float64(bin), i, ti)
			populations.SetFloat64(populations.Float64At(ti, bin)+seg.Weight, ti, bin)

			if prevBin >= 0 && prevBin != bin {
				ntrans.SetFloat64(ntrans.Float64At(prevBin, bin)+1, prevBin, bin)
				fluxes.SetFloat64(fluxes.Float64At(prevBin, bin)+seg.Weight, prevBin, bin)
			}
			prevBin = bin
		}
	}

	// Rates normalize flux out of a bin by its time-averaged occupancy.
	for src := 0; src < nBins; src++ {
		occupancy := 0.0
		for ti := 0; ti < pcoordLen; ti++ {
			occupancy += populations.Float64At(ti, src)
		}
		occupancy /= float64(pcoordLen)
		if occupancy <= 0 {
			continue
		}
		for dst := 0; dst < nBins; dst++ {
			rates.SetFloat64(fluxes.Float64At(src, dst)/occupancy, src, dst)
		}
	}

	return m.archive.WriteBinData(n, assignments, populations, ntrans, fluxes, rates)
}

// completeSummary fills the statistics of the finished iteration and marks
// its row complete.
func (m *Manager) completeSummary(n int64, segments []*model.Segment) error {
	summary, err := m.archive.GetIterSummary(n)
	if err != nil {
		return err
	}

	norm := 0.0
	minSeg, maxSeg := math.Inf(1), math.Inf(-1)
	cputime, walltime := 0.0, 0.0
	for _, seg := range segments {
		norm += seg.Weight
		minSeg = math.Min(minSeg, seg.Weight)
		maxSeg = math.Max(maxSeg, seg.Weight)
		cputime += seg.CPUTime
		walltime = math.Max(walltime, seg.Walltime)
	}

	// Bin probabilities from the final time point.
	_, populations, _, _, _, err := m.archive.GetBinData(n)
	if err != nil {
		return err
	}
	lastTI := populations.Shape[0] - 1
	minBin, maxBin := math.Inf(1), math.Inf(-1)
	for b := 0; b < populations.Shape[1]; b++ {
		p := populations.Float64At(lastTI, b)
		if p > 0 {
			minBin = math.Min(minBin, p)
		}
		maxBin = math.Max(maxBin, p)
	}
	if math.IsInf(minBin, 1) {
		minBin, maxBin = 0, 0
	}

	summary.Norm = norm
	summary.MinSegProb = minSeg
	summary.MaxSegProb = maxSeg
	summary.SegDynRange = dynRange(minSeg, maxSeg)
	summary.MinBinProb = minBin
	summary.MaxBinProb = maxBin
	summary.BinDynRange = dynRange(minBin, maxBin)
	summary.CPUTime = cputime
	summary.Walltime = walltime
	summary.Status = model.IterComplete

	return m.archive.UpdateIterSummary(n, summary)
}

func dynRange(min, max float64) float64 {
	if min <= 0 {
		return 0
	}
	return max / min
}

// seedSegments builds iteration 1's population at the starting point.
func (m *Manager) seedSegments() []*model.Segment {
	start := m.cfg.StartPoint
	if start == nil {
		bins := m.system.RegionSet().AllBins()
		start = make([]float64, m.system.PcoordNDim())
		for d := range start {
			lo := bins[0].Lower[d]
			hi := bins[len(bins)-1].Upper[d]
			start[d] = (lo + hi) / 2
		}
	}

	n := m.cfg.InitialSegments
	segments := make([]*model.Segment, n)
	for i := range segments {
		pcoord := model.NewArray(m.system.PcoordDType(), 1, m.system.PcoordNDim())
		for d, x := range start {
			pcoord.SetFloat64(x, 0, d)
		}
		segments[i] = &model.Segment{
			SegID:     model.UnassignedSegID,
			NIter:     1,
			Weight:    1.0 / float64(n),
			ParentIDs: []int64{0},
			PParentID: 0,
			Status:    model.StatusPrepared,
			Pcoord:    pcoord,
		}
	}
	return segments
}

// continuationSegments seeds iteration n+1: each finished segment continues
// with one child inheriting its weight and final progress coordinate.
// Weighted-ensemble splitting and merging policy lives outside this driver.
func (m *Manager) continuationSegments(finished []*model.Segment) []*model.Segment {
	children := make([]*model.Segment, len(finished))
	for i, parent := range finished {
		pcoord := model.NewArray(parent.Pcoord.DType, 1, m.system.PcoordNDim())
		_ = pcoord.SetRow(0, parent.Pcoord.Row(parent.Pcoord.Shape[0]-1))
		children[i] = &model.Segment{
			SegID:     model.UnassignedSegID,
			NIter:     parent.NIter + 1,
			Weight:    parent.Weight,
			ParentIDs: []int64{parent.SegID},
			PParentID: parent.SegID,
			Status:    model.StatusPrepared,
			Pcoord:    pcoord,
		}
	}
	return children
}
