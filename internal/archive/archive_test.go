package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	apperrors "github.com/we-ensemble/pkg/errors"
	"github.com/we-ensemble/pkg/model"
)

// stubSystem supplies pcoord defaults and a bin count without dragging in
// the full system package.
type stubSystem struct {
	ndim, plen, nbins int
	dtype             model.DType
}

func (s *stubSystem) PcoordNDim() int          { return s.ndim }
func (s *stubSystem) PcoordLen() int           { return s.plen }
func (s *stubSystem) PcoordDType() model.DType { return s.dtype }
func (s *stubSystem) NBins() int               { return s.nbins }

func newTestArchive(t *testing.T, opts ...Option) *Archive {
	t.Helper()

	path := filepath.Join(t.TempDir(), "wemd.db")
	opts = append([]Option{
		WithSystem(&stubSystem{ndim: 2, plen: 11, nbins: 4, dtype: model.DTypeFloat64}),
	}, opts...)
	a := New(path, opts...)
	require.NoError(t, a.Open("w"))
	require.NoError(t, a.Prepare())
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// makeSegments builds n prepared segments of iteration nIter with the given
// primary parents and uniform weight, each carrying only its starting pcoord
// row.
func makeSegments(nIter int64, pparents []int64, ndim int) []*model.Segment {
	segs := make([]*model.Segment, len(pparents))
	for i, pp := range pparents {
		pcoord := model.NewArray(model.DTypeFloat64, 1, ndim)
		for d := 0; d < ndim; d++ {
			pcoord.SetFloat64(float64(i), 0, d)
		}
		segs[i] = &model.Segment{
			SegID:     model.UnassignedSegID,
			NIter:     nIter,
			Weight:    1.0 / float64(len(pparents)),
			ParentIDs: []int64{pp},
			PParentID: pp,
			Pcoord:    pcoord,
		}
	}
	return segs
}

func TestArchive_OpenModes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wemd.db")

	a := New(path)
	require.NoError(t, a.Open("w"))
	require.NoError(t, a.Prepare())
	require.NoError(t, a.Close())

	// Read-only reopen sees the prepared state.
	require.NoError(t, a.Open("r"))
	version, err := a.FormatVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(FileFormatVersion), version)
	n, err := a.CurrentIteration()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, a.Close())

	// Bogus mode.
	assert.Error(t, a.Open("x"))

	// Closing a closed archive is fine.
	assert.NoError(t, a.Close())
}

func TestArchive_OpenTwiceFails(t *testing.T) {
	a := newTestArchive(t)
	assert.Error(t, a.Open("r+"))
}

func TestArchive_OperationsRequireOpen(t *testing.T) {
	a := New(filepath.Join(t.TempDir(), "wemd.db"))

	_, err := a.CurrentIteration()
	assert.Error(t, err)
	assert.Error(t, a.Prepare())
}

func TestArchive_CurrentIteration(t *testing.T) {
	a := newTestArchive(t)

	require.NoError(t, a.SetCurrentIteration(7))
	n, err := a.CurrentIteration()
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestArchive_IterPrecPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wemd.db")

	a := New(path, WithIterPrec(4))
	require.NoError(t, a.Open("w"))
	require.NoError(t, a.Prepare())
	assert.Equal(t, "iter_0007", a.iterGroupName(7))
	require.NoError(t, a.Close())

	// A handle created with the default width picks up the stored one.
	b := New(path)
	require.NoError(t, b.Open("r"))
	defer b.Close()
	assert.Equal(t, 4, b.IterPrec())
	assert.Equal(t, "iter_0007", b.iterGroupName(7))
}

func TestArchive_GroupNameWidth(t *testing.T) {
	a := New("unused")
	assert.Equal(t, "iter_00000001", a.iterGroupName(1))
	assert.Equal(t, "iter_00012345", a.iterGroupName(12345))
}

func TestPrepareIteration_LineageRoundTrip(t *testing.T) {
	a := newTestArchive(t)

	// Arbitrary many-parent lineage.
	segs := []*model.Segment{
		{SegID: model.UnassignedSegID, NIter: 2, Weight: 0.5, ParentIDs: []int64{3, 1, 2}, PParentID: 2},
		{SegID: model.UnassignedSegID, NIter: 2, Weight: 0.25, ParentIDs: []int64{0}, PParentID: 0},
		{SegID: model.UnassignedSegID, NIter: 2, Weight: 0.25, ParentIDs: []int64{4, 0}, PParentID: 4},
	}
	require.NoError(t, a.PrepareIteration(2, segs))

	got, err := a.GetSegments(2)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Dense ids in input order.
	for i, seg := range got {
		assert.Equal(t, int64(i), seg.SegID)
		assert.Equal(t, int64(2), seg.NIter)
	}

	// Primary parent first, remaining parents ascending.
	assert.Equal(t, []int64{2, 1, 3}, got[0].ParentIDs)
	assert.Equal(t, int64(2), got[0].PParentID)
	assert.Equal(t, []int64{0}, got[1].ParentIDs)
	assert.Equal(t, []int64{4, 0}, got[2].ParentIDs)
	assert.Equal(t, int64(4), got[2].PParentID)

	// The summary row reflects the new iteration.
	summary, err := a.GetIterSummary(2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.NParticles)
	assert.InDelta(t, 1.0, summary.Norm, 1e-12)
	assert.Equal(t, model.IterIncomplete, summary.Status)
}

func TestPrepareIteration_PrefixSumOffsets(t *testing.T) {
	a := newTestArchive(t)

	segs := []*model.Segment{
		{SegID: model.UnassignedSegID, Weight: 0.2, ParentIDs: []int64{0, 1, 2}, PParentID: 1},
		{SegID: model.UnassignedSegID, Weight: 0.2, ParentIDs: []int64{3}, PParentID: 3},
		{SegID: model.UnassignedSegID, Weight: 0.6, ParentIDs: []int64{2, 4}, PParentID: 2},
	}
	require.NoError(t, a.PrepareIteration(2, segs))

	// Inspect the raw datasets.
	rows, parents := readIndexAndParents(t, a, 2)

	require.Len(t, rows, 3)
	assert.Equal(t, uint32(0), rows[0].ParentsOffset)
	assert.Equal(t, uint32(3), rows[1].ParentsOffset)
	assert.Equal(t, uint32(4), rows[2].ParentsOffset)
	assert.Equal(t, uint32(3), rows[0].NParents)
	assert.Equal(t, uint32(1), rows[1].NParents)
	assert.Equal(t, uint32(2), rows[2].NParents)

	// Invariant 2: total parents equals the vector length.
	assert.Len(t, parents, 6)

	// Invariant 3: the first entry of each slice is the primary parent.
	assert.Equal(t, int64(1), parents[rows[0].ParentsOffset])
	assert.Equal(t, int64(3), parents[rows[1].ParentsOffset])
	assert.Equal(t, int64(2), parents[rows[2].ParentsOffset])
}

func TestPrepareIteration_SchemaViolations(t *testing.T) {
	a := newTestArchive(t)

	tests := []struct {
		name string
		segs []*model.Segment
	}{
		{
			name: "no segments",
			segs: nil,
		},
		{
			name: "empty parent set",
			segs: []*model.Segment{{SegID: model.UnassignedSegID, Weight: 1}},
		},
		{
			name: "primary parent not a parent",
			segs: []*model.Segment{
				{SegID: model.UnassignedSegID, Weight: 1, ParentIDs: []int64{1}, PParentID: 2},
			},
		},
		{
			name: "duplicate parent",
			segs: []*model.Segment{
				{SegID: model.UnassignedSegID, Weight: 1, ParentIDs: []int64{1, 1}, PParentID: 1},
			},
		},
		{
			name: "preset id out of order",
			segs: []*model.Segment{
				{SegID: 5, Weight: 1, ParentIDs: []int64{0}, PParentID: 0},
			},
		},
		{
			name: "bad pcoord shape",
			segs: []*model.Segment{
				{
					SegID: model.UnassignedSegID, Weight: 1, ParentIDs: []int64{0}, PParentID: 0,
					Pcoord: model.NewArray(model.DTypeFloat64, 3, 2),
				},
			},
		},
		{
			name: "bad pcoord dtype",
			segs: []*model.Segment{
				{
					SegID: model.UnassignedSegID, Weight: 1, ParentIDs: []int64{0}, PParentID: 0,
					Pcoord: model.NewArray(model.DTypeFloat32, 1, 2),
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.PrepareIteration(2, tt.segs)
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeSchemaViolation, apperrors.GetErrorCode(err))
		})
	}
}

func TestPrepareIteration_ParentRangeChecked(t *testing.T) {
	a := newTestArchive(t)

	require.NoError(t, a.PrepareIteration(1, makeSegments(1, []int64{0, 0, 0}, 2)))

	// Parent 7 does not exist in iteration 1 (3 particles).
	bad := makeSegments(2, []int64{0, 7}, 2)
	err := a.PrepareIteration(2, bad)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeSchemaViolation, apperrors.GetErrorCode(err))
}

func TestPrepareIteration_ExplicitShapeOverrides(t *testing.T) {
	a := newTestArchive(t)

	segs := makeSegments(1, []int64{0}, 3)
	require.NoError(t, a.PrepareIteration(1, segs,
		WithPcoordNDim(3), WithPcoordLen(5), WithPcoordDType(model.DTypeFloat64)))

	got, err := a.GetSegments(1)
	require.NoError(t, err)
	assert.True(t, got[0].Pcoord.ShapeEquals(5, 3))
}

func TestPrepareIteration_NoSystemNoShapeFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wemd.db")
	a := New(path)
	require.NoError(t, a.Open("w"))
	defer a.Close()
	require.NoError(t, a.Prepare())

	err := a.PrepareIteration(1, makeSegments(1, []int64{0}, 2))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeConfigError, apperrors.GetErrorCode(err))
}

func TestUpdateSegments_RoundTrip(t *testing.T) {
	a := newTestArchive(t)

	segs := makeSegments(1, []int64{0, 0, 0, 0}, 2)
	require.NoError(t, a.PrepareIteration(1, segs))

	// Synthetic full pcoords: seg_id*1000 + t*10 + d.
	updated, err := a.GetSegments(1)
	require.NoError(t, err)
	for _, seg := range updated {
		for ti := 0; ti < 11; ti++ {
			for d := 0; d < 2; d++ {
				seg.Pcoord.SetFloat64(float64(seg.SegID)*1000+float64(ti)*10+float64(d), ti, d)
			}
		}
		seg.Status = model.StatusComplete
		seg.EndpointType = model.EndpointContinued
		seg.CPUTime = 1.5
		seg.Walltime = 3.0
	}
	require.NoError(t, a.UpdateSegments(1, updated))

	// Full-iteration read.
	got, err := a.GetSegments(1)
	require.NoError(t, err)
	for i, seg := range got {
		assert.Equal(t, model.StatusComplete, seg.Status)
		assert.Equal(t, model.EndpointContinued, seg.EndpointType)
		assert.Equal(t, 1.5, seg.CPUTime)
		assert.Equal(t, 3.0, seg.Walltime)
		assert.True(t, seg.Pcoord.Equal(updated[i].Pcoord))
	}

	// Pointwise read, deliberately out of order.
	subset, err := a.GetSegmentsByID(1, []int64{3, 1})
	require.NoError(t, err)
	require.Len(t, subset, 2)
	assert.Equal(t, int64(3), subset[0].SegID)
	assert.Equal(t, int64(1), subset[1].SegID)
	assert.True(t, subset[0].Pcoord.Equal(updated[3].Pcoord))
	assert.True(t, subset[1].Pcoord.Equal(updated[1].Pcoord))
}

func TestUpdateSegments_DoesNotTouchLineage(t *testing.T) {
	a := newTestArchive(t)

	segs := []*model.Segment{
		{SegID: model.UnassignedSegID, Weight: 0.5, ParentIDs: []int64{1, 0}, PParentID: 1},
		{SegID: model.UnassignedSegID, Weight: 0.5, ParentIDs: []int64{2}, PParentID: 2},
	}
	require.NoError(t, a.PrepareIteration(2, segs))

	got, err := a.GetSegments(2)
	require.NoError(t, err)
	got[0].Status = model.StatusComplete
	// A hostile caller scribbling on lineage fields must not corrupt the
	// archive.
	got[0].ParentIDs = []int64{9, 8, 7}
	got[0].PParentID = 9
	require.NoError(t, a.UpdateSegments(2, got))

	again, err := a.GetSegments(2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0}, again[0].ParentIDs)
	assert.Equal(t, int64(1), again[0].PParentID)
	assert.Equal(t, model.StatusComplete, again[0].Status)
}

func TestUpdateSegments_Idempotent(t *testing.T) {
	a := newTestArchive(t)

	require.NoError(t, a.PrepareIteration(1, makeSegments(1, []int64{0, 0}, 2)))

	segs, err := a.GetSegments(1)
	require.NoError(t, err)
	for _, seg := range segs {
		seg.Status = model.StatusComplete
		seg.CPUTime = 2.0
		seg.Data = map[string]*model.Array{"energy": model.NewArray(model.DTypeFloat32, 11)}
	}

	require.NoError(t, a.UpdateSegments(1, segs))
	first := snapshotIteration(t, a, 1)

	require.NoError(t, a.UpdateSegments(1, segs))
	second := snapshotIteration(t, a, 1)

	assert.Equal(t, first, second)
}

func TestUpdateSegments_AuxData(t *testing.T) {
	a := newTestArchive(t)

	require.NoError(t, a.PrepareIteration(1, makeSegments(1, []int64{0, 0, 0}, 2)))

	segs, err := a.GetSegments(1)
	require.NoError(t, err)

	energy0 := model.NewArray(model.DTypeFloat32, 4)
	energy0.SetFloat64(7.5, 2)
	segs[0].Data = map[string]*model.Array{"energy": energy0}
	require.NoError(t, a.UpdateSegments(1, segs[:1]))

	// Later write of the same field with the same shape lands in its row.
	energy2 := model.NewArray(model.DTypeFloat32, 4)
	energy2.SetFloat64(1.25, 0)
	segs[2].Data = map[string]*model.Array{"energy": energy2}
	require.NoError(t, a.UpdateSegments(1, segs[2:3]))

	aux, err := a.GetAuxData(1, "energy")
	require.NoError(t, err)
	assert.True(t, aux.ShapeEquals(3, 4))
	assert.Equal(t, 7.5, aux.Float64At(0, 2))
	assert.Equal(t, 1.25, aux.Float64At(2, 0))

	names, err := a.ListAuxData(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"energy"}, names)

	// Mismatched shape on a later write of the same field fails.
	segs[1].Data = map[string]*model.Array{"energy": model.NewArray(model.DTypeFloat32, 5)}
	err = a.UpdateSegments(1, segs[1:2])
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeSchemaViolation, apperrors.GetErrorCode(err))

	// Mismatched dtype fails too.
	segs[1].Data = map[string]*model.Array{"energy": model.NewArray(model.DTypeFloat64, 4)}
	err = a.UpdateSegments(1, segs[1:2])
	require.Error(t, err)
}

func TestUpdateSegments_MissingIteration(t *testing.T) {
	a := newTestArchive(t)

	err := a.UpdateSegments(9, makeSegments(9, []int64{0}, 2))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.GetErrorCode(err))
}

func TestGetSegmentsByID_Empty(t *testing.T) {
	a := newTestArchive(t)
	require.NoError(t, a.PrepareIteration(1, makeSegments(1, []int64{0}, 2)))

	got, err := a.GetSegmentsByID(1, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = a.GetSegmentsByID(1, []int64{5})
	assert.Error(t, err)
}

func TestGetChildren(t *testing.T) {
	a := newTestArchive(t)

	// Iteration 1: 3 segments, all rooted at initial point 0.
	require.NoError(t, a.PrepareIteration(1, makeSegments(1, []int64{0, 0, 0}, 2)))
	// Iteration 2: 5 segments with primary parents [0,0,1,1,2].
	require.NoError(t, a.PrepareIteration(2, makeSegments(2, []int64{0, 0, 1, 1, 2}, 2)))
	require.NoError(t, a.SetCurrentIteration(2))

	iter1, err := a.GetSegments(1)
	require.NoError(t, err)

	children, err := a.GetChildren(iter1[0])
	require.NoError(t, err)
	ids := segIDs(children)
	assert.Equal(t, []int64{0, 1}, ids)

	children, err = a.GetChildren(iter1[1])
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, segIDs(children))

	children, err = a.GetChildren(iter1[2])
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, segIDs(children))

	// Segments of the current iteration have no recorded children.
	iter2, err := a.GetSegments(2)
	require.NoError(t, err)
	children, err = a.GetChildren(iter2[0])
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestGetChildren_NonPrimaryNotReported(t *testing.T) {
	a := newTestArchive(t)

	require.NoError(t, a.PrepareIteration(1, makeSegments(1, []int64{0, 0}, 2)))
	// Segment 0 of iteration 2 lists parent 1 as a non-primary parent.
	segs := []*model.Segment{
		{SegID: model.UnassignedSegID, Weight: 1, ParentIDs: []int64{0, 1}, PParentID: 0,
			Pcoord: model.NewArray(model.DTypeFloat64, 1, 2)},
	}
	require.NoError(t, a.PrepareIteration(2, segs))
	require.NoError(t, a.SetCurrentIteration(2))

	iter1, err := a.GetSegments(1)
	require.NoError(t, err)

	children, err := a.GetChildren(iter1[1])
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestBinData_RoundTrip(t *testing.T) {
	a := newTestArchive(t)
	require.NoError(t, a.PrepareIteration(1, makeSegments(1, []int64{0, 0}, 2)))

	assignments := model.NewArray(model.DTypeUint32, 2, 11)
	assignments.SetFloat64(3, 1, 10)
	populations := model.NewArray(model.DTypeFloat64, 11, 4)
	populations.SetFloat64(0.5, 0, 3)
	ntrans := model.NewArray(model.DTypeUint32, 4, 4)
	fluxes := model.NewArray(model.DTypeFloat64, 4, 4)
	fluxes.SetFloat64(0.125, 2, 1)
	rates := model.NewArray(model.DTypeFloat64, 4, 4)

	require.NoError(t, a.WriteBinData(1, assignments, populations, ntrans, fluxes, rates))

	gotAssign, gotPop, gotNtrans, gotFluxes, gotRates, err := a.GetBinData(1)
	require.NoError(t, err)
	assert.True(t, gotAssign.Equal(assignments))
	assert.True(t, gotPop.Equal(populations))
	assert.True(t, gotNtrans.Equal(ntrans))
	assert.True(t, gotFluxes.Equal(fluxes))
	assert.True(t, gotRates.Equal(rates))

	assert.Error(t, a.WriteBinData(1, nil, populations, ntrans, fluxes, rates))
}

func TestRecyclingData_RoundTrip(t *testing.T) {
	a := newTestArchive(t)
	require.NoError(t, a.PrepareIteration(1, makeSegments(1, []int64{0}, 2)))

	entries := []model.RecyclingEntry{{Count: 3, Weight: 0.125}, {Count: 0, Weight: 0}}
	require.NoError(t, a.WriteRecyclingData(1, entries))

	got, err := a.GetRecyclingData(1)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestRecyclingData_AbsentIsEmpty(t *testing.T) {
	a := newTestArchive(t)
	require.NoError(t, a.PrepareIteration(1, makeSegments(1, []int64{0}, 2)))

	got, err := a.GetRecyclingData(1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIterSummary_UpdateAndTruncate(t *testing.T) {
	a := newTestArchive(t)

	for n := int64(1); n <= 5; n++ {
		require.NoError(t, a.PrepareIteration(n, makeSegments(n, []int64{0}, 2)))
	}

	length, err := a.SummaryLength()
	require.NoError(t, err)
	assert.Equal(t, int64(5), length)

	row, err := a.GetIterSummary(3)
	require.NoError(t, err)
	row.Status = model.IterComplete
	row.Walltime = 12.5
	require.NoError(t, a.UpdateIterSummary(3, row))

	again, err := a.GetIterSummary(3)
	require.NoError(t, err)
	assert.Equal(t, model.IterComplete, again.Status)
	assert.Equal(t, 12.5, again.Walltime)

	// Truncation to min_iter-1 rows.
	require.NoError(t, a.DelIterSummary(3))
	length, err = a.SummaryLength()
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)

	_, err = a.GetIterSummary(3)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.GetErrorCode(err))

	// The truncated groups may remain on disk.
	_, err = a.GetSegments(4)
	assert.NoError(t, err)
}

func TestDelIterGroup(t *testing.T) {
	a := newTestArchive(t)
	require.NoError(t, a.PrepareIteration(1, makeSegments(1, []int64{0}, 2)))

	require.NoError(t, a.DelIterGroup(1))
	_, err := a.GetSegments(1)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.GetErrorCode(err))

	assert.Error(t, a.DelIterGroup(1))
}

func TestArchive_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wemd.db")
	sys := &stubSystem{ndim: 2, plen: 11, nbins: 4, dtype: model.DTypeFloat64}

	a := New(path, WithSystem(sys))
	require.NoError(t, a.Open("w"))
	require.NoError(t, a.Prepare())
	require.NoError(t, a.PrepareIteration(1, makeSegments(1, []int64{0, 0}, 2)))
	require.NoError(t, a.Close())

	require.NoError(t, a.Open("r"))
	defer a.Close()
	got, err := a.GetSegments(1)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// "w" truncates.
	b := New(path, WithSystem(sys))
	require.NoError(t, b.Open("w"))
	defer b.Close()
	require.NoError(t, b.Prepare())
	_, err = b.GetSegments(1)
	assert.Error(t, err)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(0))
}

func segIDs(segs []*model.Segment) []int64 {
	ids := make([]int64, len(segs))
	for i, seg := range segs {
		ids[i] = seg.SegID
	}
	return ids
}

// readIndexAndParents pulls the raw seg_index and parents datasets of an
// iteration group.
func readIndexAndParents(t *testing.T, a *Archive, n int64) ([]segIndexRow, []int64) {
	t.Helper()

	var rows []segIndexRow
	var parents []int64
	err := a.db.View(func(tx *bolt.Tx) error {
		group := tx.Bucket([]byte(a.iterGroupName(n)))
		require.NotNil(t, group)
		var err error
		rows, err = decodeSegIndex(group.Get([]byte(keySegIndex)))
		require.NoError(t, err)
		parents, err = decodeInt64s(group.Get([]byte(keyParents)))
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)
	return rows, parents
}

// snapshotIteration captures every dataset of an iteration group byte for
// byte.
func snapshotIteration(t *testing.T, a *Archive, n int64) map[string][]byte {
	t.Helper()

	snap := make(map[string][]byte)
	err := a.db.View(func(tx *bolt.Tx) error {
		group := tx.Bucket([]byte(a.iterGroupName(n)))
		require.NotNil(t, group)
		return group.ForEach(func(k, v []byte) error {
			snap[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	require.NoError(t, err)
	return snap
}
