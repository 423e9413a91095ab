package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegStatus_String(t *testing.T) {
	assert.Equal(t, "prepared", StatusPrepared.String())
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "complete", StatusComplete.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.Equal(t, "unknown", SegStatus(99).String())
}

func TestEndpointType_String(t *testing.T) {
	assert.Equal(t, "unset", EndpointNotSet.String())
	assert.Equal(t, "continued", EndpointContinued.String())
	assert.Equal(t, "recycled", EndpointRecycled.String())
	assert.Equal(t, "merged", EndpointMerged.String())
	assert.Equal(t, "unknown", EndpointType(99).String())
}

func TestSegment_HasParent(t *testing.T) {
	seg := &Segment{ParentIDs: []int64{4, 1, 9}}

	assert.True(t, seg.HasParent(1))
	assert.True(t, seg.HasParent(9))
	assert.False(t, seg.HasParent(2))
}

func TestSegment_SortedParents(t *testing.T) {
	seg := &Segment{PParentID: 5, ParentIDs: []int64{9, 5, 1, 7}}

	assert.Equal(t, []int64{5, 1, 7, 9}, seg.SortedParents())
}

func TestSegment_SortedParentsSingle(t *testing.T) {
	seg := &Segment{PParentID: 3, ParentIDs: []int64{3}}

	assert.Equal(t, []int64{3}, seg.SortedParents())
}

func TestSegment_Clone(t *testing.T) {
	pcoord := NewArray(DTypeFloat64, 2, 1)
	pcoord.SetFloat64(1.0, 0, 0)
	seg := &Segment{
		SegID:     2,
		NIter:     3,
		Weight:    0.25,
		ParentIDs: []int64{0, 1},
		PParentID: 0,
		Pcoord:    pcoord,
		Data: map[string]*Array{
			"energy": NewArray(DTypeFloat32, 2),
		},
	}

	clone := seg.Clone()
	require.Equal(t, seg.SegID, clone.SegID)
	require.True(t, seg.Pcoord.Equal(clone.Pcoord))

	// Deep copies must be independent.
	clone.ParentIDs[0] = 99
	clone.Pcoord.SetFloat64(42, 0, 0)
	clone.Data["energy"].SetFloat64(7, 0)

	assert.Equal(t, int64(0), seg.ParentIDs[0])
	assert.Equal(t, 1.0, seg.Pcoord.Float64At(0, 0))
	assert.Equal(t, 0.0, seg.Data["energy"].Float64At(0))
}

func TestSegment_CopyMutableFrom(t *testing.T) {
	orig := &Segment{
		SegID:     4,
		NIter:     2,
		Weight:    0.5,
		ParentIDs: []int64{1},
		PParentID: 1,
		Status:    StatusPrepared,
		Pcoord:    NewArray(DTypeFloat64, 3, 1),
	}

	incoming := &Segment{
		SegID:        4,
		NIter:        2,
		Weight:       0.5,
		ParentIDs:    nil, // workers do not ship lineage back
		PParentID:    0,
		Status:       StatusComplete,
		EndpointType: EndpointContinued,
		CPUTime:      1.25,
		Walltime:     2.5,
		Pcoord:       NewArray(DTypeFloat64, 3, 1),
		Data: map[string]*Array{
			"flux": NewArray(DTypeFloat64, 3),
		},
	}
	incoming.Pcoord.SetFloat64(9.0, 2, 0)

	orig.CopyMutableFrom(incoming)

	assert.Equal(t, StatusComplete, orig.Status)
	assert.Equal(t, EndpointContinued, orig.EndpointType)
	assert.Equal(t, 1.25, orig.CPUTime)
	assert.Equal(t, 2.5, orig.Walltime)
	assert.Equal(t, 9.0, orig.Pcoord.Float64At(2, 0))
	assert.Contains(t, orig.Data, "flux")

	// Identity and lineage stay put.
	assert.Equal(t, int64(4), orig.SegID)
	assert.Equal(t, []int64{1}, orig.ParentIDs)
	assert.Equal(t, int64(1), orig.PParentID)
}

func TestTask_Lifecycle(t *testing.T) {
	segs := []*Segment{{SegID: 7, NIter: 3}}
	task := NewPropagateTask(segs)

	assert.Equal(t, "propagate:3:7", task.TaskID)
	assert.Equal(t, OpPropagate, task.Op)
	assert.False(t, task.Completed)
	assert.False(t, task.Failed())

	task.Complete(segs)
	assert.True(t, task.Completed)
	assert.False(t, task.Failed())
	assert.Len(t, task.Result, 1)
}

func TestTask_Fail(t *testing.T) {
	task := NewPropagateTask([]*Segment{{SegID: 0, NIter: 1}})

	task.Fail(assert.AnError)

	assert.True(t, task.Completed)
	assert.True(t, task.Failed())
	assert.Empty(t, task.Result)
}

func TestIterStatus_String(t *testing.T) {
	assert.Equal(t, "incomplete", IterIncomplete.String())
	assert.Equal(t, "complete", IterComplete.String())
	assert.Equal(t, "unknown", IterStatus(9).String())
}
