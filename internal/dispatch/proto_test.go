package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/we-ensemble/pkg/model"
)

func TestAnnMessageCodec(t *testing.T) {
	tests := []*AnnMessage{
		{Kind: MsgTaskAvail, Endpoint: "tcp://10.0.0.1:23812"},
		{Kind: MsgShutdown, ExitCode: 2},
	}

	for _, msg := range tests {
		buf, err := encodeAnn(msg)
		require.NoError(t, err)
		got, err := decodeAnn(buf)
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}
}

func TestTaskMessageCodec(t *testing.T) {
	pcoord := model.NewArray(model.DTypeFloat64, 2, 1)
	pcoord.SetFloat64(0.5, 1, 0)
	seg := &model.Segment{
		SegID:     3,
		NIter:     2,
		Weight:    0.25,
		ParentIDs: []int64{1, 0},
		PParentID: 1,
		Status:    model.StatusPrepared,
		Pcoord:    pcoord,
		Data: map[string]*model.Array{
			"energy": model.NewArray(model.DTypeFloat32, 2),
		},
	}
	task := model.NewPropagateTask([]*model.Segment{seg})

	msg := &TaskMessage{Kind: MsgResults, Tasks: []*model.Task{task}}
	buf, err := encodeTaskMessage(msg)
	require.NoError(t, err)
	got, err := decodeTaskMessage(buf)
	require.NoError(t, err)

	require.Len(t, got.Tasks, 1)
	gotSeg := got.Tasks[0].Segments[0]
	assert.Equal(t, seg.SegID, gotSeg.SegID)
	assert.Equal(t, seg.ParentIDs, gotSeg.ParentIDs)
	assert.True(t, seg.Pcoord.Equal(gotSeg.Pcoord))
	assert.True(t, seg.Data["energy"].Equal(gotSeg.Data["energy"]))
	assert.Equal(t, task.TaskID, got.Tasks[0].TaskID)
}

func TestTaskReplyCodec(t *testing.T) {
	// Empty acknowledgement.
	buf, err := encodeTaskReply(&TaskReply{})
	require.NoError(t, err)
	rep, err := decodeTaskReply(buf)
	require.NoError(t, err)
	assert.Empty(t, rep.Tasks)

	// Non-empty pull reply.
	task := model.NewPropagateTask([]*model.Segment{{SegID: 0, NIter: 1}})
	buf, err = encodeTaskReply(&TaskReply{Tasks: []*model.Task{task}})
	require.NoError(t, err)
	rep, err = decodeTaskReply(buf)
	require.NoError(t, err)
	require.Len(t, rep.Tasks, 1)
	assert.Equal(t, task.TaskID, rep.Tasks[0].TaskID)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := decodeAnn([]byte{0xc1})
	assert.Error(t, err)
	_, err = decodeTaskMessage([]byte{0xc1})
	assert.Error(t, err)
	_, err = decodeTaskReply([]byte{0xc1})
	assert.Error(t, err)
}

func TestPartitionSegments(t *testing.T) {
	segs := make([]*model.Segment, 7)
	for i := range segs {
		segs[i] = &model.Segment{SegID: int64(i), NIter: 1}
	}

	blocks := partitionSegments(segs, 3)
	require.Len(t, blocks, 3)
	assert.Len(t, blocks[0], 3)
	assert.Len(t, blocks[1], 3)
	assert.Len(t, blocks[2], 1)
	assert.Equal(t, int64(6), blocks[2][0].SegID)

	assert.Len(t, partitionSegments(segs, 100), 1)
	assert.Len(t, partitionSegments(nil, 3), 0)
}
