package model

import (
	"fmt"
)

// OpPropagate is the operation tag for propagation tasks.
const OpPropagate = "propagate"

// Task is the submission and completion record for one unit of work. The
// envelope owns its payload for its lifetime; once completed, ownership of
// the result moves to the dispatcher's results queue and then to the caller
// awaiting it.
type Task struct {
	TaskID    string     `msgpack:"task_id"`
	Op        string     `msgpack:"op"`
	Segments  []*Segment `msgpack:"segments"`
	Result    []*Segment `msgpack:"result,omitempty"`
	Err       string     `msgpack:"err,omitempty"`
	Completed bool       `msgpack:"completed"`
}

// NewPropagateTask wraps a block of segments in an envelope with a
// deterministic id derived from the block's first segment.
func NewPropagateTask(block []*Segment) *Task {
	return &Task{
		TaskID:   TaskID(OpPropagate, block[0].NIter, block[0].SegID),
		Op:       OpPropagate,
		Segments: block,
	}
}

// TaskID builds a deterministic task id from an operation tag, an iteration,
// and the first segment id of the block.
func TaskID(op string, nIter, firstSegID int64) string {
	return fmt.Sprintf("%s:%d:%d", op, nIter, firstSegID)
}

// Complete marks the task finished with the given result.
func (t *Task) Complete(result []*Segment) {
	t.Result = result
	t.Completed = true
}

// Fail marks the task finished with an error and no result.
func (t *Task) Fail(err error) {
	t.Err = err.Error()
	t.Completed = true
}

// Failed reports whether the task completed with an error.
func (t *Task) Failed() bool {
	return t.Err != ""
}
