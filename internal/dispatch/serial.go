package dispatch

import (
	"context"

	apperrors "github.com/we-ensemble/pkg/errors"
	"github.com/we-ensemble/pkg/model"
	"github.com/we-ensemble/pkg/utils"
)

// SerialWorkManager runs propagation in-process with no channels or worker
// pool: the master-mode code path for single-host debugging runs.
type SerialWorkManager struct {
	propagator Propagator
	store      SegmentStore
	blocksize  int
	logger     utils.Logger
}

// NewSerialWorkManager creates the in-process work manager.
func NewSerialWorkManager(propagator Propagator, store SegmentStore, blocksize int, logger utils.Logger) *SerialWorkManager {
	if blocksize < 1 {
		blocksize = DefaultBlocksize
	}
	if logger == nil {
		logger = &utils.NullLogger{}
	}
	return &SerialWorkManager{
		propagator: propagator,
		store:      store,
		blocksize:  blocksize,
		logger:     logger,
	}
}

// Dispatch executes a single envelope immediately.
func (wm *SerialWorkManager) Dispatch(task *model.Task) {
	if task == nil {
		return
	}
	wm.runTask(context.Background(), task)
}

// DispatchAll executes a batch of envelopes immediately, in order.
func (wm *SerialWorkManager) DispatchAll(tasks []*model.Task) {
	for _, task := range tasks {
		wm.Dispatch(task)
	}
}

// Shutdown is a no-op for the in-process variant.
func (wm *SerialWorkManager) Shutdown(exitCode int) {
	wm.logger.Debug("serial work manager shutdown (exit code %d)", exitCode)
}

// Propagate runs every block through the propagator on the calling
// goroutine, copying results onto the originals and committing each block.
func (wm *SerialWorkManager) Propagate(ctx context.Context, segments []*model.Segment) error {
	if len(segments) == 0 {
		return nil
	}

	outgoing := make(map[int64]*model.Segment, len(segments))
	for _, seg := range segments {
		outgoing[seg.SegID] = seg
	}

	for _, block := range partitionSegments(segments, wm.blocksize) {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrapf(apperrors.CodeInterrupted, err, "propagate aborted")
		}

		task := model.NewPropagateTask(block)
		wm.runTask(ctx, task)
		if task.Failed() {
			return apperrors.Newf(apperrors.CodeTaskError, "task %s failed: %s", task.TaskID, task.Err)
		}

		committed := make([]*model.Segment, 0, len(task.Result))
		var nIter int64
		for _, incoming := range task.Result {
			orig, ok := outgoing[incoming.SegID]
			if !ok {
				return apperrors.Newf(apperrors.CodeInternal,
					"propagator returned segment %d that was never dispatched", incoming.SegID)
			}
			orig.CopyMutableFrom(incoming)
			committed = append(committed, orig)
			nIter = orig.NIter
		}

		if wm.store != nil {
			if err := wm.store.Open("r+"); err != nil {
				return err
			}
			err := wm.store.UpdateSegments(nIter, committed)
			_ = wm.store.Close()
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (wm *SerialWorkManager) runTask(ctx context.Context, task *model.Task) {
	defer func() {
		if r := recover(); r != nil {
			task.Fail(apperrors.Newf(apperrors.CodeTaskError, "propagator panic: %v", r))
		}
	}()

	result, err := wm.propagator.Propagate(ctx, task.Segments)
	if err != nil {
		task.Fail(apperrors.Wrapf(apperrors.CodeTaskError, err, "task %s", task.TaskID))
		return
	}
	if len(result) != len(task.Segments) {
		task.Fail(apperrors.Newf(apperrors.CodeTaskError,
			"task %s: propagator returned %d segments for a block of %d",
			task.TaskID, len(result), len(task.Segments)))
		return
	}
	task.Complete(result)
}
