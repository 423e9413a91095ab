package dispatch

import (
	"context"

	"github.com/we-ensemble/pkg/collections"
	apperrors "github.com/we-ensemble/pkg/errors"
	"github.com/we-ensemble/pkg/model"
	"github.com/we-ensemble/pkg/utils"
)

// SegmentStore is the slice of the archive the work manager needs: scoped
// acquisition plus the bulk commit of propagated segments. The archive is
// not thread-safe, so the manager opens it around each commit and closes it
// between calls; workers never touch it.
type SegmentStore interface {
	Open(mode string) error
	Close() error
	UpdateSegments(n int64, segments []*model.Segment) error
}

// WorkManager is the capability the simulation loop drives. The serial
// in-process variant and the distributed master/worker variant implement the
// same set.
type WorkManager interface {
	Dispatch(task *model.Task)
	DispatchAll(tasks []*model.Task)
	Propagate(ctx context.Context, segments []*model.Segment) error
	Shutdown(exitCode int)
}

// DefaultBlocksize is the number of segments per task envelope.
const DefaultBlocksize = 1

// ZMQWorkManager routes propagation through the distributed dispatcher.
type ZMQWorkManager struct {
	master    *Master
	store     SegmentStore
	blocksize int
	logger    utils.Logger
}

// NewZMQWorkManager wraps a started master. A nil store skips archive
// commits; blocksize below 1 falls back to the default.
func NewZMQWorkManager(master *Master, store SegmentStore, blocksize int, logger utils.Logger) *ZMQWorkManager {
	if blocksize < 1 {
		blocksize = DefaultBlocksize
	}
	if logger == nil {
		logger = &utils.NullLogger{}
	}
	return &ZMQWorkManager{
		master:    master,
		store:     store,
		blocksize: blocksize,
		logger:    logger,
	}
}

// Dispatch queues a single task.
func (wm *ZMQWorkManager) Dispatch(task *model.Task) {
	wm.master.Dispatch(task)
}

// DispatchAll queues a batch of tasks.
func (wm *ZMQWorkManager) DispatchAll(tasks []*model.Task) {
	wm.master.DispatchAll(tasks)
}

// Shutdown stops the dispatcher with the given exit code.
func (wm *ZMQWorkManager) Shutdown(exitCode int) {
	wm.master.Shutdown(exitCode)
}

// Propagate partitions segments into blocksize blocks, dispatches them, and
// blocks until every outgoing segment id has come back exactly once.
// Completions arrive in arbitrary order; reconciliation is per segment id.
// Each drained batch is copied onto the in-memory originals and bulk
// committed to the store.
func (wm *ZMQWorkManager) Propagate(ctx context.Context, segments []*model.Segment) error {
	if len(segments) == 0 {
		return nil
	}

	blocks := partitionSegments(segments, wm.blocksize)
	tasks := make([]*model.Task, len(blocks))
	for i, block := range blocks {
		tasks[i] = model.NewPropagateTask(block)
	}
	wm.logger.Debug("dispatching %d segment(s) in %d block(s)", len(segments), len(tasks))

	outgoing := make(map[int64]*model.Segment, len(segments))
	for _, seg := range segments {
		outgoing[seg.SegID] = seg
	}
	completed := collections.NewBitset(len(segments))
	completedCount := 0

	wm.master.DispatchAll(tasks)

	for completedCount < len(segments) {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrapf(apperrors.CodeInterrupted, err, "propagate aborted")
		}

		batch, err := wm.master.NextResults()
		if err != nil {
			return err
		}

		var committed []*model.Segment
		var nIter int64
		for _, task := range batch {
			if task.Failed() {
				return apperrors.Newf(apperrors.CodeTaskError, "task %s failed: %s", task.TaskID, task.Err)
			}
			for _, incoming := range task.Result {
				orig, ok := outgoing[incoming.SegID]
				if !ok {
					return apperrors.Newf(apperrors.CodeInternal,
						"received segment %d that was never dispatched", incoming.SegID)
				}
				if completed.Test(int(incoming.SegID)) {
					return apperrors.Newf(apperrors.CodeInternal,
						"received segment %d twice", incoming.SegID)
				}
				completed.Set(int(incoming.SegID))
				completedCount++

				orig.CopyMutableFrom(incoming)
				committed = append(committed, orig)
				nIter = orig.NIter
			}
		}

		if len(committed) > 0 {
			if err := wm.commit(nIter, committed); err != nil {
				return err
			}
		}
	}

	return nil
}

// commit bulk-updates one batch of finished segments, holding the store open
// only for the write.
func (wm *ZMQWorkManager) commit(nIter int64, segments []*model.Segment) error {
	if wm.store == nil {
		return nil
	}
	if err := wm.store.Open("r+"); err != nil {
		return err
	}
	defer wm.store.Close()
	return wm.store.UpdateSegments(nIter, segments)
}

// partitionSegments slices segments into blocks of at most blocksize,
// preserving order.
func partitionSegments(segments []*model.Segment, blocksize int) [][]*model.Segment {
	var blocks [][]*model.Segment
	for start := 0; start < len(segments); start += blocksize {
		end := start + blocksize
		if end > len(segments) {
			end = len(segments)
		}
		blocks = append(blocks, segments[start:end])
	}
	return blocks
}
