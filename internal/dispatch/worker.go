package dispatch

import (
	"context"

	"github.com/go-zeromq/zmq4"

	apperrors "github.com/we-ensemble/pkg/errors"
	"github.com/we-ensemble/pkg/model"
	"github.com/we-ensemble/pkg/parallel"
	"github.com/we-ensemble/pkg/utils"
)

// Propagator is the scientific collaborator a worker runs: it takes a block
// of segments and returns an equally long block with the mutable fields
// (pcoord rows past the first, status, endpoint type, timings, optional
// auxiliary data) populated.
type Propagator interface {
	Propagate(ctx context.Context, segments []*model.Segment) ([]*model.Segment, error)
}

// PropagatorFunc adapts a function to the Propagator interface.
type PropagatorFunc func(ctx context.Context, segments []*model.Segment) ([]*model.Segment, error)

// Propagate implements Propagator.
func (f PropagatorFunc) Propagate(ctx context.Context, segments []*model.Segment) ([]*model.Segment, error) {
	return f(ctx, segments)
}

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	AnnEndpoint string // master announcement channel to subscribe to
	NProcs      int    // local task-execution fan-out
}

// Worker subscribes to the master's announcements and, whenever work is
// available, opens a short-lived request/reply connection to the advertised
// endpoint, pulling and executing tasks until the master hands back an empty
// list.
type Worker struct {
	cfg        *WorkerConfig
	propagator Propagator
	logger     utils.Logger

	annSock zmq4.Socket

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(logger utils.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// NewWorker creates a Worker around the given propagator.
func NewWorker(cfg *WorkerConfig, propagator Propagator, opts ...WorkerOption) *Worker {
	if cfg.NProcs < 1 {
		cfg.NProcs = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:        cfg,
		propagator: propagator,
		logger:     &utils.NullLogger{},
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start connects the announcement subscription and launches the listen loop.
func (w *Worker) Start() error {
	sub := zmq4.NewSub(w.ctx)
	if err := sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return apperrors.Wrapf(apperrors.CodeTransportError, err, "subscribe to announcements")
	}
	if err := sub.Dial(w.cfg.AnnEndpoint); err != nil {
		return apperrors.Wrapf(apperrors.CodeTransportError, err, "connect announcement channel %s", w.cfg.AnnEndpoint)
	}
	w.annSock = sub

	w.logger.Info("worker listening for announcements on %s (n_procs=%d)", w.cfg.AnnEndpoint, w.cfg.NProcs)

	go w.listenLoop()
	return nil
}

// Wait blocks until the listen loop exits and returns its terminal error,
// if any.
func (w *Worker) Wait() error {
	<-w.done
	return w.runErr
}

// Shutdown stops the worker without waiting for a master announcement.
func (w *Worker) Shutdown() {
	w.cancel()
	if w.annSock != nil {
		_ = w.annSock.Close()
	}
}

// listenLoop receives announcements and commands from the master.
func (w *Worker) listenLoop() {
	defer close(w.done)
	defer func() {
		if w.annSock != nil {
			_ = w.annSock.Close()
		}
	}()

	for {
		msg, err := w.annSock.Recv()
		if err != nil {
			select {
			case <-w.ctx.Done():
				return
			default:
			}
			w.runErr = apperrors.Wrapf(apperrors.CodeTransportError, err, "announcement receive")
			return
		}

		ann, err := decodeAnn(msg.Bytes())
		if err != nil {
			w.logger.Error("%v", err)
			continue
		}

		switch ann.Kind {
		case MsgShutdown:
			w.logger.Info("shutdown received (exit code %d)", ann.ExitCode)
			return
		case MsgTaskAvail:
			if err := w.drainTasks(ann.Endpoint); err != nil {
				w.logger.Error("task exchange with %s failed: %v", ann.Endpoint, err)
			}
		default:
			w.logger.Error("unknown message %q received", ann.Kind)
		}
	}
}

// drainTasks opens a request/reply connection to the advertised endpoint and
// pulls blocks of up to n_procs tasks until the master replies with an empty
// list. Each batch posts one results message and waits for its
// acknowledgement before requesting more.
func (w *Worker) drainTasks(endpoint string) error {
	req := zmq4.NewReq(w.ctx)
	if err := req.Dial(endpoint); err != nil {
		return apperrors.Wrapf(apperrors.CodeTransportError, err, "connect task channel %s", endpoint)
	}
	defer req.Close()

	for {
		tasks, err := w.exchange(req, &TaskMessage{Kind: MsgRequest, N: w.cfg.NProcs})
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}

		results := w.runTasks(tasks)

		if _, err := w.exchange(req, &TaskMessage{Kind: MsgResults, Tasks: results}); err != nil {
			return err
		}
	}
}

// exchange performs one strict request/reply round trip.
func (w *Worker) exchange(req zmq4.Socket, msg *TaskMessage) ([]*model.Task, error) {
	buf, err := encodeTaskMessage(msg)
	if err != nil {
		return nil, err
	}
	if err := req.Send(zmq4.NewMsg(buf)); err != nil {
		return nil, apperrors.Wrapf(apperrors.CodeTransportError, err, "task channel send")
	}
	raw, err := req.Recv()
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.CodeTransportError, err, "task channel receive")
	}
	rep, err := decodeTaskReply(raw.Bytes())
	if err != nil {
		return nil, err
	}
	return rep.Tasks, nil
}

// runTasks executes a batch under the local fan-out: tasks are laid out
// column-major over n_procs rows and each row runs sequentially on its own
// goroutine. Results come back in row order; the submitter reconciles by
// segment id, not by position.
func (w *Worker) runTasks(tasks []*model.Task) []*model.Task {
	w.logger.Debug("performing %d task(s) across %d procs", len(tasks), w.cfg.NProcs)
	return parallel.RunStrided(w.ctx, tasks, w.cfg.NProcs,
		func(ctx context.Context, task *model.Task, _ int) *model.Task {
			w.runOne(ctx, task)
			return task
		})
}

// runOne executes a single envelope, converting propagator failures and
// panics into a failed envelope rather than a dead worker.
func (w *Worker) runOne(ctx context.Context, task *model.Task) {
	defer func() {
		if r := recover(); r != nil {
			task.Fail(apperrors.Newf(apperrors.CodeTaskError, "propagator panic: %v", r))
		}
	}()

	result, err := w.propagator.Propagate(ctx, task.Segments)
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
