package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/we-ensemble/pkg/collections"
	apperrors "github.com/we-ensemble/pkg/errors"
	"github.com/we-ensemble/pkg/model"
	"github.com/we-ensemble/pkg/utils"
)

// Exit codes announced on the shutdown message.
const (
	ExitClean       = 0
	ExitInterrupted = 2
	ExitInternal    = 4
)

// MasterConfig holds dispatcher configuration.
type MasterConfig struct {
	AnnEndpoint      string        // announcement channel bind/advertise URI
	TaskEndpoint     string        // task channel bind/advertise URI
	CheckInterval    time.Duration // poll timeout driving the wake-up cadence
	AnnounceInterval time.Duration // minimum gap between repeated taskavail messages
	AbortInterval    time.Duration // give up when no client makes contact for this long
}

// DefaultMasterConfig returns dispatcher defaults for the given endpoints.
func DefaultMasterConfig(annEndpoint, taskEndpoint string) *MasterConfig {
	return &MasterConfig{
		AnnEndpoint:      annEndpoint,
		TaskEndpoint:     taskEndpoint,
		CheckInterval:    100 * time.Millisecond,
		AnnounceInterval: 10 * time.Second,
		AbortInterval:    600 * time.Second,
	}
}

// Master runs the dispatcher: it queues task envelopes, announces their
// availability for slow-joining workers, serves request/results exchanges on
// the task channel, and hands completed envelopes to the submitter. The main
// loop runs single-threaded on its own goroutine.
type Master struct {
	cfg    *MasterConfig
	logger utils.Logger
	clock  utils.Clock

	annMu    sync.Mutex
	annSock  zmq4.Socket
	taskSock zmq4.Socket

	taskQueue *collections.Deque[*model.Task]

	resultsMu    sync.Mutex
	resultsQueue *collections.Deque[*model.Task]
	resultsCond  *sync.Cond
	closed       bool

	stateMu          sync.Mutex
	lastContact      time.Time
	lastAnnouncement time.Time // zero means "announce at the next chance"
	shutdownFlag     bool
	shutdownExit     int

	inbox     chan *TaskMessage
	replies   chan *TaskReply
	replySent chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// MasterOption configures a Master.
type MasterOption func(*Master)

// WithMasterLogger sets the master logger.
func WithMasterLogger(logger utils.Logger) MasterOption {
	return func(m *Master) { m.logger = logger }
}

// WithMasterClock sets the clock driving liveness and announce timers.
func WithMasterClock(clock utils.Clock) MasterOption {
	return func(m *Master) { m.clock = clock }
}

// NewMaster creates a Master; Start binds the channels and runs the loop.
func NewMaster(cfg *MasterConfig, opts ...MasterOption) *Master {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Master{
		cfg:          cfg,
		logger:       &utils.NullLogger{},
		clock:        utils.NewRealClock(),
		taskQueue:    collections.NewDeque[*model.Task](),
		resultsQueue: collections.NewDeque[*model.Task](),
		inbox:        make(chan *TaskMessage),
		replies:      make(chan *TaskReply),
		replySent:    make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	m.resultsCond = sync.NewCond(&m.resultsMu)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start binds the announcement and task channels and launches the main loop.
func (m *Master) Start() error {
	annSock := zmq4.NewPub(m.ctx)
	if err := annSock.Listen(m.cfg.AnnEndpoint); err != nil {
		return apperrors.Wrapf(apperrors.CodeTransportError, err, "bind announcement channel %s", m.cfg.AnnEndpoint)
	}
	taskSock := zmq4.NewRep(m.ctx)
	if err := taskSock.Listen(m.cfg.TaskEndpoint); err != nil {
		_ = annSock.Close()
		return apperrors.Wrapf(apperrors.CodeTransportError, err, "bind task channel %s", m.cfg.TaskEndpoint)
	}
	m.annSock = annSock
	m.taskSock = taskSock

	m.stateMu.Lock()
	m.lastContact = m.clock.Now()
	m.stateMu.Unlock()

	m.logger.Info("master listening: ann=%s task=%s", m.cfg.AnnEndpoint, m.cfg.TaskEndpoint)

	go m.recvLoop(taskSock)
	go m.run()
	return nil
}

// Wait blocks until the main loop exits and returns its terminal error, if
// any.
func (m *Master) Wait() error {
	<-m.done
	return m.runErr
}

// Shutdown asks the main loop to announce shutdown with the given exit code
// and stop at its next wake-up.
func (m *Master) Shutdown(exitCode int) {
	m.stateMu.Lock()
	m.shutdownFlag = true
	m.shutdownExit = exitCode
	m.stateMu.Unlock()
}

// Dispatch queues one task and announces availability, subject to the
// announce rate limit.
func (m *Master) Dispatch(task *model.Task) {
	if task == nil {
		return
	}
	m.taskQueue.PushBack(task)
	m.maybeAnnounce(m.clock.Now())
}

// DispatchAll queues tasks without announcing each one; the main loop's next
// wake-up announces the batch.
func (m *Master) DispatchAll(tasks []*model.Task) {
	for _, task := range tasks {
		m.taskQueue.PushBack(task)
	}
}

// QueuedTasks returns the number of undispatched tasks.
func (m *Master) QueuedTasks() int {
	return m.taskQueue.Len()
}

// LastContact returns the wall-clock of the most recent worker exchange.
func (m *Master) LastContact() time.Time {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.lastContact
}

// LastAnnouncement returns the wall-clock of the most recent taskavail
// announcement; the zero time means none is pending rate limiting.
func (m *Master) LastAnnouncement() time.Time {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.lastAnnouncement
}

// NextResults blocks until at least one completed envelope is queued, then
// drains and returns all of them. It fails once the master has stopped and
// no results remain.
func (m *Master) NextResults() ([]*model.Task, error) {
	m.resultsMu.Lock()
	defer m.resultsMu.Unlock()
	for m.resultsQueue.Len() == 0 {
		if m.closed {
			if m.runErr != nil {
				return nil, m.runErr
			}
			return nil, apperrors.New(apperrors.CodeInternal, "master stopped while awaiting results")
		}
		m.resultsCond.Wait()
	}
	return m.resultsQueue.Drain(), nil
}

// recvLoop owns the REP socket's strict receive/reply alternation: each
// message is handed to the main loop, and exactly one reply comes back. The
// socket is passed in so shutdown clearing the field cannot race the loop.
func (m *Master) recvLoop(taskSock zmq4.Socket) {
	ack := &TaskReply{}
	for {
		msg, err := taskSock.Recv()
		if err != nil {
			select {
			case <-m.ctx.Done():
			default:
				m.logger.Debug("task channel receive ended: %v", err)
			}
			return
		}

		tm, err := decodeTaskMessage(msg.Bytes())
		if err != nil {
			// Keep the reply alternation intact even for garbage.
			m.logger.Error("invalid task-channel message: %v", err)
			if buf, encErr := encodeTaskReply(ack); encErr == nil {
				_ = taskSock.Send(zmq4.NewMsg(buf))
			}
			continue
		}

		select {
		case m.inbox <- tm:
		case <-m.ctx.Done():
			return
		}

		var rep *TaskReply
		select {
		case rep = <-m.replies:
		case <-m.ctx.Done():
			return
		}
		buf, err := encodeTaskReply(rep)
		if err != nil {
			m.logger.Error("encode task reply: %v", err)
			buf, _ = encodeTaskReply(ack)
		}
		sendErr := taskSock.Send(zmq4.NewMsg(buf))

		// The main loop blocks in reply() until the wire send is done, so
		// a shutdown never closes the socket under an in-flight reply.
		select {
		case m.replySent <- struct{}{}:
		case <-m.ctx.Done():
			return
		}
		if sendErr != nil {
			m.logger.Error("send task reply: %v", sendErr)
			return
		}
	}
}

// run is the dispatcher main loop.
func (m *Master) run() {
	defer func() {
		m.cancel()
		m.resultsMu.Lock()
		m.closed = true
		m.resultsMu.Unlock()
		m.resultsCond.Broadcast()
		close(m.done)
	}()

	for {
		m.stateMu.Lock()
		flag, exit := m.shutdownFlag, m.shutdownExit
		m.stateMu.Unlock()
		if flag {
			m.announceShutdown(exit)
			return
		}

		select {
		case tm := <-m.inbox:
			switch tm.Kind {
			case MsgRequest:
				m.handleRequest(tm.N)
			case MsgResults:
				m.handleResults(tm.Tasks)
			case MsgShutdown:
				m.reply(&TaskReply{})
				m.announceShutdown(ExitClean)
				return
			default:
				m.logger.Error("invalid request %q received", tm.Kind)
				m.reply(&TaskReply{})
			}

		case <-m.clock.After(m.cfg.CheckInterval):
			now := m.clock.Now()

			m.stateMu.Lock()
			starved := now.Sub(m.lastContact) >= m.cfg.AbortInterval
			m.stateMu.Unlock()
			if starved {
				m.runErr = apperrors.Newf(apperrors.CodeNoClients,
					"no clients contacted the master in %s", m.cfg.AbortInterval)
				m.logger.Error("%v", m.runErr)
				m.announceShutdown(ExitInternal)
				return
			}

			if m.taskQueue.Len() > 0 {
				m.maybeAnnounce(now)
			} else {
				// An empty queue resets the rate limiter so the next
				// arriving task announces immediately.
				m.stateMu.Lock()
				m.lastAnnouncement = time.Time{}
				m.stateMu.Unlock()
			}
		}
	}
}

// handleRequest pops up to n envelopes FIFO and replies with them.
func (m *Master) handleRequest(n int) {
	m.touch()
	toSend := m.taskQueue.PopFrontN(n)
	m.logger.Debug("sending %d task(s)", len(toSend))
	m.reply(&TaskReply{Tasks: toSend})
}

// handleResults acknowledges first, so the worker may proceed, then queues
// the completed envelopes and wakes the submitter.
func (m *Master) handleResults(tasks []*model.Task) {
	m.touch()
	m.reply(&TaskReply{})

	for _, task := range tasks {
		m.logger.Debug("received results for task %s", task.TaskID)
		m.resultsQueue.PushBack(task)
	}
	m.resultsCond.Broadcast()
}

func (m *Master) reply(rep *TaskReply) {
	select {
	case m.replies <- rep:
	case <-m.ctx.Done():
		return
	}
	select {
	case <-m.replySent:
	case <-m.ctx.Done():
	}
}

func (m *Master) touch() {
	m.stateMu.Lock()
	m.lastContact = m.clock.Now()
	m.stateMu.Unlock()
}

// maybeAnnounce publishes a taskavail message unless one went out within the
// announce interval.
func (m *Master) maybeAnnounce(now time.Time) {
	m.stateMu.Lock()
	due := m.lastAnnouncement.IsZero() || now.Sub(m.lastAnnouncement) >= m.cfg.AnnounceInterval
	if due {
		m.lastAnnouncement = now
	}
	m.stateMu.Unlock()
	if !due {
		return
	}

	m.logger.Debug("announcing tasks available")
	m.publish(&AnnMessage{Kind: MsgTaskAvail, Endpoint: m.cfg.TaskEndpoint})
}

// announceShutdown broadcasts the shutdown message and closes both channels.
func (m *Master) announceShutdown(exitCode int) {
	m.logger.Info("announcing shutdown (exit code %d)", exitCode)
	m.publish(&AnnMessage{Kind: MsgShutdown, ExitCode: exitCode})

	m.annMu.Lock()
	defer m.annMu.Unlock()
	if m.annSock != nil {
		_ = m.annSock.Close()
		m.annSock = nil
	}
	if m.taskSock != nil {
		_ = m.taskSock.Close()
		m.taskSock = nil
	}
}

func (m *Master) publish(msg *AnnMessage) {
	buf, err := encodeAnn(msg)
	if err != nil {
		m.logger.Error("%v", err)
		return
	}

	m.annMu.Lock()
	defer m.annMu.Unlock()
	if m.annSock == nil {
		return
	}
	if err := m.annSock.Send(zmq4.NewMsg(buf)); err != nil {
		m.logger.Error("announcement send failed: %v", err)
	}
}
