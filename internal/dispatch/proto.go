// Package dispatch implements the distributed work-dispatch fabric: a master
// that queues task envelopes, announces their availability on a pub/sub
// channel, serves them over a request/reply channel, and collects results;
// workers that subscribe, pull, execute under local fan-out, and post
// results back; and the work-manager facade the simulation loop calls.
package dispatch

import (
	"github.com/vmihailenco/msgpack/v5"

	apperrors "github.com/we-ensemble/pkg/errors"
	"github.com/we-ensemble/pkg/model"
)

// Message kinds on the two channels.
const (
	// Announcement channel.
	MsgTaskAvail = "taskavail"
	MsgShutdown  = "shutdown"

	// Task channel.
	MsgRequest = "request"
	MsgResults = "results"
)

// AnnMessage is one announcement-channel message: either "work is available
// at this endpoint" or "shut down with this exit code".
type AnnMessage struct {
	Kind     string `msgpack:"kind"`
	Endpoint string `msgpack:"endpoint,omitempty"`
	ExitCode int    `msgpack:"exit_code,omitempty"`
}

// TaskMessage is one task-channel request: a pull for up to N envelopes, a
// post of completed envelopes, or a shutdown order.
type TaskMessage struct {
	Kind  string        `msgpack:"kind"`
	N     int           `msgpack:"n,omitempty"`
	Tasks []*model.Task `msgpack:"tasks,omitempty"`
}

// TaskReply is the single reply to a task-channel request: the pulled
// envelopes for a request (possibly empty), an empty acknowledgement for a
// results post.
type TaskReply struct {
	Tasks []*model.Task `msgpack:"tasks,omitempty"`
}

func encodeAnn(msg *AnnMessage) ([]byte, error) {
	buf, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.CodeTransportError, err, "encode announcement")
	}
	return buf, nil
}

func decodeAnn(buf []byte) (*AnnMessage, error) {
	var msg AnnMessage
	if err := msgpack.Unmarshal(buf, &msg); err != nil {
		return nil, apperrors.Wrapf(apperrors.CodeTransportError, err, "decode announcement")
	}
	return &msg, nil
}

func encodeTaskMessage(msg *TaskMessage) ([]byte, error) {
	buf, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.CodeTransportError, err, "encode task message")
	}
	return buf, nil
}

func decodeTaskMessage(buf []byte) (*TaskMessage, error) {
	var msg TaskMessage
	if err := msgpack.Unmarshal(buf, &msg); err != nil {
		return nil, apperrors.Wrapf(apperrors.CodeTransportError, err, "decode task message")
	}
	return &msg, nil
}

func encodeTaskReply(rep *TaskReply) ([]byte, error) {
	buf, err := msgpack.Marshal(rep)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.CodeTransportError, err, "encode task reply")
	}
	return buf, nil
}

func decodeTaskReply(buf []byte) (*TaskReply, error) {
	var rep TaskReply
	if err := msgpack.Unmarshal(buf, &rep); err != nil {
		return nil, apperrors.Wrapf(apperrors.CodeTransportError, err, "decode task reply")
	}
	return &rep, nil
}
