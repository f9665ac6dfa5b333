package transport

import (
	"context"
	"sync"
	"time"

	"github.com/teleview/teleview-server/frame"
	"github.com/teleview/teleview-server/metrics"
	"github.com/teleview/teleview-server/protocol"
)

// EventKind tags an Event.
type EventKind int

// Event kinds. The first five are connection lifecycle events.
const (
	Accepted EventKind = iota + 1
	Ended
	ListenFailed
	ConnectFailed
	ConfigureFailed
	Text
	Data
	FrameUpdate
	EchoRTT
)

func (k EventKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Ended:
		return "ended"
	case ListenFailed:
		return "listen-failed"
	case ConnectFailed:
		return "connect-failed"
	case ConfigureFailed:
		return "configure-failed"
	case Text:
		return "text"
	case Data:
		return "data"
	case FrameUpdate:
		return "frame-update"
	case EchoRTT:
		return "echo-rtt"
	}
	return "unknown"
}

// Lifecycle reports whether k is a connection lifecycle event.
func (k EventKind) Lifecycle() bool {
	return k >= Accepted && k <= ConfigureFailed
}

// Event is something that happened on the transport. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind EventKind
	// Err is set for Ended and the failure events.
	Err error
	// Remote is the peer endpoint, when known.
	Remote string
	// Text is the body of a Text event.
	Text string
	// DataKind and Payload describe a Data event.
	DataKind protocol.MessageKind
	Payload  []byte
	// Meta and Frame describe a FrameUpdate event.
	Meta  frame.Meta
	Frame *frame.Buffer
	// RTT is the round trip time of an EchoRTT event.
	RTT time.Duration
}

// Queue carries events from the transport goroutines to the update loop.
type Queue struct {
	mu     sync.Mutex
	events []Event
	ready  chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends ev. It never blocks. A FrameUpdate replaces any FrameUpdate
// still pending, so at most one frame buffer waits in the queue.
func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	if ev.Kind == FrameUpdate && q.replaceFrame(ev) {
		q.mu.Unlock()
		metrics.MessagesDropped.WithLabelValues(protocol.KindVideoFrame.String(), "superseded").Inc()
		return
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// replaceFrame must be called with q.mu held.
func (q *Queue) replaceFrame(ev Event) bool {
	for i := range q.events {
		if q.events[i].Kind == FrameUpdate {
			q.events[i] = ev
			return true
		}
	}
	return false
}

// Drain calls fn for every queued event, in order, and empties the queue.
// Events pushed by fn are left for the next Drain.
func (q *Queue) Drain(fn func(Event)) int {
	q.mu.Lock()
	events := q.events
	q.events = nil
	q.mu.Unlock()
	for _, ev := range events {
		fn(ev)
	}
	return len(events)
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Wait blocks until the queue is not empty or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		if q.Len() > 0 {
			return nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
