package master

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/eskka-go/discovery/pkg/membership"
)

// ErrPublishTimedOut is reported to the AckListener for recipients that
// neither acked nor errored before the publish timeout elapsed.
var ErrPublishTimedOut = errors.New("master: publish timed out")

type handlerState int

const (
	statePending handlerState = iota
	stateDone
)

// responseHandler is the ephemeral PublishResponseHandler:
// Pending -> Done, tracking exactly one outcome per expected recipient.
type responseHandler struct {
	mu       sync.Mutex
	state    handlerState
	expected map[membership.NodeID]struct{}
	listener AckListener
	timeout  time.Duration
	logger   *log.Logger
	acked    chan struct{}
}

func newResponseHandler(recipients []membership.Member, listener AckListener, timeout time.Duration, logger *log.Logger) *responseHandler {
	expected := make(map[membership.NodeID]struct{}, len(recipients))
	for _, r := range recipients {
		expected[r.NodeID] = struct{}{}
	}
	return &responseHandler{
		state:    statePending,
		expected: expected,
		listener: listener,
		timeout:  timeout,
		logger:   logger,
		acked:    make(chan struct{}),
	}
}

// record delivers a single PublishAck(node, err) to the handler. Acks for
// nodes not in the expected set, or delivered after Done, are ignored.
func (h *responseHandler) record(node membership.NodeID, err error) {
	h.mu.Lock()
	if h.state == stateDone {
		h.mu.Unlock()
		return
	}
	if _, ok := h.expected[node]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.expected, node)
	done := len(h.expected) == 0
	h.mu.Unlock()

	if h.listener != nil {
		h.listener(node, err)
	}
	if done {
		h.finish()
	}
}

func (h *responseHandler) finish() {
	h.mu.Lock()
	if h.state == stateDone {
		h.mu.Unlock()
		return
	}
	h.state = stateDone
	h.mu.Unlock()
	close(h.acked)
}

// run waits for either full coverage or the timeout, then reports
// ErrPublishTimedOut for every recipient still outstanding and transitions
// to Done.
func (h *responseHandler) run(ctx context.Context) {
	select {
	case <-h.acked:
		return
	case <-ctx.Done():
	case <-time.After(h.timeout):
	}

	h.mu.Lock()
	if h.state == stateDone {
		h.mu.Unlock()
		return
	}
	h.state = stateDone
	outstanding := h.expected
	h.expected = nil
	h.mu.Unlock()

	for node := range outstanding {
		if h.listener != nil {
			h.listener(node, ErrPublishTimedOut)
		}
	}
	select {
	case <-h.acked:
	default:
		close(h.acked)
	}
}
