package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/eskka-go/discovery/pkg/membership"
)

// EventType is the closed sum type of app-facing lifecycle events.
type EventType string

const (
	EventLeaderChanged EventType = "leader_changed"
	EventElectionStart EventType = "election_start"
	EventElectionEnd   EventType = "election_end"
	EventMemberJoin    EventType = "member_join"
	EventMemberLeave   EventType = "member_leave"
	EventMemberFailed  EventType = "member_failed"
	EventFirstSubmit   EventType = "first_submit"
	EventPublishAck    EventType = "publish_ack"
	EventNodeDowned    EventType = "node_downed"
)

// Event is an application-consumable notification. Only the fields relevant
// to Type are populated.
type Event struct {
	Type    EventType
	At      time.Time
	Leader  membership.NodeID
	Member  *membership.Member
	Details map[string]string
}

// Subscribe returns a buffered channel of events, closed when ctx is done.
// Delivery is best-effort: a slow consumer has events dropped rather than
// blocking the Facade.
func (f *Facade) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	f.eb.add(ch)
	go func() {
		<-ctx.Done()
		f.eb.remove(ch)
		close(ch)
	}()
	return ch
}

type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[chan Event]struct{})
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
	e.mu.Lock()
	if e.subs != nil {
		delete(e.subs, ch)
	}
	e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
	e.mu.Lock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	e.mu.Unlock()
}
