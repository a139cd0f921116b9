package location

import (
	"context"
	"sync"
	"time"

	shiftcore "github.com/christiancattaneo/shift-core"
	"github.com/christiancattaneo/shift-core/telemetry"
)

// EventKind discriminates tracker events.
type EventKind string

const (
	// EventState marks a tracker state transition.
	EventState EventKind = "state"
	// EventPosition marks a new position fix.
	EventPosition EventKind = "position"
	// EventPermission marks an OS authorization change.
	EventPermission EventKind = "permission"
)

// Event is one observable tracker occurrence. Fields beyond Kind are
// populated per kind: From/To for state, Position for position, Permission
// for permission.
type Event struct {
	Kind       EventKind
	From       State
	To         State
	Position   shiftcore.Position
	Permission shiftcore.PermissionState
	At         time.Time
}

// Subscriber channels buffer this many events before deliveries drop.
const eventBuffer = 16

type subscribers struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[int]chan Event)}
}

// subscribe registers a new subscriber and returns its channel plus a cancel
// function. Cancel closes the channel; it is safe to call more than once.
func (s *subscribers) subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	ch := make(chan Event, eventBuffer)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ch, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// publish delivers the event to every subscriber without blocking. A
// subscriber that cannot keep up loses the event.
func (s *subscribers) publish(ctx context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			telemetry.RecordSubscriberDrop(ctx, "location")
		}
	}
}
