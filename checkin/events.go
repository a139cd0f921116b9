package checkin

import (
	"context"
	"sync"

	shiftcore "github.com/christiancattaneo/shift-core"
	"github.com/christiancattaneo/shift-core/telemetry"
)

// Completion announces a successful check-in to subscribers (UI refresh,
// analytics). The coordinator itself decides nothing downstream of it.
type Completion struct {
	Record         shiftcore.CheckInRecord
	DistanceMeters float64
}

const completionBuffer = 16

type subscribers struct {
	mu   sync.Mutex
	subs map[int]chan Completion
	next int
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[int]chan Completion)}
}

func (s *subscribers) subscribe() (<-chan Completion, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	ch := make(chan Completion, completionBuffer)
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

func (s *subscribers) publish(ctx context.Context, c Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
			telemetry.RecordSubscriberDrop(ctx, "checkin")
		}
	}
}
