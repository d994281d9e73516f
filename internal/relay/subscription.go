package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"nostr-system/internal/types"
)

// Subscription is one logical query, possibly spanning several OR-ed filters,
// plus its per-relay progress. OnEvent and OnEOSE must be set before the
// subscription is registered; they may be called from several connections'
// goroutines concurrently.
type Subscription struct {
	ID      string
	OnEvent func(evt *types.Event)
	OnEOSE  func(relayURL string)

	mu       sync.Mutex
	filters  []Filter
	started  map[string]time.Time
	finished map[string]time.Time
}

// NewSubscription creates a subscription with a random id
func NewSubscription(filter Filter, orFilters ...Filter) *Subscription {
	return NewSubscriptionWithID(uuid.NewString(), filter, orFilters...)
}

// NewSubscriptionWithID creates a subscription with a caller-chosen id
func NewSubscriptionWithID(id string, filter Filter, orFilters ...Filter) *Subscription {
	filters := make([]Filter, 0, 1+len(orFilters))
	filters = append(filters, filter)
	filters = append(filters, orFilters...)
	return &Subscription{
		ID:       id,
		filters:  filters,
		started:  make(map[string]time.Time),
		finished: make(map[string]time.Time),
	}
}

// Or attaches another filter branch sharing this subscription id
func (s *Subscription) Or(filter Filter) *Subscription {
	s.mu.Lock()
	s.filters = append(s.filters, filter)
	s.mu.Unlock()
	return s
}

// Filters returns the primary filter followed by the OR branches
func (s *Subscription) Filters() []Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Filter(nil), s.filters...)
}

// HasSearch reports whether any branch carries a full-text search term
func (s *Subscription) HasSearch() bool {
	for _, f := range s.Filters() {
		if f.Search != "" {
			return true
		}
	}
	return false
}

// ReqFrame renders ["REQ", id, filter, ...]
func (s *Subscription) ReqFrame() []interface{} {
	filters := s.Filters()
	frame := make([]interface{}, 0, 2+len(filters))
	frame = append(frame, "REQ", s.ID)
	for _, f := range filters {
		frame = append(frame, f.ToWire())
	}
	return frame
}

// Matches reports whether evt satisfies any branch
func (s *Subscription) Matches(evt *types.Event) bool {
	for _, f := range s.Filters() {
		if f.Matches(evt) {
			return true
		}
	}
	return false
}

// MarkStarted records that the query was sent to relayURL. A re-send
// restarts that relay's progress.
func (s *Subscription) MarkStarted(relayURL string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started[relayURL] = at
	delete(s.finished, relayURL)
}

// MarkFinished records end-of-stored-events from relayURL and returns the
// round trip since MarkStarted. ok is false if the relay was never started
// or had already finished.
func (s *Subscription) MarkFinished(relayURL string, at time.Time) (latency time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start, wasStarted := s.started[relayURL]
	if _, done := s.finished[relayURL]; done {
		return 0, false
	}
	s.finished[relayURL] = at
	if !wasStarted {
		return 0, false
	}
	return at.Sub(start), true
}

// IsComplete is true when every relay the query was sent to has finished
func (s *Subscription) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for relayURL := range s.started {
		if _, ok := s.finished[relayURL]; !ok {
			return false
		}
	}
	return true
}

// StartedOn lists the relays the query was sent to
func (s *Subscription) StartedOn() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	relays := make([]string, 0, len(s.started))
	for r := range s.started {
		relays = append(relays, r)
	}
	return relays
}

func (s *Subscription) emitEvent(evt *types.Event) {
	if s.OnEvent != nil {
		s.OnEvent(evt)
	}
}

func (s *Subscription) emitEOSE(relayURL string) {
	if s.OnEOSE != nil {
		s.OnEOSE(relayURL)
	}
}
