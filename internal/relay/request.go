package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nostr-system/internal/types"
)

// RequestSubscription runs sub as a one-shot query using the configured
// request timeout. See RequestSubscriptionTimeout.
func (s *System) RequestSubscription(ctx context.Context, sub *Subscription) []*types.Event {
	return s.RequestSubscriptionTimeout(ctx, sub, s.cfg.RequestTimeout)
}

// RequestSubscriptionTimeout registers sub, collects matching events until
// every relay it was sent to reports end-of-stored-events, the timeout
// elapses or ctx is done, then removes the subscription. Readable relays
// still dialing are waited for first, within the same timeout, so a fast
// relay cannot complete the request on its own.
//
// Events are de-duplicated by id in arrival order; a duplicate only adds its
// relay to the first copy's RelaysSeen. The caller's OnEvent sees each event
// once, as a copy whose RelaysSeen is not updated afterwards. Partial
// results are returned on timeout, never an error.
func (s *System) RequestSubscriptionTimeout(ctx context.Context, sub *Subscription, timeout time.Duration) []*types.Event {
	var (
		mu     sync.Mutex
		events []*types.Event
		byID   = make(map[string]*types.Event)
		closed bool
	)
	done := make(chan struct{})
	var finish sync.Once

	onEvent := sub.OnEvent
	sub.OnEvent = func(evt *types.Event) {
		mu.Lock()
		if closed {
			mu.Unlock()
			return
		}
		if seen, ok := byID[evt.ID]; ok {
			for _, r := range evt.RelaysSeen {
				seen.AddRelaySeen(r)
			}
			mu.Unlock()
			return
		}
		byID[evt.ID] = evt
		events = append(events, evt)
		var delivered *types.Event
		if onEvent != nil {
			delivered = evt.Clone()
		}
		mu.Unlock()

		if onEvent != nil {
			onEvent(delivered)
		}
	}

	onEOSE := sub.OnEOSE
	sub.OnEOSE = func(relayURL string) {
		if onEOSE != nil {
			onEOSE(relayURL)
		}
		if sub.IsComplete() {
			finish.Do(func() { close(done) })
		}
	}

	timer := s.cfg.Conn.Clock.Timer(timeout)
	defer timer.Stop()

	if !s.awaitConnecting(ctx, timer.C) {
		slog.Debug("request subscription expired waiting for relays", "sub_id", sub.ID, "timeout", timeout)
		return nil
	}
	s.AddSubscription(sub)

	select {
	case <-done:
	case <-timer.C:
		slog.Debug("request subscription timed out", "sub_id", sub.ID, "timeout", timeout)
	case <-ctx.Done():
	}

	s.RemoveSubscription(sub.ID)

	mu.Lock()
	closed = true
	result := events
	mu.Unlock()

	slog.Debug("request subscription finished", "sub_id", sub.ID, "events", len(result))
	return result
}

// awaitConnecting blocks while any readable relay is dialing or settling.
// Relays waiting out a reconnect backoff are not waited for. It returns
// false if expired fires or ctx ends first.
func (s *System) awaitConnecting(ctx context.Context, expired <-chan time.Time) bool {
	for _, c := range s.Relays() {
		if !c.Settings().Read {
			continue
		}
		changes, cancel := c.Watch(8)
		for c.State() == StateConnecting {
			select {
			case <-changes:
			case <-expired:
				cancel()
				return false
			case <-ctx.Done():
				cancel()
				return false
			}
		}
		cancel()
	}
	return true
}
