package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nostr-system/internal/types"
)

func TestConnectToRelayValidation(t *testing.T) {
	sys := newTestSystem(t, testSystemConfig())

	_, err := sys.ConnectToRelay("https://relay.example.com", types.ReadWrite)
	assert.ErrorIs(t, err, ErrInvalidRelayURL)

	_, err = sys.ConnectToRelay("not a url", types.ReadWrite)
	assert.ErrorIs(t, err, ErrInvalidRelayURL)

	_, err = sys.ConnectToRelay("ws://192.168.1.10:7777", types.ReadWrite)
	assert.ErrorIs(t, err, ErrBlockedRelay)

	assert.Empty(t, sys.Relays())
}

func TestConnectToRelayUpdatesExisting(t *testing.T) {
	r := newFakeRelay(t, nil, nil)
	sys := newTestSystem(t, testSystemConfig())

	first, err := sys.ConnectToRelay(r.URL+"/", types.ReadWrite)
	require.NoError(t, err)
	second, err := sys.ConnectToRelay(r.URL, types.RelaySettings{Read: true})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, types.RelaySettings{Read: true}, first.Settings())
	assert.Len(t, sys.Relays(), 1)
	assert.Same(t, first, sys.Relay(r.URL))

	sys.DisconnectRelay(r.URL)
	assert.Nil(t, sys.Relay(r.URL))
	assert.Equal(t, StateClosed, first.State())
}

func TestRelayAddedLaterReceivesExistingSubscriptions(t *testing.T) {
	r := newFakeRelay(t, nil, nil)
	sys := newTestSystem(t, testSystemConfig())

	sub := NewSubscription(Filter{Kinds: []int{1}})
	sys.AddSubscription(sub)
	assert.Same(t, sub, sys.Subscription(sub.ID))
	assert.Equal(t, 1, sys.SubscriptionCount())

	connectAll(t, sys, types.ReadWrite, r)
	require.Eventually(t, func() bool { return r.Count("REQ") == 1 }, 3*time.Second, 5*time.Millisecond)

	sys.RemoveSubscription(sub.ID)
	require.Eventually(t, func() bool { return r.Count("CLOSE") == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Nil(t, sys.Subscription(sub.ID))
}

func TestRequestSubscriptionDedupsAcrossRelays(t *testing.T) {
	s := testSigner(t)
	shared := signedNote(t, s, "on both", 1700000000)
	onlyA := signedNote(t, s, "only on a", 1700000001)

	a := newFakeRelay(t, nil, serveEvents(shared, onlyA))
	b := newFakeRelay(t, nil, serveEvents(shared))

	sys := newTestSystem(t, testSystemConfig())
	connectAll(t, sys, types.ReadWrite, a, b)

	var mu sync.Mutex
	calls := map[string]int{}
	var eoses []string

	sub := NewSubscription(Filter{Kinds: []int{1}})
	sub.OnEvent = func(evt *types.Event) {
		mu.Lock()
		calls[evt.ID]++
		mu.Unlock()
	}
	sub.OnEOSE = func(relayURL string) {
		mu.Lock()
		eoses = append(eoses, relayURL)
		mu.Unlock()
	}

	start := time.Now()
	events := sys.RequestSubscription(context.Background(), sub)
	assert.Less(t, time.Since(start), 2*time.Second, "completes on EOSE from every relay")

	require.Len(t, events, 2)
	byID := map[string]*types.Event{}
	for _, e := range events {
		byID[e.ID] = e
	}
	assert.ElementsMatch(t, []string{a.URL, b.URL}, byID[shared.ID].RelaysSeen)
	assert.Equal(t, []string{a.URL}, byID[onlyA.ID].RelaysSeen)

	mu.Lock()
	assert.Equal(t, map[string]int{shared.ID: 1, onlyA.ID: 1}, calls)
	assert.ElementsMatch(t, []string{a.URL, b.URL}, eoses)
	mu.Unlock()

	assert.Nil(t, sys.Subscription(sub.ID), "request subscriptions are removed when done")
	require.Eventually(t, func() bool { return a.Count("CLOSE") == 1 && b.Count("CLOSE") == 1 }, 3*time.Second, 5*time.Millisecond)
}

func TestRequestSubscriptionWaitsForSilentRelay(t *testing.T) {
	evt := signedNote(t, testSigner(t), "from a", 1700000000)
	a := newFakeRelay(t, nil, serveEvents(evt))
	silent := newFakeRelay(t, nil, nil)

	sys := newTestSystem(t, testSystemConfig())
	connectAll(t, sys, types.ReadWrite, a, silent)

	timeout := 300 * time.Millisecond
	start := time.Now()
	events := sys.RequestSubscriptionTimeout(context.Background(), NewSubscription(Filter{Kinds: []int{1}}), timeout)
	elapsed := time.Since(start)

	require.Len(t, events, 1)
	assert.Equal(t, evt.ID, events[0].ID)
	assert.GreaterOrEqual(t, elapsed, timeout, "one relay never finished, so the request runs to the timeout")
	assert.Less(t, elapsed, 2*time.Second)
}

func TestRequestSubscriptionWaitsForConnectingRelays(t *testing.T) {
	s := testSigner(t)
	fromFast := signedNote(t, s, "from the fast relay", 1700000000)
	fromSlow := signedNote(t, s, "from the slow relay", 1700000001)

	fast := newFakeRelay(t, nil, serveEvents(fromFast))
	slow := newFakeRelay(t, nil, serveEvents(fromSlow))
	slow.set("upgradeDelay", 300*time.Millisecond)

	sys := newTestSystem(t, testSystemConfig())
	connectAll(t, sys, types.ReadWrite, fast)
	_, err := sys.ConnectToRelay(slow.URL, types.ReadWrite)
	require.NoError(t, err)

	start := time.Now()
	events := sys.RequestSubscription(context.Background(), NewSubscription(Filter{Kinds: []int{1}}))
	elapsed := time.Since(start)

	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{fromFast.ID, fromSlow.ID}, ids)
	assert.Equal(t, 1, slow.Count("REQ"))
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second, "completes on EOSE once the slow relay is open")
}

func TestRequestSubscriptionDoesNotWaitForDownRelays(t *testing.T) {
	evt := signedNote(t, testSigner(t), "from a", 1700000000)
	a := newFakeRelay(t, nil, serveEvents(evt))

	cfg := testSystemConfig()
	cfg.Conn.InitialBackoff = 5 * time.Second
	sys := newTestSystem(t, cfg)
	connectAll(t, sys, types.ReadWrite, a)

	down, err := sys.ConnectToRelay("ws://127.0.0.1:1", types.ReadWrite)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return down.State() == StateReconnecting }, 3*time.Second, 5*time.Millisecond)

	start := time.Now()
	events := sys.RequestSubscription(context.Background(), NewSubscription(Filter{Kinds: []int{1}}))
	require.Len(t, events, 1)
	assert.Less(t, time.Since(start), time.Second, "a relay in backoff is not waited for")
}

func TestRequestSubscriptionCallbackGetsStableCopy(t *testing.T) {
	evt := signedNote(t, testSigner(t), "shared", 1700000000)
	a := newFakeRelay(t, nil, serveEvents(evt))
	b := newFakeRelay(t, nil, serveEvents(evt))

	sys := newTestSystem(t, testSystemConfig())
	connectAll(t, sys, types.ReadWrite, a, b)

	var mu sync.Mutex
	var delivered []*types.Event
	sub := NewSubscription(Filter{Kinds: []int{1}})
	sub.OnEvent = func(e *types.Event) {
		mu.Lock()
		delivered = append(delivered, e)
		mu.Unlock()
	}

	events := sys.RequestSubscription(context.Background(), sub)
	require.Len(t, events, 1)
	assert.Len(t, events[0].RelaysSeen, 2)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
	assert.Len(t, delivered[0].RelaysSeen, 1, "the callback's copy is not touched by later duplicates")
	assert.NotSame(t, events[0], delivered[0])
}

func TestRequestSubscriptionWithNoRelays(t *testing.T) {
	sys := newTestSystem(t, testSystemConfig())

	start := time.Now()
	events := sys.RequestSubscriptionTimeout(context.Background(), NewSubscription(Filter{}), 100*time.Millisecond)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRequestSubscriptionHonoursContext(t *testing.T) {
	silent := newFakeRelay(t, nil, nil)
	sys := newTestSystem(t, testSystemConfig())
	connectAll(t, sys, types.ReadWrite, silent)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	events := sys.RequestSubscriptionTimeout(ctx, NewSubscription(Filter{}), 10*time.Second)
	assert.Empty(t, events)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRequestSubscriptionCompletesOnClosed(t *testing.T) {
	r := newFakeRelay(t, nil, func(r *fakeRelay, ws *relaySocket, label string, frame []json.RawMessage) {
		if label == "REQ" {
			ws.send("CLOSED", subID(frame), "error: too many filters")
		}
	})
	sys := newTestSystem(t, testSystemConfig())
	conns := connectAll(t, sys, types.ReadWrite, r)

	start := time.Now()
	events := sys.RequestSubscriptionTimeout(context.Background(), NewSubscription(Filter{}), 5*time.Second)
	assert.Empty(t, events)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, conns[0].Subscriptions())
	assert.Zero(t, r.Count("CLOSE"), "a relay-closed subscription is not closed again")
}

func TestRequestSubscriptionSkipsWriteOnlyRelays(t *testing.T) {
	evt := signedNote(t, testSigner(t), "hello", 1700000000)
	reader := newFakeRelay(t, nil, serveEvents(evt))
	writer := newFakeRelay(t, nil, serveEvents(evt))

	sys := newTestSystem(t, testSystemConfig())
	connectAll(t, sys, types.ReadWrite, reader)
	connectAll(t, sys, types.RelaySettings{Write: true}, writer)

	start := time.Now()
	events := sys.RequestSubscription(context.Background(), NewSubscription(Filter{Kinds: []int{1}}))
	assert.Less(t, time.Since(start), 2*time.Second, "write-only relays are not waited for")
	require.Len(t, events, 1)
	assert.Equal(t, []string{reader.URL}, events[0].RelaysSeen)
	assert.Zero(t, writer.Count("REQ"))
}

func TestPublishCollectsPerRelayResults(t *testing.T) {
	ok := newFakeRelay(t, nil, acceptEvents(true, ""))
	rejecting := newFakeRelay(t, nil, acceptEvents(false, "blocked: not on whitelist"))
	readOnly := newFakeRelay(t, nil, acceptEvents(true, ""))

	sys := newTestSystem(t, testSystemConfig())
	connectAll(t, sys, types.ReadWrite, ok, rejecting)
	connectAll(t, sys, types.RelaySettings{Read: true}, readOnly)

	evt := signedNote(t, testSigner(t), "publish me", 1700000000)
	results := sys.Publish(context.Background(), evt)
	require.Len(t, results, 3)

	byRelay := map[string]PublishResult{}
	for _, r := range results {
		byRelay[r.Relay] = r
		assert.Equal(t, evt.ID, r.EventID)
	}
	assert.True(t, byRelay[ok.URL].Accepted)
	assert.False(t, byRelay[rejecting.URL].Accepted)
	assert.Equal(t, "blocked: not on whitelist", byRelay[rejecting.URL].Message)
	assert.True(t, byRelay[readOnly.URL].Skipped)
	assert.Zero(t, readOnly.Count("EVENT"))

	for i := 1; i < len(results); i++ {
		assert.Less(t, results[i-1].Relay, results[i].Relay)
	}

	stats := sys.Stats()
	assert.Equal(t, int64(1), stats[ok.URL].EventsSent)
	assert.Equal(t, "open", stats[ok.URL].StateName)
}

func TestBroadcastEventCountsWritableRelays(t *testing.T) {
	a := newFakeRelay(t, nil, nil)
	b := newFakeRelay(t, nil, nil)
	sys := newTestSystem(t, testSystemConfig())
	connectAll(t, sys, types.ReadWrite, a)
	connectAll(t, sys, types.RelaySettings{Read: true}, b)

	evt := signedNote(t, testSigner(t), "broadcast", 1700000000)
	assert.Equal(t, 1, sys.BroadcastEvent(evt))
	require.Eventually(t, func() bool { return a.Count("EVENT") == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Zero(t, b.Count("EVENT"))
}

func TestWriteOnceToRelay(t *testing.T) {
	r := newFakeRelay(t, nil, acceptEvents(true, "duplicate: already have it"))
	sys := newTestSystem(t, testSystemConfig())

	evt := signedNote(t, testSigner(t), "once", 1700000000)
	result, err := sys.WriteOnceToRelay(context.Background(), r.URL, evt)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, "duplicate: already have it", result.Message)
	assert.Empty(t, sys.Relays(), "the temporary connection is not registered")

	_, err = sys.WriteOnceToRelay(context.Background(), "http://nope.example", evt)
	assert.ErrorIs(t, err, ErrInvalidRelayURL)
}

func TestShutdownClosesEverything(t *testing.T) {
	r := newFakeRelay(t, nil, nil)
	sys := NewSystem(testSystemConfig())
	conns := connectAll(t, sys, types.ReadWrite, r)

	sys.Shutdown()
	assert.Equal(t, StateClosed, conns[0].State())
	assert.Empty(t, sys.Relays())
}
