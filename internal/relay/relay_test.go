package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"nostr-system/internal/signer"
	"nostr-system/internal/types"
)

const testSecret = "edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85"

// frameHandler answers one client frame; label is the frame's first element
type frameHandler func(r *fakeRelay, ws *relaySocket, label string, frame []json.RawMessage)

// fakeRelay is an httptest server speaking the relay protocol on websocket
// upgrades and serving an optional information document otherwise
type fakeRelay struct {
	t        *testing.T
	srv      *httptest.Server
	URL      string
	info     *types.RelayInfo
	handler  frameHandler
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received [][]json.RawMessage
	sockets  []*relaySocket
	state    map[string]interface{}
}

type relaySocket struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (s *relaySocket) send(frame ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws.WriteJSON(frame)
}

func newFakeRelay(t *testing.T, info *types.RelayInfo, handler frameHandler) *fakeRelay {
	r := &fakeRelay{t: t, info: info, handler: handler, state: make(map[string]interface{})}
	r.srv = httptest.NewServer(r)
	r.URL = "ws" + strings.TrimPrefix(r.srv.URL, "http")
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !websocket.IsWebSocketUpgrade(req) {
		if r.info == nil || req.Header.Get("Accept") != "application/nostr+json" {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/nostr+json")
		json.NewEncoder(w).Encode(r.info)
		return
	}

	if delay, ok := r.get("upgradeDelay").(time.Duration); ok {
		time.Sleep(delay)
	}
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	sock := &relaySocket{ws: ws}
	r.mu.Lock()
	r.sockets = append(r.sockets, sock)
	r.mu.Unlock()

	if r.handler != nil {
		r.handler(r, sock, "CONNECT", nil)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		if json.Unmarshal(data, &frame) != nil || len(frame) == 0 {
			continue
		}
		var label string
		json.Unmarshal(frame[0], &label)

		r.mu.Lock()
		r.received = append(r.received, frame)
		r.mu.Unlock()

		if r.handler != nil {
			r.handler(r, sock, label, frame)
		}
	}
}

// Labels returns the labels of every frame received so far, in order
func (r *fakeRelay) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	labels := make([]string, 0, len(r.received))
	for _, f := range r.received {
		var label string
		json.Unmarshal(f[0], &label)
		labels = append(labels, label)
	}
	return labels
}

// Frames returns received frames with the given label
func (r *fakeRelay) Frames(label string) [][]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]json.RawMessage
	for _, f := range r.received {
		var l string
		json.Unmarshal(f[0], &l)
		if l == label {
			out = append(out, f)
		}
	}
	return out
}

// Count returns how many frames with label were received
func (r *fakeRelay) Count(label string) int {
	return len(r.Frames(label))
}

// DropConnections closes every open socket from the server side
func (r *fakeRelay) DropConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sockets {
		s.ws.Close()
	}
	r.sockets = nil
}

func (r *fakeRelay) set(key string, v interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state[key] = v
}

func (r *fakeRelay) get(key string) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state[key]
}

func subID(frame []json.RawMessage) string {
	var id string
	json.Unmarshal(frame[1], &id)
	return id
}

func eventID(frame []json.RawMessage) string {
	var evt types.Event
	json.Unmarshal(frame[1], &evt)
	return evt.ID
}

// serveEvents answers every REQ with the given events followed by EOSE
func serveEvents(events ...*types.Event) frameHandler {
	return func(r *fakeRelay, ws *relaySocket, label string, frame []json.RawMessage) {
		if label != "REQ" {
			return
		}
		id := subID(frame)
		for _, evt := range events {
			ws.send("EVENT", id, evt)
		}
		ws.send("EOSE", id)
	}
}

// acceptEvents answers every EVENT with OK
func acceptEvents(accepted bool, message string) frameHandler {
	return func(r *fakeRelay, ws *relaySocket, label string, frame []json.RawMessage) {
		if label == "EVENT" {
			ws.send("OK", eventID(frame), accepted, message)
		}
	}
}

func testSigner(t *testing.T) *signer.LocalSigner {
	t.Helper()
	s, err := signer.NewLocalSigner(testSecret)
	require.NoError(t, err)
	return s
}

func signedNote(t *testing.T, s signer.Signer, content string, createdAt int64) *types.Event {
	t.Helper()
	evt := &types.Event{Kind: 1, Content: content, CreatedAt: createdAt}
	require.NoError(t, s.SignEvent(context.Background(), evt))
	return evt
}

func testSystemConfig() SystemConfig {
	cfg := DefaultSystemConfig()
	cfg.Conn.SettleDelay = 10 * time.Millisecond
	cfg.Conn.InitialBackoff = 50 * time.Millisecond
	cfg.Conn.PublishTimeout = 2 * time.Second
	cfg.RequestTimeout = 3 * time.Second
	return cfg
}

func newTestSystem(t *testing.T, cfg SystemConfig) *System {
	sys := NewSystem(cfg)
	t.Cleanup(sys.Shutdown)
	return sys
}

func waitOpen(t *testing.T, conns ...*Conn) {
	t.Helper()
	for _, c := range conns {
		require.Eventually(t, func() bool { return c.State() == StateOpen }, 3*time.Second, 5*time.Millisecond, "relay %s never opened", c.URL())
	}
}

func connectAll(t *testing.T, sys *System, settings types.RelaySettings, relays ...*fakeRelay) []*Conn {
	t.Helper()
	conns := make([]*Conn, 0, len(relays))
	for _, r := range relays {
		c, err := sys.ConnectToRelay(r.URL, settings)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	waitOpen(t, conns...)
	return conns
}
