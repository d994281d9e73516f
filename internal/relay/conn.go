package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"nostr-system/internal/nostr"
	"nostr-system/internal/types"
)

// ConnState is the lifecycle state of a relay connection
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateReconnecting // closed, a retry is scheduled
	StateClosed       // closed by the caller, final
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	dialTimeout       = 10 * time.Second
	writeTimeout      = 10 * time.Second
	maxLatencySamples = 50
)

// Authenticator signs NIP-42 auth events
type Authenticator interface {
	Authenticate(ctx context.Context, relayURL, challenge string) (*types.Event, error)
}

// ConnConfig holds per-connection behaviour; zero durations take defaults
type ConnConfig struct {
	Settings      types.RelaySettings
	Dialer        *websocket.Dialer
	Clock         clock.Clock
	Info          *InfoFetcher
	Authenticator Authenticator

	SettleDelay    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PublishTimeout time.Duration
	AuthTimeout    time.Duration

	// SkipVerify disables id and signature checks on inbound events
	SkipVerify bool
}

// DefaultConnConfig returns the standard timings for a read/write relay
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		Settings:       types.ReadWrite,
		SettleDelay:    100 * time.Millisecond,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     60 * time.Second,
		PublishTimeout: 5 * time.Second,
		AuthTimeout:    10 * time.Second,
	}
}

func (cfg ConnConfig) withDefaults() ConnConfig {
	def := DefaultConnConfig()
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.InitialBackoff)
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = def.AuthTimeout
	}
	return cfg
}

// PublishResult is the outcome of publishing one event to one relay.
// It is data, never an error: rejections and timeouts are flagged.
type PublishResult struct {
	Relay    string `json:"relay"`
	EventID  string `json:"event_id"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// ConnStats is a snapshot of a connection's counters
type ConnStats struct {
	URL            string              `json:"url"`
	State          ConnState           `json:"-"`
	StateName      string              `json:"state"`
	Settings       types.RelaySettings `json:"settings"`
	Authenticated  bool                `json:"authenticated"`
	Subscriptions  int                 `json:"subscriptions"`
	EventsSent     int64               `json:"events_sent"`
	EventsReceived int64               `json:"events_received"`
	Disconnects    int64               `json:"disconnects"`
	AvgLatency     time.Duration       `json:"avg_latency"`
	LatencySamples int                 `json:"latency_samples"`
}

// Conn is a single relay connection with automatic reconnection.
// Subscriptions live in the connection and are (re)sent whenever the socket
// becomes ready; publishes made while not ready are queued in order.
type Conn struct {
	url string
	cfg ConnConfig
	clk clock.Clock

	writeMu sync.Mutex

	mu             sync.Mutex
	ws             *websocket.Conn
	gen            uint64
	state          ConnState
	active         bool // Connect called and not closed since
	settings       types.RelaySettings
	backoff        time.Duration
	reconnectTimer *clock.Timer
	settleTimer    *clock.Timer
	ready          bool
	flushing       bool // a flush owns the queue; publishes append behind it
	authPending    bool
	authenticated  bool
	subs           map[string]*Subscription
	subOrder       []string
	sent           map[string]bool // subscriptions whose REQ went out on the current socket
	queue          []*types.Event
	pending        map[string][]chan PublishResult
	info           *types.RelayInfo
	latencies      []time.Duration
	watchers       map[int]chan ConnState
	nextWatcher    int

	eventsSent     atomic.Int64
	eventsReceived atomic.Int64
	disconnects    atomic.Int64
}

// NewConn creates an idle connection to relayURL; call Connect to start it
func NewConn(relayURL string, cfg ConnConfig) *Conn {
	cfg = cfg.withDefaults()
	return &Conn{
		url:      relayURL,
		cfg:      cfg,
		clk:      cfg.Clock,
		state:    StateClosed,
		settings: cfg.Settings,
		backoff:  cfg.InitialBackoff,
		subs:     make(map[string]*Subscription),
		sent:     make(map[string]bool),
		pending:  make(map[string][]chan PublishResult),
		watchers: make(map[int]chan ConnState),
	}
}

// URL returns the relay address
func (c *Conn) URL() string {
	return c.url
}

// State returns the current lifecycle state
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns the relay's capability document, or nil if unknown
func (c *Conn) Info() *types.RelayInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Settings returns the current read/write settings
func (c *Conn) Settings() types.RelaySettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Backoff returns the delay the next reconnect will wait
func (c *Conn) Backoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff
}

// Connect starts the connection. It does not block: the capability document
// is fetched in the background and the socket is dialed asynchronously.
// Calling Connect on an active connection is a no-op; after Close it starts
// over with the initial backoff, as does every connection that reaches open.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	c.backoff = c.cfg.InitialBackoff
	c.gen++
	gen := c.gen
	needInfo := c.info == nil && c.cfg.Info != nil
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if needInfo {
		go c.fetchInfo()
	}
	go c.dial(gen)
}

// Close stops the connection for good; no reconnect is attempted
func (c *Conn) Close() {
	c.mu.Lock()
	c.active = false
	c.gen++
	c.stopTimersLocked()
	ws := c.ws
	c.ws = nil
	c.ready = false
	c.authPending = false
	c.authenticated = false
	c.sent = make(map[string]bool)
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	slog.Debug("relay connection closed", "relay", c.url)
}

func (c *Conn) stopTimersLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
}

func (c *Conn) fetchInfo() {
	ctx, cancel := context.WithTimeout(context.Background(), infoFetchTimeout)
	defer cancel()

	info, err := c.cfg.Info.Fetch(ctx, c.url)
	if err != nil {
		slog.Debug("relay info unavailable", "relay", c.url, "error", err)
		return
	}

	c.mu.Lock()
	c.info = info
	c.mu.Unlock()

	// Search subscriptions held back for lack of capability info can go now
	if info.Supports(nostr.NIPSearch) {
		c.flush()
	}
}

func (c *Conn) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	ws, _, err := c.cfg.Dialer.DialContext(ctx, c.url, nil)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		slog.Debug("relay dial failed", "relay", c.url, "error", err)
		c.handleDisconnect(gen)
		return
	}

	c.ws = ws
	c.sent = make(map[string]bool)
	c.settleTimer = c.clk.AfterFunc(c.cfg.SettleDelay, func() { c.onSettled(gen) })
	c.mu.Unlock()

	go c.readLoop(ws, gen)
}

func (c *Conn) onSettled(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.ws == nil {
		c.mu.Unlock()
		return
	}
	c.settleTimer = nil
	c.ready = true
	c.backoff = c.cfg.InitialBackoff
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	slog.Debug("relay connection open", "relay", c.url)
	c.flush()
}

// handleDisconnect schedules a reconnect after an unexpected close
func (c *Conn) handleDisconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.active {
		c.mu.Unlock()
		return
	}

	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.gen++
	next := c.gen
	c.stopTimersLocked()
	c.ready = false
	c.authPending = false
	c.authenticated = false
	c.sent = make(map[string]bool)
	c.disconnects.Add(1)

	delay := c.backoff
	c.backoff = min(c.backoff*2, c.cfg.MaxBackoff)
	c.reconnectTimer = c.clk.AfterFunc(delay, func() { c.reconnect(next) })
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	slog.Info("relay disconnected, reconnect scheduled", "relay", c.url, "delay", delay)
}

func (c *Conn) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.active {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.dial(gen)
}

func (c *Conn) readLoop(ws *websocket.Conn, gen uint64) {
	defer c.handleDisconnect(gen)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := gen == c.gen && c.active
			c.mu.Unlock()
			if current {
				slog.Debug("relay read error", "relay", c.url, "error", err)
			}
			return
		}
		c.handleMessage(data, gen)
	}
}

// write sends one frame on ws; a failed write tears the socket down so the
// read loop notices and schedules a reconnect
func (c *Conn) write(ws *websocket.Conn, frame interface{}) bool {
	if ws == nil {
		return false
	}
	c.writeMu.Lock()
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := ws.WriteJSON(frame)
	ws.SetWriteDeadline(time.Time{})
	c.writeMu.Unlock()

	if err != nil {
		slog.Warn("relay write failed", "relay", c.url, "error", err)
		ws.Close()
		return false
	}
	return true
}

// canSendLocked reports whether frames other than AUTH may go out now
func (c *Conn) canSendLocked() bool {
	return c.ready && !c.authPending && c.ws != nil
}

// searchAllowedLocked withholds search filters from relays that do not
// advertise NIP-50; an unknown capability document counts as unsupported
func (c *Conn) searchAllowedLocked(sub *Subscription) bool {
	return !sub.HasSearch() || c.info.Supports(nostr.NIPSearch)
}

// flush sends queued publishes in order, then every subscription not yet
// sent on the current socket. Only one flush drains at a time; it keeps
// going until the queue stays empty, so events queued meanwhile keep their
// place.
func (c *Conn) flush() {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	defer func() {
		c.flushing = false
		c.mu.Unlock()
	}()

	for c.canSendLocked() {
		queue := c.queue
		c.queue = nil
		reqs := c.stageSubscriptionsLocked()
		ws := c.ws
		if len(queue) == 0 && len(reqs) == 0 {
			return
		}
		c.mu.Unlock()

		for _, evt := range queue {
			if c.write(ws, []interface{}{"EVENT", evt}) {
				c.eventsSent.Add(1)
			}
		}
		for _, frame := range reqs {
			c.write(ws, frame)
		}
		c.mu.Lock()
	}
}

// stageSubscriptionsLocked marks every pending subscription as sent and
// started, returning the REQ frames to write
func (c *Conn) stageSubscriptionsLocked() [][]interface{} {
	if !c.settings.Read {
		return nil
	}
	var frames [][]interface{}
	now := c.clk.Now()
	for _, id := range c.subOrder {
		sub := c.subs[id]
		if c.sent[id] || !c.searchAllowedLocked(sub) {
			continue
		}
		c.sent[id] = true
		sub.MarkStarted(c.url, now)
		frames = append(frames, sub.ReqFrame())
	}
	return frames
}

// stageSubscription registers sub and, when the socket is ready, marks it
// started. The returned function performs the write; it is nil when nothing
// needs sending yet.
func (c *Conn) stageSubscription(sub *Subscription) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[sub.ID]; !exists {
		c.subOrder = append(c.subOrder, sub.ID)
	}
	c.subs[sub.ID] = sub
	delete(c.sent, sub.ID)

	if !c.canSendLocked() || !c.settings.Read || !c.searchAllowedLocked(sub) {
		return nil
	}
	c.sent[sub.ID] = true
	sub.MarkStarted(c.url, c.clk.Now())
	ws, frame := c.ws, sub.ReqFrame()
	return func() { c.write(ws, frame) }
}

// AddSubscription registers sub on this relay. It is sent now if the
// connection is ready and readable, otherwise on the next flush.
func (c *Conn) AddSubscription(sub *Subscription) {
	if send := c.stageSubscription(sub); send != nil {
		send()
	}
}

// RemoveSubscription forgets the subscription and sends CLOSE if the relay has it
func (c *Conn) RemoveSubscription(id string) {
	c.mu.Lock()
	_, exists := c.subs[id]
	wasSent := c.sent[id]
	c.forgetSubscriptionLocked(id)
	ws := c.ws
	c.mu.Unlock()

	if exists && wasSent {
		c.write(ws, []interface{}{"CLOSE", id})
	}
}

func (c *Conn) forgetSubscriptionLocked(id string) {
	delete(c.subs, id)
	delete(c.sent, id)
	for i, sid := range c.subOrder {
		if sid == id {
			c.subOrder = append(c.subOrder[:i], c.subOrder[i+1:]...)
			break
		}
	}
}

// Subscriptions returns the ids registered on this connection
func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subOrder...)
}

// UpdateSettings changes read/write in place. Turning read off closes the
// relay-side subscriptions; turning it on sends them.
func (c *Conn) UpdateSettings(settings types.RelaySettings) {
	c.mu.Lock()
	old := c.settings
	c.settings = settings

	var toClose []string
	if old.Read && !settings.Read {
		for _, id := range c.subOrder {
			if c.sent[id] {
				toClose = append(toClose, id)
			}
		}
		c.sent = make(map[string]bool)
	}
	if old.Write && !settings.Write {
		c.queue = nil
	}
	ws := c.ws
	c.mu.Unlock()

	for _, id := range toClose {
		c.write(ws, []interface{}{"CLOSE", id})
	}
	if !old.Read && settings.Read {
		c.flush()
	}
}

// SendEvent publishes without waiting for acknowledgement. It returns false
// when the relay is not writable.
func (c *Conn) SendEvent(evt *types.Event) bool {
	c.mu.Lock()
	if !c.settings.Write {
		c.mu.Unlock()
		return false
	}
	if !c.canSendLocked() || c.flushing || len(c.queue) > 0 {
		c.queue = append(c.queue, evt)
		c.mu.Unlock()
		c.flush()
		return true
	}
	ws := c.ws
	c.mu.Unlock()

	if c.write(ws, []interface{}{"EVENT", evt}) {
		c.eventsSent.Add(1)
	}
	return true
}

func (c *Conn) addPending(eventID string) chan PublishResult {
	ch := make(chan PublishResult, 1)
	c.mu.Lock()
	c.pending[eventID] = append(c.pending[eventID], ch)
	c.mu.Unlock()
	return ch
}

func (c *Conn) removePending(eventID string, ch chan PublishResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.pending[eventID]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(c.pending, eventID)
	} else {
		c.pending[eventID] = waiters
	}
}

// SendAsync publishes and waits for the relay's OK, the publish timeout or
// ctx, whichever comes first. It never fails: a timeout is reported in the result.
func (c *Conn) SendAsync(ctx context.Context, evt *types.Event) PublishResult {
	result := PublishResult{Relay: c.url, EventID: evt.ID}

	if !c.Settings().Write {
		result.Skipped = true
		result.Message = "relay is not writable"
		return result
	}

	ch := c.addPending(evt.ID)
	defer c.removePending(evt.ID, ch)

	c.SendEvent(evt)

	timer := c.clk.Timer(c.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r
	case <-timer.C:
		result.TimedOut = true
		result.Message = "timed out waiting for OK"
	case <-ctx.Done():
		result.TimedOut = true
		result.Message = ctx.Err().Error()
	}
	return result
}

func (c *Conn) handleMessage(data []byte, gen uint64) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		slog.Warn("malformed relay message", "relay", c.url, "error", err)
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		slog.Warn("malformed relay message label", "relay", c.url)
		return
	}

	switch label {
	case "EVENT":
		c.handleEvent(frame)
	case "EOSE":
		var subID string
		if json.Unmarshal(frame[1], &subID) != nil {
			return
		}
		c.finishSubscription(subID)
	case "OK":
		c.handleOK(frame)
	case "NOTICE":
		var notice string
		json.Unmarshal(frame[1], &notice)
		slog.Info("relay notice", "relay", c.url, "message", notice)
	case "AUTH":
		var challenge string
		if json.Unmarshal(frame[1], &challenge) != nil || challenge == "" {
			return
		}
		go c.authenticate(gen, challenge)
	case "CLOSED":
		c.handleClosed(frame)
	default:
		slog.Debug("unhandled relay message", "relay", c.url, "type", label)
	}
}

func (c *Conn) handleEvent(frame []json.RawMessage) {
	if len(frame) < 3 {
		return
	}
	var subID string
	if json.Unmarshal(frame[1], &subID) != nil {
		return
	}

	c.mu.Lock()
	sub := c.subs[subID]
	c.mu.Unlock()
	if sub == nil {
		// Late event for a subscription that was just removed
		return
	}

	evt, err := nostr.ParseEvent(frame[2], !c.cfg.SkipVerify)
	if err != nil {
		slog.Warn("dropping invalid event", "relay", c.url, "sub_id", subID, "error", err)
		return
	}
	evt.RelaysSeen = []string{c.url}
	c.eventsReceived.Add(1)
	sub.emitEvent(evt)
}

// finishSubscription records EOSE for subID and fires its completion hook
func (c *Conn) finishSubscription(subID string) {
	c.mu.Lock()
	sub := c.subs[subID]
	c.mu.Unlock()
	if sub == nil {
		return
	}

	if latency, ok := sub.MarkFinished(c.url, c.clk.Now()); ok {
		c.mu.Lock()
		c.latencies = append(c.latencies, latency)
		if len(c.latencies) > maxLatencySamples {
			c.latencies = c.latencies[len(c.latencies)-maxLatencySamples:]
		}
		c.mu.Unlock()
	}
	sub.emitEOSE(c.url)
}

func (c *Conn) handleOK(frame []json.RawMessage) {
	if len(frame) < 3 {
		return
	}
	var eventID string
	var accepted bool
	if json.Unmarshal(frame[1], &eventID) != nil || json.Unmarshal(frame[2], &accepted) != nil {
		slog.Warn("malformed OK message", "relay", c.url)
		return
	}
	var message string
	if len(frame) >= 4 {
		json.Unmarshal(frame[3], &message)
	}

	c.mu.Lock()
	waiters := c.pending[eventID]
	delete(c.pending, eventID)
	c.mu.Unlock()

	if !accepted {
		slog.Debug("relay rejected event", "relay", c.url, "event_id", nostr.ShortID(eventID), "message", message)
	}

	result := PublishResult{Relay: c.url, EventID: eventID, Accepted: accepted, Message: message}
	for _, ch := range waiters {
		select {
		case ch <- result:
		default:
		}
	}
}

// handleClosed processes a relay-side CLOSED. An auth-required close on an
// unauthenticated connection keeps the subscription for re-sending after AUTH.
func (c *Conn) handleClosed(frame []json.RawMessage) {
	var subID, reason string
	if json.Unmarshal(frame[1], &subID) != nil {
		return
	}
	if len(frame) >= 3 {
		json.Unmarshal(frame[2], &reason)
	}

	c.mu.Lock()
	sub := c.subs[subID]
	if sub == nil {
		c.mu.Unlock()
		return
	}
	if strings.HasPrefix(reason, "auth-required:") && !c.authenticated {
		delete(c.sent, subID)
		c.mu.Unlock()
		slog.Debug("subscription held until authenticated", "relay", c.url, "sub_id", subID)
		return
	}
	c.forgetSubscriptionLocked(subID)
	c.mu.Unlock()

	slog.Info("relay closed subscription", "relay", c.url, "sub_id", subID, "reason", reason)
	sub.MarkFinished(c.url, c.clk.Now())
	sub.emitEOSE(c.url)
}

// authenticate answers an AUTH challenge. Frames other than AUTH are held
// until the round ends, whether it succeeds, fails or times out.
func (c *Conn) authenticate(gen uint64, challenge string) {
	c.mu.Lock()
	if gen != c.gen || c.cfg.Authenticator == nil {
		c.mu.Unlock()
		if c.cfg.Authenticator == nil {
			slog.Debug("relay requested auth but no authenticator is configured", "relay", c.url)
		}
		return
	}
	c.authPending = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AuthTimeout)
	defer cancel()

	accepted := false
	authEvt, err := c.cfg.Authenticator.Authenticate(ctx, c.url, challenge)
	if err != nil {
		slog.Warn("relay auth signing failed", "relay", c.url, "error", err)
	} else {
		ch := c.addPending(authEvt.ID)

		c.mu.Lock()
		ws := c.ws
		current := gen == c.gen
		c.mu.Unlock()

		if current && c.write(ws, []interface{}{"AUTH", authEvt}) {
			timer := c.clk.Timer(c.cfg.AuthTimeout)
			select {
			case r := <-ch:
				accepted = r.Accepted
				if !accepted {
					slog.Warn("relay rejected auth", "relay", c.url, "message", r.Message)
				}
			case <-timer.C:
				slog.Warn("relay auth timed out", "relay", c.url)
			}
			timer.Stop()
		}
		c.removePending(authEvt.ID, ch)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.authPending = false
	c.authenticated = accepted
	c.mu.Unlock()

	if accepted {
		slog.Info("relay authenticated", "relay", c.url)
	}
	c.flush()
}

// Authenticated reports whether the last AUTH round succeeded on this socket
func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Watch returns a channel receiving every state transition. Slow readers
// miss transitions rather than block the connection. cancel releases it.
func (c *Conn) Watch(buffer int) (<-chan ConnState, func()) {
	ch := make(chan ConnState, buffer)
	c.mu.Lock()
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Conn) setStateLocked(state ConnState) {
	if c.state == state {
		return
	}
	c.state = state
	for _, ch := range c.watchers {
		select {
		case ch <- state:
		default:
		}
	}
}

// Stats returns a snapshot of the connection counters
func (c *Conn) Stats() ConnStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var avg time.Duration
	if n := len(c.latencies); n > 0 {
		var total time.Duration
		for _, l := range c.latencies {
			total += l
		}
		avg = total / time.Duration(n)
	}

	return ConnStats{
		URL:            c.url,
		State:          c.state,
		StateName:      c.state.String(),
		Settings:       c.settings,
		Authenticated:  c.authenticated,
		Subscriptions:  len(c.subs),
		EventsSent:     c.eventsSent.Load(),
		EventsReceived: c.eventsReceived.Load(),
		Disconnects:    c.disconnects.Load(),
		AvgLatency:     avg,
		LatencySamples: len(c.latencies),
	}
}
