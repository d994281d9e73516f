package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"nostr-system/internal/cache"
	"nostr-system/internal/nostr"
	"nostr-system/internal/types"
)

var (
	ErrInvalidRelayURL = errors.New("invalid relay url")
	ErrBlockedRelay    = errors.New("relay address is on a private network")
)

// SystemConfig configures a System. Zero values take defaults.
type SystemConfig struct {
	Conn ConnConfig

	// RequestTimeout bounds RequestSubscription when no override is given
	RequestTimeout time.Duration
	// WriteOnceTimeout bounds WriteOnceToRelay
	WriteOnceTimeout time.Duration

	BlockPrivateRelays bool

	InfoCacheSize int
	HTTPClient    *http.Client
	// InfoStore persists capability documents across restarts, optional
	InfoStore *cache.RelayInfoStore
}

// DefaultSystemConfig returns the standard configuration
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		Conn:               DefaultConnConfig(),
		RequestTimeout:     10 * time.Second,
		WriteOnceTimeout:   10 * time.Second,
		BlockPrivateRelays: true,
		InfoCacheSize:      256,
	}
}

// System is the registry of relay connections and live subscriptions. Every
// subscription is mirrored onto every connection, including ones added later.
type System struct {
	cfg  SystemConfig
	info *InfoFetcher

	mu       sync.RWMutex
	conns    map[string]*Conn
	subs     map[string]*Subscription
	subOrder []string
	loops    []*MetadataLoop
}

// NewSystem creates an empty registry
func NewSystem(cfg SystemConfig) *System {
	def := DefaultSystemConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.WriteOnceTimeout <= 0 {
		cfg.WriteOnceTimeout = def.WriteOnceTimeout
	}
	cfg.Conn = cfg.Conn.withDefaults()

	info := cfg.Conn.Info
	if info == nil {
		info = NewInfoFetcher(cfg.HTTPClient, cfg.InfoCacheSize, cfg.InfoStore)
		cfg.Conn.Info = info
	}

	return &System{
		cfg:   cfg,
		info:  info,
		conns: make(map[string]*Conn),
		subs:  make(map[string]*Subscription),
	}
}

// Config returns the effective configuration
func (s *System) Config() SystemConfig {
	return s.cfg
}

func (s *System) normalize(addr string) (string, error) {
	url := nostr.NormalizeRelayURL(addr)
	if url == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRelayURL, addr)
	}
	if s.cfg.BlockPrivateRelays && !nostr.IsRelayURLSafe(url) {
		return "", fmt.Errorf("%w: %q", ErrBlockedRelay, addr)
	}
	return url, nil
}

// ConnectToRelay registers addr and starts connecting. An existing
// connection keeps its socket and only has its settings updated.
func (s *System) ConnectToRelay(addr string, settings types.RelaySettings) (*Conn, error) {
	url, err := s.normalize(addr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.conns[url]; ok {
		s.mu.Unlock()
		existing.UpdateSettings(settings)
		return existing, nil
	}

	cfg := s.cfg.Conn
	cfg.Settings = settings
	conn := NewConn(url, cfg)
	for _, id := range s.subOrder {
		conn.AddSubscription(s.subs[id])
	}
	s.conns[url] = conn
	s.mu.Unlock()

	slog.Info("connecting to relay", "relay", url, "read", settings.Read, "write", settings.Write)
	conn.Connect()
	return conn, nil
}

// DisconnectRelay closes and forgets the connection to addr
func (s *System) DisconnectRelay(addr string) {
	url := nostr.NormalizeRelayURL(addr)

	s.mu.Lock()
	conn, ok := s.conns[url]
	delete(s.conns, url)
	s.mu.Unlock()

	if ok {
		conn.Close()
		slog.Info("disconnected from relay", "relay", url)
	}
}

// Relay returns the connection for addr, or nil
func (s *System) Relay(addr string) *Conn {
	url := nostr.NormalizeRelayURL(addr)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[url]
}

// Relays returns every connection sorted by address
func (s *System) Relays() []*Conn {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].URL() < conns[j].URL() })
	return conns
}

// AddSubscription registers sub with every connection. All relays are marked
// started before any REQ is written, so an early EOSE from a fast relay
// cannot make the subscription look complete.
func (s *System) AddSubscription(sub *Subscription) {
	s.mu.Lock()
	if _, exists := s.subs[sub.ID]; !exists {
		s.subOrder = append(s.subOrder, sub.ID)
	}
	s.subs[sub.ID] = sub
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var sends []func()
	for _, c := range conns {
		if send := c.stageSubscription(sub); send != nil {
			sends = append(sends, send)
		}
	}
	for _, send := range sends {
		send()
	}
}

// RemoveSubscription forgets the subscription everywhere
func (s *System) RemoveSubscription(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	for i, sid := range s.subOrder {
		if sid == id {
			s.subOrder = append(s.subOrder[:i], s.subOrder[i+1:]...)
			break
		}
	}
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.RemoveSubscription(id)
	}
}

// Subscription returns the live subscription with id, or nil
func (s *System) Subscription(id string) *Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subs[id]
}

// BroadcastEvent sends evt to every writable relay without waiting and
// returns how many relays accepted it for sending
func (s *System) BroadcastEvent(evt *types.Event) int {
	sent := 0
	for _, c := range s.Relays() {
		if c.SendEvent(evt) {
			sent++
		}
	}
	slog.Debug("broadcast event", "event_id", nostr.ShortID(evt.ID), "relays", sent)
	return sent
}

// Publish sends evt to every relay concurrently and waits for each relay's
// OK or timeout. Results are ordered by relay address.
func (s *System) Publish(ctx context.Context, evt *types.Event) []PublishResult {
	conns := s.Relays()
	results := make([]PublishResult, len(conns))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range conns {
		g.Go(func() error {
			results[i] = c.SendAsync(gctx, evt)
			return nil
		})
	}
	g.Wait()

	accepted := 0
	for _, r := range results {
		if r.Accepted {
			accepted++
		}
	}
	slog.Info("published event", "event_id", nostr.ShortID(evt.ID), "relays", len(results), "accepted", accepted)
	return results
}

// WriteOnceToRelay publishes evt through a temporary write-only connection
// that is closed once the relay answers or the wait expires
func (s *System) WriteOnceToRelay(ctx context.Context, addr string, evt *types.Event) (PublishResult, error) {
	url, err := s.normalize(addr)
	if err != nil {
		return PublishResult{}, err
	}

	cfg := s.cfg.Conn
	cfg.Settings = types.RelaySettings{Write: true}
	cfg.Info = nil
	cfg.PublishTimeout = s.cfg.WriteOnceTimeout
	conn := NewConn(url, cfg)
	conn.Connect()
	defer conn.Close()

	return conn.SendAsync(ctx, evt), nil
}

// Stats returns a snapshot per relay
func (s *System) Stats() map[string]ConnStats {
	stats := make(map[string]ConnStats)
	for _, c := range s.Relays() {
		stats[c.URL()] = c.Stats()
	}
	return stats
}

// SubscriptionCount returns the number of live subscriptions
func (s *System) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Shutdown stops every metadata loop and closes every connection
func (s *System) Shutdown() {
	s.mu.Lock()
	loops := s.loops
	s.loops = nil
	conns := s.conns
	s.conns = make(map[string]*Conn)
	s.mu.Unlock()

	for _, l := range loops {
		l.Stop()
	}
	for _, c := range conns {
		c.Close()
	}
	slog.Info("relay system shut down", "relays", len(conns))
}
