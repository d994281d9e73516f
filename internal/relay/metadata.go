package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"nostr-system/internal/nostr"
	"nostr-system/internal/types"
	"nostr-system/internal/util"
)

// MetadataConfig configures the profile prefetch loop
type MetadataConfig struct {
	Interval  time.Duration
	Expiry    time.Duration
	BatchSize int
	Kind      int
	// RequestTimeout defaults to the system's request timeout
	RequestTimeout time.Duration
	// Clock defaults to the system's clock
	Clock clock.Clock
}

// DefaultMetadataConfig returns the standard prefetch settings
func DefaultMetadataConfig() MetadataConfig {
	return MetadataConfig{
		Interval:  500 * time.Millisecond,
		Expiry:    time.Hour,
		BatchSize: 100,
		Kind:      nostr.KindMetadata,
	}
}

// MetadataLoop periodically fetches profile records for wanted pubkeys whose
// cached copy is missing or stale. Pubkeys that turn up nothing are stamped
// as loaded so they are not asked for again until they expire.
type MetadataLoop struct {
	sys *System
	db  types.UsersDb
	cfg MetadataConfig
	clk clock.Clock

	mu     sync.Mutex
	wanted map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}

	// serialises cache writes from concurrent relay callbacks
	writeMu sync.Mutex
}

// NewMetadataLoop creates a stopped loop
func NewMetadataLoop(sys *System, db types.UsersDb, cfg MetadataConfig) *MetadataLoop {
	def := DefaultMetadataConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = def.Expiry
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = sys.cfg.RequestTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = sys.cfg.Conn.Clock
	}
	return &MetadataLoop{
		sys:    sys,
		db:     db,
		cfg:    cfg,
		clk:    cfg.Clock,
		wanted: make(map[string]struct{}),
	}
}

// StartMetadataLoop creates and starts a loop owned by the system; Shutdown stops it
func (s *System) StartMetadataLoop(db types.UsersDb, cfg MetadataConfig) *MetadataLoop {
	loop := NewMetadataLoop(s, db, cfg)
	s.mu.Lock()
	s.loops = append(s.loops, loop)
	s.mu.Unlock()
	loop.Start()
	return loop
}

// Want adds pubkeys to the want-list
func (l *MetadataLoop) Want(pubkeys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pk := range pubkeys {
		if pk != "" {
			l.wanted[pk] = struct{}{}
		}
	}
}

// Unwant removes pubkeys from the want-list
func (l *MetadataLoop) Unwant(pubkeys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pk := range pubkeys {
		delete(l.wanted, pk)
	}
}

// Wanted returns the want-list sorted
func (l *MetadataLoop) Wanted() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return util.SortedCopy(util.MapKeys(l.wanted))
}

// Start runs cycles every Interval until Stop. Calling Start twice is a no-op.
func (l *MetadataLoop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

// Stop halts the loop and waits for an in-flight cycle to end
func (l *MetadataLoop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *MetadataLoop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := l.clk.Ticker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("metadata cycle failed", "error", err)
			}
		}
	}
}

// RunOnce performs one prefetch cycle and returns the pubkeys it requested
func (l *MetadataLoop) RunOnce(ctx context.Context) ([]string, error) {
	missing, err := l.missing(ctx)
	if err != nil || len(missing) == 0 {
		return nil, err
	}

	requested := make(map[string]bool, len(missing))
	for _, pk := range missing {
		requested[pk] = false
	}

	sub := NewSubscription(Filter{Authors: missing, Kinds: []int{l.cfg.Kind}})
	sub.OnEvent = func(evt *types.Event) {
		l.writeMu.Lock()
		defer l.writeMu.Unlock()
		if _, ok := requested[evt.PubKey]; !ok {
			return
		}
		requested[evt.PubKey] = true
		l.store(ctx, evt)
	}

	l.sys.RequestSubscriptionTimeout(ctx, sub, l.cfg.RequestTimeout)

	// An interrupted cycle proves nothing about the pubkeys it did not hear back on
	if err := ctx.Err(); err != nil {
		return missing, err
	}

	l.writeMu.Lock()
	var notFound []string
	for pk, found := range requested {
		if !found {
			notFound = append(notFound, pk)
		}
	}
	l.writeMu.Unlock()

	now := l.clk.Now().Unix()
	for _, pk := range notFound {
		if err := l.db.Update(ctx, pk, types.MetadataUpdate{Loaded: &now}); err != nil {
			slog.Warn("failed to stamp missing profile", "pubkey", nostr.ShortID(pk), "error", err)
		}
	}

	slog.Debug("metadata cycle", "requested", len(missing), "not_found", len(notFound))
	return missing, nil
}

// missing returns up to BatchSize wanted pubkeys without a fresh cache entry
func (l *MetadataLoop) missing(ctx context.Context) ([]string, error) {
	wanted := l.Wanted()
	if len(wanted) == 0 {
		return nil, nil
	}

	entries, err := l.db.BulkGet(ctx, wanted)
	if err != nil {
		return nil, err
	}

	cutoff := l.clk.Now().Add(-l.cfg.Expiry).Unix()
	var missing []string
	for _, pk := range wanted {
		if entry, ok := entries[pk]; ok && entry.Loaded >= cutoff {
			continue
		}
		missing = append(missing, pk)
	}
	return util.LimitSlice(missing, l.cfg.BatchSize), nil
}

// store upserts evt if it is newer than the cached profile, otherwise only
// refreshes the loaded stamp
func (l *MetadataLoop) store(ctx context.Context, evt *types.Event) {
	now := l.clk.Now().Unix()

	existing, found, err := l.db.Get(ctx, evt.PubKey)
	if err != nil {
		slog.Warn("profile lookup failed", "pubkey", nostr.ShortID(evt.PubKey), "error", err)
		return
	}

	if found && existing.Created >= evt.CreatedAt {
		if err := l.db.Update(ctx, evt.PubKey, types.MetadataUpdate{Loaded: &now}); err != nil {
			slog.Warn("failed to refresh profile stamp", "pubkey", nostr.ShortID(evt.PubKey), "error", err)
		}
		return
	}

	var profile types.ProfileInfo
	if err := json.Unmarshal([]byte(evt.Content), &profile); err != nil {
		slog.Debug("profile content is not JSON", "pubkey", nostr.ShortID(evt.PubKey), "event_id", nostr.ShortID(evt.ID))
	}

	entry := &types.MetadataEntry{
		PubKey:  evt.PubKey,
		Profile: &profile,
		Created: evt.CreatedAt,
		Loaded:  now,
	}
	if err := l.db.Put(ctx, entry); err != nil {
		slog.Warn("failed to store profile", "pubkey", nostr.ShortID(evt.PubKey), "error", err)
		return
	}
	slog.Debug("profile stored", "pubkey", nostr.ShortID(evt.PubKey), "name", profile.Label())
}
