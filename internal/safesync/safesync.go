// Package safesync performs conditional updates of replaceable records.
//
// A SafeSync tracks the newest known copy (the base) of one replaceable or
// addressable record and refuses to publish a replacement that was not built
// on top of it. Every update re-fetches the record right before publishing,
// so a concurrent write from another client is detected instead of clobbered.
package safesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"nostr-system/internal/nostr"
	"nostr-system/internal/relay"
	"nostr-system/internal/types"
	"nostr-system/internal/util"
)

var (
	ErrNotReplaceable   = errors.New("kind is not replaceable")
	ErrKindMismatch     = errors.New("event kind does not match")
	ErrAuthorMismatch   = errors.New("event author does not match")
	ErrAddressMismatch  = errors.New("event d tag does not match")
	ErrPreviousMismatch = errors.New("event is not based on the current version")
	ErrStaleUpdate      = errors.New("event is not newer than the current version")
)

// PreviousTag names the optional back-reference to the version an update replaces
const PreviousTag = "previous"

// Backend is the part of relay.System a SafeSync needs
type Backend interface {
	RequestSubscription(ctx context.Context, sub *relay.Subscription) []*types.Event
	Publish(ctx context.Context, evt *types.Event) []relay.PublishResult
}

// SafeSync guards one (author, kind, d tag) record
type SafeSync struct {
	backend Backend
	pubkey  string
	kind    int
	dTag    string
	clk     clock.Clock

	mu   sync.Mutex
	base *types.Event

	// serialises Update so two local writers cannot race each other
	updateMu sync.Mutex
}

// Option configures a SafeSync
type Option func(*SafeSync)

// WithClock sets the clock used to timestamp generated records
func WithClock(c clock.Clock) Option {
	return func(s *SafeSync) { s.clk = c }
}

// WithBase seeds the base, e.g. from a local cache
func WithBase(evt *types.Event) Option {
	return func(s *SafeSync) { s.base = evt }
}

// New creates a SafeSync for pubkey's record of kind. dTag is only used for
// addressable kinds.
func New(backend Backend, pubkey string, kind int, dTag string, opts ...Option) (*SafeSync, error) {
	if !nostr.IsReplaceable(kind) && !nostr.IsAddressable(kind) {
		return nil, fmt.Errorf("%w: %d", ErrNotReplaceable, kind)
	}
	if !nostr.IsAddressable(kind) {
		dTag = ""
	}
	s := &SafeSync{
		backend: backend,
		pubkey:  pubkey,
		kind:    kind,
		dTag:    dTag,
		clk:     clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Pubkey returns the record's author
func (s *SafeSync) Pubkey() string { return s.pubkey }

// Kind returns the record's kind
func (s *SafeSync) Kind() int { return s.kind }

// DTag returns the discriminator for addressable kinds
func (s *SafeSync) DTag() string { return s.dTag }

// Base returns the newest known copy, or nil if none has been seen
func (s *SafeSync) Base() *types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

func (s *SafeSync) filter() relay.Filter {
	f := relay.Filter{Authors: []string{s.pubkey}, Kinds: []int{s.kind}}
	if nostr.IsAddressable(s.kind) {
		f.DTags = []string{s.dTag}
	}
	if base := s.Base(); base != nil {
		since := base.CreatedAt
		f.Since = &since
	}
	return f
}

// Sync fetches the latest copy from the relays and adopts it if it is
// strictly newer than the base. It returns the resulting base.
func (s *SafeSync) Sync(ctx context.Context) *types.Event {
	events := s.backend.RequestSubscription(ctx, relay.NewSubscription(s.filter()))

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range events {
		if !s.belongs(evt) {
			continue
		}
		if newer(evt, s.base) {
			s.base = evt
		}
	}
	return s.base
}

func (s *SafeSync) belongs(evt *types.Event) bool {
	if evt.PubKey != s.pubkey || evt.Kind != s.kind {
		return false
	}
	return !nostr.IsAddressable(s.kind) || util.GetTagValue(evt.Tags, "d") == s.dTag
}

// newer orders replaceable versions: later created_at wins, ties go to the lowest id
func newer(evt, than *types.Event) bool {
	if than == nil {
		return true
	}
	if evt.CreatedAt != than.CreatedAt {
		return evt.CreatedAt > than.CreatedAt
	}
	return evt.ID < than.ID
}

// validate checks evt against the current base. expectPrevious, when set,
// is the base id the caller built evt on.
func (s *SafeSync) validate(evt *types.Event, expectPrevious *string) error {
	if err := nostr.CheckEvent(evt); err != nil {
		return err
	}
	if evt.Kind != s.kind {
		return fmt.Errorf("%w: got %d, want %d", ErrKindMismatch, evt.Kind, s.kind)
	}
	if evt.PubKey != s.pubkey {
		return fmt.Errorf("%w: %s", ErrAuthorMismatch, nostr.ShortID(evt.PubKey))
	}
	if nostr.IsAddressable(s.kind) {
		if d := util.GetTagValue(evt.Tags, "d"); d != s.dTag {
			return fmt.Errorf("%w: got %q, want %q", ErrAddressMismatch, d, s.dTag)
		}
	}

	base := s.Base()
	baseID := ""
	if base != nil {
		baseID = base.ID
	}

	if expectPrevious != nil && *expectPrevious != baseID {
		return fmt.Errorf("%w: built on %q, current is %q", ErrPreviousMismatch, nostr.ShortID(*expectPrevious), nostr.ShortID(baseID))
	}
	if prev := util.GetTagValue(evt.Tags, PreviousTag); prev != "" && prev != baseID {
		return fmt.Errorf("%w: previous tag %q, current is %q", ErrPreviousMismatch, nostr.ShortID(prev), nostr.ShortID(baseID))
	}
	if base != nil && evt.CreatedAt <= base.CreatedAt {
		return fmt.Errorf("%w: %d <= %d", ErrStaleUpdate, evt.CreatedAt, base.CreatedAt)
	}
	return nil
}

// Update publishes evt as the next version. It is validated against the
// base, the base is re-synced, evt is validated again and only then
// published. On success evt becomes the base.
func (s *SafeSync) Update(ctx context.Context, evt *types.Event) ([]relay.PublishResult, error) {
	return s.update(ctx, evt, nil)
}

// UpdateWithPrevious is Update for a record built on the version with id
// previousID ("" for the first version); it fails if that is no longer current.
func (s *SafeSync) UpdateWithPrevious(ctx context.Context, evt *types.Event, previousID string) ([]relay.PublishResult, error) {
	return s.update(ctx, evt, &previousID)
}

func (s *SafeSync) update(ctx context.Context, evt *types.Event, expectPrevious *string) ([]relay.PublishResult, error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	if err := s.validate(evt, expectPrevious); err != nil {
		return nil, err
	}

	s.Sync(ctx)
	if err := s.validate(evt, expectPrevious); err != nil {
		slog.Info("conditional update lost to a concurrent write", "kind", s.kind, "event_id", nostr.ShortID(evt.ID), "error", err)
		return nil, err
	}

	results := s.backend.Publish(ctx, evt)

	s.mu.Lock()
	s.base = evt
	s.mu.Unlock()

	accepted := 0
	for _, r := range results {
		if r.Accepted {
			accepted++
		}
	}
	slog.Debug("conditional update published", "kind", s.kind, "event_id", nostr.ShortID(evt.ID), "relays", len(results), "accepted", accepted)
	return results, nil
}

// nextCreatedAt returns a timestamp strictly after the base
func (s *SafeSync) nextCreatedAt() int64 {
	now := s.clk.Now().Unix()
	if base := s.Base(); base != nil && now <= base.CreatedAt {
		return base.CreatedAt + 1
	}
	return now
}

// draft returns an unsigned next version with the given tags and content,
// built on the version with id previousID. A back-reference carried over
// from that version points at its predecessor, so it is rewritten to
// previousID; records without one stay without one.
func (s *SafeSync) draft(tags [][]string, content, previousID string) *types.Event {
	if util.HasTag(tags, PreviousTag) {
		kept := tags[:0]
		for _, t := range tags {
			if len(t) == 0 || t[0] != PreviousTag {
				kept = append(kept, t)
			}
		}
		tags = kept
		if previousID != "" {
			tags = append(tags, []string{PreviousTag, previousID})
		}
	}
	if nostr.IsAddressable(s.kind) && !util.HasTag(tags, "d") {
		tags = append([][]string{{"d", s.dTag}}, tags...)
	}
	if tags == nil {
		tags = [][]string{}
	}
	return &types.Event{
		PubKey:    s.pubkey,
		Kind:      s.kind,
		CreatedAt: s.nextCreatedAt(),
		Tags:      tags,
		Content:   content,
	}
}
