package safesync

import (
	"context"
	"fmt"
	"sync"

	"nostr-system/internal/relay"
	"nostr-system/internal/signer"
	"nostr-system/internal/types"
	"nostr-system/internal/util"
)

type tagOpKind int

const (
	opAdd tagOpKind = iota
	opRemove
	opReplace
	opUpdate
)

type tagOp struct {
	kind  tagOpKind
	match []string
	tag   []string
}

// matches reports whether tag starts with every element of prefix
func matches(tag, prefix []string) bool {
	if len(prefix) == 0 || len(tag) < len(prefix) {
		return false
	}
	for i := range prefix {
		if tag[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (op tagOp) apply(tags [][]string) [][]string {
	switch op.kind {
	case opAdd:
		for _, t := range tags {
			if util.TagsEqual(t, op.tag) {
				return tags
			}
		}
		return append(tags, op.tag)

	case opRemove:
		out := tags[:0]
		for _, t := range tags {
			if !matches(t, op.match) {
				out = append(out, t)
			}
		}
		return out

	case opReplace:
		out := tags[:0]
		for _, t := range tags {
			if !matches(t, op.match) {
				out = append(out, t)
			}
		}
		return append(out, op.tag)

	case opUpdate:
		for i, t := range tags {
			if matches(t, op.match) {
				tags[i] = op.tag
			}
		}
		return tags
	}
	return tags
}

// DiffSyncTags edits a tag-list record (contacts, relay lists, bookmark
// sets) as a queue of operations replayed on the freshest base at persist
// time, so edits made elsewhere in the meantime are kept.
type DiffSyncTags struct {
	sync   *SafeSync
	signer signer.Signer

	mu  sync.Mutex
	ops []tagOp
}

// NewDiffSyncTags wraps s; signer must control s's pubkey
func NewDiffSyncTags(s *SafeSync, sg signer.Signer) *DiffSyncTags {
	return &DiffSyncTags{sync: s, signer: sg}
}

func cloneTag(tag []string) []string {
	return append([]string(nil), tag...)
}

func (d *DiffSyncTags) push(op tagOp) *DiffSyncTags {
	d.mu.Lock()
	d.ops = append(d.ops, op)
	d.mu.Unlock()
	return d
}

// Add appends tag unless an identical tag exists
func (d *DiffSyncTags) Add(tag ...string) *DiffSyncTags {
	return d.push(tagOp{kind: opAdd, tag: cloneTag(tag)})
}

// Remove drops every tag starting with prefix, e.g. Remove("p", pubkey)
func (d *DiffSyncTags) Remove(prefix ...string) *DiffSyncTags {
	return d.push(tagOp{kind: opRemove, match: cloneTag(prefix)})
}

// Replace drops every tag starting with match and appends tag
func (d *DiffSyncTags) Replace(match []string, tag []string) *DiffSyncTags {
	return d.push(tagOp{kind: opReplace, match: cloneTag(match), tag: cloneTag(tag)})
}

// Update rewrites tags starting with match in place; absent tags stay absent
func (d *DiffSyncTags) Update(match []string, tag []string) *DiffSyncTags {
	return d.push(tagOp{kind: opUpdate, match: cloneTag(match), tag: cloneTag(tag)})
}

// Pending returns the number of queued operations
func (d *DiffSyncTags) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ops)
}

// Discard drops every queued operation
func (d *DiffSyncTags) Discard() {
	d.mu.Lock()
	d.ops = nil
	d.mu.Unlock()
}

func (d *DiffSyncTags) applyTo(base *types.Event) [][]string {
	var tags [][]string
	if base != nil {
		for _, t := range base.Tags {
			tags = append(tags, cloneTag(t))
		}
	}

	d.mu.Lock()
	ops := append([]tagOp(nil), d.ops...)
	d.mu.Unlock()

	for _, op := range ops {
		tags = op.apply(tags)
	}
	return tags
}

// Value previews the tags the record would have if persisted now
func (d *DiffSyncTags) Value() [][]string {
	return d.applyTo(d.sync.Base())
}

// Persist syncs, replays the queued operations on the fresh base and
// publishes the result with content. Operations are kept if anything fails.
func (d *DiffSyncTags) Persist(ctx context.Context, content string) ([]relay.PublishResult, error) {
	base := d.sync.Sync(ctx)

	d.mu.Lock()
	queued := len(d.ops)
	d.mu.Unlock()

	previous := ""
	if base != nil {
		previous = base.ID
	}

	evt := d.sync.draft(d.applyTo(base), content, previous)
	if err := d.signer.SignEvent(ctx, evt); err != nil {
		return nil, fmt.Errorf("sign tag update: %w", err)
	}
	results, err := d.sync.UpdateWithPrevious(ctx, evt, previous)
	if err != nil {
		return nil, err
	}

	// Operations queued while persisting stay for the next round
	d.mu.Lock()
	d.ops = d.ops[queued:]
	d.mu.Unlock()
	return results, nil
}
