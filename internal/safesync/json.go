package safesync

import (
	"context"
	"encoding/json"
	"fmt"

	"nostr-system/internal/relay"
	"nostr-system/internal/signer"
	"nostr-system/internal/types"
)

// JsonEventSync treats a record's content as a JSON document of type T,
// e.g. a kind 0 profile. Tags of the base are carried over unchanged.
type JsonEventSync[T any] struct {
	sync   *SafeSync
	signer signer.Signer
}

// NewJsonEventSync wraps s; signer must control s's pubkey
func NewJsonEventSync[T any](s *SafeSync, sg signer.Signer) *JsonEventSync[T] {
	return &JsonEventSync[T]{sync: s, signer: sg}
}

// Value decodes the base content. A missing base yields the zero value.
func (j *JsonEventSync[T]) Value() (T, error) {
	return decodeContent[T](j.sync.Base())
}

// Load syncs and then decodes the fresh base
func (j *JsonEventSync[T]) Load(ctx context.Context) (T, error) {
	return decodeContent[T](j.sync.Sync(ctx))
}

func decodeContent[T any](base *types.Event) (T, error) {
	var v T
	if base == nil || base.Content == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(base.Content), &v); err != nil {
		return v, fmt.Errorf("decode record content: %w", err)
	}
	return v, nil
}

// Persist encodes v and publishes it as the next version
func (j *JsonEventSync[T]) Persist(ctx context.Context, v T) ([]relay.PublishResult, error) {
	content, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record content: %w", err)
	}

	base := j.sync.Sync(ctx)

	var tags [][]string
	previous := ""
	if base != nil {
		previous = base.ID
		for _, t := range base.Tags {
			tags = append(tags, cloneTag(t))
		}
	}

	evt := j.sync.draft(tags, string(content), previous)
	if err := j.signer.SignEvent(ctx, evt); err != nil {
		return nil, fmt.Errorf("sign record update: %w", err)
	}
	return j.sync.UpdateWithPrevious(ctx, evt, previous)
}
