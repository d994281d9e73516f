package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"nostr-system/internal/types"
)

const userKeyPrefix = "user:"

// UserStore keeps MetadataEntry records in a CacheBackend and implements types.UsersDb
type UserStore struct {
	backend CacheBackend
	config  CacheConfig

	// serialises read-modify-write in Update
	mu sync.Mutex
}

// NewUserStore wraps backend
func NewUserStore(backend CacheBackend, config CacheConfig) *UserStore {
	return &UserStore{backend: backend, config: config}
}

func userKey(pubkey string) string {
	return userKeyPrefix + pubkey
}

func (s *UserStore) Get(ctx context.Context, pubkey string) (*types.MetadataEntry, bool, error) {
	data, found, err := s.backend.Get(ctx, userKey(pubkey))
	if err != nil || !found {
		return nil, false, err
	}

	var entry types.MetadataEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.Warn("dropping corrupt user entry", "pubkey", pubkey, "error", err)
		return nil, false, nil
	}
	return &entry, true, nil
}

// BulkGet returns found entries; corrupt entries are treated as missing
func (s *UserStore) BulkGet(ctx context.Context, pubkeys []string) (map[string]*types.MetadataEntry, error) {
	keys := make([]string, len(pubkeys))
	for i, pk := range pubkeys {
		keys[i] = userKey(pk)
	}

	results, err := s.backend.GetMultiple(ctx, keys)
	if err != nil {
		return nil, err
	}

	found := make(map[string]*types.MetadataEntry, len(results))
	for i, pubkey := range pubkeys {
		data, ok := results[keys[i]]
		if !ok {
			continue
		}
		var entry types.MetadataEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		found[pubkey] = &entry
	}
	return found, nil
}

func (s *UserStore) Put(ctx context.Context, entry *types.MetadataEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode user entry: %w", err)
	}
	return s.backend.Set(ctx, userKey(entry.PubKey), data, s.config.MetadataTTL)
}

func (s *UserStore) BulkPut(ctx context.Context, entries []*types.MetadataEntry) error {
	if len(entries) == 0 {
		return nil
	}
	items := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode user entry: %w", err)
		}
		items[userKey(entry.PubKey)] = data
	}
	return s.backend.SetMultiple(ctx, items, s.config.MetadataTTL)
}

// Update applies fields to the stored entry, creating it when absent
func (s *UserStore) Update(ctx context.Context, pubkey string, fields types.MetadataUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, found, err := s.Get(ctx, pubkey)
	if err != nil {
		return err
	}
	if !found {
		entry = &types.MetadataEntry{PubKey: pubkey}
	}
	fields.Apply(entry)
	return s.Put(ctx, entry)
}

func (s *UserStore) Clear(ctx context.Context) error {
	return s.backend.Clear(ctx, userKeyPrefix)
}

var _ types.UsersDb = (*UserStore)(nil)
