package cache

import (
	"context"
	"encoding/json"

	"nostr-system/internal/types"
)

// cachedRelayInfo marks failed fetches so unreachable relays aren't retried every connect
type cachedRelayInfo struct {
	Info   *types.RelayInfo `json:"info,omitempty"`
	Failed bool             `json:"failed,omitempty"`
}

// RelayInfoStore provides typed access to cached NIP-11 documents
type RelayInfoStore struct {
	backend CacheBackend
	config  CacheConfig
}

func NewRelayInfoStore(backend CacheBackend, config CacheConfig) *RelayInfoStore {
	return &RelayInfoStore{backend: backend, config: config}
}

// Get returns (info, failed, inCache)
func (s *RelayInfoStore) Get(ctx context.Context, relayURL string) (*types.RelayInfo, bool, bool) {
	data, found, err := s.backend.Get(ctx, "relayinfo:"+relayURL)
	if err != nil || !found {
		return nil, false, false
	}
	var cached cachedRelayInfo
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, false, false
	}
	return cached.Info, cached.Failed, true
}

func (s *RelayInfoStore) Set(ctx context.Context, relayURL string, info *types.RelayInfo) {
	data, err := json.Marshal(cachedRelayInfo{Info: info})
	if err != nil {
		return
	}
	s.backend.Set(ctx, "relayinfo:"+relayURL, data, s.config.RelayInfoTTL)
}

func (s *RelayInfoStore) SetFailed(ctx context.Context, relayURL string) {
	data, _ := json.Marshal(cachedRelayInfo{Failed: true})
	s.backend.Set(ctx, "relayinfo:"+relayURL, data, s.config.RelayInfoFail)
}
