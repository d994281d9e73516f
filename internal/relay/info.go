package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"nostr-system/internal/cache"
	"nostr-system/internal/nostr"
	"nostr-system/internal/types"
)

const (
	infoFetchTimeout = 5 * time.Second
	maxInfoBodySize  = 1 << 20
)

var ErrInfoUnavailable = errors.New("relay information document unavailable")

// InfoFetcher retrieves NIP-11 relay information documents. Concurrent fetches
// for one relay share a single HTTP request; results are kept in an LRU and,
// when a store is configured, in the shared cache backend.
type InfoFetcher struct {
	client *http.Client
	group  singleflight.Group
	docs   *lru.Cache[string, *types.RelayInfo]
	store  *cache.RelayInfoStore
}

// NewInfoFetcher creates a fetcher. client and store may be nil.
func NewInfoFetcher(client *http.Client, size int, store *cache.RelayInfoStore) *InfoFetcher {
	if client == nil {
		client = &http.Client{Timeout: infoFetchTimeout}
	}
	if size <= 0 {
		size = 256
	}
	docs, _ := lru.New[string, *types.RelayInfo](size)
	return &InfoFetcher{client: client, docs: docs, store: store}
}

// Fetch returns the document for relayURL. A nil entry in the LRU records a failed fetch.
func (f *InfoFetcher) Fetch(ctx context.Context, relayURL string) (*types.RelayInfo, error) {
	if info, ok := f.docs.Get(relayURL); ok {
		if info == nil {
			return nil, ErrInfoUnavailable
		}
		return info, nil
	}

	if f.store != nil {
		if info, failed, ok := f.store.Get(ctx, relayURL); ok {
			if failed {
				f.docs.Add(relayURL, nil)
				return nil, ErrInfoUnavailable
			}
			f.docs.Add(relayURL, info)
			return info, nil
		}
	}

	result, err, shared := f.group.Do(relayURL, func() (interface{}, error) {
		info, err := f.fetchDirect(ctx, relayURL)
		if err != nil {
			f.docs.Add(relayURL, nil)
			if f.store != nil {
				f.store.SetFailed(ctx, relayURL)
			}
			return nil, err
		}
		f.docs.Add(relayURL, info)
		if f.store != nil {
			f.store.Set(ctx, relayURL, info)
		}
		return info, nil
	})
	if shared {
		slog.Debug("singleflight: shared relay info fetch", "relay", relayURL)
	}
	if err != nil {
		return nil, err
	}
	return result.(*types.RelayInfo), nil
}

// Forget drops any cached result for relayURL
func (f *InfoFetcher) Forget(relayURL string) {
	f.docs.Remove(relayURL)
}

// infoDocument tolerates relays that list NIPs as strings
type infoDocument struct {
	types.RelayInfo
	SupportedNIPs []interface{} `json:"supported_nips"`
}

func (f *InfoFetcher) fetchDirect(ctx context.Context, relayURL string) (*types.RelayInfo, error) {
	infoURL, err := nostr.InfoURL(relayURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInfoUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, infoFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, infoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInfoUnavailable, err)
	}
	req.Header.Set("Accept", "application/nostr+json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInfoUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrInfoUnavailable, resp.StatusCode)
	}

	var doc infoDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxInfoBodySize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInfoUnavailable, err)
	}

	info := doc.RelayInfo
	info.SupportedNIPs = make([]int, 0, len(doc.SupportedNIPs))
	for _, v := range doc.SupportedNIPs {
		switch n := v.(type) {
		case float64:
			info.SupportedNIPs = append(info.SupportedNIPs, int(n))
		case string:
			if parsed, err := strconv.Atoi(n); err == nil {
				info.SupportedNIPs = append(info.SupportedNIPs, parsed)
			}
		}
	}
	return &info, nil
}
