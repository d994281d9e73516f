package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"nostr-system/internal/nostr"
)

// Pairing is a client-initiated NIP-46 session advertised with a nostrconnect:// URI.
// The user pastes (or scans) the URI into their signer, which answers on the relays.
type Pairing struct {
	client *LocalSigner
	relays []string
	secret string
	name   string
	perms  string
	dialer *websocket.Dialer
	now    func() time.Time
}

// NewPairing creates a pairing with a fresh client key and secret
func NewPairing(relays []string, name, perms string) (*Pairing, error) {
	if len(relays) == 0 {
		return nil, errors.New("pairing needs at least one relay")
	}
	client, err := GenerateLocalSigner()
	if err != nil {
		return nil, err
	}
	return &Pairing{
		client: client,
		relays: relays,
		secret: randomHex(16),
		name:   name,
		perms:  perms,
		dialer: websocket.DefaultDialer,
		now:    time.Now,
	}, nil
}

// URI renders nostrconnect://<client-pubkey>?relay=...&secret=...&name=...
func (p *Pairing) URI() string {
	u := url.URL{Scheme: "nostrconnect", Host: p.client.Pubkey()}
	q := u.Query()
	for _, relay := range p.relays {
		q.Add("relay", relay)
	}
	q.Set("secret", p.secret)
	if p.name != "" {
		q.Set("name", p.name)
	}
	if p.perms != "" {
		q.Set("perms", p.perms)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Await listens on every relay until a signer answers with the pairing secret.
// The returned Bunker is connected and shares the pairing's client key.
func (p *Pairing) Await(ctx context.Context) (*Bunker, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan string, len(p.relays))
	for _, relay := range p.relays {
		go func(relayURL string) {
			remote, err := p.listen(ctx, relayURL)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("NIP-46: pairing listener failed", "relay", relayURL, "error", err)
				}
				return
			}
			found <- remote
		}(relay)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case remote := <-found:
		bunker, err := NewBunker(remote, p.relays, "", WithClientKey(p.client))
		if err != nil {
			return nil, err
		}
		bunker.mu.Lock()
		bunker.connected = true
		bunker.mu.Unlock()
		slog.Info("NIP-46: signer paired", "remote", nostr.ShortID(remote))
		return bunker, nil
	}
}

// listen returns the pubkey of the first signer that echoes our secret on relayURL
func (p *Pairing) listen(ctx context.Context, relayURL string) (string, error) {
	conn, _, err := p.dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return "", fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	filter := map[string]interface{}{
		"kinds": []int{nostr.KindNostrConnect},
		"#p":    []string{p.client.Pubkey()},
		"since": p.now().Unix() - 60,
	}
	if err := conn.WriteJSON([]interface{}{"REQ", "nc-listener", filter}); err != nil {
		return "", fmt.Errorf("subscribe failed: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", err
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 3 {
			continue
		}
		var label string
		if json.Unmarshal(frame[0], &label) != nil || label != "EVENT" {
			continue
		}

		evt, err := nostr.ParseEvent(frame[2], true)
		if err != nil || evt.Kind != nostr.KindNostrConnect {
			continue
		}
		convKey, err := ConversationKey(p.client.SecretKey(), evt.PubKey)
		if err != nil {
			continue
		}
		decrypted, err := Nip44Decrypt(evt.Content, convKey)
		if err != nil {
			continue
		}
		var response nip46Response
		if err := json.Unmarshal([]byte(decrypted), &response); err != nil {
			continue
		}
		if response.Result == p.secret {
			return evt.PubKey, nil
		}
	}
}
