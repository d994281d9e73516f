package signer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"nostr-system/internal/nostr"
	"nostr-system/internal/types"
)

// Rate limiting defaults for remote sign requests
const (
	defaultSignRateLimit  = 10
	defaultSignRateWindow = 1 * time.Minute
	defaultRequestTimeout = 30 * time.Second
)

var (
	ErrInvalidBunkerURI = errors.New("invalid bunker URI")
	ErrRateLimited      = errors.New("rate limit exceeded: too many sign requests")
	ErrAllRelaysFailed  = errors.New("all relays failed")
)

// nip46Request is a JSON-RPC request to the remote signer
type nip46Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// nip46Response is a JSON-RPC response from the remote signer
type nip46Response struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// unsignedEvent is the template handed to the remote signer
type unsignedEvent struct {
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags"`
	CreatedAt int64      `json:"created_at"`
}

// Bunker is a NIP-46 remote signer reached through relays with kind 24133 events.
type Bunker struct {
	remote  string
	relays  []string
	secret  string
	client  *LocalSigner
	convKey []byte

	dialer         *websocket.Dialer
	requestTimeout time.Duration
	signLimit      int
	signWindow     time.Duration
	now            func() time.Time

	mu         sync.Mutex
	connected  bool
	userPubkey string
	signTimes  []time.Time
}

// BunkerOption customises a Bunker
type BunkerOption func(*Bunker)

// WithRequestTimeout bounds each round trip to the remote signer
func WithRequestTimeout(d time.Duration) BunkerOption {
	return func(b *Bunker) { b.requestTimeout = d }
}

// WithSignRateLimit allows at most n sign requests per window
func WithSignRateLimit(n int, window time.Duration) BunkerOption {
	return func(b *Bunker) {
		b.signLimit = n
		b.signWindow = window
	}
}

// WithClientKey uses a fixed client key instead of a disposable one
func WithClientKey(client *LocalSigner) BunkerOption {
	return func(b *Bunker) { b.client = client }
}

// ParseBunkerURI parses bunker://<remote-pubkey>?relay=<wss://...>&secret=<optional>
func ParseBunkerURI(uri string, opts ...BunkerOption) (*Bunker, error) {
	if !strings.HasPrefix(uri, "bunker://") {
		return nil, fmt.Errorf("%w: must start with bunker://", ErrInvalidBunkerURI)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBunkerURI, err)
	}

	relays := make([]string, 0, len(u.Query()["relay"]))
	for _, r := range u.Query()["relay"] {
		if normalized := nostr.NormalizeRelayURL(r); normalized != "" {
			relays = append(relays, normalized)
		}
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: at least one relay is required", ErrInvalidBunkerURI)
	}

	return NewBunker(u.Host, relays, u.Query().Get("secret"), opts...)
}

// NewBunker creates a remote signer handle; call Connect before signing
func NewBunker(remotePubkey string, relays []string, secret string, opts ...BunkerOption) (*Bunker, error) {
	if _, err := parsePublicKey(remotePubkey); err != nil {
		return nil, fmt.Errorf("%w: remote signer pubkey: %v", ErrInvalidBunkerURI, err)
	}

	b := &Bunker{
		remote:         remotePubkey,
		relays:         relays,
		secret:         secret,
		dialer:         websocket.DefaultDialer,
		requestTimeout: defaultRequestTimeout,
		signLimit:      defaultSignRateLimit,
		signWindow:     defaultSignRateWindow,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		client, err := GenerateLocalSigner()
		if err != nil {
			return nil, fmt.Errorf("failed to generate client keypair: %w", err)
		}
		b.client = client
	}

	convKey, err := ConversationKey(b.client.SecretKey(), remotePubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute conversation key: %w", err)
	}
	b.convKey = convKey

	return b, nil
}

// RemotePubkey returns the remote signer's pubkey
func (b *Bunker) RemotePubkey() string {
	return b.remote
}

// Connect performs the connect handshake and learns the user's pubkey
func (b *Bunker) Connect(ctx context.Context) error {
	params := []string{b.remote}
	if b.secret != "" {
		params = append(params, b.secret)
	}

	result, err := b.call(ctx, "connect", params...)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	if result != "ack" && (b.secret == "" || result != b.secret) {
		return fmt.Errorf("unexpected connect response: %s", result)
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	pubkey, err := b.PublicKey(ctx)
	if err != nil {
		return err
	}

	slog.Info("NIP-46: connected to bunker", "remote", nostr.ShortID(b.remote), "pubkey", nostr.ShortID(pubkey))
	return nil
}

// PublicKey returns the user's pubkey, asking the remote signer once
func (b *Bunker) PublicKey(ctx context.Context) (string, error) {
	b.mu.Lock()
	connected, cached := b.connected, b.userPubkey
	b.mu.Unlock()

	if !connected {
		return "", ErrNotConnected
	}
	if cached != "" {
		return cached, nil
	}

	result, err := b.call(ctx, "get_public_key")
	if err != nil {
		return "", fmt.Errorf("get_public_key failed: %w", err)
	}
	if _, err := parsePublicKey(result); err != nil {
		return "", fmt.Errorf("invalid user pubkey: %w", err)
	}

	b.mu.Lock()
	b.userPubkey = result
	b.mu.Unlock()
	return result, nil
}

// checkSignRateLimit records a sign request or rejects it when over the limit
func (b *Bunker) checkSignRateLimit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-b.signWindow)

	valid := b.signTimes[:0]
	for _, t := range b.signTimes {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	b.signTimes = valid

	if len(b.signTimes) >= b.signLimit {
		return ErrRateLimited
	}
	b.signTimes = append(b.signTimes, now)
	return nil
}

// SignEvent asks the remote signer to sign evt and copies the result into it
func (b *Bunker) SignEvent(ctx context.Context, evt *types.Event) error {
	pubkey, err := b.PublicKey(ctx)
	if err != nil {
		return err
	}
	if err := b.checkSignRateLimit(); err != nil {
		return err
	}

	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	template, err := json.Marshal(unsignedEvent{
		Kind:      evt.Kind,
		Content:   evt.Content,
		Tags:      tags,
		CreatedAt: evt.CreatedAt,
	})
	if err != nil {
		return err
	}

	result, err := b.call(ctx, "sign_event", string(template))
	if err != nil {
		return fmt.Errorf("sign_event failed: %w", err)
	}

	signed, err := nostr.ParseEvent(json.RawMessage(result), true)
	if err != nil {
		return fmt.Errorf("failed to parse signed event: %w", err)
	}
	if signed.PubKey != pubkey || signed.Kind != evt.Kind || signed.Content != evt.Content {
		return errors.New("remote signer returned a different event")
	}

	evt.PubKey = signed.PubKey
	evt.CreatedAt = signed.CreatedAt
	evt.Tags = signed.Tags
	evt.ID = signed.ID
	evt.Sig = signed.Sig
	return nil
}

// Relays returns the user's relay preferences as known by the remote signer
func (b *Bunker) Relays(ctx context.Context) (map[string]types.RelaySettings, error) {
	result, err := b.call(ctx, "get_relays")
	if err != nil {
		return nil, fmt.Errorf("get_relays failed: %w", err)
	}
	relays := make(map[string]types.RelaySettings)
	if err := json.Unmarshal([]byte(result), &relays); err != nil {
		return nil, fmt.Errorf("invalid get_relays response: %w", err)
	}
	return relays, nil
}

func (b *Bunker) Nip04Encrypt(ctx context.Context, peer, plaintext string) (string, error) {
	return b.call(ctx, "nip04_encrypt", peer, plaintext)
}

func (b *Bunker) Nip04Decrypt(ctx context.Context, peer, ciphertext string) (string, error) {
	return b.call(ctx, "nip04_decrypt", peer, ciphertext)
}

func (b *Bunker) Nip44Encrypt(ctx context.Context, peer, plaintext string) (string, error) {
	return b.call(ctx, "nip44_encrypt", peer, plaintext)
}

func (b *Bunker) Nip44Decrypt(ctx context.Context, peer, ciphertext string) (string, error) {
	return b.call(ctx, "nip44_decrypt", peer, ciphertext)
}

// call sends a request through each relay in turn until one answers
func (b *Bunker) call(ctx context.Context, method string, params ...string) (string, error) {
	if params == nil {
		params = []string{}
	}
	reqID := randomHex(8)
	requestJSON, err := json.Marshal(nip46Request{ID: reqID, Method: method, Params: params})
	if err != nil {
		return "", err
	}

	content, err := Nip44Encrypt(string(requestJSON), b.convKey)
	if err != nil {
		return "", fmt.Errorf("encryption failed: %w", err)
	}

	requestEvent := &types.Event{
		CreatedAt: b.now().Unix(),
		Kind:      nostr.KindNostrConnect,
		Tags:      [][]string{{"p", b.remote}},
		Content:   content,
	}
	if err := b.client.SignEvent(ctx, requestEvent); err != nil {
		return "", err
	}

	var lastErr error
	for _, relay := range b.relays {
		result, err := b.sendToRelay(ctx, relay, requestEvent, reqID)
		if err == nil {
			return result, nil
		}
		var remoteErr remoteError
		if errors.As(err, &remoteErr) {
			return "", err
		}
		slog.Warn("NIP-46: relay failed", "relay", relay, "method", method, "error", err)
		lastErr = err
	}
	return "", fmt.Errorf("%w: %v", ErrAllRelaysFailed, lastErr)
}

// remoteError is an error reported by the remote signer itself
type remoteError string

func (e remoteError) Error() string { return string(e) }

func (b *Bunker) sendToRelay(ctx context.Context, relayURL string, event *types.Event, reqID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()

	conn, _, err := b.dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the context ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	subID := "nip46-" + randomHex(4)
	filter := map[string]interface{}{
		"kinds": []int{nostr.KindNostrConnect},
		"#p":    []string{b.client.Pubkey()},
		"since": b.now().Unix() - 10,
	}
	if err := conn.WriteJSON([]interface{}{"REQ", subID, filter}); err != nil {
		return "", fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := conn.WriteJSON([]interface{}{"EVENT", event}); err != nil {
		return "", fmt.Errorf("failed to publish: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("read error: %w", err)
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
			continue
		}
		var label string
		if err := json.Unmarshal(frame[0], &label); err != nil {
			continue
		}

		switch label {
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			response, ok := b.decodeResponse(frame[2])
			if !ok || response.ID != reqID {
				continue
			}
			if response.Error != "" {
				return "", remoteError(response.Error)
			}
			return response.Result, nil
		case "NOTICE":
			slog.Debug("NIP-46: relay notice", "relay", relayURL, "message", string(frame[1]))
		}
	}
}

// decodeResponse verifies and decrypts a kind 24133 event from the remote signer
func (b *Bunker) decodeResponse(raw json.RawMessage) (nip46Response, bool) {
	var response nip46Response

	evt, err := nostr.ParseEvent(raw, true)
	if err != nil || evt.PubKey != b.remote || evt.Kind != nostr.KindNostrConnect {
		return response, false
	}

	decrypted, err := Nip44Decrypt(evt.Content, b.convKey)
	if err != nil {
		slog.Warn("NIP-46: failed to decrypt response", "error", err)
		return response, false
	}
	if err := json.Unmarshal([]byte(decrypted), &response); err != nil {
		slog.Warn("NIP-46: failed to parse response", "error", err)
		return response, false
	}
	return response, true
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

var (
	_ Signer      = (*Bunker)(nil)
	_ Cipher      = (*Bunker)(nil)
	_ RelayLister = (*Bunker)(nil)
)
