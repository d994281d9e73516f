package signer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nostr-system/internal/nostr"
	"nostr-system/internal/types"
)

// fakeBunker is a relay that also plays the remote signer for every request it sees
type fakeBunker struct {
	t        *testing.T
	remote   *LocalSigner
	user     *LocalSigner
	secret   string
	upgrader websocket.Upgrader

	mu      sync.Mutex
	methods []string
}

func newFakeBunker(t *testing.T, secret string) (*fakeBunker, *httptest.Server) {
	remote, err := GenerateLocalSigner()
	require.NoError(t, err)
	user, err := NewLocalSigner(testSecret)
	require.NoError(t, err)

	fb := &fakeBunker{t: t, remote: remote, user: user, secret: secret}
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)
	return fb, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (f *fakeBunker) Methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func (f *fakeBunker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	subID := ""
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		if json.Unmarshal(data, &frame) != nil || len(frame) < 2 {
			continue
		}
		var label string
		json.Unmarshal(frame[0], &label)

		switch label {
		case "REQ":
			json.Unmarshal(frame[1], &subID)
		case "EVENT":
			evt, err := nostr.ParseEvent(frame[1], true)
			if err != nil {
				continue
			}
			conn.WriteJSON([]interface{}{"OK", evt.ID, true, ""})

			reply := f.answer(evt)
			if reply != nil {
				conn.WriteJSON([]interface{}{"EVENT", subID, reply})
			}
		}
	}
}

func (f *fakeBunker) answer(request *types.Event) *types.Event {
	ctx := context.Background()
	plain, err := f.remote.Nip44Decrypt(ctx, request.PubKey, request.Content)
	if err != nil {
		return nil
	}
	var req nip46Request
	if json.Unmarshal([]byte(plain), &req) != nil {
		return nil
	}

	f.mu.Lock()
	f.methods = append(f.methods, req.Method)
	f.mu.Unlock()

	resp := nip46Response{ID: req.ID}
	switch req.Method {
	case "connect":
		if f.secret != "" && (len(req.Params) < 2 || req.Params[1] != f.secret) {
			resp.Error = "invalid secret"
		} else {
			resp.Result = "ack"
		}
	case "get_public_key":
		resp.Result = f.user.Pubkey()
	case "sign_event":
		var tmpl unsignedEvent
		json.Unmarshal([]byte(req.Params[0]), &tmpl)
		evt := &types.Event{Kind: tmpl.Kind, Content: tmpl.Content, Tags: tmpl.Tags, CreatedAt: tmpl.CreatedAt}
		f.user.SignEvent(ctx, evt)
		signed, _ := json.Marshal(evt)
		resp.Result = string(signed)
	case "get_relays":
		resp.Result = `{"wss://relay.example.com":{"read":true,"write":false}}`
	case "nip44_encrypt":
		resp.Result, _ = f.user.Nip44Encrypt(ctx, req.Params[0], req.Params[1])
	case "nip44_decrypt":
		resp.Result, _ = f.user.Nip44Decrypt(ctx, req.Params[0], req.Params[1])
	default:
		resp.Error = "unsupported method " + req.Method
	}

	payload, _ := json.Marshal(resp)
	content, _ := f.remote.Nip44Encrypt(ctx, request.PubKey, string(payload))
	reply := &types.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindNostrConnect,
		Tags:      [][]string{{"p", request.PubKey}},
		Content:   content,
	}
	f.remote.SignEvent(ctx, reply)
	return reply
}

func TestParseBunkerURI(t *testing.T) {
	remote, _ := GenerateLocalSigner()

	b, err := ParseBunkerURI("bunker://" + remote.Pubkey() + "?relay=wss://relay.example.com/&relay=nonsense&secret=s3cret")
	require.NoError(t, err)
	assert.Equal(t, remote.Pubkey(), b.RemotePubkey())
	assert.Equal(t, []string{"wss://relay.example.com"}, b.relays)
	assert.Equal(t, "s3cret", b.secret)
	assert.NotEmpty(t, b.client.Pubkey())

	_, err = ParseBunkerURI("nostrconnect://" + remote.Pubkey() + "?relay=wss://relay.example.com")
	assert.ErrorIs(t, err, ErrInvalidBunkerURI)
	_, err = ParseBunkerURI("bunker://" + remote.Pubkey())
	assert.ErrorIs(t, err, ErrInvalidBunkerURI)
	_, err = ParseBunkerURI("bunker://abcd?relay=wss://relay.example.com")
	assert.ErrorIs(t, err, ErrInvalidBunkerURI)
}

func TestBunkerSignFlow(t *testing.T) {
	fb, srv := newFakeBunker(t, "s3cret")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := NewBunker(fb.remote.Pubkey(), []string{wsURL(srv)}, "s3cret", WithRequestTimeout(5*time.Second))
	require.NoError(t, err)

	_, err = b.PublicKey(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, b.Connect(ctx))

	pk, err := b.PublicKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, testPubkey, pk)

	evt := &types.Event{CreatedAt: 1700000000, Kind: 1, Content: "signed remotely"}
	require.NoError(t, b.SignEvent(ctx, evt))
	assert.Equal(t, testPubkey, evt.PubKey)
	assert.NoError(t, nostr.CheckEvent(evt))

	relays, err := b.Relays(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.RelaySettings{Read: true, Write: false}, relays["wss://relay.example.com"])

	// Cipher calls are answered by the user's key
	peer, _ := GenerateLocalSigner()
	ct, err := b.Nip44Encrypt(ctx, peer.Pubkey(), "through the bunker")
	require.NoError(t, err)
	pt, err := peer.Nip44Decrypt(ctx, testPubkey, ct)
	require.NoError(t, err)
	assert.Equal(t, "through the bunker", pt)

	// The cached pubkey is not requested twice
	assert.Equal(t, []string{"connect", "get_public_key", "sign_event", "get_relays", "nip44_encrypt"}, fb.Methods())
}

func TestBunkerRemoteError(t *testing.T) {
	fb, srv := newFakeBunker(t, "s3cret")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := NewBunker(fb.remote.Pubkey(), []string{wsURL(srv)}, "wrong")
	require.NoError(t, err)

	err = b.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid secret")

	_, err = b.Nip04Encrypt(ctx, testPubkey, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported method")
}

func TestBunkerRateLimit(t *testing.T) {
	fb, srv := newFakeBunker(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := NewBunker(fb.remote.Pubkey(), []string{wsURL(srv)}, "", WithSignRateLimit(2, time.Minute))
	require.NoError(t, err)
	require.NoError(t, b.Connect(ctx))

	for i := 0; i < 2; i++ {
		require.NoError(t, b.SignEvent(ctx, &types.Event{CreatedAt: 1700000000, Kind: 1, Content: "n"}))
	}
	err = b.SignEvent(ctx, &types.Event{CreatedAt: 1700000000, Kind: 1, Content: "n"})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestBunkerAllRelaysFailed(t *testing.T) {
	remote, _ := GenerateLocalSigner()
	b, err := NewBunker(remote.Pubkey(), []string{"ws://127.0.0.1:1"}, "", WithRequestTimeout(time.Second))
	require.NoError(t, err)

	err = b.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAllRelaysFailed)
}

func TestPairing(t *testing.T) {
	remote, _ := GenerateLocalSigner()
	uriCh := make(chan string, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		json.Unmarshal(data, &frame)
		var subID string
		json.Unmarshal(frame[1], &subID)

		u, _ := url.Parse(<-uriCh)
		clientPubkey := u.Host
		secret := u.Query().Get("secret")

		// A decoy answer with the wrong secret is ignored
		for _, result := range []string{"not-the-secret", secret} {
			payload, _ := json.Marshal(nip46Response{ID: "c1", Result: result})
			content, _ := remote.Nip44Encrypt(context.Background(), clientPubkey, string(payload))
			evt := &types.Event{
				CreatedAt: time.Now().Unix(),
				Kind:      nostr.KindNostrConnect,
				Tags:      [][]string{{"p", clientPubkey}},
				Content:   content,
			}
			remote.SignEvent(context.Background(), evt)
			conn.WriteJSON([]interface{}{"EVENT", subID, evt})
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	pairing, err := NewPairing([]string{wsURL(srv)}, "nostr-system", "sign_event:1")
	require.NoError(t, err)

	uri := pairing.URI()
	uriCh <- uri
	assert.True(t, strings.HasPrefix(uri, "nostrconnect://"))
	assert.Contains(t, uri, "perms=sign_event%3A1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := pairing.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.Pubkey(), b.RemotePubkey())
	assert.Equal(t, pairing.client.Pubkey(), b.client.Pubkey())

	_, err = NewPairing(nil, "", "")
	assert.Error(t, err)
}
