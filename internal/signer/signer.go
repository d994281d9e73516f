// Package signer provides the signing capabilities used by the relay engine:
// an in-process key, a NIP-46 remote delegate, and the NIP-42 authenticator.
package signer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nostr-system/internal/nostr"
	"nostr-system/internal/types"
)

var ErrNotConnected = errors.New("signer not connected")

// Signer produces signatures for events authored by its public key.
type Signer interface {
	PublicKey(ctx context.Context) (string, error)
	// SignEvent fills PubKey, ID and Sig in place.
	SignEvent(ctx context.Context, evt *types.Event) error
}

// RelayLister is implemented by signers that know the user's preferred relays.
type RelayLister interface {
	Relays(ctx context.Context) (map[string]types.RelaySettings, error)
}

// Cipher is implemented by signers that can encrypt to and decrypt from a peer.
type Cipher interface {
	Nip04Encrypt(ctx context.Context, peer, plaintext string) (string, error)
	Nip04Decrypt(ctx context.Context, peer, ciphertext string) (string, error)
	Nip44Encrypt(ctx context.Context, peer, plaintext string) (string, error)
	Nip44Decrypt(ctx context.Context, peer, ciphertext string) (string, error)
}

// Authenticator answers NIP-42 challenges with a signed kind 22242 event.
type Authenticator struct {
	signer Signer
	now    func() time.Time
}

// NewAuthenticator adapts any Signer for relay authentication
func NewAuthenticator(s Signer) *Authenticator {
	return &Authenticator{signer: s, now: time.Now}
}

// Authenticate builds and signs the auth event for relayURL and challenge
func (a *Authenticator) Authenticate(ctx context.Context, relayURL, challenge string) (*types.Event, error) {
	evt := &types.Event{
		CreatedAt: a.now().Unix(),
		Kind:      nostr.KindClientAuth,
		Tags: [][]string{
			{"relay", relayURL},
			{"challenge", challenge},
		},
	}
	if err := a.signer.SignEvent(ctx, evt); err != nil {
		return nil, fmt.Errorf("sign auth event: %w", err)
	}
	return evt, nil
}
