package signer

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"nostr-system/internal/nostr"
	"nostr-system/internal/types"
)

// LocalSigner holds a secp256k1 secret key in process.
type LocalSigner struct {
	secret string
	priv   *btcec.PrivateKey
	pubkey string
}

// NewLocalSigner creates a signer from a 64-char hex secret key
func NewLocalSigner(secretHex string) (*LocalSigner, error) {
	priv, err := parsePrivateKey(secretHex)
	if err != nil {
		return nil, err
	}
	return &LocalSigner{
		secret: secretHex,
		priv:   priv,
		pubkey: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}, nil
}

// GenerateLocalSigner creates a signer with a fresh random key
func GenerateLocalSigner() (*LocalSigner, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewLocalSigner(hex.EncodeToString(priv.Serialize()))
}

// PublicKey returns the x-only hex pubkey
func (s *LocalSigner) PublicKey(ctx context.Context) (string, error) {
	return s.pubkey, nil
}

// Pubkey is PublicKey without the context
func (s *LocalSigner) Pubkey() string {
	return s.pubkey
}

// SecretKey returns the hex secret key
func (s *LocalSigner) SecretKey() string {
	return s.secret
}

// SignEvent sets PubKey, computes ID and signs it
func (s *LocalSigner) SignEvent(ctx context.Context, evt *types.Event) error {
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	evt.PubKey = s.pubkey
	evt.ID = nostr.ComputeEventID(evt)

	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(s.priv, idBytes)
	if err != nil {
		return fmt.Errorf("schnorr sign: %w", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

func (s *LocalSigner) Nip04Encrypt(ctx context.Context, peer, plaintext string) (string, error) {
	key, err := Nip04SharedSecret(s.secret, peer)
	if err != nil {
		return "", err
	}
	return Nip04Encrypt(plaintext, key)
}

func (s *LocalSigner) Nip04Decrypt(ctx context.Context, peer, ciphertext string) (string, error) {
	key, err := Nip04SharedSecret(s.secret, peer)
	if err != nil {
		return "", err
	}
	return Nip04Decrypt(ciphertext, key)
}

func (s *LocalSigner) Nip44Encrypt(ctx context.Context, peer, plaintext string) (string, error) {
	key, err := ConversationKey(s.secret, peer)
	if err != nil {
		return "", err
	}
	return Nip44Encrypt(plaintext, key)
}

func (s *LocalSigner) Nip44Decrypt(ctx context.Context, peer, ciphertext string) (string, error) {
	key, err := ConversationKey(s.secret, peer)
	if err != nil {
		return "", err
	}
	return Nip44Decrypt(ciphertext, key)
}

var (
	_ Signer = (*LocalSigner)(nil)
	_ Cipher = (*LocalSigner)(nil)
)
