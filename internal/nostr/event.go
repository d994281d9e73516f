package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"nostr-system/internal/types"
)

var (
	ErrMalformedEvent   = errors.New("malformed event")
	ErrInvalidID        = errors.New("event id does not match content")
	ErrInvalidSignature = errors.New("event signature validation failed")
)

// SerializeEvent returns the canonical NIP-01 serialization used for the event ID:
// [0, pubkey, created_at, kind, tags, content]
func SerializeEvent(evt *types.Event) []byte {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a slice of plain values cannot fail
	_ = enc.Encode([]interface{}{0, evt.PubKey, evt.CreatedAt, evt.Kind, tags, evt.Content})

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// ComputeEventID returns the hex sha256 of the canonical serialization
func ComputeEventID(evt *types.Event) string {
	hash := sha256.Sum256(SerializeEvent(evt))
	return hex.EncodeToString(hash[:])
}

// ValidateEventSignature verifies Schnorr signature for a Nostr event
func ValidateEventSignature(evt *types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// CheckEvent verifies both the content-derived ID and the signature
func CheckEvent(evt *types.Event) error {
	if evt == nil || evt.ID == "" || evt.PubKey == "" {
		return ErrMalformedEvent
	}
	if ComputeEventID(evt) != evt.ID {
		return ErrInvalidID
	}
	if !ValidateEventSignature(evt) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseEvent decodes a raw event from a relay frame.
// When verify is set the ID and signature must check out.
func ParseEvent(data json.RawMessage, verify bool) (*types.Event, error) {
	var evt types.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	if evt.ID == "" {
		return nil, ErrMalformedEvent
	}

	if verify {
		if err := CheckEvent(&evt); err != nil {
			slog.Warn("event validation failed", "event_id", ShortID(evt.ID), "error", err)
			return nil, err
		}
	}

	return &evt, nil
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
