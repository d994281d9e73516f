package nips

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// NIP-19 prefixes for bare 32-byte entities
const (
	PrefixPubkey  = "npub"
	PrefixSecret  = "nsec"
	PrefixEventID = "note"
)

var ErrInvalidKey = errors.New("invalid key")

// Encode32 encodes a 32-byte hex value (pubkey, secret key, event id) under prefix
func Encode32(prefix, hexValue string) (string, error) {
	raw, err := hex.DecodeString(hexValue)
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidKey, len(raw))
	}

	data, err := convertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32Encode(prefix, data), nil
}

// Decode32 decodes an npub/nsec/note string into its prefix and hex value
func Decode32(bech string) (string, string, error) {
	prefix, data, err := bech32Decode(bech)
	if err != nil {
		return "", "", err
	}

	raw, err := convertBits(data, 5, 8, false)
	if err != nil {
		return "", "", err
	}
	if len(raw) != 32 {
		return "", "", fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidKey, len(raw))
	}
	return prefix, hex.EncodeToString(raw), nil
}

// EncodePubkey encodes a hex pubkey to npub format
func EncodePubkey(hexPubkey string) (string, error) {
	return Encode32(PrefixPubkey, hexPubkey)
}

// ParseSecretKey accepts a 64-char hex key or an nsec string and returns hex
func ParseSecretKey(s string) (string, error) {
	return parseKey(strings.TrimSpace(s), PrefixSecret)
}

// ParsePubkey accepts a 64-char hex key or an npub string and returns hex
func ParsePubkey(s string) (string, error) {
	return parseKey(strings.TrimSpace(s), PrefixPubkey)
}

func parseKey(s, prefix string) (string, error) {
	if strings.HasPrefix(strings.ToLower(s), prefix+"1") {
		got, value, err := Decode32(s)
		if err != nil {
			return "", err
		}
		if got != prefix {
			return "", fmt.Errorf("%w: expected %s, got %s", ErrInvalidKey, prefix, got)
		}
		return value, nil
	}

	if len(s) != 64 {
		return "", fmt.Errorf("%w: expected 64 hex chars or %s", ErrInvalidKey, prefix)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return strings.ToLower(s), nil
}
