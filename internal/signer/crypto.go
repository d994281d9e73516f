package signer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// NIP-44 version 2

const (
	nip44Version     = 2
	nip44Salt        = "nip44-v2"
	minPlaintextSize = 1
	maxPlaintextSize = 65535
)

var (
	ErrInvalidPublicKey  = errors.New("invalid public key")
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrInvalidPayload    = errors.New("invalid encrypted payload")
	ErrInvalidMAC        = errors.New("invalid MAC")
	ErrInvalidPadding    = errors.New("invalid padding")
)

// parsePrivateKey decodes a 32-byte hex secret key
func parsePrivateKey(secretHex string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(secretHex)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidPrivateKey
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, ErrInvalidPrivateKey
	}
	return priv, nil
}

// parsePublicKey decodes a BIP-340 x-only hex pubkey
func parsePublicKey(pubHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidPublicKey
	}
	pub, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// sharedX returns the x coordinate of the ECDH point, left padded to 32 bytes
func sharedX(priv *btcec.PrivateKey, pub *btcec.PublicKey) []byte {
	x := btcec.GenerateSharedSecret(priv, pub)
	if len(x) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(x):], x)
		return padded
	}
	return x
}

// ConversationKey derives the NIP-44 conversation key between a secret key and a peer pubkey
func ConversationKey(secretHex, peerPubHex string) ([]byte, error) {
	priv, err := parsePrivateKey(secretHex)
	if err != nil {
		return nil, err
	}
	pub, err := parsePublicKey(peerPubHex)
	if err != nil {
		return nil, err
	}
	return hkdf.Extract(sha256.New, sharedX(priv, pub), []byte(nip44Salt)), nil
}

// messageKeys derives the ChaCha20 key, nonce and HMAC key for one message
func messageKeys(conversationKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	if len(conversationKey) != 32 {
		return nil, nil, nil, errors.New("invalid conversation key length")
	}
	if len(nonce) != 32 {
		return nil, nil, nil, errors.New("invalid nonce length")
	}

	keys := make([]byte, 76)
	if _, err := hkdf.Expand(sha256.New, conversationKey, nonce).Read(keys); err != nil {
		return nil, nil, nil, err
	}
	return keys[0:32], keys[32:44], keys[44:76], nil
}

// calcPaddedLen returns the padded length for a plaintext of the given size
func calcPaddedLen(unpaddedLen int) int {
	if unpaddedLen <= 32 {
		return 32
	}

	nextPower := 1 << (int(math.Floor(math.Log2(float64(unpaddedLen-1)))) + 1)
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((unpaddedLen-1)/chunk + 1)
}

func pad(plaintext []byte) ([]byte, error) {
	n := len(plaintext)
	if n < minPlaintextSize || n > maxPlaintextSize {
		return nil, errors.New("invalid plaintext length")
	}

	result := make([]byte, 2+calcPaddedLen(n))
	binary.BigEndian.PutUint16(result[0:2], uint16(n))
	copy(result[2:], plaintext)
	return result, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, ErrInvalidPadding
	}
	n := int(binary.BigEndian.Uint16(padded[0:2]))
	if n == 0 || n > len(padded)-2 || len(padded) != 2+calcPaddedLen(n) {
		return nil, ErrInvalidPadding
	}
	return padded[2 : 2+n], nil
}

func hmacAAD(key, message, aad []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(aad)
	h.Write(message)
	return h.Sum(nil)
}

// Nip44Encrypt encrypts plaintext under a conversation key with a random nonce
func Nip44Encrypt(plaintext string, conversationKey []byte) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return nip44EncryptWithNonce(plaintext, conversationKey, nonce)
}

func nip44EncryptWithNonce(plaintext string, conversationKey, nonce []byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	padded, err := pad([]byte(plaintext))
	if err != nil {
		return "", err
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	stream.XORKeyStream(ciphertext, padded)

	// version || nonce || ciphertext || mac
	out := make([]byte, 0, 1+32+len(ciphertext)+32)
	out = append(out, nip44Version)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	out = append(out, hmacAAD(hmacKey, ciphertext, nonce)...)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Nip44Decrypt decrypts a NIP-44 v2 payload
func Nip44Decrypt(payload string, conversationKey []byte) (string, error) {
	if payload == "" || payload[0] == '#' {
		return "", fmt.Errorf("%w: unsupported version", ErrInvalidPayload)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: bad base64", ErrInvalidPayload)
	}
	if len(data) < 99 || len(data) > 65603 {
		return "", fmt.Errorf("%w: bad size", ErrInvalidPayload)
	}
	if data[0] != nip44Version {
		return "", fmt.Errorf("%w: unknown version %d", ErrInvalidPayload, data[0])
	}

	nonce := data[1:33]
	ciphertext := data[33 : len(data)-32]
	mac := data[len(data)-32:]

	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}
	if !hmac.Equal(hmacAAD(hmacKey, ciphertext, nonce), mac) {
		return "", ErrInvalidMAC
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	stream.XORKeyStream(padded, ciphertext)

	plaintext, err := unpad(padded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// NIP-04 (deprecated, still used by older peers)

// Nip04SharedSecret computes the AES key shared between a secret key and a peer pubkey
func Nip04SharedSecret(secretHex, peerPubHex string) ([]byte, error) {
	priv, err := parsePrivateKey(secretHex)
	if err != nil {
		return nil, err
	}
	pub, err := parsePublicKey(peerPubHex)
	if err != nil {
		return nil, err
	}
	return sharedX(priv, pub), nil
}

// Nip04Encrypt encrypts with AES-256-CBC, returning base64(ciphertext)?iv=base64(iv)
func Nip04Encrypt(plaintext string, sharedSecret []byte) (string, error) {
	if len(sharedSecret) != 32 {
		return "", errors.New("NIP-04 shared secret must be 32 bytes")
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	// PKCS7
	padding := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padding)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padding)
	}

	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// Nip04Decrypt reverses Nip04Encrypt
func Nip04Decrypt(payload string, sharedSecret []byte) (string, error) {
	ctPart, ivPart, ok := strings.Cut(payload, "?iv=")
	if !ok {
		return "", fmt.Errorf("%w: missing iv", ErrInvalidPayload)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext base64", ErrInvalidPayload)
	}
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: bad iv", ErrInvalidPayload)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext is not a multiple of block size", ErrInvalidPayload)
	}

	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return "", err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	padding := int(plaintext[len(plaintext)-1])
	if padding == 0 || padding > aes.BlockSize {
		return "", ErrInvalidPadding
	}
	for _, b := range plaintext[len(plaintext)-padding:] {
		if int(b) != padding {
			return "", ErrInvalidPadding
		}
	}
	return string(plaintext[:len(plaintext)-padding]), nil
}
