package nostr

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRelayURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"wss://relay.damus.io", "wss://relay.damus.io"},
		{"wss://relay.damus.io/", "wss://relay.damus.io"},
		{"  WSS://Relay.Damus.IO/  ", "wss://relay.damus.io"},
		{"ws://localhost:7777", "ws://localhost:7777"},
		{"wss://nos.lol/inbox/", "wss://nos.lol/inbox"},
		{"https://relay.damus.io", ""},
		{"relay.damus.io", ""},
		{"wss://https://relay.damus.io", ""},
		{"wss://relay%20damus.io", ""},
		{"wss://abc.onion", ""},
		{"wss://printer.local", ""},
		{"wss://nodot", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeRelayURL(tt.in), "input %q", tt.in)
	}
}

func TestInfoURL(t *testing.T) {
	got, err := InfoURL("wss://relay.example.com")
	assert.NoError(t, err)
	assert.Equal(t, "https://relay.example.com/", got)

	got, err = InfoURL("ws://127.0.0.1:4869/sub")
	assert.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:4869/sub", got)
}

func TestIsRelayURLSafe(t *testing.T) {
	assert.True(t, IsRelayURLSafe("ws://localhost:7777"))
	assert.True(t, IsRelayURLSafe("ws://127.0.0.1:7777"))
	assert.False(t, IsRelayURLSafe("ws://10.0.0.5"))
	assert.False(t, IsRelayURLSafe("ws://192.168.1.10:8080"))
	assert.False(t, IsRelayURLSafe("ws://169.254.169.254"))
	assert.False(t, IsRelayURLSafe("https://example.com"))
	assert.False(t, IsRelayURLSafe("ws://"))
}

func TestIsRelayIPSafe(t *testing.T) {
	assert.True(t, isRelayIPSafe(net.ParseIP("8.8.8.8")))
	assert.True(t, isRelayIPSafe(net.ParseIP("::1")))
	assert.False(t, isRelayIPSafe(net.ParseIP("172.16.0.1")))
	assert.False(t, isRelayIPSafe(net.ParseIP("fd00::1")))
	assert.False(t, isRelayIPSafe(net.ParseIP("0.0.0.0")))
	assert.False(t, isRelayIPSafe(nil))
}
