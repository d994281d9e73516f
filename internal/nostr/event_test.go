package nostr

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nostr-system/internal/types"
)

const (
	testPrivKey = "edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85"
	testPubKey  = "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"
)

func signForTest(t *testing.T, evt *types.Event) {
	t.Helper()
	keyBytes, err := hex.DecodeString(testPrivKey)
	require.NoError(t, err)
	priv, _ := btcec.PrivKeyFromBytes(keyBytes)

	evt.PubKey = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
	evt.ID = ComputeEventID(evt)
	idBytes, _ := hex.DecodeString(evt.ID)
	sig, err := schnorr.Sign(priv, idBytes)
	require.NoError(t, err)
	evt.Sig = hex.EncodeToString(sig.Serialize())
}

func TestSerializeEvent(t *testing.T) {
	evt := &types.Event{
		PubKey:    testPubKey,
		CreatedAt: 1700000000,
		Kind:      1,
		Content:   "test",
	}

	// nil tags serialize as an empty array
	expected := `[0,"bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",1700000000,1,[],"test"]`
	assert.Equal(t, expected, string(SerializeEvent(evt)))

	evt.Tags = [][]string{{"e", "abc123", "", "reply"}, {"p", "def456"}}
	evt.Content = "test reply"
	expected = `[0,"bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",1700000000,1,[["e","abc123","","reply"],["p","def456"]],"test reply"]`
	assert.Equal(t, expected, string(SerializeEvent(evt)))
}

func TestSerializeEventNoHTMLEscaping(t *testing.T) {
	evt := &types.Event{
		PubKey:    testPubKey,
		CreatedAt: 1700000000,
		Kind:      1,
		Content:   "<b>a & b</b>\n\"quoted\"",
	}

	serialized := string(SerializeEvent(evt))
	t.Logf("Serialized: %s", serialized)
	assert.Contains(t, serialized, `"<b>a & b</b>\n\"quoted\""`)
	assert.NotContains(t, serialized, `\u003c`)
}

func TestCheckEvent(t *testing.T) {
	evt := &types.Event{
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      [][]string{{"t", "nostr"}},
		Content:   "hello 🌍",
	}
	signForTest(t, evt)
	assert.Equal(t, testPubKey, evt.PubKey)
	require.NoError(t, CheckEvent(evt))

	tampered := evt.Clone()
	tampered.Content = "goodbye"
	assert.ErrorIs(t, CheckEvent(tampered), ErrInvalidID)

	badSig := evt.Clone()
	flipped := byte('a')
	if badSig.Sig[127] == 'a' {
		flipped = 'b'
	}
	badSig.Sig = badSig.Sig[:127] + string(flipped)
	assert.ErrorIs(t, CheckEvent(badSig), ErrInvalidSignature)

	assert.ErrorIs(t, CheckEvent(nil), ErrMalformedEvent)
}

func TestParseEvent(t *testing.T) {
	evt := &types.Event{CreatedAt: 1700000001, Kind: 0, Content: `{"name":"bob"}`}
	signForTest(t, evt)

	raw, err := json.Marshal(evt)
	require.NoError(t, err)

	parsed, err := ParseEvent(raw, true)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, parsed.ID)
	assert.Equal(t, evt.Content, parsed.Content)

	_, err = ParseEvent(json.RawMessage(`{"kind":1}`), false)
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = ParseEvent(json.RawMessage(`not json`), false)
	assert.ErrorIs(t, err, ErrMalformedEvent)

	forged := evt.Clone()
	forged.Content = `{"name":"mallory"}`
	raw, _ = json.Marshal(forged)
	_, err = ParseEvent(raw, true)
	assert.Error(t, err)

	// Without verification the forged event is accepted as-is
	parsed, err = ParseEvent(raw, false)
	require.NoError(t, err)
	assert.Equal(t, forged.Content, parsed.Content)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "bbde6a0e8847", ShortID(testPubKey))
	assert.Equal(t, "abc", ShortID("abc"))
}

func TestKindClasses(t *testing.T) {
	tests := []struct {
		kind                                int
		replaceable, ephemeral, addressable bool
	}{
		{0, true, false, false},
		{1, false, false, false},
		{3, true, false, false},
		{10002, true, false, false},
		{19999, true, false, false},
		{20000, false, true, false},
		{22242, false, true, false},
		{30000, false, false, true},
		{39999, false, false, true},
		{40000, false, false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.replaceable, IsReplaceable(tt.kind), "kind %d replaceable", tt.kind)
		assert.Equal(t, tt.ephemeral, IsEphemeral(tt.kind), "kind %d ephemeral", tt.kind)
		assert.Equal(t, tt.addressable, IsAddressable(tt.kind), "kind %d addressable", tt.kind)
	}
}
