package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRelaySeen(t *testing.T) {
	evt := &Event{ID: "abc"}
	evt.AddRelaySeen("wss://a.example.com")
	evt.AddRelaySeen("wss://b.example.com")
	evt.AddRelaySeen("wss://a.example.com")
	evt.AddRelaySeen("")

	assert.Equal(t, []string{"wss://a.example.com", "wss://b.example.com"}, evt.RelaysSeen)
	assert.True(t, evt.SeenOn("wss://b.example.com"))
	assert.False(t, evt.SeenOn("wss://c.example.com"))
}

func TestEventJSONOmitsProvenance(t *testing.T) {
	evt := &Event{ID: "abc", Tags: [][]string{}, RelaysSeen: []string{"wss://a.example.com"}}
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "wss://a.example.com")
}

func TestClone(t *testing.T) {
	orig := &Event{ID: "abc", Tags: [][]string{{"p", "x"}}, RelaysSeen: []string{"wss://a.example.com"}}
	c := orig.Clone()
	c.Tags[0][1] = "y"
	c.AddRelaySeen("wss://b.example.com")

	assert.Equal(t, "x", orig.Tags[0][1])
	assert.Len(t, orig.RelaysSeen, 1)

	var nilEvent *Event
	assert.Nil(t, nilEvent.Clone())
}

func TestMetadataUpdateApply(t *testing.T) {
	entry := &MetadataEntry{PubKey: "pk", Created: 10, Loaded: 20}
	loaded := int64(30)
	MetadataUpdate{Loaded: &loaded}.Apply(entry)
	assert.Equal(t, int64(10), entry.Created)
	assert.Equal(t, int64(30), entry.Loaded)
	assert.Nil(t, entry.Profile)

	created := int64(40)
	MetadataUpdate{Profile: &ProfileInfo{Name: "alice"}, Created: &created}.Apply(entry)
	assert.Equal(t, "alice", entry.Profile.Name)
	assert.Equal(t, int64(40), entry.Created)
}

func TestSupports(t *testing.T) {
	var missing *RelayInfo
	assert.False(t, missing.Supports(50))

	info := &RelayInfo{SupportedNIPs: []int{1, 11, 50}}
	assert.True(t, info.Supports(50))
	assert.False(t, info.Supports(42))
}

func TestProfileLabel(t *testing.T) {
	var missing *ProfileInfo
	assert.Empty(t, missing.Label())
	assert.Equal(t, "alice", (&ProfileInfo{Name: "alice"}).Label())
	assert.Equal(t, "Alice A.", (&ProfileInfo{Name: "alice", DisplayName: "Alice A."}).Label())
}
