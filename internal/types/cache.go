package types

import "context"

// MetadataEntry is one cached profile.
// Created is the timestamp embedded in the source event (newest wins),
// Loaded is when we last fetched it (drives expiry). A nil Profile marks
// a pubkey we looked for and did not find.
type MetadataEntry struct {
	PubKey  string       `json:"pubkey"`
	Profile *ProfileInfo `json:"profile,omitempty"`
	Created int64        `json:"created"`
	Loaded  int64        `json:"loaded"`
}

// MetadataUpdate carries the fields to change in UsersDb.Update; nil fields are left alone
type MetadataUpdate struct {
	Profile *ProfileInfo
	Created *int64
	Loaded  *int64
}

// Apply merges the update into entry
func (u MetadataUpdate) Apply(entry *MetadataEntry) {
	if u.Profile != nil {
		entry.Profile = u.Profile
	}
	if u.Created != nil {
		entry.Created = *u.Created
	}
	if u.Loaded != nil {
		entry.Loaded = *u.Loaded
	}
}

// UsersDb is the profile store consumed by the metadata loop
type UsersDb interface {
	// Get returns (entry, found, error)
	Get(ctx context.Context, pubkey string) (*MetadataEntry, bool, error)
	// BulkGet returns found entries keyed by pubkey
	BulkGet(ctx context.Context, pubkeys []string) (map[string]*MetadataEntry, error)
	Put(ctx context.Context, entry *MetadataEntry) error
	BulkPut(ctx context.Context, entries []*MetadataEntry) error
	// Update changes selected fields, creating the entry if it does not exist
	Update(ctx context.Context, pubkey string, fields MetadataUpdate) error
	// Clear drops every entry
	Clear(ctx context.Context) error
}
