package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"nostr-system/internal/types"
)

// Filter is one server-side query. Every field is optional: an empty field
// leaves that dimension unconstrained.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	ETags   []string `json:"#e,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	TTags   []string `json:"#t,omitempty"`
	DTags   []string `json:"#d,omitempty"`
	RTags   []string `json:"#r,omitempty"`
	ATags   []string `json:"#a,omitempty"`
	Search  string   `json:"search,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// ParseFilter decodes a wire filter object
func ParseFilter(data []byte) (Filter, error) {
	var f Filter
	if err := json.Unmarshal(data, &f); err != nil {
		return Filter{}, fmt.Errorf("parse filter: %w", err)
	}
	return f, nil
}

// ToWire renders the filter as the map sent inside a REQ frame, omitting unset fields
func (f Filter) ToWire() map[string]interface{} {
	wire := make(map[string]interface{})
	setStrings := func(key string, values []string) {
		if len(values) > 0 {
			wire[key] = values
		}
	}

	setStrings("ids", f.IDs)
	setStrings("authors", f.Authors)
	if len(f.Kinds) > 0 {
		wire["kinds"] = f.Kinds
	}
	for _, tag := range f.tagSets() {
		setStrings("#"+tag.name, tag.values)
	}
	if f.Search != "" {
		wire["search"] = f.Search
	}
	if f.Since != nil {
		wire["since"] = *f.Since
	}
	if f.Until != nil {
		wire["until"] = *f.Until
	}
	if f.Limit > 0 {
		wire["limit"] = f.Limit
	}
	return wire
}

type tagSet struct {
	name   string
	values []string
}

func (f Filter) tagSets() []tagSet {
	return []tagSet{
		{"e", f.ETags},
		{"p", f.PTags},
		{"t", f.TTags},
		{"d", f.DTags},
		{"r", f.RTags},
		{"a", f.ATags},
	}
}

// Matches reports whether evt satisfies the filter. Search terms match by
// case-insensitive substring, which is only an approximation of relay search.
func (f Filter) Matches(evt *types.Event) bool {
	if evt == nil {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	for _, tag := range f.tagSets() {
		if len(tag.values) > 0 && !eventHasTagValue(evt, tag.name, tag.values) {
			return false
		}
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(evt.Content), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

func eventHasTagValue(evt *types.Event, name string, values []string) bool {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name && containsString(values, tag[1]) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
