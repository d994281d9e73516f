// Package types provides shared type definitions used across internal packages.
package types

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`

	// RelaysSeen accumulates every relay the event was received from.
	RelaysSeen []string `json:"-"`
}

// SeenOn reports whether the event was received from relayURL
func (e *Event) SeenOn(relayURL string) bool {
	for _, r := range e.RelaysSeen {
		if r == relayURL {
			return true
		}
	}
	return false
}

// AddRelaySeen merges relayURL into the provenance list, ignoring duplicates
func (e *Event) AddRelaySeen(relayURL string) {
	if relayURL == "" || e.SeenOn(relayURL) {
		return
	}
	e.RelaysSeen = append(e.RelaysSeen, relayURL)
}

// Clone returns a deep copy so callers can mutate tags without touching shared state
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.Tags != nil {
		c.Tags = make([][]string, len(e.Tags))
		for i, tag := range e.Tags {
			c.Tags[i] = append([]string(nil), tag...)
		}
	}
	if e.RelaysSeen != nil {
		c.RelaysSeen = append([]string(nil), e.RelaysSeen...)
	}
	return &c
}
