package types

// RelaySettings controls whether subscriptions (read) and publishes (write)
// are sent to a relay
type RelaySettings struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// ReadWrite is the default for relays without an explicit marker
var ReadWrite = RelaySettings{Read: true, Write: true}

// RelayInfo is the NIP-11 relay information document
type RelayInfo struct {
	Name          string           `json:"name,omitempty"`
	Description   string           `json:"description,omitempty"`
	PubKey        string           `json:"pubkey,omitempty"`
	Contact       string           `json:"contact,omitempty"`
	Software      string           `json:"software,omitempty"`
	Version       string           `json:"version,omitempty"`
	SupportedNIPs []int            `json:"supported_nips,omitempty"`
	Limitation    *RelayLimitation `json:"limitation,omitempty"`
}

// RelayLimitation holds the server limits advertised in NIP-11
type RelayLimitation struct {
	MaxMessageLength int  `json:"max_message_length,omitempty"`
	MaxSubscriptions int  `json:"max_subscriptions,omitempty"`
	MaxFilters       int  `json:"max_filters,omitempty"`
	MaxLimit         int  `json:"max_limit,omitempty"`
	AuthRequired     bool `json:"auth_required,omitempty"`
	PaymentRequired  bool `json:"payment_required,omitempty"`
}

// Supports returns true if the relay advertises the given NIP.
// A nil document supports nothing.
func (i *RelayInfo) Supports(nip int) bool {
	if i == nil {
		return false
	}
	for _, n := range i.SupportedNIPs {
		if n == nip {
			return true
		}
	}
	return false
}
