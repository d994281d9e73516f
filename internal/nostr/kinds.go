package nostr

// Event kinds used by the engine
const (
	KindMetadata     = 0
	KindTextNote     = 1
	KindContacts     = 3
	KindRelayList    = 10002
	KindClientAuth   = 22242 // NIP-42
	KindNostrConnect = 24133 // NIP-46
)

// NIPs that gate client behaviour
const (
	NIPAuth   = 42
	NIPSearch = 50
)

// IsReplaceable reports whether only the newest event per (author, kind) is current
func IsReplaceable(kind int) bool {
	return kind == KindMetadata || kind == KindContacts || (kind >= 10000 && kind < 20000)
}

// IsEphemeral reports whether relays are expected not to store the kind
func IsEphemeral(kind int) bool {
	return kind >= 20000 && kind < 30000
}

// IsAddressable reports whether the kind is replaceable per (author, kind, d-tag)
func IsAddressable(kind int) bool {
	return kind >= 30000 && kind < 40000
}
