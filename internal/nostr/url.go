package nostr

import (
	"net"
	"net/url"
	"strings"

	"nostr-system/internal/util"
)

// NormalizeRelayURL validates and normalizes a relay URL
// Returns empty string if URL is invalid/malformed
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return ""
	}

	// Quick reject for obviously bad URLs (no colon = no protocol)
	if !strings.Contains(relayURL, "://") {
		return ""
	}

	// Reject URL-encoded spaces (indicates garbage text as URL)
	if strings.Contains(relayURL, "%20") || strings.Contains(relayURL, "+") {
		return ""
	}

	// Reject double protocols (wss://https://...)
	if strings.Count(relayURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return ""
	}

	host := parsed.Hostname()
	if len(host) < 3 || strings.Contains(host, " ") {
		return ""
	}
	if !strings.Contains(host, ".") && host != "localhost" {
		return ""
	}
	// Block internal/unreachable hosts (.onion, .local, .internal)
	if util.IsInternalHost(host) {
		return ""
	}

	// Normalize: strip trailing slash, lowercase
	result := scheme + "://" + strings.ToLower(host)
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if parsed.Path != "" && parsed.Path != "/" {
		result += strings.TrimSuffix(parsed.Path, "/")
	}
	return result
}

// InfoURL converts a relay websocket URL to the HTTP(S) origin serving its NIP-11 document
func InfoURL(relayURL string) (string, error) {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	}
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed.String(), nil
}

// IsRelayURLSafe validates that a relay URL is safe to connect to
// Allows localhost for development but blocks other private IP ranges
func IsRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}

	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}

	if util.IsLoopbackHost(host) {
		return true
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable names may still be valid external hosts
		return !strings.HasSuffix(host, ".") && !util.IsInternalHost(host)
	}

	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return false
		}
	}

	return true
}

// isRelayIPSafe checks if an IP is safe for relay connections
// Allows loopback (localhost) but blocks other private ranges
func isRelayIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	// Covers 10/8, 172.16/12, 192.168/16 and fc00::/7
	if ip.IsPrivate() {
		return false
	}
	// Link-local also covers the cloud metadata address 169.254.169.254
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	return true
}
