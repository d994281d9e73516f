package util

import (
	"sort"
	"strings"
)

// =============================================================================
// Host Validation Helpers
// =============================================================================

// IsInternalHost checks if a hostname is internal/private and should not be accessed.
// Used to prevent SSRF attacks by blocking requests to internal networks.
func IsInternalHost(host string) bool {
	host = strings.ToLower(host)
	return strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".internal") ||
		strings.HasSuffix(host, ".onion") ||
		strings.HasSuffix(host, ".localhost")
}

// IsLoopbackHost checks if a hostname resolves to localhost.
func IsLoopbackHost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" ||
		host == "127.0.0.1" ||
		host == "::1" ||
		strings.HasPrefix(host, "127.") ||
		host == "[::1]"
}

// =============================================================================
// Tag Extraction Helpers
// =============================================================================

// GetTagValue returns the first value for the given tag name, or empty string if not found.
// Example: GetTagValue(tags, "d") returns the discriminator of an addressable event.
func GetTagValue(tags [][]string, tagName string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == tagName {
			return tag[1]
		}
	}
	return ""
}

// GetTagValues returns all values for the given tag name.
// Example: GetTagValues(tags, "p") returns all mentioned pubkeys.
func GetTagValues(tags [][]string, tagName string) []string {
	var results []string
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == tagName {
			results = append(results, tag[1])
		}
	}
	return results
}

// HasTag returns true if the given tag name exists (even with empty value).
func HasTag(tags [][]string, tagName string) bool {
	for _, tag := range tags {
		if len(tag) >= 1 && tag[0] == tagName {
			return true
		}
	}
	return false
}

// TagsEqual compares two tags element by element
func TagsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// Generic Map Utilities
// =============================================================================

// MapKeys returns all keys from a map as a slice.
// Order is not guaranteed (map iteration order).
func MapKeys[K comparable, V any](m map[K]V) []K {
	result := make([]K, 0, len(m))
	for k := range m {
		result = append(result, k)
	}
	return result
}

// =============================================================================
// Slice Utilities
// =============================================================================

// LimitSlice returns the first n elements of a slice, or the entire slice if
// it has fewer than n elements. Safe to call with n <= 0 (returns empty slice).
func LimitSlice[T any](slice []T, n int) []T {
	if n <= 0 {
		return nil
	}
	if len(slice) <= n {
		return slice
	}
	return slice[:n]
}

// SortedCopy returns a sorted copy of a string slice.
// The original slice is not modified.
// Useful for building stable cache keys from unordered inputs.
func SortedCopy(slice []string) []string {
	if len(slice) == 0 {
		return nil
	}
	sorted := make([]string, len(slice))
	copy(sorted, slice)
	sort.Strings(sorted)
	return sorted
}

// Dedupe returns the input with duplicates removed, keeping first occurrences in order
func Dedupe(slice []string) []string {
	if len(slice) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(slice))
	out := make([]string, 0, len(slice))
	for _, s := range slice {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
