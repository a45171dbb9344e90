// Package bledb canonicalizes BLE UUIDs and resolves Bluetooth SIG assigned
// numbers to human readable names.
//
// Every UUID that enters the session layer goes through NormalizeUUID first,
// so cache keys, filters and emitted events all agree on one spelling.
package bledb

import (
	"encoding/hex"
	"fmt"
	"strings"

	uuid "github.com/satori/go.uuid"
)

// baseSuffix is the Bluetooth base UUID 0000xxxx-0000-1000-8000-00805f9b34fb
// without its alias prefix and without separators.
const baseSuffix = "00001000800000805f9b34fb"

var separators = strings.NewReplacer("-", "", "{", "", "}", "")

// ParseUUID converts a 16-bit, 32-bit or 128-bit UUID in any common spelling
// ("180d", "0x180D", "0000180d-0000-1000-8000-00805f9b34fb", "{...}",
// "urn:uuid:...") into the canonical form: 128-bit, lowercase hex, no separators.
func ParseUUID(s string) (string, error) {
	u := separators.Replace(strings.ToLower(strings.TrimSpace(s)))
	u = strings.TrimPrefix(u, "urn:uuid:")
	u = strings.TrimPrefix(u, "0x")

	switch len(u) {
	case 4, 8:
		if _, err := hex.DecodeString(u); err != nil {
			return "", fmt.Errorf("invalid short uuid %q: %w", s, err)
		}
		return strings.Repeat("0", 8-len(u)) + u + baseSuffix, nil
	}

	parsed, err := uuid.FromString(u)
	if err != nil {
		return "", fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return hex.EncodeToString(parsed.Bytes()), nil
}

// NormalizeUUID returns the canonical form of s. Input that cannot be parsed
// is returned lowercased with separators stripped so that it still compares
// consistently with itself. NormalizeUUID is idempotent.
func NormalizeUUID(s string) string {
	if canonical, err := ParseUUID(s); err == nil {
		return canonical
	}
	return separators.Replace(strings.ToLower(strings.TrimSpace(s)))
}

// NormalizeUUIDs normalizes every entry of the list. A nil list stays nil.
func NormalizeUUIDs(list []string) []string {
	if list == nil {
		return nil
	}
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = NormalizeUUID(s)
	}
	return out
}

// ShortUUID returns the shortest alias of a UUID: 4 hex digits for 16-bit SIG
// UUIDs, 8 for 32-bit ones, the full canonical form otherwise.
func ShortUUID(s string) string {
	u := NormalizeUUID(s)
	if len(u) != 32 || !strings.HasSuffix(u, baseSuffix) {
		return u
	}
	if strings.HasPrefix(u, "0000") {
		return u[4:8]
	}
	return u[:8]
}

// DashedUUID renders a UUID in the 8-4-4-4-12 form some platform stacks expect.
func DashedUUID(s string) string {
	parsed, err := uuid.FromString(NormalizeUUID(s))
	if err != nil {
		return NormalizeUUID(s)
	}
	return parsed.String()
}
