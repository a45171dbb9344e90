package device

import (
	"fmt"

	"github.com/srg/blecentral/internal/bledb"
)

// NormalizeUUID is re-exported from bledb for convenience.
// It returns the canonical 128-bit, lowercase, separator-free form.
func NormalizeUUID(uuid string) string {
	return bledb.NormalizeUUID(uuid)
}

// NormalizeUUIDs is re-exported from bledb for convenience.
func NormalizeUUIDs(uuids []string) []string {
	return bledb.NormalizeUUIDs(uuids)
}

// ShortenUUID returns the shortest alias of a UUID for display purposes.
func ShortenUUID(uuid string) string {
	return bledb.ShortUUID(uuid)
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns canonical UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		canonical, err := bledb.ParseUUID(uuid)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID format at index %d: %w", i, err)
		}
		result = append(result, canonical)
	}
	return result, nil
}
