package goble

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/device"
)

// handleAttr is the attribute a raw ATT handle resolves to. Exactly one
// field is set.
type handleAttr struct {
	char *ble.Characteristic
	desc *ble.Descriptor
}

// lookupHandle resolves an ATT handle against the client's profile,
// discovering the full profile when nothing has been discovered yet.
// Stacks that do not expose handles (CoreBluetooth) report ErrUnsupported.
func (l *link) lookupHandle(handle uint16) (handleAttr, error) {
	profile := l.client.Profile()
	if profile == nil || len(profile.Services) == 0 {
		var err error
		if profile, err = l.client.DiscoverProfile(true); err != nil {
			return handleAttr{}, err
		}
	}
	return findHandle(profile, handle)
}

func findHandle(profile *ble.Profile, handle uint16) (handleAttr, error) {
	if profile == nil || !hasHandles(profile) {
		return handleAttr{}, fmt.Errorf("%w: attribute handle access", device.ErrUnsupported)
	}
	for _, s := range profile.Services {
		for _, c := range s.Characteristics {
			if c.ValueHandle == handle {
				return handleAttr{char: c}, nil
			}
			for _, d := range c.Descriptors {
				if d.Handle == handle {
					return handleAttr{desc: d}, nil
				}
			}
		}
	}
	return handleAttr{}, fmt.Errorf("attribute handle 0x%04x not found", handle)
}

// hasHandles reports whether the stack filled in ATT handles.
func hasHandles(profile *ble.Profile) bool {
	for _, s := range profile.Services {
		if s.Handle != 0 {
			return true
		}
		for _, c := range s.Characteristics {
			if c.Handle != 0 || c.ValueHandle != 0 {
				return true
			}
		}
	}
	return false
}
