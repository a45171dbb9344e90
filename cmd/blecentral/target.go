package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/internal/device"
)

// target names the attribute a read, write or subscribe command acts on.
// Either handle is set or a characteristic path is.
type target struct {
	service        string
	characteristic string
	descriptor     string
	handle         uint16
	byHandle       bool
}

// resolveService fills in t.service when only the characteristic was given,
// by searching every discovered service. A characteristic found in more than
// one service must be qualified with --service.
func (c *client) resolveService(ctx context.Context, id string, t *target) error {
	if t.byHandle || t.service != "" {
		return nil
	}

	prof, err := c.discoverProfile(ctx, id, &inspectOptions{})
	if err != nil {
		return err
	}

	want := bledb.NormalizeUUID(t.characteristic)
	var found []string
	for _, svc := range prof.Services {
		for _, chr := range svc.Characteristics {
			if chr.UUID == want {
				found = append(found, svc.UUID)
			}
		}
	}

	switch len(found) {
	case 0:
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{t.characteristic}}
	case 1:
		t.service = found[0]
		return nil
	default:
		return fmt.Errorf("characteristic %s found in multiple services, specify --service", t.characteristic)
	}
}

// parseTarget validates the UUID arguments and flags of a command.
// Handles accept decimal or 0x-prefixed hex.
func parseTarget(service, characteristic, descriptor, handle string) (*target, error) {
	if handle != "" {
		if characteristic != "" || service != "" || descriptor != "" {
			return nil, fmt.Errorf("--handle cannot be combined with a service, characteristic or descriptor")
		}
		h, err := strconv.ParseUint(handle, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid handle %q: must be between 0 and 0xFFFF", handle)
		}
		return &target{handle: uint16(h), byHandle: true}, nil
	}

	if characteristic == "" {
		return nil, fmt.Errorf("a characteristic UUID or --handle is required")
	}
	t := &target{}
	for _, f := range []struct {
		in  string
		out *string
	}{
		{service, &t.service},
		{characteristic, &t.characteristic},
		{descriptor, &t.descriptor},
	} {
		if f.in == "" {
			continue
		}
		u, err := bledb.ParseUUID(f.in)
		if err != nil {
			return nil, err
		}
		*f.out = u
	}
	return t, nil
}

// describe renders the target for messages.
func (t *target) describe() string {
	if t.byHandle {
		return fmt.Sprintf("handle 0x%04X", t.handle)
	}
	s := bledb.ShortUUID(t.characteristic)
	if name := bledb.LookupCharacteristic(t.characteristic); name != "" {
		s += " (" + name + ")"
	}
	if t.descriptor != "" {
		s = bledb.ShortUUID(t.descriptor) + " of " + s
	}
	return s
}
