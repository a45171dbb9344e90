package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/device"
)

var propertyBits = []struct {
	from ble.Property
	to   device.Property
}{
	{ble.CharBroadcast, device.PropBroadcast},
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteWithoutResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
	{ble.CharSignedWrite, device.PropAuthenticatedSignedWrites},
	{ble.CharExtended, device.PropExtendedProperties},
}

// toProperty converts go-ble characteristic property flags.
func toProperty(p ble.Property) device.Property {
	var out device.Property
	for _, b := range propertyBits {
		if p&b.from != 0 {
			out |= b.to
		}
	}
	return out
}
