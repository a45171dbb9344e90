package tinygo

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/srg/blecentral/internal/device"
	"tinygo.org/x/bluetooth"
)

// addressBook remembers the bluetooth.Address of recently seen peripherals,
// keyed by peripheral id. On macOS the address is a CoreBluetooth UUID that
// cannot be rebuilt from its string form reliably, so connects prefer the
// scanned value.
type addressBook struct {
	cache *lru.Cache
}

func newAddressBook(size int) (*addressBook, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &addressBook{cache: cache}, nil
}

func (b *addressBook) remember(addr bluetooth.Address) {
	b.cache.Add(device.PeripheralID(addr.String()), addr)
}

// resolve returns the scanned address for the given address string, falling
// back to parsing it.
func (b *addressBook) resolve(address string) bluetooth.Address {
	if v, ok := b.cache.Get(device.PeripheralID(address)); ok {
		return v.(bluetooth.Address)
	}
	var addr bluetooth.Address
	addr.Set(address)
	return addr
}
