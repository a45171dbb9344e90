package device

import "context"

// PlatformEvents receives unsolicited events from a back end. Calls may come
// from any goroutine; implementations must not assume the caller's thread.
type PlatformEvents interface {
	RadioStateChanged(state AdapterState)
	AdvertisementReceived(report ScanReport)
}

// PlatformAdapter is the capability interface every BLE back end implements.
//
// All calls may block and are issued from worker goroutines, never from the
// session loop. UUIDs returned by discovery calls must be canonical
// (see NormalizeUUID). Operations a back end cannot perform return an error
// wrapping ErrUnsupported.
type PlatformAdapter interface {
	// Start brings the radio up and reports its state through events.
	Start(ctx context.Context, events PlatformEvents) error
	// Close releases every platform resource. Pending calls fail.
	Close() error

	// Scan delivers advertisements through PlatformEvents until ctx is done
	// or scanning fails. serviceUUIDs is a hint; back ends that cannot
	// pre-filter deliver everything.
	Scan(ctx context.Context, serviceUUIDs []string, allowDuplicates bool) error

	Connect(ctx context.Context, address string) (ConnectionHandle, error)
	// WatchDisconnect arranges for fn to be called once when the link drops.
	// The returned stop function releases the watch without calling fn.
	WatchDisconnect(h ConnectionHandle, fn func(err error)) (stop func())
	Disconnect(ctx context.Context, h ConnectionHandle) error
	ReadRSSI(ctx context.Context, h ConnectionHandle) (int, error)

	DiscoverServices(ctx context.Context, h ConnectionHandle) ([]DiscoveredService, error)
	DiscoverIncludedServices(ctx context.Context, h ConnectionHandle, s ServiceHandle) ([]DiscoveredService, error)
	DiscoverCharacteristics(ctx context.Context, h ConnectionHandle, s ServiceHandle) ([]DiscoveredCharacteristic, error)
	DiscoverDescriptors(ctx context.Context, h ConnectionHandle, c CharacteristicHandle) ([]DiscoveredDescriptor, error)

	Read(ctx context.Context, h ConnectionHandle, c CharacteristicHandle) ([]byte, error)
	Write(ctx context.Context, h ConnectionHandle, c CharacteristicHandle, data []byte, withoutResponse bool) error
	// SetNotificationState writes cfg to the characteristic's CCCD. With
	// NotifyNotify or NotifyIndicate, onValue receives every pushed value
	// until the state is set back to NotifyNone or the link drops.
	SetNotificationState(ctx context.Context, h ConnectionHandle, c CharacteristicHandle, cfg NotifyConfig, onValue func([]byte)) error

	ReadDescriptor(ctx context.Context, h ConnectionHandle, d DescriptorHandle) ([]byte, error)
	WriteDescriptor(ctx context.Context, h ConnectionHandle, d DescriptorHandle, data []byte) error

	ReadHandle(ctx context.Context, h ConnectionHandle, handle uint16) ([]byte, error)
	WriteHandle(ctx context.Context, h ConnectionHandle, handle uint16, data []byte, withoutResponse bool) error
}
