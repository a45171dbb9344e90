package session

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blecentral/internal/device"
)

// attributeCache memoizes the GATT hierarchy of one connection. Entries are
// kept in platform discovery order and live until the session ends.
type attributeCache struct {
	servicesLoaded bool
	services       *orderedmap.OrderedMap[string, *serviceEntry]

	// fetches holds the platform discovery calls in flight, one per scope.
	fetches map[scopeKey]*pendingFetch
}

type serviceEntry struct {
	uuid   string
	handle device.ServiceHandle

	includedLoaded bool
	included       []string

	characteristicsLoaded bool
	characteristics       *orderedmap.OrderedMap[string, *characteristicEntry]
}

type characteristicEntry struct {
	uuid       string
	handle     device.CharacteristicHandle
	properties device.Property

	descriptorsLoaded bool
	descriptors       *orderedmap.OrderedMap[string, *descriptorEntry]
}

type descriptorEntry struct {
	uuid   string
	handle device.DescriptorHandle
}

func newAttributeCache() *attributeCache {
	return &attributeCache{
		services: orderedmap.New[string, *serviceEntry](),
		fetches:  make(map[scopeKey]*pendingFetch),
	}
}

// storeServices records every discovered service. The first instance of a
// UUID wins.
func (c *attributeCache) storeServices(found []device.DiscoveredService) {
	for _, d := range found {
		uuid := device.NormalizeUUID(d.UUID)
		if _, exists := c.services.Get(uuid); exists {
			continue
		}
		c.services.Set(uuid, &serviceEntry{
			uuid:            uuid,
			handle:          d.Handle,
			characteristics: orderedmap.New[string, *characteristicEntry](),
		})
	}
	c.servicesLoaded = true
}

func (c *attributeCache) service(uuid string) (*serviceEntry, bool) {
	return c.services.Get(uuid)
}

func (c *attributeCache) serviceUUIDs(filter []string) []string {
	out := make([]string, 0, c.services.Len())
	for p := c.services.Oldest(); p != nil; p = p.Next() {
		if matchesFilter(p.Key, filter) {
			out = append(out, p.Key)
		}
	}
	return out
}

func (s *serviceEntry) storeIncluded(found []device.DiscoveredService) {
	s.included = make([]string, 0, len(found))
	for _, d := range found {
		s.included = append(s.included, device.NormalizeUUID(d.UUID))
	}
	s.includedLoaded = true
}

func (s *serviceEntry) includedUUIDs(filter []string) []string {
	out := make([]string, 0, len(s.included))
	for _, u := range s.included {
		if matchesFilter(u, filter) {
			out = append(out, u)
		}
	}
	return out
}

func (s *serviceEntry) storeCharacteristics(found []device.DiscoveredCharacteristic) {
	for _, d := range found {
		uuid := device.NormalizeUUID(d.UUID)
		if _, exists := s.characteristics.Get(uuid); exists {
			continue
		}
		s.characteristics.Set(uuid, &characteristicEntry{
			uuid:        uuid,
			handle:      d.Handle,
			properties:  d.Properties,
			descriptors: orderedmap.New[string, *descriptorEntry](),
		})
	}
	s.characteristicsLoaded = true
}

func (s *serviceEntry) characteristic(uuid string) (*characteristicEntry, bool) {
	return s.characteristics.Get(uuid)
}

func (s *serviceEntry) characteristicInfos(filter []string) []CharacteristicInfo {
	out := make([]CharacteristicInfo, 0, s.characteristics.Len())
	for p := s.characteristics.Oldest(); p != nil; p = p.Next() {
		if matchesFilter(p.Key, filter) {
			out = append(out, CharacteristicInfo{
				UUID:       p.Key,
				Properties: p.Value.properties.Names(),
			})
		}
	}
	return out
}

func (c *characteristicEntry) storeDescriptors(found []device.DiscoveredDescriptor) {
	for _, d := range found {
		uuid := device.NormalizeUUID(d.UUID)
		if _, exists := c.descriptors.Get(uuid); exists {
			continue
		}
		c.descriptors.Set(uuid, &descriptorEntry{uuid: uuid, handle: d.Handle})
	}
	c.descriptorsLoaded = true
}

func (c *characteristicEntry) descriptor(uuid string) (*descriptorEntry, bool) {
	return c.descriptors.Get(uuid)
}

func (c *characteristicEntry) descriptorUUIDs() []string {
	out := make([]string, 0, c.descriptors.Len())
	for p := c.descriptors.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

// canNotify reports whether the characteristic supports notify or indicate.
// Back ends that do not report properties leave them zero; those are
// assumed capable.
func (c *characteristicEntry) canNotify() bool {
	if c.properties == 0 {
		return true
	}
	return c.properties.Has(device.PropNotify) || c.properties.Has(device.PropIndicate)
}

// matchesFilter reports whether uuid passes filter. An empty filter passes all.
func matchesFilter(uuid string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == uuid {
			return true
		}
	}
	return false
}
