package virtq

// MemRegion is one span of client-registered guest memory. Base is the
// address the client uses in descriptors; Data is the switch-local view.
type MemRegion struct {
	Base uint64
	Data []byte
}

func (r *MemRegion) contains(addr uint64, length uint32) bool {
	if addr < r.Base {
		return false
	}
	off := addr - r.Base
	return off <= uint64(len(r.Data)) && uint64(length) <= uint64(len(r.Data))-off
}

// RegionValidator vets a region before it is accepted, e.g. against a list
// of trusted dataspaces. A nil validator accepts everything.
type RegionValidator func(MemRegion) error

// MemInfo is the memory map of one port: the set of regions the client has
// registered, bounded by the per-port dataspace cap.
type MemInfo struct {
	regions  []MemRegion
	max      int
	validate RegionValidator
}

// NewMemInfo creates a memory map accepting at most max regions.
func NewMemInfo(max int, validate RegionValidator) *MemInfo {
	return &MemInfo{max: max, validate: validate}
}

// Register adds a region to the map.
func (m *MemInfo) Register(region MemRegion) error {
	if len(m.regions) >= m.max {
		return ErrTooManyRegions
	}
	for i := range m.regions {
		r := &m.regions[i]
		if region.Base < r.Base+uint64(len(r.Data)) && r.Base < region.Base+uint64(len(region.Data)) {
			return ErrRegionOverlap
		}
	}
	if m.validate != nil {
		if err := m.validate(region); err != nil {
			return ErrRegionRejected
		}
	}
	m.regions = append(m.regions, region)
	return nil
}

// Local translates a guest address range into the switch-local byte view.
// The range must lie entirely inside one registered region.
func (m *MemInfo) Local(addr uint64, length uint32) ([]byte, bool) {
	for i := range m.regions {
		r := &m.regions[i]
		if r.contains(addr, length) {
			off := addr - r.Base
			return r.Data[off : off+uint64(length)], true
		}
	}
	return nil, false
}
