package virtq

// Virtio feature bits advertised by the switch. Only the subset the device
// actually implements is offered.
const (
	// FeatureMac signals a host-assigned MAC in the device config space.
	FeatureMac uint64 = 1 << 5
	// FeatureMrgRxbuf lets a received frame span several chains.
	FeatureMrgRxbuf uint64 = 1 << 15
	// FeatureIndirectDesc allows indirect descriptor tables.
	FeatureIndirectDesc uint64 = 1 << 28
	// FeatureVersion1 marks virtio 1.0 compliance.
	FeatureVersion1 uint64 = 1 << 32
)
