package vswitch

import (
	"github.com/tevino/abool"

	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/stats"
	"firestige.xyz/vswitch/internal/virtq"
)

// PortMode classifies a port's VLAN behavior.
type PortMode int

const (
	// ModeNative ports exchange untagged frames outside any VLAN.
	ModeNative PortMode = iota
	// ModeAccess ports exchange untagged frames belonging to one VLAN.
	ModeAccess
	// ModeTrunk ports exchange tagged frames for a set of VLANs.
	ModeTrunk
	// ModeMonitor marks the passive mirror port: trunk egress behavior,
	// no transmit permission.
	ModeMonitor
)

func (m PortMode) String() string {
	switch m {
	case ModeNative:
		return "native"
	case ModeAccess:
		return "access"
	case ModeTrunk:
		return "trunk"
	case ModeMonitor:
		return "monitor"
	}
	return "unknown"
}

// NameLen bounds a port's debug name, NUL terminator included.
const NameLen = 20

// Port is one endpoint attached to the switch: a virtio-net device with a
// TX ring filled by the client and an RX ring filled by the switch.
type Port struct {
	name  string
	index int
	mac   MacAddr
	mode  PortMode

	// VLAN classification. vlanID holds the access vid, or one of the
	// sentinels for native and trunk ports. For trunks, vlanIDs is the
	// authoritative set and vlanBloom its 32-bit fingerprint.
	vlanID    uint16
	vlanIDs   map[uint16]struct{}
	vlanBloom uint32

	mi    *virtq.MemInfo
	tx    *virtq.Queue
	rx    *virtq.Queue
	vqMax uint16

	hostFeatures uint64

	notify    func()
	gone      func() bool
	deviceErr *abool.AtomicBool

	// Frames parked for this port because its RX ring was full.
	pending    []*pendingFrame
	pendingMax int

	stats  *stats.PortStats
	logger log.Logger
}

// PortOptions carries the creation parameters resolved by the factory.
type PortOptions struct {
	Name       string
	VqMax      uint16
	DsMax      int
	Mac        MacAddr // MacUnknown when the client brings its own
	PendingMax int
	Validator  virtq.RegionValidator
}

// NewPort creates a detached port. The factory wires it to the switch.
func NewPort(opts PortOptions) *Port {
	p := &Port{
		name:       opts.Name,
		index:      -1,
		mac:        opts.Mac,
		mode:       ModeNative,
		vlanID:     VlanNative,
		vqMax:      opts.VqMax,
		pendingMax: opts.PendingMax,
		deviceErr:  abool.New(),
		logger:     log.Component("port").WithField("port", opts.Name),
	}
	if len(p.name) > NameLen-1 {
		p.name = p.name[:NameLen-1]
	}
	p.mi = virtq.NewMemInfo(opts.DsMax, opts.Validator)
	p.tx = virtq.NewQueue(p.mi)
	p.rx = virtq.NewQueue(p.mi)

	p.hostFeatures = virtq.FeatureVersion1 | virtq.FeatureMrgRxbuf | virtq.FeatureIndirectDesc
	if !p.mac.IsUnknown() {
		p.hostFeatures |= virtq.FeatureMac
		p.logger.Infof("advertising MAC %s in host features", p.mac)
	}
	return p
}

func (p *Port) Name() string   { return p.name }
func (p *Port) Mac() MacAddr   { return p.mac }
func (p *Port) Mode() PortMode { return p.mode }
func (p *Port) Index() int     { return p.index }

// HostFeatures returns the feature set offered to the client.
func (p *Port) HostFeatures() uint64 { return p.hostFeatures }

func (p *Port) IsNative() bool  { return p.mode == ModeNative }
func (p *Port) IsAccess() bool  { return p.mode == ModeAccess }
func (p *Port) IsTrunk() bool   { return p.mode == ModeTrunk }
func (p *Port) IsMonitor() bool { return p.mode == ModeMonitor }

// SetVlanAccess configures the port as an access port for one VLAN.
func (p *Port) SetVlanAccess(id uint16) {
	p.mode = ModeAccess
	p.vlanID = id
	p.vlanIDs = nil
	p.vlanBloom = 0
}

// SetVlanTrunk configures the port as a trunk for the given VLAN set.
func (p *Port) SetVlanTrunk(ids []uint16) {
	p.mode = ModeTrunk
	p.vlanID = VlanTrunk
	p.vlanIDs = make(map[uint16]struct{}, len(ids))
	p.vlanBloom = 0
	for _, id := range ids {
		p.vlanIDs[id] = struct{}{}
		p.vlanBloom |= vlanBloomHash(id)
	}
}

// SetMonitor configures the port as the passive mirror. Egress keeps VLAN
// tags like a trunk with an empty id set; ingress is discarded.
func (p *Port) SetMonitor() {
	p.mode = ModeMonitor
	p.vlanID = VlanTrunk
	p.vlanIDs = nil
	p.vlanBloom = 0
}

// MatchVlan reports whether traffic with the given effective VLAN id is
// switched on this port.
func (p *Port) MatchVlan(id uint16) bool {
	if id == p.vlanID {
		return true
	}
	if p.vlanBloom&vlanBloomHash(id) == 0 {
		return false
	}
	_, ok := p.vlanIDs[id]
	return ok
}

// SetNotify installs the client notification capability.
func (p *Port) SetNotify(fn func()) { p.notify = fn }

// SetGone installs the liveness probe for capability revocation.
func (p *Port) SetGone(fn func() bool) { p.gone = fn }

// Gone reports whether the client side capability has been revoked.
func (p *Port) Gone() bool { return p.gone != nil && p.gone() }

func (p *Port) setStats(s *stats.PortStats) { p.stats = s }

// Stats returns the port's shared-page counter view, nil before the port
// is registered.
func (p *Port) Stats() *stats.PortStats { return p.stats }

// RegisterMemory adds a client dataspace to the port's memory map.
func (p *Port) RegisterMemory(region virtq.MemRegion) error {
	return p.mi.Register(region)
}

// SetupQueues configures both rings from client ring addresses. A num above
// the switch-wide queue size limit is rejected with ErrBadQueueSize.
func (p *Port) SetupQueues(num uint16, txDesc, txAvail, txUsed, rxDesc, rxAvail, rxUsed uint64) error {
	if num > p.vqMax {
		return virtq.ErrBadQueueSize
	}
	if err := p.tx.Setup(num, txDesc, txAvail, txUsed); err != nil {
		return err
	}
	if err := p.rx.Setup(num, rxDesc, rxAvail, rxUsed); err != nil {
		p.tx.Disable()
		return err
	}
	return nil
}

// Reset tears down both rings, e.g. when the client re-initializes after a
// device error.
func (p *Port) Reset() {
	p.tx.Disable()
	p.rx.Disable()
	p.deviceErr.UnSet()
}

// DeviceError marks the port faulty. It stops producing requests and stops
// accepting deliveries until the client resets it.
func (p *Port) DeviceError() {
	if p.deviceErr.SetToIf(false, true) {
		p.logger.Warn("device error, port quarantined until reset")
	}
	p.dropPending()
}

// NeedsReset reports the sticky device-error state.
func (p *Port) NeedsReset() bool { return p.deviceErr.IsSet() }

// TxWorkPending reports whether the client has queued frames to switch.
func (p *Port) TxWorkPending() bool {
	return !p.NeedsReset() && p.tx.Ready() && p.tx.DescAvail()
}

// RxWorkPending reports whether parked frames could now be delivered.
func (p *Port) RxWorkPending() bool {
	return !p.NeedsReset() && p.rx.Ready() && len(p.pending) > 0 && p.rx.DescAvail()
}

// NotifyQueue flags a client notification for a queue, honoring the
// suppress-and-remember discipline during bursts.
func (p *Port) NotifyQueue(q *virtq.Queue) {
	if q.KickQueue() && p.notify != nil {
		p.notify()
	}
}

// KickDisableAndRemember suppresses client notifications on both rings and
// starts remembering whether one would have been sent.
func (p *Port) KickDisableAndRemember() {
	p.tx.KickDisableAndRemember()
	p.rx.KickDisableAndRemember()
}

// KickEmitAndEnable re-enables notifications and emits a single one if any
// was suppressed during the burst.
func (p *Port) KickEmitAndEnable() {
	pending := p.tx.KickEnableGetPending()
	pending = p.rx.KickEnableGetPending() || pending
	if pending && p.notify != nil {
		p.notify()
	}
}

// TxQueue and RxQueue expose the rings for the transfer engine and tests.
func (p *Port) TxQueue() *virtq.Queue { return p.tx }
func (p *Port) RxQueue() *virtq.Queue { return p.rx }
