package vswitch

import (
	"time"

	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/metrics"
	"firestige.xyz/vswitch/internal/stats"
)

// Options sizes a switch.
type Options struct {
	MaxPorts     int
	MacTableSize int
	// Retention bounds how long a frame may wait for a busy destination
	// ring before it is discarded.
	Retention time.Duration
	Filter    MonitorFilter
	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// Switch owns the ports and processes network requests: learn the source,
// look up the destination, copy or flood the frame, mirror it to the
// monitor. All per-packet logic runs on the single dispatch goroutine; no
// locking happens here.
type Switch struct {
	ports    []*Port
	monitor  *Port
	maxUsed  int
	macTable *MacTable

	mirror    *stats.Mirror
	filter    MonitorFilter
	retention time.Duration
	now       func() time.Time
	logger    log.Logger
}

// New creates a switch with room for opts.MaxPorts ports. The statistics
// mirror is an explicit dependency; the daemon owns its lifecycle.
func New(opts Options, mirror *stats.Mirror) *Switch {
	filter := opts.Filter
	if filter == nil {
		filter, _ = NewMonitorFilter(nil)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 2 * time.Second
	}
	return &Switch{
		ports:     make([]*Port, opts.MaxPorts),
		macTable:  NewMacTable(opts.MacTableSize),
		mirror:    mirror,
		filter:    filter,
		retention: retention,
		now:       now,
		logger:    log.Component("core"),
	}
}

// MacTable exposes the learning table, mainly for the control plane and
// tests.
func (s *Switch) MacTable() *MacTable { return s.macTable }

// Monitor returns the monitor port, if one is attached.
func (s *Switch) Monitor() *Port { return s.monitor }

func (s *Switch) lookupFreeSlot() int {
	for idx := range s.ports {
		if s.ports[idx] == nil {
			return idx
		}
	}
	return -1
}

// PortAvailable returns the slot index a new port would take, or -1 when
// the switch is full (or a monitor port already exists).
func (s *Switch) PortAvailable(monitor bool) int {
	if monitor {
		if s.monitor == nil {
			return 0
		}
		return -1
	}
	return s.lookupFreeSlot()
}

// AddPort attaches a port to the lowest free slot. A port with an explicit
// MAC that is already in use is rejected.
func (s *Switch) AddPort(port *Port) error {
	if !port.Mac().IsUnknown() {
		for _, p := range s.ports {
			if p != nil && p.Mac() == port.Mac() {
				s.logger.Warnf("rejecting port %q: MAC address already in use", port.Name())
				return ErrMacConflict
			}
		}
	}
	idx := s.lookupFreeSlot()
	if idx < 0 {
		return ErrOutOfCapacity
	}
	s.ports[idx] = port
	port.index = idx
	if s.maxUsed == idx {
		s.maxUsed++
	}
	s.allocStats(port)
	metrics.PortsActive.Inc()
	s.logger.Infof("added port %q at slot %d (%s)", port.Name(), idx, port.Mode())
	return nil
}

// AddMonitorPort attaches the single passive mirror port.
func (s *Switch) AddMonitorPort(port *Port) error {
	if s.monitor != nil {
		s.logger.Warnf("%q already defined as monitor port, rejecting %q",
			s.monitor.Name(), port.Name())
		return ErrOutOfCapacity
	}
	s.monitor = port
	s.allocStats(port)
	metrics.PortsActive.Inc()
	s.logger.Infof("added monitor port %q", port.Name())
	return nil
}

func (s *Switch) allocStats(port *Port) {
	if s.mirror == nil {
		return
	}
	ps, err := s.mirror.AllocatePort(port.Name(), port.Mac().Bytes())
	if err != nil {
		s.logger.WithError(err).Warnf("no statistics slot for port %q", port.Name())
		return
	}
	port.setStats(ps)
}

func (s *Switch) removePort(idx int) {
	port := s.ports[idx]
	s.ports[idx] = nil
	if idx == s.maxUsed-1 {
		s.maxUsed--
	}
	s.macTable.Flush(port)
	port.dropPending()
	if s.mirror != nil {
		s.mirror.ReleasePort(port.Stats())
	}
	metrics.PortsActive.Dec()
	s.logger.Infof("removed port %q from slot %d", port.Name(), idx)
}

// CheckPorts drops every port whose client capability has been revoked.
// Invoked from the revocation notification; idempotent.
func (s *Switch) CheckPorts() {
	for idx := 0; idx < s.maxUsed; idx++ {
		if port := s.ports[idx]; port != nil && port.Gone() {
			s.removePort(idx)
		}
	}
	if s.monitor != nil && s.monitor.Gone() {
		s.macTable.Flush(s.monitor)
		s.monitor.dropPending()
		if s.mirror != nil {
			s.mirror.ReleasePort(s.monitor.Stats())
		}
		metrics.PortsActive.Dec()
		s.logger.Infof("removed monitor port %q", s.monitor.Name())
		s.monitor = nil
	}
}

func (s *Switch) allKickDisableRemember() {
	for _, p := range s.ports {
		if p != nil {
			p.KickDisableAndRemember()
		}
	}
	if s.monitor != nil {
		s.monitor.KickDisableAndRemember()
	}
}

func (s *Switch) allKickEmitEnable() {
	for _, p := range s.ports {
		if p != nil {
			p.KickEmitAndEnable()
		}
	}
	if s.monitor != nil {
		s.monitor.KickEmitAndEnable()
	}
}

// retryDeferred gives every port with free receive descriptors a chance to
// drain its parked frames. No in-flight frame stays stuck while both ends
// are live.
func (s *Switch) retryDeferred() {
	now := s.now()
	for idx := 0; idx < s.maxUsed; idx++ {
		if p := s.ports[idx]; p != nil && len(p.pending) > 0 {
			p.handleRxQueue(now)
		}
	}
	if s.monitor != nil && len(s.monitor.pending) > 0 {
		s.monitor.handleRxQueue(now)
	}
}

// ExpireDeferred discards parked frames whose retention deadline passed.
// The daemon calls it from its timer tick so expiry does not depend on
// ring activity.
func (s *Switch) ExpireDeferred() {
	now := s.now()
	expire := func(p *Port) {
		for len(p.pending) > 0 && now.After(p.pending[0].deadline) {
			p.popPending()
			p.accountRxDropped(metrics.ReasonDeferExpired)
		}
	}
	for idx := 0; idx < s.maxUsed; idx++ {
		if p := s.ports[idx]; p != nil {
			expire(p)
		}
	}
	if s.monitor != nil {
		expire(s.monitor)
	}
}

// HandlePortIRQ is the per-port work loop, entered on a client
// notification. Notifications on all ports are suppressed and coalesced
// around the burst; the loop repeats until no observable work remains.
func (s *Switch) HandlePortIRQ(port *Port) {
	for {
		port.TxQueue().DisableNotify()
		port.RxQueue().DisableNotify()

		s.allKickDisableRemember()

		if port.IsMonitor() {
			// The mirror must not send; its TX queue is drained and
			// completed unseen.
			port.DropTxRequests()
		} else {
			for port.TxWorkPending() {
				if err := s.handleTxRequest(port); err != nil {
					s.logger.WithError(err).
						Warnf("bad descriptor from %q, signaling device error", port.Name())
					metrics.BadDescriptorsTotal.WithLabelValues(port.Name()).Inc()
					port.DeviceError()
					break
				}
			}
		}

		s.retryDeferred()

		s.allKickEmitEnable()

		if port.NeedsReset() {
			return
		}

		port.TxQueue().EnableNotify()
		port.RxQueue().EnableNotify()

		if !port.TxWorkPending() && !port.RxWorkPending() {
			return
		}
	}
}

// handleTxRequest switches one frame: learn the source, look up the
// destination, deliver or flood, mirror to the monitor. Per-destination
// failures are contained; only a bad source descriptor propagates.
func (s *Switch) handleTxRequest(port *Port) error {
	req, err := port.GetTxRequest()
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}
	defer req.Finish()

	src := req.SrcMac()
	if src.IsUnicast() {
		s.macTable.Learn(src, port)
	}

	dst := req.DstMac()
	vid := req.EffectiveVlan()

	if !dst.IsBroadcast() {
		if target := s.macTable.Lookup(dst); target != nil {
			// Never send a frame back out the port it came in on; another
			// switch that cannot reach the target may have handed it to us.
			if target != port && target.MatchVlan(vid) {
				if err := s.deliver(port, target, req); err != nil {
					return err
				}
				if err := s.monitorCopy(port, req); err != nil {
					return err
				}
			}
			return nil
		}
	}

	// Broadcast or unknown destination: flood to every port in the VLAN
	// except the source.
	for idx := 0; idx < s.maxUsed; idx++ {
		target := s.ports[idx]
		if target == nil || target == port || !target.MatchVlan(vid) {
			continue
		}
		if err := s.deliver(port, target, req); err != nil {
			return err
		}
	}
	return s.monitorCopy(port, req)
}

func (s *Switch) monitorCopy(port *Port, req *Request) error {
	if s.monitor == nil || s.filter(req) {
		return nil
	}
	return s.deliver(port, s.monitor, req)
}

// makeMangle selects the tag rewrite for a (source, destination) pair.
// Trunk-like destinations get a tag added unless the frame already has one
// (trunk source) or belongs to no VLAN (native source, monitor only);
// everyone else gets the tag stripped when the frame arrives off a trunk.
func makeMangle(src, dst *Port) VlanMangle {
	if dst.IsTrunk() || dst.IsMonitor() {
		if !src.IsTrunk() && !src.IsNative() {
			return MangleAdd(src.vlanID)
		}
		return VlanMangle{}
	}
	if src.IsTrunk() {
		return MangleRemove()
	}
	return VlanMangle{}
}

// deliver runs one transfer and handles its outcome: accounting on
// success, buffering on backpressure, quarantine bookkeeping on
// destination faults. The returned error is a source-side descriptor
// fault.
func (s *Switch) deliver(srcPort, dst *Port, req *Request) error {
	if dst.NeedsReset() {
		dst.accountRxDropped(metrics.ReasonDeviceError)
		return nil
	}
	mangle := makeMangle(srcPort, dst)
	res, n, err := transfer(req.transferSource(), dst, mangle)
	if err != nil {
		return err
	}

	switch res {
	case Delivered:
		if dst.stats != nil {
			dst.stats.RxFrame(uint64(n))
		}
		if srcPort.stats != nil {
			srcPort.stats.TxFrame(uint64(n))
		}
		metrics.FramesForwardedTotal.WithLabelValues(srcPort.Name(), dst.Name()).Inc()
	case Dropped:
		f, err := captureFrame(req, mangle, s.now().Add(s.retention))
		if err != nil {
			return err
		}
		if !dst.deferFrame(f) {
			dst.accountRxDropped(metrics.ReasonRingFull)
		}
	case Exception:
		// Destination quarantined itself; nothing more to do here.
	}
	return nil
}
