package vswitch

import (
	"time"

	"firestige.xyz/vswitch/internal/metrics"
	"firestige.xyz/vswitch/internal/virtq"
)

// DefaultPendingMax bounds the deferred-delivery queue of one port.
const DefaultPendingMax = 50

// pendingFrame is one frame parked because the destination ring was full.
// The source slot has already been completed, so the frame is a buffered
// copy, retained until the ring drains or the deadline passes.
type pendingFrame struct {
	srcName  string
	hdr      [virtq.NetHdrLen]byte
	data     []byte
	mangle   VlanMangle
	deadline time.Time
}

func (f *pendingFrame) source() *bufferedSource {
	s := &bufferedSource{hdr: virtq.NewNetHdr(f.hdr[:]), cur: virtq.NewBuffer(f.data)}
	return s
}

// bufferedSource adapts a parked frame to the transfer engine.
type bufferedSource struct {
	hdr virtq.NetHdr
	cur virtq.Buffer
}

func (s *bufferedSource) Done() (bool, error)         { return s.cur.Done(), nil }
func (s *bufferedSource) CurBuf() *virtq.Buffer       { return &s.cur }
func (s *bufferedSource) CopyHeader(dst virtq.NetHdr) { dst.CopyFrom(s.hdr) }

// captureFrame flattens a request into a pendingFrame. Walking the source
// chain may surface a bad descriptor, which the caller must treat like any
// other source fault.
func captureFrame(req *Request, mangle VlanMangle, deadline time.Time) (*pendingFrame, error) {
	f := &pendingFrame{srcName: req.port.Name(), mangle: mangle, deadline: deadline}
	req.hdr.EncodeTo(f.hdr[:])

	src := req.transferSource()
	for {
		done, err := src.Done()
		if err != nil {
			return nil, err
		}
		if done {
			return f, nil
		}
		buf := src.CurBuf()
		f.data = append(f.data, buf.Bytes()...)
		buf.Skip(buf.Left())
	}
}

// deferFrame parks a frame for later delivery. It reports false when the
// queue is full and the frame must be counted as dropped instead.
func (p *Port) deferFrame(f *pendingFrame) bool {
	if len(p.pending) >= p.pendingMax {
		return false
	}
	p.pending = append(p.pending, f)
	metrics.DeferredFrames.Inc()
	return true
}

func (p *Port) popPending() *pendingFrame {
	f := p.pending[0]
	p.pending = p.pending[1:]
	metrics.DeferredFrames.Dec()
	return f
}

// dropPending discards every parked frame, e.g. on device error or
// teardown.
func (p *Port) dropPending() {
	for len(p.pending) > 0 {
		p.popPending()
		p.accountRxDropped(metrics.ReasonDeviceError)
	}
}

func (p *Port) accountRxDropped(reason string) {
	if p.stats != nil {
		p.stats.RxDropped()
	}
	metrics.FramesDroppedTotal.WithLabelValues(p.name, reason).Inc()
}

// handleRxQueue retries parked deliveries while the receive ring has room.
// Frames whose retention deadline has passed are discarded; delivery order
// per destination is preserved, so a still-blocked head frame ends the
// pass.
func (p *Port) handleRxQueue(now time.Time) {
	for len(p.pending) > 0 && !p.NeedsReset() {
		f := p.pending[0]
		if now.After(f.deadline) {
			p.popPending()
			p.accountRxDropped(metrics.ReasonDeferExpired)
			continue
		}
		res, n, _ := transfer(f.source(), p, f.mangle)
		switch res {
		case Delivered:
			p.popPending()
			if p.stats != nil {
				p.stats.RxFrame(uint64(n))
			}
			metrics.FramesForwardedTotal.WithLabelValues(f.srcName, p.name).Inc()
		case Dropped:
			return
		case Exception:
			// Device error emptied the queue already.
			return
		}
	}
}
