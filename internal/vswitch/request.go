package vswitch

import (
	"firestige.xyz/vswitch/internal/metrics"
	"firestige.xyz/vswitch/internal/virtq"
)

// Request is one parsed inbound frame. It owns the source ring head and is
// alive for exactly one dispatch: whatever happens to the frame, Finish
// returns the head to the client exactly once.
//
// A frame consists of the virtio-net header followed by the Ethernet
// payload, possibly spanning several descriptors. The header stays pinned
// so it can be copied per destination while pkt tracks the first payload
// byte, which may live in a later buffer.
type Request struct {
	port  *Port
	head  virtq.Head
	walk  virtq.ChainWalker
	hdr   virtq.NetHdr
	pkt   virtq.Buffer
	evlan uint16

	finished bool
}

// GetTxRequest pulls one request off the transmission queue. It returns
// nil when no work is available or the frame was discarded at ingress; a
// non-nil error is a bad source descriptor and fatal for the port.
func (p *Port) GetTxRequest() (*Request, error) {
	if !p.tx.Ready() || !p.tx.DescAvail() {
		return nil, nil
	}
	head, err := p.tx.NextAvail()
	if err != nil {
		if err == virtq.ErrQueueUnavailable || err == virtq.ErrQueueNotReady {
			return nil, nil
		}
		return nil, err
	}

	req := &Request{port: p, head: head}
	walk, err := p.tx.StartWalk(head, false, &req.pkt)
	if err != nil {
		req.Finish()
		return nil, err
	}
	req.walk = walk

	// The header must fit into the first buffer in one piece.
	if req.pkt.Left() < virtq.NetHdrLen {
		p.logger.Warn("request too short for virtio header")
		req.Finish()
		p.accountTxDropped(metrics.ReasonBadRequest)
		return nil, nil
	}
	req.hdr = virtq.NewNetHdr(req.pkt.Bytes())
	req.pkt.Skip(virtq.NetHdrLen)
	if req.pkt.Done() {
		more, err := req.walk.Next(&req.pkt)
		if err != nil {
			req.Finish()
			return nil, err
		}
		if !more {
			p.logger.Warn("request carries no payload")
			req.Finish()
			p.accountTxDropped(metrics.ReasonBadRequest)
			return nil, nil
		}
	}

	if !p.vlanIngress(req) {
		req.Finish()
		p.accountTxDropped(metrics.ReasonVlanIngress)
		return nil, nil
	}
	if p.logger.IsTraceEnabled() {
		p.logger.Tracef("request %s -> %s vlan %#x, %d bytes visible",
			req.SrcMac(), req.DstMac(), req.evlan, req.pkt.Left())
	}
	return req, nil
}

// vlanIngress applies the ingress filter and computes the effective VLAN
// id. Access ports reject tagged frames to prevent double tagging; trunk
// ports require a tag from their configured set; native ports take
// anything, classifying tagged frames by their id for monitor egress.
func (p *Port) vlanIngress(req *Request) bool {
	switch p.mode {
	case ModeAccess:
		if req.HasVlan() {
			return false
		}
		req.evlan = p.vlanID
	case ModeTrunk:
		if !req.HasVlan() {
			return false
		}
		vid := req.VlanID()
		if _, ok := p.vlanIDs[vid]; !ok {
			return false
		}
		req.evlan = vid
	default:
		if req.HasVlan() {
			req.evlan = req.VlanID()
		} else {
			req.evlan = VlanNative
		}
	}
	return true
}

func (p *Port) accountTxDropped(reason string) {
	if p.stats != nil {
		p.stats.TxDropped()
	}
	metrics.FramesDroppedTotal.WithLabelValues(p.name, reason).Inc()
}

// DropTxRequests drains and completes every queued request without looking
// at it. Monitor ports may not send, yet their heads must flow back.
func (p *Port) DropTxRequests() {
	if !p.tx.Ready() {
		return
	}
	for {
		head, err := p.tx.NextAvail()
		if err != nil {
			if err != virtq.ErrQueueUnavailable {
				p.DeviceError()
			}
			return
		}
		p.tx.Finish(head, 0)
		p.accountTxDropped(metrics.ReasonMonitorTx)
	}
	// The client learns about the completions on the next kick.
}

// Finish returns the source ring slot to the client. Safe to call more
// than once; only the first call completes the head.
func (r *Request) Finish() {
	if r.finished {
		return
	}
	r.finished = true
	r.port.tx.Finish(r.head, 0)
	r.port.NotifyQueue(r.port.tx)
}

// Hdr exposes the pinned virtio-net header.
func (r *Request) Hdr() virtq.NetHdr { return r.hdr }

// EffectiveVlan is the VLAN id the frame switches under.
func (r *Request) EffectiveVlan() uint16 { return r.evlan }

// DstMac reads the destination address from the Ethernet header.
func (r *Request) DstMac() MacAddr {
	if r.pkt.Left() < MacLen {
		return MacUnknown
	}
	return MacFromBytes(r.pkt.Bytes())
}

// SrcMac reads the source address from the Ethernet header.
func (r *Request) SrcMac() MacAddr {
	if r.pkt.Left() < 2*MacLen {
		return MacUnknown
	}
	return MacFromBytes(r.pkt.Bytes()[MacLen:])
}

// HasVlan reports whether the frame carries an 802.1Q tag.
func (r *Request) HasVlan() bool {
	b := r.pkt.Bytes()
	return len(b) >= 14 && b[12] == 0x81 && b[13] == 0x00
}

// VlanID extracts the tag's VLAN id, or VlanNative when untagged.
func (r *Request) VlanID() uint16 {
	if !r.HasVlan() {
		return VlanNative
	}
	b := r.pkt.Bytes()
	if len(b) < 16 {
		return VlanNative
	}
	return (uint16(b[14])<<8 | uint16(b[15])) & 0xfff
}

// VisibleBytes exposes the payload bytes available in the first buffer,
// which is what the monitor filter may inspect.
func (r *Request) VisibleBytes() []byte { return r.pkt.Bytes() }

// transferSource starts a fresh traversal of the request's payload for one
// destination. The walker snapshot keeps the parent request's position
// untouched so every destination sees the full frame.
func (r *Request) transferSource() *liveSource {
	return &liveSource{req: r, walk: r.walk, cur: r.pkt}
}

// liveSource adapts a request's descriptor chain to the transfer engine.
type liveSource struct {
	req  *Request
	walk virtq.ChainWalker
	cur  virtq.Buffer
}

func (s *liveSource) Done() (bool, error) {
	if !s.cur.Done() {
		return false, nil
	}
	more, err := s.walk.Next(&s.cur)
	if err != nil {
		return true, err
	}
	return !more, nil
}

func (s *liveSource) CurBuf() *virtq.Buffer { return &s.cur }

func (s *liveSource) CopyHeader(dst virtq.NetHdr) { dst.CopyFrom(s.req.hdr) }
