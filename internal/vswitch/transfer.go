package vswitch

import (
	"firestige.xyz/vswitch/internal/virtq"
)

// TransferSource yields the payload of one frame for delivery to a single
// destination. Implemented by live requests (zero copy out of the source
// ring) and by buffered frames parked for a busy destination.
type TransferSource interface {
	// Done reports whether the payload is exhausted. The error is a bad
	// source descriptor and fatal for the source port.
	Done() (bool, error)
	// CurBuf is the active payload window.
	CurBuf() *virtq.Buffer
	// CopyHeader writes the frame's virtio-net header to dst.
	CopyHeader(dst virtq.NetHdr)
}

// transfer copies one frame into dst's receive ring, applying the VLAN
// mangle inline. On success the bytes written (header included) are
// returned and the destination owes its client exactly one notification.
//
// Failure handling:
//   - destination ring not ready or depleted: any partially consumed
//     destination heads are rewound, result Dropped, no destination state
//     change;
//   - bad destination descriptor (or head too small for the header): the
//     destination enters device-error, result Exception, its ring is not
//     touched further;
//   - bad source descriptor: destination rewound as for Dropped, the error
//     is returned for the caller to quarantine the source port.
func transfer(src TransferSource, dst *Port, mangle VlanMangle) (Result, uint32, error) {
	trace := dst.logger.IsTraceEnabled()
	var (
		dstHead   virtq.Head
		dstWalk   virtq.ChainWalker
		dstBuf    virtq.Buffer
		dstHdr    virtq.NetHdr
		total     uint32
		delivered uint32
		numMerged uint16
		consumed  []virtq.Consumed
	)

	rewind := func() {
		if len(consumed) > 0 {
			dst.rx.RewindAvail(consumed[0].Head)
		} else if dstHead.Valid() {
			dst.rx.RewindAvail(dstHead)
		}
	}

	for {
		done, err := src.Done()
		if err != nil {
			rewind()
			return Exception, 0, err
		}
		if done {
			break
		}

		// Make sure an active destination chain exists; on the very first
		// one, place the header.
		if !dstHead.Valid() {
			if !dst.rx.Ready() || dst.NeedsReset() {
				rewind()
				return Dropped, 0, nil
			}
			head, err := dst.rx.NextAvail()
			if err != nil {
				if err == virtq.ErrQueueUnavailable {
					if trace {
						dst.logger.Trace("transfer: destination ring depleted, dropping")
					}
					rewind()
					return Dropped, 0, nil
				}
				dst.DeviceError()
				return Exception, 0, nil
			}
			dstWalk, err = dst.rx.StartWalk(head, true, &dstBuf)
			if err != nil {
				dst.logger.WithError(err).Warn("bad descriptor in destination ring")
				dst.DeviceError()
				return Exception, 0, nil
			}
			dstHead = head

			if !dstHdr.Valid() {
				if dstBuf.Left() < virtq.NetHdrLen {
					dst.logger.WithError(ErrInvalidTarget).Warn("destination head rejected")
					dst.DeviceError()
					return Exception, 0, nil
				}
				// The header passes through unchanged: the endpoints
				// negotiated full offload, so partially checksummed or
				// unsegmented frames are the receiver's business. Only the
				// mangle may touch the checksum start offset.
				dstHdr = virtq.NewNetHdr(dstBuf.Bytes())
				src.CopyHeader(dstHdr)
				mangle.RewriteHdr(dstHdr)
				total = virtq.NetHdrLen
				dstBuf.Skip(virtq.NetHdrLen)
			}
			numMerged++
		}

		hasRoom := !dstBuf.Done()
		if !hasRoom {
			more, err := dstWalk.Next(&dstBuf)
			if err != nil {
				dst.logger.WithError(err).Warn("bad descriptor in destination chain")
				dst.DeviceError()
				return Exception, 0, nil
			}
			hasRoom = more
		}

		if hasRoom {
			total += mangle.CopyPkt(&dstBuf, src.CurBuf())
		} else {
			// Chain full but source remains: park the chain and merge the
			// rest into the next one.
			consumed = append(consumed, virtq.Consumed{Head: dstHead, Bytes: total})
			delivered += total
			total = 0
			dstHead = virtq.Head{}
		}
	}

	if !dstHdr.Valid() {
		return Dropped, 0, nil
	}

	delivered += total
	if len(consumed) == 0 {
		dstHdr.SetNumBuffers(1)
		dst.rx.Finish(dstHead, total)
	} else {
		dstHdr.SetNumBuffers(numMerged)
		consumed = append(consumed, virtq.Consumed{Head: dstHead, Bytes: total})
		dst.rx.FinishMerged(consumed)
	}
	dst.NotifyQueue(dst.rx)
	if trace {
		dst.logger.Tracef("transfer: delivered %d bytes in %d chains", delivered, numMerged)
	}
	return Delivered, delivered, nil
}
