// Package virtq implements the device side of virtio ring queues over
// client-registered guest memory. Descriptor contents are treated as
// untrusted input: every address and length is checked against the
// registered memory map before it is dereferenced.
package virtq

import (
	"errors"
	"fmt"
)

// Sentinel errors for queue and memory setup.
var (
	ErrQueueNotReady    = errors.New("virtq: queue not ready")
	ErrBadQueueSize     = errors.New("virtq: queue size must be a power of two")
	ErrTooManyRegions   = errors.New("virtq: memory region limit exceeded")
	ErrRegionOverlap    = errors.New("virtq: memory region overlaps existing region")
	ErrRegionRejected   = errors.New("virtq: memory region rejected by validator")
	ErrUnalignedLayout  = errors.New("virtq: ring layout outside registered memory")
	ErrQueueUnavailable = errors.New("virtq: no descriptor available")
)

// DescErrCode classifies a malformed descriptor.
type DescErrCode int

const (
	// BadAddress means the descriptor's range does not lie inside one
	// registered memory region.
	BadAddress DescErrCode = iota + 1
	// BadLength means address plus length wraps around the address space.
	BadLength
	// BadIndex means a descriptor or ring index is out of range.
	BadIndex
	// BadChainLoop means the chain is longer than the descriptor table,
	// which implies a cycle.
	BadChainLoop
	// BadFlags means the descriptor permissions do not match the queue
	// direction, or an indirect table nests another indirect table.
	BadFlags
)

func (c DescErrCode) String() string {
	switch c {
	case BadAddress:
		return "address out of range"
	case BadLength:
		return "length out of range"
	case BadIndex:
		return "index out of range"
	case BadChainLoop:
		return "descriptor chain too long"
	case BadFlags:
		return "illegal descriptor flags"
	}
	return "unknown"
}

// BadDescError reports a malformed or adversarial descriptor. It is fatal
// for the port that supplied the descriptor but recoverable at the transfer
// boundary: the caller may rewind a partially consumed destination ring
// before surfacing it.
type BadDescError struct {
	Code DescErrCode
	Desc uint16 // offending descriptor index
}

func (e *BadDescError) Error() string {
	return fmt.Sprintf("virtq: bad descriptor %d: %s", e.Desc, e.Code)
}

func badDesc(code DescErrCode, idx uint16) *BadDescError {
	return &BadDescError{Code: code, Desc: idx}
}
