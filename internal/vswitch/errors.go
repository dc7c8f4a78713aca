package vswitch

import "errors"

// Sentinel errors surfaced at the factory and switch boundaries.
var (
	ErrInvalidArgument = errors.New("vswitch: invalid argument")
	ErrOutOfCapacity   = errors.New("vswitch: no port slot available")
	ErrMacConflict     = errors.New("vswitch: MAC address already in use")
	ErrInvalidTarget   = errors.New("vswitch: target buffer too small for header")
	ErrPortGone        = errors.New("vswitch: port client has gone")
)

// Result is the outcome of one transfer toward a single destination.
type Result int

const (
	// Delivered means the frame reached the destination ring and the
	// destination client will be notified exactly once.
	Delivered Result = iota
	// Dropped means the destination ring had no room; no destination
	// state was changed.
	Dropped
	// Exception means the destination produced a bad descriptor and was
	// put into device-error; its rings must not be touched further.
	Exception
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Dropped:
		return "dropped"
	case Exception:
		return "exception"
	}
	return "unknown"
}
