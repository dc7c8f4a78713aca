package vswitch

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket/layers"
)

// MonitorFilter decides whether a frame is excluded from monitoring. It
// sees the bytes visible in the request's first buffer; returning true
// keeps the frame away from the monitor port.
type MonitorFilter func(req *Request) bool

// EtherType for MAC control frames (PAUSE); gopacket does not name it.
const etherTypeMacControl = 0x8808

// stpGroupMac is the bridge group address BPDUs are sent to.
var stpGroupMac = MacFromBytes([]byte{0x01, 0x80, 0xc2, 0x00, 0x00, 0x00})

// NewMonitorFilter builds a filter excluding the named link-local frame
// classes from monitoring. Supported names: stp, lldp, pause. An empty
// list filters nothing.
func NewMonitorFilter(exclude []string) (MonitorFilter, error) {
	if len(exclude) == 0 {
		return func(*Request) bool { return false }, nil
	}

	var stp, lldp, pause bool
	for _, name := range exclude {
		switch name {
		case "stp":
			stp = true
		case "lldp":
			lldp = true
		case "pause":
			pause = true
		default:
			return nil, fmt.Errorf("%w: unknown monitor filter class %q", ErrInvalidArgument, name)
		}
	}

	return func(req *Request) bool {
		b := req.VisibleBytes()
		if len(b) < 14 {
			return false
		}
		if stp && req.DstMac() == stpGroupMac {
			return true
		}
		etype := layers.EthernetType(binary.BigEndian.Uint16(b[12:14]))
		if etype == layers.EthernetTypeDot1Q {
			if len(b) < 18 {
				return false
			}
			etype = layers.EthernetType(binary.BigEndian.Uint16(b[16:18]))
		}
		switch {
		case lldp && etype == layers.EthernetTypeLinkLayerDiscovery:
			return true
		case pause && etype == etherTypeMacControl:
			return true
		}
		return false
	}, nil
}
