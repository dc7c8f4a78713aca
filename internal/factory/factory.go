// Package factory implements the create-port interface: it parses option
// tokens, synthesizes MAC addresses and registers new ports with the
// switch. Clients get back a capability handle they drive their port
// through.
package factory

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"firestige.xyz/vswitch/internal/config"
	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/virtq"
	"firestige.xyz/vswitch/internal/vswitch"
)

// Factory creates ports on a switch.
type Factory struct {
	sw         *vswitch.Switch
	vqMax      uint16
	assignMac  bool
	pendingMax int
	validator  virtq.RegionValidator

	// notifyIRQ feeds a port's client kick into the dispatch loop;
	// notifyRevoke triggers the asynchronous port check.
	notifyIRQ    func(*vswitch.Port)
	notifyRevoke func()

	logger log.Logger
}

// OnRevoke installs the capability-revocation notification sink.
func (f *Factory) OnRevoke(fn func()) { f.notifyRevoke = fn }

// New creates a factory for the given switch.
func New(sw *vswitch.Switch, cfg config.SwitchConfig, notifyIRQ func(*vswitch.Port)) *Factory {
	return &Factory{
		sw:         sw,
		vqMax:      uint16(cfg.VirtqMaxNum),
		assignMac:  cfg.AssignMac,
		pendingMax: vswitch.DefaultPendingMax,
		notifyIRQ:  notifyIRQ,
		logger:     log.Component("port"),
	}
}

// SetValidator installs the trusted-dataspace predicate applied to every
// client memory registration.
func (f *Factory) SetValidator(v virtq.RegionValidator) { f.validator = v }

// portSpec is the result of token parsing.
type portSpec struct {
	monitor    bool
	name       string
	vlanAccess uint16
	vlanTrunk  []uint16
	mac        [6]byte
	macSet     bool
	dsMax      int
}

// CreatePort handles a create request. The type word must be zero; every
// option is a textual token as described in the factory protocol.
func (f *Factory) CreatePort(typ uint64, opts []string) (*PortHandle, error) {
	if typ != 0 {
		return nil, fmt.Errorf("%w: unsupported object type %d", vswitch.ErrInvalidArgument, typ)
	}

	spec := portSpec{dsMax: config.DsMaxDefault}
	for _, opt := range opts {
		if err := f.parseOpt(&spec, opt); err != nil {
			return nil, err
		}
	}
	if spec.vlanAccess != 0 && len(spec.vlanTrunk) > 0 {
		return nil, fmt.Errorf("%w: port cannot be access and trunk simultaneously",
			vswitch.ErrInvalidArgument)
	}

	portNum := f.sw.PortAvailable(spec.monitor)
	if portNum < 0 {
		return nil, vswitch.ErrOutOfCapacity
	}

	name := spec.name
	if name == "" && spec.monitor {
		name = "monitor"
	}
	name = fmt.Sprintf("%s[%d]", name, portNum)

	mac := f.synthesizeMac(&spec, portNum)

	port := vswitch.NewPort(vswitch.PortOptions{
		Name:       name,
		VqMax:      f.vqMax,
		DsMax:      spec.dsMax,
		Mac:        mac,
		PendingMax: f.pendingMax,
		Validator:  f.validator,
	})

	if spec.monitor {
		port.SetMonitor()
		if spec.vlanAccess != 0 {
			f.logger.Warnf("vlan=access=<id> ignored on monitor port %q", name)
		}
		if len(spec.vlanTrunk) > 0 {
			f.logger.Warnf("vlan=trunk=... ignored on monitor port %q", name)
		}
	} else if spec.vlanAccess != 0 {
		port.SetVlanAccess(spec.vlanAccess)
	} else if len(spec.vlanTrunk) > 0 {
		port.SetVlanTrunk(spec.vlanTrunk)
	}

	handle, err := newHandle(port, f)
	if err != nil {
		return nil, err
	}

	if spec.monitor {
		err = f.sw.AddMonitorPort(port)
	} else {
		err = f.sw.AddPort(port)
	}
	if err != nil {
		return nil, err
	}

	if spec.monitor {
		f.logger.Infof("created port %s as monitor port", name)
	} else {
		f.logger.Infof("created port %s", name)
	}
	return handle, nil
}

// CreateConfigured creates a port declared in the configuration file by
// rendering it through the same token path as the RPC.
func (f *Factory) CreateConfigured(pc config.PortConfig) (*PortHandle, error) {
	var opts []string
	if pc.Type != "" {
		opts = append(opts, "type="+pc.Type)
	}
	if pc.Name != "" {
		opts = append(opts, "name="+pc.Name)
	}
	if pc.Vlan != nil {
		if pc.Vlan.Access != 0 {
			opts = append(opts, fmt.Sprintf("vlan=access=%d", pc.Vlan.Access))
		} else if len(pc.Vlan.Trunk) > 0 {
			ids := make([]string, len(pc.Vlan.Trunk))
			for i, id := range pc.Vlan.Trunk {
				ids[i] = strconv.Itoa(int(id))
			}
			opts = append(opts, "vlan=trunk="+strings.Join(ids, ","))
		}
	}
	if pc.Mac != "" {
		opts = append(opts, "mac="+pc.Mac)
	}
	if pc.DsMax != 0 {
		opts = append(opts, fmt.Sprintf("ds-max=%d", pc.DsMax))
	}
	return f.CreatePort(0, opts)
}

func (f *Factory) parseOpt(spec *portSpec, opt string) error {
	switch {
	case strings.HasPrefix(opt, "type="):
		switch opt[len("type="):] {
		case "monitor":
			spec.monitor = true
		case "none":
		default:
			return fmt.Errorf("%w: unknown type %q", vswitch.ErrInvalidArgument, opt[len("type="):])
		}
	case strings.HasPrefix(opt, "name="):
		name := opt[len("name="):]
		if len(name) > vswitch.NameLen-1 {
			name = name[:vswitch.NameLen-1]
		}
		spec.name = name
	case strings.HasPrefix(opt, "vlan=access="):
		id, err := strconv.ParseUint(opt[len("vlan=access="):], 10, 16)
		if err != nil || !vswitch.VlanValidID(uint16(id)) {
			return fmt.Errorf("%w: invalid VLAN access port id %q", vswitch.ErrInvalidArgument, opt)
		}
		spec.vlanAccess = uint16(id)
	case strings.HasPrefix(opt, "vlan=trunk="):
		for _, tok := range strings.Split(opt[len("vlan=trunk="):], ",") {
			id, err := strconv.ParseUint(tok, 10, 16)
			if err != nil || !vswitch.VlanValidID(uint16(id)) {
				return fmt.Errorf("%w: invalid VLAN trunk port spec %q", vswitch.ErrInvalidArgument, opt)
			}
			spec.vlanTrunk = append(spec.vlanTrunk, uint16(id))
		}
	case strings.HasPrefix(opt, "vlan="):
		return fmt.Errorf("%w: invalid VLAN specification %q", vswitch.ErrInvalidArgument, opt)
	case strings.HasPrefix(opt, "mac="):
		hw, err := net.ParseMAC(opt[len("mac="):])
		if err != nil || len(hw) != 6 {
			return fmt.Errorf("%w: invalid mac address %q", vswitch.ErrInvalidArgument, opt)
		}
		copy(spec.mac[:], hw)
		spec.macSet = true
	case strings.HasPrefix(opt, "ds-max="):
		n, err := strconv.Atoi(opt[len("ds-max="):])
		if err != nil || n < 1 || n > config.DsMaxLimit {
			return fmt.Errorf("%w: invalid number of dataspaces %q (1..%d)",
				vswitch.ErrInvalidArgument, opt, config.DsMaxLimit)
		}
		spec.dsMax = n
	default:
		return fmt.Errorf("%w: unknown option %q", vswitch.ErrInvalidArgument, opt)
	}
	return nil
}

// synthesizeMac resolves the MAC a port is created with. Without an
// explicit mac= token and with MAC assignment disabled, the port starts
// out unknown and the client brings its own address.
func (f *Factory) synthesizeMac(spec *portSpec, portNum int) vswitch.MacAddr {
	if spec.macSet {
		return vswitch.MacFromBytes(spec.mac[:])
	}
	if !f.assignMac {
		return vswitch.MacUnknown
	}
	// Locally administered unicast prefix, the last two octets carry the
	// port number; the monitor gets a fixed suffix out of that range.
	mac := [6]byte{0x02, 0x08, 0x0f, 0x2a, 0x00, 0x00}
	if spec.monitor {
		mac[4] = 0xde
		mac[5] = 0xad
	} else {
		mac[4] = byte(portNum >> 8)
		mac[5] = byte(portNum)
	}
	return vswitch.MacFromBytes(mac[:])
}
