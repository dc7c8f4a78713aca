package factory

import (
	uuid "github.com/satori/go.uuid"
	"github.com/tevino/abool"

	"firestige.xyz/vswitch/internal/virtq"
	"firestige.xyz/vswitch/internal/vswitch"
)

// PortHandle is the capability a client receives for its port. All client
// interaction flows through it: memory registration, ring setup, kicks
// toward the switch and notifications back. Revoking the handle makes the
// switch tear the port down on the next check.
type PortHandle struct {
	id      string
	port    *vswitch.Port
	factory *Factory
	revoked *abool.AtomicBool
}

func newHandle(port *vswitch.Port, f *Factory) (*PortHandle, error) {
	token, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	h := &PortHandle{
		id:      token.String(),
		port:    port,
		factory: f,
		revoked: abool.New(),
	}
	port.SetGone(h.revoked.IsSet)
	return h, nil
}

// ID is the opaque capability token.
func (h *PortHandle) ID() string { return h.id }

// Name returns the resolved port name, index suffix included.
func (h *PortHandle) Name() string { return h.port.Name() }

// Mac returns the port's MAC, which may be unknown.
func (h *PortHandle) Mac() vswitch.MacAddr { return h.port.Mac() }

// HostFeatures returns the virtio feature set offered to this client.
func (h *PortHandle) HostFeatures() uint64 { return h.port.HostFeatures() }

// RegisterMemory registers a client dataspace with the port.
func (h *PortHandle) RegisterMemory(region virtq.MemRegion) error {
	if h.revoked.IsSet() {
		return vswitch.ErrPortGone
	}
	return h.port.RegisterMemory(region)
}

// SetupQueues configures the TX and RX rings from ring addresses inside
// registered memory.
func (h *PortHandle) SetupQueues(num uint16, txDesc, txAvail, txUsed, rxDesc, rxAvail, rxUsed uint64) error {
	if h.revoked.IsSet() {
		return vswitch.ErrPortGone
	}
	return h.port.SetupQueues(num, txDesc, txAvail, txUsed, rxDesc, rxAvail, rxUsed)
}

// OnNotify installs the client's notification callback, invoked when the
// switch placed work in the RX ring or completed TX descriptors.
func (h *PortHandle) OnNotify(fn func()) { h.port.SetNotify(fn) }

// Kick signals the switch that the client published new descriptors.
func (h *PortHandle) Kick() {
	if !h.revoked.IsSet() && h.factory.notifyIRQ != nil {
		h.factory.notifyIRQ(h.port)
	}
}

// Reset clears a device error after the client re-initialized its rings.
func (h *PortHandle) Reset() { h.port.Reset() }

// Revoked reports whether the capability has been withdrawn.
func (h *PortHandle) Revoked() bool { return h.revoked.IsSet() }

// Revoke withdraws the capability. Cleanup happens asynchronously via the
// switch's port check and is idempotent.
func (h *PortHandle) Revoke() {
	if h.revoked.SetToIf(false, true) && h.factory.notifyRevoke != nil {
		h.factory.notifyRevoke()
	}
}
