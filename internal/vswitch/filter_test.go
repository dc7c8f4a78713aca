package vswitch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vswitch/internal/virtq"
)

// filterRequest builds a Request-shaped view over raw frame bytes, enough
// for filter predicates.
func filterRequest(frame []byte) *Request {
	return &Request{pkt: virtq.NewBuffer(frame)}
}

func TestMonitorFilterDefaultsToForwarding(t *testing.T) {
	f, err := NewMonitorFilter(nil)
	require.NoError(t, err)
	assert.False(t, f(filterRequest(sampleFrame())))
}

func TestMonitorFilterRejectsUnknownClass(t *testing.T) {
	_, err := NewMonitorFilter([]string{"ospf"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMonitorFilterClasses(t *testing.T) {
	f, err := NewMonitorFilter([]string{"stp", "lldp", "pause"})
	require.NoError(t, err)

	bpdu := append([]byte{
		0x01, 0x80, 0xc2, 0x00, 0x00, 0x00, // STP group address
		0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01,
		0x00, 0x26, // 802.3 length
	}, make([]byte, 38)...)
	assert.True(t, f(filterRequest(bpdu)), "BPDU must be filtered")

	lldp := append([]byte{
		0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e,
		0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01,
		0x88, 0xcc,
	}, make([]byte, 8)...)
	assert.True(t, f(filterRequest(lldp)), "LLDP must be filtered")

	pause := append([]byte{
		0x01, 0x80, 0xc2, 0x00, 0x00, 0x01,
		0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01,
		0x88, 0x08,
	}, make([]byte, 44)...)
	assert.True(t, f(filterRequest(pause)), "PAUSE must be filtered")

	assert.False(t, f(filterRequest(sampleFrame())), "ordinary traffic passes")

	// A tagged frame is classified by its inner EtherType.
	taggedLldp := append([]byte{
		0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e,
		0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01,
		0x81, 0x00, 0x00, 0x0a,
		0x88, 0xcc,
	}, make([]byte, 8)...)
	assert.True(t, f(filterRequest(taggedLldp)))

	runt := []byte{0x01, 0x02}
	assert.False(t, f(filterRequest(runt)), "runt frames are forwarded, not filtered")
}
