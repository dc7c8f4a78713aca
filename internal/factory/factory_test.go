package factory

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vswitch/internal/config"
	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/virtq"
	"firestige.xyz/vswitch/internal/vswitch"
)

func TestMain(m *testing.M) {
	log.Init(&log.LoggerConfig{
		Level:   "error",
		Format:  "pattern",
		Pattern: "%time [%level] %field: %msg%n",
		Time:    "15:04:05",
	})
	os.Exit(m.Run())
}

func newTestFactory(t *testing.T, maxPorts int, assignMac bool) (*Factory, *vswitch.Switch) {
	t.Helper()
	sw := vswitch.New(vswitch.Options{
		MaxPorts:     maxPorts,
		MacTableSize: 64,
		Retention:    2 * time.Second,
	}, nil)
	cfg := config.SwitchConfig{
		MaxPorts:    maxPorts,
		VirtqMaxNum: 64,
		AssignMac:   assignMac,
	}
	return New(sw, cfg, nil), sw
}

func TestCreatePortDefaults(t *testing.T) {
	f, sw := newTestFactory(t, 4, false)

	h, err := f.CreatePort(0, nil)
	require.NoError(t, err)
	assert.Equal(t, "[0]", h.Name())
	assert.True(t, h.Mac().IsUnknown(), "no MAC is assigned unless requested")
	assert.NotEmpty(t, h.ID())
	assert.Equal(t, 1, sw.PortAvailable(false))
}

func TestCreatePortRejectsNonZeroType(t *testing.T) {
	f, _ := newTestFactory(t, 4, false)
	_, err := f.CreatePort(7, nil)
	assert.ErrorIs(t, err, vswitch.ErrInvalidArgument)
}

func TestCreatePortOptionTokens(t *testing.T) {
	f, _ := newTestFactory(t, 4, false)

	h, err := f.CreatePort(0, []string{"name=uplink", "vlan=trunk=10,20", "ds-max=4", "type=none"})
	require.NoError(t, err)
	assert.Equal(t, "uplink[0]", h.Name())
}

func TestCreatePortInvalidTokens(t *testing.T) {
	f, _ := newTestFactory(t, 4, false)

	cases := []struct {
		name string
		opts []string
	}{
		{"unknown option", []string{"bogus=1"}},
		{"unknown type", []string{"type=bridge"}},
		{"invalid vlan spec", []string{"vlan=nonsense"}},
		{"access id zero", []string{"vlan=access=0"}},
		{"access id too large", []string{"vlan=access=4095"}},
		{"trunk bad id", []string{"vlan=trunk=10,0"}},
		{"trunk garbage", []string{"vlan=trunk=10,abc"}},
		{"bad mac", []string{"mac=zz:00:00:00:00:01"}},
		{"ds-max zero", []string{"ds-max=0"}},
		{"ds-max huge", []string{"ds-max=200"}},
		{"access and trunk", []string{"vlan=access=10", "vlan=trunk=20"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.CreatePort(0, tc.opts)
			assert.ErrorIs(t, err, vswitch.ErrInvalidArgument)
		})
	}
}

func TestCreatePortExplicitMac(t *testing.T) {
	f, _ := newTestFactory(t, 4, false)

	h, err := f.CreatePort(0, []string{"mac=02:00:00:00:00:07"})
	require.NoError(t, err)
	assert.Equal(t, "02:00:00:00:00:07", h.Mac().String())
	assert.NotZero(t, h.HostFeatures()&virtq.FeatureMac, "explicit MAC must be advertised")

	// The same MAC on a second port is a conflict.
	_, err = f.CreatePort(0, []string{"mac=02:00:00:00:00:07"})
	assert.ErrorIs(t, err, vswitch.ErrMacConflict)
}

func TestCreatePortSynthesizedMac(t *testing.T) {
	f, _ := newTestFactory(t, 4, true)

	h0, err := f.CreatePort(0, nil)
	require.NoError(t, err)
	assert.Equal(t, "02:08:0f:2a:00:00", h0.Mac().String())

	h1, err := f.CreatePort(0, nil)
	require.NoError(t, err)
	assert.Equal(t, "02:08:0f:2a:00:01", h1.Mac().String())

	mon, err := f.CreatePort(0, []string{"type=monitor"})
	require.NoError(t, err)
	assert.Equal(t, "02:08:0f:2a:de:ad", mon.Mac().String())
	assert.Equal(t, "monitor[0]", mon.Name())
}

func TestCreatePortCapacity(t *testing.T) {
	f, _ := newTestFactory(t, 2, false)

	_, err := f.CreatePort(0, nil)
	require.NoError(t, err)
	_, err = f.CreatePort(0, nil)
	require.NoError(t, err)
	_, err = f.CreatePort(0, nil)
	assert.ErrorIs(t, err, vswitch.ErrOutOfCapacity)

	// The monitor slot is separate from the port array.
	_, err = f.CreatePort(0, []string{"type=monitor"})
	require.NoError(t, err)
	_, err = f.CreatePort(0, []string{"type=monitor"})
	assert.ErrorIs(t, err, vswitch.ErrOutOfCapacity)
}

func TestCreatePortNameTruncation(t *testing.T) {
	f, _ := newTestFactory(t, 4, false)

	h, err := f.CreatePort(0, []string{"name=a-very-long-port-name-that-overflows"})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(h.Name()), vswitch.NameLen-1, "stored name stays bounded")
}

func TestCreateConfiguredPort(t *testing.T) {
	f, _ := newTestFactory(t, 4, false)

	h, err := f.CreateConfigured(config.PortConfig{
		Name:  "guest",
		Vlan:  &config.VlanSpec{Access: 10},
		Mac:   "02:00:00:00:00:42",
		DsMax: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, "guest[0]", h.Name())
	assert.Equal(t, "02:00:00:00:00:42", h.Mac().String())
}

func TestHandleRevocationTriggersCheck(t *testing.T) {
	f, sw := newTestFactory(t, 4, false)

	revoked := make(chan struct{}, 1)
	f.OnRevoke(func() { revoked <- struct{}{} })

	h, err := f.CreatePort(0, nil)
	require.NoError(t, err)
	require.Equal(t, 1, sw.PortAvailable(false))

	h.Revoke()
	select {
	case <-revoked:
	default:
		t.Fatal("revocation notification not delivered")
	}

	sw.CheckPorts()
	assert.Equal(t, 0, sw.PortAvailable(false), "slot must be reclaimed")

	// Revoked handles refuse further client operations.
	assert.ErrorIs(t, h.RegisterMemory(virtq.MemRegion{Base: 0x1000, Data: make([]byte, 16)}),
		vswitch.ErrPortGone)
}
