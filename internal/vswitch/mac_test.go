package vswitch

import (
	"testing"
)

func TestMacFromBytesRoundTrip(t *testing.T) {
	raw := []byte{0x02, 0x08, 0x0f, 0x2a, 0x00, 0x07}
	mac := MacFromBytes(raw)

	out := mac.Bytes()
	for i := range raw {
		if out[i] != raw[i] {
			t.Fatalf("byte %d: expected %02x, got %02x", i, raw[i], out[i])
		}
	}
	if mac.String() != "02:08:0f:2a:00:07" {
		t.Errorf("unexpected rendering %q", mac.String())
	}
}

func TestMacBroadcastAndMulticast(t *testing.T) {
	cases := []struct {
		name      string
		raw       []byte
		broadcast bool
	}{
		{"broadcast", []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, true},
		{"multicast", []byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}, true},
		{"unicast", []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mac := MacFromBytes(tc.raw)
			if mac.IsBroadcast() != tc.broadcast {
				t.Errorf("IsBroadcast() = %v, expected %v", mac.IsBroadcast(), tc.broadcast)
			}
		})
	}
}

func TestMacUnknown(t *testing.T) {
	if !MacUnknown.IsUnknown() {
		t.Error("zero address must be unknown")
	}
	if MacUnknown.IsUnicast() {
		t.Error("unknown address must not be learnable")
	}
	if mac := MacFromBytes([]byte{0, 0, 0, 0, 0, 1}); mac.IsUnknown() {
		t.Error("non-zero address reported unknown")
	}
	if short := MacFromBytes([]byte{1, 2, 3}); !short.IsUnknown() {
		t.Error("short input must map to the unknown address")
	}
}

func TestMacOrdering(t *testing.T) {
	// The reversed storage order still yields a usable total order.
	a := MacFromBytes([]byte{0, 0, 0, 0, 0, 1})
	b := MacFromBytes([]byte{0, 0, 0, 0, 0, 2})
	if !(a < b) {
		t.Error("expected a < b")
	}
	if a == b {
		t.Error("distinct addresses compare equal")
	}
}
