// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesForwardedTotal counts frames copied into a destination ring.
	FramesForwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vswitch_frames_forwarded_total",
			Help: "Total number of frames delivered to a destination port",
		},
		[]string{"src", "dst"},
	)

	// FramesDroppedTotal counts frames dropped per port and reason.
	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vswitch_frames_dropped_total",
			Help: "Total number of frames dropped",
		},
		[]string{"port", "reason"},
	)

	// BadDescriptorsTotal counts descriptor faults per port.
	BadDescriptorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vswitch_bad_descriptors_total",
			Help: "Total number of malformed descriptors received from clients",
		},
		[]string{"port"},
	)

	// MacTableEntries tracks the number of learned MAC addresses.
	MacTableEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vswitch_mac_table_entries",
			Help: "Current number of entries in the MAC learning table",
		},
	)

	// DeferredFrames tracks frames parked for a busy destination ring.
	DeferredFrames = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vswitch_deferred_frames",
			Help: "Frames waiting for free descriptors in a destination ring",
		},
	)

	// PortsActive tracks the number of attached ports.
	PortsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vswitch_ports_active",
			Help: "Number of ports currently attached to the switch",
		},
	)
)

// Drop reasons used with FramesDroppedTotal.
const (
	ReasonVlanIngress  = "vlan_ingress"
	ReasonRingFull     = "ring_full"
	ReasonDeferExpired = "defer_expired"
	ReasonBadRequest   = "bad_request"
	ReasonDeviceError  = "device_error"
	ReasonMonitorTx    = "monitor_tx"
)
