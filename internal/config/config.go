// Package config handles the switch configuration.
package config

import (
	"fmt"
	"time"

	"firestige.xyz/vswitch/internal/log"
)

// Config is the top-level configuration, mapping the `vswitch:` root key.
type Config struct {
	Switch  SwitchConfig      `yaml:"switch"`
	Control ControlConfig     `yaml:"control"`
	Stats   StatsConfig       `yaml:"stats"`
	Metrics MetricsConfig     `yaml:"metrics"`
	Logger  *log.LoggerConfig `yaml:"log"`
	Ports   []PortConfig      `yaml:"ports"`
}

// SwitchConfig sizes the switching fabric.
type SwitchConfig struct {
	MaxPorts       int      `yaml:"max_ports"`
	VirtqMaxNum    int      `yaml:"virtq_max_num"`
	MacTableSize   int      `yaml:"mac_table_size"`
	AssignMac      bool     `yaml:"assign_mac"`
	RequestTimeout Duration `yaml:"request_timeout"`
	MonitorFilter  []string `yaml:"monitor_filter"`
	TrustedRegions []string `yaml:"trusted_regions"`
}

// ControlConfig locates the control plane endpoints.
type ControlConfig struct {
	Socket  string `yaml:"socket"`
	PIDFile string `yaml:"pid_file"`
}

// StatsConfig locates the shared statistics page.
type StatsConfig struct {
	Page string `yaml:"page"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// PortConfig declares a port created at startup. The same token set is
// accepted over the create-port RPC.
type PortConfig struct {
	Name  string    `yaml:"name"`
	Type  string    `yaml:"type"` // none | monitor
	Vlan  *VlanSpec `yaml:"vlan"`
	Mac   string    `yaml:"mac"`
	DsMax int       `yaml:"ds_max"`
}

// VlanSpec selects the VLAN mode of a port. At most one field may be set.
type VlanSpec struct {
	Access uint16   `yaml:"access"`
	Trunk  []uint16 `yaml:"trunk"`
}

// Duration wraps time.Duration for YAML strings like "2s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }
