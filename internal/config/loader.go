package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/vswitch/internal/log"
)

// Limits on client-facing sizing knobs.
const (
	VirtqNumMin  = 1
	VirtqNumMax  = 32768
	DsMaxLimit   = 80
	DsMaxDefault = 2
)

type fileRoot struct {
	Vswitch Config `yaml:"vswitch"`
}

// Load reads, defaults and validates a configuration file. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		var root fileRoot
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg = root.Vswitch
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Switch.MaxPorts == 0 {
		cfg.Switch.MaxPorts = 5
	}
	if cfg.Switch.VirtqMaxNum == 0 {
		cfg.Switch.VirtqMaxNum = 256
	}
	if cfg.Switch.MacTableSize == 0 {
		cfg.Switch.MacTableSize = 1024
	}
	if cfg.Switch.RequestTimeout == 0 {
		cfg.Switch.RequestTimeout = Duration(2 * time.Second)
	}
	if cfg.Control.Socket == "" {
		cfg.Control.Socket = "/run/vswitch/control.sock"
	}
	if cfg.Control.PIDFile == "" {
		cfg.Control.PIDFile = "/run/vswitch/vswitch.pid"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9177"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.DefaultConfig()
	}
	for i := range cfg.Ports {
		if cfg.Ports[i].DsMax == 0 {
			cfg.Ports[i].DsMax = DsMaxDefault
		}
	}
}

// applyEnvOverrides lets the environment override deployment-specific
// scalars, e.g. VSWITCH_CONTROL_SOCKET or VSWITCH_LOG_LEVEL.
func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("vswitch")
	v.AutomaticEnv()

	if s := v.GetString("control_socket"); s != "" {
		cfg.Control.Socket = s
	}
	if s := v.GetString("pid_file"); s != "" {
		cfg.Control.PIDFile = s
	}
	if s := v.GetString("stats_page"); s != "" {
		cfg.Stats.Page = s
	}
	if s := v.GetString("metrics_addr"); s != "" {
		cfg.Metrics.Addr = s
	}
	if s := v.GetString("log_level"); s != "" {
		cfg.Logger.Level = s
	}
}

// Validate rejects configurations the switch would refuse at runtime
// anyway, with friendlier errors.
func (c *Config) Validate() error {
	s := &c.Switch
	if s.MaxPorts < 1 {
		return fmt.Errorf("config: max_ports must be positive, got %d", s.MaxPorts)
	}
	if s.VirtqMaxNum < VirtqNumMin || s.VirtqMaxNum > VirtqNumMax ||
		s.VirtqMaxNum&(s.VirtqMaxNum-1) != 0 {
		return fmt.Errorf("config: virtq_max_num must be a power of two between %d and %d, got %d",
			VirtqNumMin, VirtqNumMax, s.VirtqMaxNum)
	}
	if s.MacTableSize < 1 {
		return fmt.Errorf("config: mac_table_size must be positive, got %d", s.MacTableSize)
	}
	if s.RequestTimeout.Std() <= 0 {
		return fmt.Errorf("config: request_timeout must be positive")
	}

	monitors := 0
	for i := range c.Ports {
		p := &c.Ports[i]
		if err := p.validate(); err != nil {
			return err
		}
		if p.Type == "monitor" {
			monitors++
		}
	}
	if monitors > 1 {
		return fmt.Errorf("config: at most one monitor port may be declared")
	}
	if len(c.Ports) > s.MaxPorts+monitors {
		return fmt.Errorf("config: %d ports declared but max_ports is %d", len(c.Ports), s.MaxPorts)
	}
	return nil
}

func (p *PortConfig) validate() error {
	switch p.Type {
	case "", "none", "monitor":
	default:
		return fmt.Errorf("config: port %q: unknown type %q", p.Name, p.Type)
	}
	if p.DsMax < 1 || p.DsMax > DsMaxLimit {
		return fmt.Errorf("config: port %q: ds_max out of range 1..%d", p.Name, DsMaxLimit)
	}
	if p.Vlan != nil {
		if p.Vlan.Access != 0 && len(p.Vlan.Trunk) > 0 {
			return fmt.Errorf("config: port %q: cannot be access and trunk simultaneously", p.Name)
		}
		if p.Vlan.Access != 0 && (p.Vlan.Access < 1 || p.Vlan.Access > 0xffe) {
			return fmt.Errorf("config: port %q: invalid access VLAN id %d", p.Name, p.Vlan.Access)
		}
		for _, id := range p.Vlan.Trunk {
			if id < 1 || id > 0xffe {
				return fmt.Errorf("config: port %q: invalid trunk VLAN id %d", p.Name, id)
			}
		}
	}
	return nil
}

// Dump renders the effective configuration as YAML, for `vswitch validate`.
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(&fileRoot{Vswitch: *c})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
