// Package tunhost wires the nat.Engine to a real TUN device: it owns the
// config file, the readiness loop, and the process-wide metrics/logging the
// engine itself stays free of.
package tunhost

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the host's on-disk configuration, loaded with gopkg.in/yaml.v3
// the way the teacher repo loads its own TunConfig.
type Config struct {
	Device string `yaml:"device"`
	MTU    int    `yaml:"mtu"`

	DisableICMP          bool   `yaml:"disable_icmp"`
	MaxWindowSize        uint32 `yaml:"max_window_size"`
	MaxNumSockets        int    `yaml:"max_num_sockets"`
	NumSocketsAfterPurge int    `yaml:"num_sockets_after_purge"`
	Fwmark               uint32 `yaml:"fwmark"`

	PurgeInterval time.Duration `yaml:"purge_interval"`
	MetricsAddr   string        `yaml:"metrics_addr"`
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	if c.Device == "" {
		c.Device = "tun0"
	}
	if c.MTU == 0 {
		c.MTU = 1500
	}
	if c.MaxWindowSize == 0 {
		c.MaxWindowSize = 65536
	}
	if c.PurgeInterval == 0 {
		c.PurgeInterval = 5 * time.Second
	}
	return &c, nil
}
