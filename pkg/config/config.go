package config

import (
	"flag"
	"fmt"
	"net"

	"github.com/gtfodev/camrelay/pkg/address"
)

// Config holds the runtime configuration for the relay server.
type Config struct {
	BindIP      string
	RTSPPort    uint16
	Workers     int
	MonitorIP   string
	MonitorPort uint16
	MonitorOn   bool
}

// Flags holds the raw command-line flag values before validation.
type Flags struct {
	BindIP      string
	RTSPPort    uint
	Workers     int
	MonitorAddr string
}

// RegisterFlags registers the relay's flags with the given FlagSet, mirroring
// the pkg/logger flag-registration idiom used elsewhere in this tree.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.BindIP, "bind", "0.0.0.0", "IP address to bind the RTSP listener on")
	fs.UintVar(&f.RTSPPort, "rtsp-port", 8554, "TCP port for incoming RTSP ANNOUNCE/RECORD sessions")
	fs.IntVar(&f.Workers, "workers", 4, "number of worker reactors handling ingest sessions")
	fs.StringVar(&f.MonitorAddr, "monitor-addr", "", "optional ip:port for the monitor control listener (disabled if empty)")

	return f
}

// ToConfig validates the parsed flags and produces a Config.
func (f *Flags) ToConfig() (*Config, error) {
	if net.ParseIP(f.BindIP) == nil {
		return nil, fmt.Errorf("invalid bind address: %q", f.BindIP)
	}
	if f.RTSPPort == 0 || f.RTSPPort > 65535 {
		return nil, fmt.Errorf("invalid rtsp port: %d", f.RTSPPort)
	}
	if f.Workers < 1 {
		return nil, fmt.Errorf("workers must be >= 1, got %d", f.Workers)
	}

	cfg := &Config{
		BindIP:   f.BindIP,
		RTSPPort: uint16(f.RTSPPort),
		Workers:  f.Workers,
	}

	if f.MonitorAddr != "" {
		ep, err := address.ParseEndpoint(f.MonitorAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid monitor-addr %q: %w", f.MonitorAddr, err)
		}
		if net.ParseIP(ep.IP) == nil {
			return nil, fmt.Errorf("invalid monitor listener ip: %q", ep.IP)
		}
		if ep.Port == 0 {
			return nil, fmt.Errorf("invalid monitor listener port in %q", f.MonitorAddr)
		}
		cfg.MonitorIP = ep.IP
		cfg.MonitorPort = ep.Port
		cfg.MonitorOn = true
	}

	return cfg, nil
}

// Validate re-checks an already constructed Config, for callers that build
// one outside of ToConfig (e.g. tests).
func (c *Config) Validate() error {
	if net.ParseIP(c.BindIP) == nil {
		return fmt.Errorf("invalid bind address: %q", c.BindIP)
	}
	if c.RTSPPort == 0 {
		return fmt.Errorf("missing rtsp port")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.MonitorOn && net.ParseIP(c.MonitorIP) == nil {
		return fmt.Errorf("invalid monitor listener ip: %q", c.MonitorIP)
	}
	return nil
}
