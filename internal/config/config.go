// Package config holds the tether configuration: defaults, YAML file
// loading and validation. Command-line flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/tether/internal/protocol"
)

// Role represents which end of the link this process is.
type Role string

const (
	RolePush    Role = "push"
	RoleReceive Role = "receive"
)

// Transport names the channel implementation.
type Transport string

const (
	TransportWS     Transport = "ws"
	TransportWebRTC Transport = "webrtc"
)

// Config stores every runtime parameter.
type Config struct {
	Role Role   `yaml:"role"`
	Root string `yaml:"root"` // Push: watched folder. Receive: bundle folder.

	Device    string    `yaml:"device"` // Push: receiver host to probe and dial
	Listen    string    `yaml:"listen"` // Receive: host to bind both ports on
	Transport Transport `yaml:"transport"`

	MainPort   int `yaml:"main_port"`
	RunnerPort int `yaml:"runner_port"`

	RetryDelay    time.Duration `yaml:"retry_delay"`
	Latency       time.Duration `yaml:"latency"`
	ProbeInterval time.Duration `yaml:"probe_interval"`

	PushOnConnect bool   `yaml:"push_on_connect"` // Push: send the whole tree on every main connect
	RunOnChange   bool   `yaml:"run_on_change"`   // Push: send runCommand after source changes
	RunCommand    string `yaml:"run_command"`     // Receive: shell command for runCommand

	LogFile     string   `yaml:"log_file"`
	Debug       bool     `yaml:"debug"`
	MetricsAddr string   `yaml:"metrics_addr"`
	STUNServers []string `yaml:"stun_servers"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Device:        "127.0.0.1",
		Listen:        "127.0.0.1",
		Transport:     TransportWS,
		MainPort:      int(protocol.PortMain),
		RunnerPort:    int(protocol.PortRunner),
		RetryDelay:    time.Second,
		Latency:       time.Second,
		ProbeInterval: time.Second,
		PushOnConnect: true,
		RunOnChange:   true,
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Role {
	case RolePush:
		if c.Device == "" {
			errs = append(errs, errors.New("push role needs a device address"))
		}
	case RoleReceive:
	default:
		errs = append(errs, fmt.Errorf("invalid role %q: must be %q or %q", c.Role, RolePush, RoleReceive))
	}

	if c.Root == "" {
		errs = append(errs, errors.New("missing root folder"))
	}

	switch c.Transport {
	case TransportWS, TransportWebRTC:
	default:
		errs = append(errs, fmt.Errorf("invalid transport %q: must be %q or %q", c.Transport, TransportWS, TransportWebRTC))
	}

	for name, port := range map[string]int{"main_port": c.MainPort, "runner_port": c.RunnerPort} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("invalid %s %d: must be 1~65535", name, port))
		}
	}
	if c.MainPort == c.RunnerPort {
		errs = append(errs, fmt.Errorf("main_port and runner_port must differ (both %d)", c.MainPort))
	}

	for name, d := range map[string]time.Duration{
		"retry_delay":    c.RetryDelay,
		"latency":        c.Latency,
		"probe_interval": c.ProbeInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	return errors.Join(errs...)
}

// Ports returns the main and runner channel numbers.
func (c Config) Ports() (main, runner protocol.Port) {
	return protocol.Port(c.MainPort), protocol.Port(c.RunnerPort)
}
