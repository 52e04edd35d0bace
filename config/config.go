// Package config loads grbllink settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mastercactapus/grbllink/dispatch"
	"github.com/mastercactapus/grbllink/health"
)

// Config is the root of the configuration file. Exactly one of Port, TCP
// or SPJS selects the transport.
type Config struct {
	// Port is a local serial device, e.g. /dev/ttyUSB0 or COM5. With SPJS
	// set it names the port on the server instead.
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`

	// TCP is host:port of a serial-over-TCP bridge.
	TCP string `yaml:"tcp"`

	// SPJS is the websocket URL of a Serial Port JSON Server.
	SPJS string `yaml:"spjs"`

	// Listen is the HTTP API address.
	Listen string `yaml:"listen"`

	Dispatch dispatch.Config `yaml:"dispatch"`
	Health   health.Config   `yaml:"health"`
}

func Default() Config {
	return Config{
		Baud:     115200,
		Listen:   "localhost:8000",
		Dispatch: dispatch.DefaultConfig(),
		Health:   health.DefaultConfig(),
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv replaces ${VAR} with its value; unset variables are left
// as-is.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		if value, ok := os.LookupEnv(envVarPattern.FindStringSubmatch(match)[1]); ok {
			return value
		}
		return match
	})
}

// Load reads path over the defaults, then applies override (if non-nil)
// before finalizing and validating. An empty path loads only the defaults.
func Load(path string, override func(*Config)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if override != nil {
		override(&cfg)
	}
	cfg.Finalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML into cfg, leaving fields the document omits untouched.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(strings.NewReader(interpolateEnv(string(data))))
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Finalize copies settings shared between sections.
func (c *Config) Finalize() {
	c.Health.Port = c.Port
	c.Health.Baud = c.Baud
	if c.TCP != "" {
		c.Health.Port = c.TCP
	}
}

// Validate rejects settings the dispatcher or monitor cannot run with.
func (c *Config) Validate() error {
	n := 0
	for _, s := range []string{c.TCP, c.SPJS} {
		if s != "" {
			n++
		}
	}
	if n > 1 {
		return errors.New("tcp and spjs are mutually exclusive")
	}
	if c.Port == "" && c.TCP == "" {
		return errors.New("port is required (or tcp)")
	}
	if c.Baud <= 0 && c.TCP == "" {
		return fmt.Errorf("baud must be positive (got %d)", c.Baud)
	}

	d := c.Dispatch
	switch {
	case d.CommandTimeout <= 0:
		return errors.New("dispatch.commandTimeout must be positive")
	case d.MaxQueueSize <= 0:
		return errors.New("dispatch.maxQueueSize must be positive")
	case d.MaxPendingCommands <= 0:
		return errors.New("dispatch.maxPendingCommands must be positive")
	case d.RxBufferSize < 0:
		return errors.New("dispatch.rxBufferSize must not be negative")
	case d.RxBufferSize > 0 && d.RxBufferSize < 2:
		return errors.New("dispatch.rxBufferSize too small to hold a command")
	case d.MaxQueueAge < 0, d.ResetHoldTime < 0, d.StatusPollInterval < 0:
		return errors.New("dispatch durations must not be negative")
	}

	h := c.Health
	switch {
	case h.HealthCheckInterval <= 0:
		return errors.New("health.healthCheckInterval must be positive")
	case h.PingTimeout <= 0:
		return errors.New("health.pingTimeout must be positive")
	case h.MaxConsecutiveFailures <= 0:
		return errors.New("health.maxConsecutiveFailures must be positive")
	case h.RecoveryAttempts <= 0:
		return errors.New("health.recoveryAttempts must be positive")
	case h.ReadyTimeout <= 0:
		return errors.New("health.readyTimeout must be positive")
	case h.RecoveryDelay < 0, h.DataStaleThreshold < 0:
		return errors.New("health durations must not be negative")
	case h.CriticalLatencyThreshold < h.WarningLatencyThreshold:
		return fmt.Errorf("health.criticalLatencyThreshold (%s) is below warningLatencyThreshold (%s)",
			h.CriticalLatencyThreshold, h.WarningLatencyThreshold)
	case strings.TrimSpace(h.ProbeCommand) == "":
		return errors.New("health.probeCommand is required")
	case h.LatencyWindowSize <= 0:
		return errors.New("health.latencyWindowSize must be positive")
	}
	return nil
}
