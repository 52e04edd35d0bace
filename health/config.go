package health

import "time"

// Config tunes a Monitor.
type Config struct {
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval"`

	// PingTimeout bounds a probe from submission to reply, queueing
	// included.
	PingTimeout time.Duration `yaml:"pingTimeout"`

	MaxConsecutiveFailures int           `yaml:"maxConsecutiveFailures"`
	RecoveryAttempts       int           `yaml:"recoveryAttempts"`
	RecoveryDelay          time.Duration `yaml:"recoveryDelay"`

	// ReadyTimeout bounds how long a recovery attempt waits for the
	// controller to finish booting before it probes.
	ReadyTimeout time.Duration `yaml:"readyTimeout"`

	WarningLatencyThreshold  time.Duration `yaml:"warningLatencyThreshold"`
	CriticalLatencyThreshold time.Duration `yaml:"criticalLatencyThreshold"`

	// DataStaleThreshold is how long the controller may stay silent before
	// a dataStale event. Zero disables it.
	DataStaleThreshold time.Duration `yaml:"dataStaleThreshold"`

	EnableAutoRecovery bool `yaml:"enableAutoRecovery"`

	// ProbeCommand is sent as the liveness probe. $G (parser state) is
	// answered without side effects in every machine state, alarm included.
	ProbeCommand string `yaml:"probeCommand"`

	LatencyWindowSize int `yaml:"latencyWindowSize"`

	// Port and Baud are used to reconnect during recovery.
	Port string `yaml:"-"`
	Baud int    `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		HealthCheckInterval:      5 * time.Second,
		PingTimeout:              2 * time.Second,
		MaxConsecutiveFailures:   3,
		RecoveryAttempts:         3,
		RecoveryDelay:            2 * time.Second,
		ReadyTimeout:             5 * time.Second,
		WarningLatencyThreshold:  100 * time.Millisecond,
		CriticalLatencyThreshold: 500 * time.Millisecond,
		DataStaleThreshold:       30 * time.Second,
		EnableAutoRecovery:       true,
		ProbeCommand:             "$G",
		LatencyWindowSize:        100,
	}
}
