package dispatch

import "time"

// Config tunes a Dispatcher.
type Config struct {
	// CommandTimeout applies to commands submitted without their own timeout.
	CommandTimeout time.Duration `yaml:"commandTimeout"`

	MaxQueueSize int `yaml:"maxQueueSize"`

	// MaxPendingCommands is the in-flight budget: commands written but not
	// yet acknowledged.
	MaxPendingCommands int `yaml:"maxPendingCommands"`

	// RxBufferSize is the controller's serial receive buffer in bytes. Bytes
	// in flight never exceed it. Zero disables byte counting.
	RxBufferSize int `yaml:"rxBufferSize"`

	// MaxQueueAge expires commands that waited in the queue longer than this.
	// Zero disables it.
	MaxQueueAge time.Duration `yaml:"maxQueueAge"`

	// ResetHoldTime is how long dispatch pauses after a soft reset if the
	// welcome banner never shows up.
	ResetHoldTime time.Duration `yaml:"resetHoldTime"`

	// StatusPollInterval sends a `?` status query this often. Zero disables it.
	StatusPollInterval time.Duration `yaml:"statusPollInterval"`
}

// DefaultConfig returns the settings for a stock Grbl 1.1 controller.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:     5 * time.Second,
		MaxQueueSize:       1000,
		MaxPendingCommands: 10,
		RxBufferSize:       128,
		ResetHoldTime:      2 * time.Second,
	}
}
