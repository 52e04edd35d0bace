package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FlagsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grbllink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("baud: 250000\nlisten: \":9000\"\n"), 0o644))

	oldPath := configPath
	t.Cleanup(func() {
		configPath = oldPath
		flagPort, flagBaud, flagListen = "", 0, ""
		serveCmd.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	})
	configPath = path

	require.NoError(t, serveCmd.ParseFlags([]string{"--port", "/dev/ttyUSB1", "--listen", "localhost:8080"}))
	cfg, err := loadConfig(serveCmd)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB1", cfg.Port)
	assert.Equal(t, 250000, cfg.Baud, "file value kept without a flag")
	assert.Equal(t, "localhost:8080", cfg.Listen)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Health.Port)
	assert.Equal(t, 250000, cfg.Health.Baud)
}
