package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/evalclient/connector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, path, contents string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, &Config{
		Coordinator: "http://127.0.0.1:8080/servers",
		ShortDelay:  connector.DefaultShortDelay,
		LongDelay:   connector.DefaultLongDelay,
		LogLevel:    "info",
		ListenAddr:  "127.0.0.1:8080",
	}, cfg)
}

func TestLoadFindsFileUpwards(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, FileName), `
coordinator: http://coordinator:9000/servers
client-id: me
websocket: true
short-delay: 5ms
long-delay: 2s
max-attempts: 4
`)
	dir := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	cfg, err := Load("", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, FileName), cfg.File)
	assert.Equal(t, "http://coordinator:9000/servers", cfg.Coordinator)
	assert.Equal(t, "me", cfg.ClientID)
	assert.True(t, cfg.WebSocket)
	assert.Equal(t, 5*time.Millisecond, cfg.ShortDelay)
	assert.Equal(t, 2*time.Second, cfg.LongDelay)
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	writeFile(t, path, "max-attempts: 4\nlog-level: warn\n")
	t.Setenv("EVALCTL_MAX_ATTEMPTS", "7")
	t.Setenv("EVALCTL_ATTEMPT_TIMEOUT", "3s")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.AttemptTimeout)
	assert.Equal(t, "warn", cfg.LogLevel)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, level)
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		expErr   string
	}{
		{
			name:     "bad log level",
			contents: "log-level: loud\n",
			expErr:   "parsing log level",
		},
		{
			name:     "negative max attempts",
			contents: "max-attempts: -1\n",
			expErr:   "max-attempts must not be negative",
		},
		{
			name:     "negative delay",
			contents: "long-delay: -1s\n",
			expErr:   "retry delays must not be negative",
		},
		{
			name:     "bad yaml",
			contents: "coordinator: [\n",
			expErr:   "reading config file",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, c.contents)
			_, err := Load(path, "")
			require.ErrorContains(t, err, c.expErr)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.ErrorContains(t, err, "reading config file")
}

func TestConnectorOptions(t *testing.T) {
	cfg := &Config{ClientID: "me", WebSocket: true, MaxAttempts: 2}
	opts := append(cfg.ConnectorOptions(), connector.WithLogger(zaptest.NewLogger(t)))
	c, err := connector.New("http://127.0.0.1:1/servers", opts...)
	require.NoError(t, err)
	assert.Equal(t, "me", c.ClientID())
	assert.True(t, c.WebSocket())

	cfg = &Config{}
	c, err = connector.New("http://127.0.0.1:1/servers", cfg.ConnectorOptions()...)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ClientID())
	assert.False(t, c.WebSocket())
}
