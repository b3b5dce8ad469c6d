package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	c := DefaultClient()
	assert.True(t, c.AutoReconnect)
	assert.Equal(t, 5*time.Second, c.ReconnectInitial)
	assert.Equal(t, 2.0, c.ReconnectMultiplier)
	assert.Equal(t, 3*time.Minute, c.ReconnectMax)
	assert.Equal(t, time.Minute, c.PingInterval)
	assert.Equal(t, 30*time.Second, c.RequestTimeout)
	assert.False(t, c.CloseOnMissedPong)

	s := DefaultServer()
	assert.Equal(t, "/ws", s.Path)
	assert.Equal(t, 30*time.Second, s.RequestTimeout)
}

func TestLoadClientOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "client.toml", `
endpoint = " ws://localhost:8080/ws "
reconnect_initial = "2s"
keep_alive = false
max_retries = 3

[log]
level = "debug"
`)
	c, err := LoadClient(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8080/ws", c.Endpoint)
	assert.Equal(t, 2*time.Second, c.ReconnectInitial)
	assert.False(t, c.KeepAlive)
	assert.Equal(t, 3, c.MaxRetries)
	assert.Equal(t, "debug", c.Log.Level)

	// Untouched keys keep their defaults
	assert.True(t, c.AutoReconnect)
	assert.Equal(t, 3*time.Minute, c.ReconnectMax)
	assert.Equal(t, "console", c.Log.Format)
}

func TestLoadClientErrors(t *testing.T) {
	_, err := LoadClient(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = LoadClient(writeFile(t, "bad.toml", `ping_interval = "soon"`))
	assert.ErrorContains(t, err, "ping_interval")

	_, err = LoadClient(writeFile(t, "mult.toml", `reconnect_multiplier = 0.5`))
	assert.Error(t, err)
}

func TestLoadServer(t *testing.T) {
	path := writeFile(t, "server.toml", `
addr = ":9000"
service_name = "calc"
advertise_url = "ws://10.0.0.5:9000/ws"
etcd_endpoints = ["localhost:2379"]
handler_timeout = "5s"
rate_limit = 100.0
rate_burst = 20
tracing = true
`)
	s, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", s.Addr)
	assert.Equal(t, "calc", s.ServiceName)
	assert.Equal(t, []string{"localhost:2379"}, s.EtcdEndpoints)
	assert.Equal(t, 5*time.Second, s.HandlerTimeout)
	assert.Equal(t, 100.0, s.RateLimit)
	assert.Equal(t, 20, s.RateBurst)
	assert.True(t, s.Tracing)
	assert.True(t, s.Metrics)
	assert.Equal(t, "/ws", s.Path)

	_, err = LoadServer(writeFile(t, "noadvertise.toml", `
service_name = "calc"
etcd_endpoints = ["localhost:2379"]
`))
	assert.Error(t, err)
}
