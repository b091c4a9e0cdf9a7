package config

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestDefaults(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "./data", c.DataDir)
	assert.Equal(t, ":8005", c.Server.Listen)
	assert.Equal(t, 30*time.Second, c.Supervisor.StartupTimeout)
	assert.Equal(t, 500*time.Millisecond, c.Supervisor.PIDPollInterval)
	assert.Equal(t, 4, c.Supervisor.Workers)
	assert.Equal(t, 60, c.Stream.ThoughtPollCeiling)
	assert.Equal(t, time.Second, c.Stream.ThoughtPollDelay)
	assert.Equal(t, 4096, c.Stream.MaxTokens)
	assert.Equal(t, "xxxx", c.Stream.APIKey)
	assert.Equal(t, 8000, c.OpenAI.Port)
	assert.Equal(t, "info", c.Log.Level)
	assert.True(t, c.Metrics.Enabled)
	assert.Equal(t, filepath.Join("./data", "downloads"), c.DownloadDir())
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "warden.toml", `
data_dir = "/var/lib/warden"
log_dir = "/var/log/warden"
env = ["MODEL_TOKEN=abc"]

[server]
listen = "127.0.0.1:9000"
base_path = "/api"

[supervisor]
startup_timeout = "5s"
workers = 8

[stream]
thought_poll_ceiling = 10
max_tokens = 1024

[openai]
host = "gateway"
port = 8100

[log]
level = "debug"
format = "json"

[history]
enabled = true
dsns = ["sqlite:///tmp/h.db"]
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/warden", c.DataDir)
	assert.Equal(t, "127.0.0.1:9000", c.Server.Listen)
	assert.Equal(t, "/api", c.Server.BasePath)
	assert.Equal(t, 5*time.Second, c.Supervisor.StartupTimeout)
	assert.Equal(t, 8, c.Supervisor.Workers)
	assert.Equal(t, 10, c.Stream.ThoughtPollCeiling)
	assert.Equal(t, 1024, c.Stream.MaxTokens)
	assert.Equal(t, "gateway", c.OpenAI.Host)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, []string{"sqlite:///tmp/h.db"}, c.History.DSNs)
	// untouched keys keep their defaults
	assert.Equal(t, 10*time.Second, c.Supervisor.StopTimeout)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("WARDEN_SERVER_LISTEN", ":7777")
	t.Setenv("WARDEN_STREAM_MAX_TOKENS", "2048")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", c.Server.Listen)
	assert.Equal(t, 2048, c.Stream.MaxTokens)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	dir := t.TempDir()
	p := writeFile(t, dir, "bad.toml", "[history]\nenabled = true\n")
	_, err = Load(p)
	assert.ErrorContains(t, err, "history.enabled")

	p = writeFile(t, dir, "ceiling.toml", "[stream]\nthought_poll_ceiling = 0\n")
	_, err = Load(p)
	assert.ErrorContains(t, err, "thought_poll_ceiling")
}

func TestGlobalEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := writeFile(t, dir, ".env", "A=1\n# comment\nB = two\nSHARED=file\n")
	c := &Config{EnvFiles: []string{dotenv}, Env: []string{"SHARED=list", "C=3"}}
	got, err := c.GlobalEnv()
	require.NoError(t, err)
	sort.Strings(got)
	assert.Equal(t, []string{"A=1", "B=two", "C=3", "SHARED=list"}, got)

	c.EnvFiles = []string{filepath.Join(dir, "nope")}
	_, err = c.GlobalEnv()
	assert.Error(t, err)
}
