package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalJSON_String(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"30s"`), &d))
	require.Equal(t, 30*time.Second, d.Duration)
}

func TestDuration_UnmarshalJSON_Number(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`10`), &d))
	require.Equal(t, 10*time.Second, d.Duration)
}

func TestDuration_UnmarshalJSON_Invalid(t *testing.T) {
	var d Duration
	require.Error(t, json.Unmarshal([]byte(`"not-a-duration"`), &d))
	require.Error(t, json.Unmarshal([]byte(`true`), &d))
}

func TestDuration_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(Duration{Duration: 2 * time.Minute})
	require.NoError(t, err)
	require.Equal(t, `"2m0s"`, string(data))
}

func TestDuration_YAML(t *testing.T) {
	var v struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 1m30s\nb: 5\n"), &v))
	require.Equal(t, 90*time.Second, v.A.Duration)
	require.Equal(t, 5*time.Second, v.B.Duration)

	require.Error(t, yaml.Unmarshal([]byte("a: soon\n"), &v))
	require.Error(t, yaml.Unmarshal([]byte("a: [1]\n"), &v))
}

func TestLoad_JSON(t *testing.T) {
	path := writeTemp(t, "client.json", `{
		"api": {"base_url": "http://localhost:8080"},
		"realtime": {"url": "ws://localhost:8080/socket", "reconnect_attempts": 3, "reconnect_delay": "500ms"},
		"credentials": {"backend": "memory"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080", cfg.API.BaseURL)
	require.Equal(t, 3, cfg.Realtime.ReconnectAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.Realtime.ReconnectDelay.Duration)
	require.Equal(t, "memory", cfg.Credentials.Backend)
	require.Empty(t, cfg.Credentials.Path)

	// defaults
	require.Equal(t, 30*time.Second, cfg.API.Timeout.Duration)
	require.Equal(t, 25*time.Second, cfg.Realtime.PingInterval.Duration)
	require.Equal(t, 60*time.Second, cfg.Realtime.PongWait.Duration)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_YAML(t *testing.T) {
	path := writeTemp(t, "client.yaml", `
api:
  base_url: https://desk.example.com
  timeout: 5s
realtime:
  url: wss://desk.example.com/socket
  pong_wait: 45
credentials:
  backend: sqlite
log_level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.API.Timeout.Duration)
	require.Equal(t, 45*time.Second, cfg.Realtime.PongWait.Duration)
	require.Equal(t, 10, cfg.Realtime.ReconnectAttempts)
	require.Equal(t, "sqlite", cfg.Credentials.Backend)
	require.True(t, strings.HasSuffix(cfg.Credentials.Path, "credentials.db"))
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing base url", `{"realtime":{"url":"ws://x"}}`, "api.base_url"},
		{"missing realtime url", `{"api":{"base_url":"http://x"}}`, "realtime.url is required"},
		{"http realtime url", `{"api":{"base_url":"http://x"},"realtime":{"url":"http://x"}}`, "ws://"},
		{"negative attempts", `{"api":{"base_url":"http://x"},"realtime":{"url":"ws://x","reconnect_attempts":-1}}`, "reconnect_attempts"},
		{"bad backend", `{"api":{"base_url":"http://x"},"realtime":{"url":"ws://x"},"credentials":{"backend":"redis"}}`, "credentials.backend"},
		{"bad log level", `{"api":{"base_url":"http://x"},"realtime":{"url":"ws://x"},"log_level":"trace"}`, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTemp(t, "client.json", tt.body))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
