package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Std())
	require.NoError(t, json.Unmarshal([]byte(`1500000000`), &d))
	assert.Equal(t, 1500*time.Millisecond, d.Std())
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	data, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(data))
}

func TestServerPrecedence(t *testing.T) {
	path := writeConfig(t, `{"addr":":9000","storageDSN":"sqlite:///tmp/x.db","rateLimitMax":10,"rateLimitWindow":"30s"}`)
	t.Setenv("RELAYSYNC_ADDR", ":9100")
	t.Setenv("RELAYSYNC_RATE_LIMIT_WINDOW", "5s")

	cfg, err := LoadServer(path, nil)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Addr, "env overrides file")
	assert.Equal(t, "sqlite:///tmp/x.db", cfg.StorageDSN, "file overrides default")
	assert.Equal(t, 10, cfg.RateLimitMax)
	assert.Equal(t, 5*time.Second, cfg.RateLimitWindow.Std())
	assert.Equal(t, DefaultServer().MaxBodyBytes, cfg.MaxBodyBytes, "defaults fill the rest")
}

func TestInvalidEnvFallsBackAndLogs(t *testing.T) {
	t.Setenv("RELAYSYNC_RATE_LIMIT_MAX", "lots")
	t.Setenv("RELAYSYNC_TOKEN_TTL", "forever")
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)

	cfg, err := LoadServer("", logging.NewLogrus(base))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.RateLimitMax)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL.Std())

	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "RELAYSYNC_RATE_LIMIT_MAX", hook.LastEntry().Data["name"])
}

func TestLoadRejectsBadFiles(t *testing.T) {
	_, err := LoadServer(filepath.Join(t.TempDir(), "missing.json"), nil)
	assert.Error(t, err)

	_, err = LoadServer(writeConfig(t, `{"adr":":1"}`), nil)
	assert.ErrorContains(t, err, "unknown field")

	_, err = LoadClient(writeConfig(t, `{"interval":"fast"}`), nil)
	assert.Error(t, err)
}

func TestServerValidate(t *testing.T) {
	cfg := DefaultServer()
	assert.Error(t, cfg.Validate(), "no way to authenticate")
	cfg.JWTSecret = "secret"
	assert.NoError(t, cfg.Validate())
	cfg.MaxPayloadBytes = 0
	cfg.Addr = ""
	err := cfg.Validate()
	assert.ErrorContains(t, err, "addr")
	assert.ErrorContains(t, err, "maxPayloadBytes")
}

func TestClientPrecedenceAndValidate(t *testing.T) {
	path := writeConfig(t, `{"user":"alice","interval":"1m","notifications":false,"kdf":"pbkdf2"}`)
	t.Setenv("RELAYSYNC_SERVER_URL", "https://sync.example")
	t.Setenv("RELAYSYNC_NOTIFICATIONS", "true")
	t.Setenv("RELAYSYNC_THRESHOLD", "50")

	cfg, err := LoadClient(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://sync.example", cfg.ServerURL)
	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, time.Minute, cfg.Interval.Std())
	assert.True(t, cfg.Notifications)
	assert.Equal(t, 50, cfg.Threshold)
	assert.NoError(t, cfg.Validate())

	cfg.KDF = "md5"
	cfg.User = ""
	err = cfg.Validate()
	assert.ErrorContains(t, err, "kdf")
	assert.ErrorContains(t, err, "user")
}

func TestClientConfigRoundTripsThroughJSON(t *testing.T) {
	cfg := DefaultClient()
	cfg.User = "bob"
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(cfg))

	loaded, err := LoadClient(writeConfig(t, buf.String()), nil)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
