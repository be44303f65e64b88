// Package config loads server and client settings. Values are layered:
// built-in defaults, then an optional JSON file, then RELAYSYNC_*
// environment variables. Command-line flags are applied last by the
// binaries.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/cryptox"
	"github.com/agentworkforce/relaysync/internal/logging"
)

// Duration accepts "3s" style strings or integer nanoseconds in JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s: %w", data, err)
	}
	*d = Duration(n)
	return nil
}

type ServerConfig struct {
	Addr            string   `json:"addr"`
	StorageDSN      string   `json:"storageDSN"`
	UsersFile       string   `json:"usersFile"`
	JWTSecret       string   `json:"jwtSecret"`
	TokenTTL        Duration `json:"tokenTTL"`
	RateLimitMax    int      `json:"rateLimitMax"`
	RateLimitWindow Duration `json:"rateLimitWindow"`
	MaxBodyBytes    int64    `json:"maxBodyBytes"`
	MaxPayloadBytes int      `json:"maxPayloadBytes"`
	ShutdownTimeout Duration `json:"shutdownTimeout"`
	LogLevel        string   `json:"logLevel"`
	LogFormat       string   `json:"logFormat"`
}

func DefaultServer() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		StorageDSN:      "memory://",
		TokenTTL:        Duration(24 * time.Hour),
		RateLimitWindow: Duration(time.Minute),
		MaxBodyBytes:    2 << 20,
		MaxPayloadBytes: 256 << 10,
		ShutdownTimeout: Duration(10 * time.Second),
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// LoadServer returns the defaults overlaid with path (if not empty) and the
// environment.
func LoadServer(path string, logger logging.Logger) (ServerConfig, error) {
	cfg := DefaultServer()
	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}
	env := envReader{logger: logging.OrNop(logger)}
	cfg.Addr = env.str("RELAYSYNC_ADDR", cfg.Addr)
	cfg.StorageDSN = env.str("RELAYSYNC_STORAGE_DSN", cfg.StorageDSN)
	cfg.UsersFile = env.str("RELAYSYNC_USERS_FILE", cfg.UsersFile)
	cfg.JWTSecret = env.str("RELAYSYNC_JWT_SECRET", cfg.JWTSecret)
	cfg.TokenTTL = Duration(env.duration("RELAYSYNC_TOKEN_TTL", cfg.TokenTTL.Std()))
	cfg.RateLimitMax = env.int("RELAYSYNC_RATE_LIMIT_MAX", cfg.RateLimitMax)
	cfg.RateLimitWindow = Duration(env.duration("RELAYSYNC_RATE_LIMIT_WINDOW", cfg.RateLimitWindow.Std()))
	cfg.MaxBodyBytes = env.int64("RELAYSYNC_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.MaxPayloadBytes = env.int("RELAYSYNC_MAX_PAYLOAD_BYTES", cfg.MaxPayloadBytes)
	cfg.ShutdownTimeout = Duration(env.duration("RELAYSYNC_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout.Std()))
	cfg.LogLevel = env.str("RELAYSYNC_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = env.str("RELAYSYNC_LOG_FORMAT", cfg.LogFormat)
	return cfg, nil
}

func (c ServerConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.UsersFile == "" && c.JWTSecret == "" {
		errs = append(errs, errors.New("a users file or a jwt secret is required"))
	}
	if c.RateLimitMax < 0 {
		errs = append(errs, fmt.Errorf("rateLimitMax must not be negative, got %d", c.RateLimitMax))
	}
	if c.MaxPayloadBytes <= 0 {
		errs = append(errs, fmt.Errorf("maxPayloadBytes must be positive, got %d", c.MaxPayloadBytes))
	}
	return errors.Join(errs...)
}

type ClientConfig struct {
	ServerURL string `json:"serverURL"`
	User      string `json:"user"`
	Password  string `json:"password"`
	// TokenFile holds a bearer token. It is re-read when it changes.
	TokenFile string `json:"tokenFile"`
	DataDir   string `json:"dataDir"`
	// Passphrase derives the record keys. Empty disables encryption.
	Passphrase    string   `json:"passphrase"`
	KDF           string   `json:"kdf"`
	Interval      Duration `json:"interval"`
	Threshold     int      `json:"threshold"`
	MinBackoff    Duration `json:"minBackoff"`
	OpTimeout     Duration `json:"opTimeout"`
	Notifications bool     `json:"notifications"`
	LogLevel      string   `json:"logLevel"`
	LogFormat     string   `json:"logFormat"`
}

func DefaultClient() ClientConfig {
	dataDir := ".relaysync"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".relaysync")
	}
	return ClientConfig{
		ServerURL:     "http://127.0.0.1:8080",
		DataDir:       dataDir,
		KDF:           string(cryptox.KDFArgon2ID),
		Interval:      Duration(10 * time.Minute),
		Threshold:     300,
		MinBackoff:    Duration(15 * time.Minute),
		OpTimeout:     Duration(30 * time.Second),
		Notifications: true,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

func LoadClient(path string, logger logging.Logger) (ClientConfig, error) {
	cfg := DefaultClient()
	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}
	env := envReader{logger: logging.OrNop(logger)}
	cfg.ServerURL = env.str("RELAYSYNC_SERVER_URL", cfg.ServerURL)
	cfg.User = env.str("RELAYSYNC_USER", cfg.User)
	cfg.Password = env.str("RELAYSYNC_PASSWORD", cfg.Password)
	cfg.TokenFile = env.str("RELAYSYNC_TOKEN_FILE", cfg.TokenFile)
	cfg.DataDir = env.str("RELAYSYNC_DATA_DIR", cfg.DataDir)
	cfg.Passphrase = env.str("RELAYSYNC_PASSPHRASE", cfg.Passphrase)
	cfg.KDF = env.str("RELAYSYNC_KDF", cfg.KDF)
	cfg.Interval = Duration(env.duration("RELAYSYNC_INTERVAL", cfg.Interval.Std()))
	cfg.Threshold = env.int("RELAYSYNC_THRESHOLD", cfg.Threshold)
	cfg.MinBackoff = Duration(env.duration("RELAYSYNC_MIN_BACKOFF", cfg.MinBackoff.Std()))
	cfg.OpTimeout = Duration(env.duration("RELAYSYNC_OP_TIMEOUT", cfg.OpTimeout.Std()))
	cfg.Notifications = env.bool("RELAYSYNC_NOTIFICATIONS", cfg.Notifications)
	cfg.LogLevel = env.str("RELAYSYNC_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = env.str("RELAYSYNC_LOG_FORMAT", cfg.LogFormat)
	return cfg, nil
}

func (c ClientConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ServerURL) == "" {
		errs = append(errs, errors.New("serverURL is required"))
	}
	if strings.TrimSpace(c.User) == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("dataDir is required"))
	}
	switch cryptox.KDF(c.KDF) {
	case cryptox.KDFArgon2ID, cryptox.KDFPBKDF2:
	default:
		errs = append(errs, fmt.Errorf("unsupported kdf %q", c.KDF))
	}
	return errors.Join(errs...)
}

func loadFile(path string, dst any) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// envReader reads typed environment variables, logging and falling back on
// values that do not parse.
type envReader struct {
	logger logging.Logger
}

func (e envReader) str(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func (e envReader) int(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) int64(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) duration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.invalid(name, raw, fallback.String())
		return fallback
	}
	return value
}

func (e envReader) bool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) invalid(name, raw string, fallback any) {
	e.logger.Warn(context.Background(), "invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
}
