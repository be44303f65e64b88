package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentworkforce/relaysync/internal/client"
	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/cryptox"
	"github.com/agentworkforce/relaysync/internal/engine"
	"github.com/agentworkforce/relaysync/internal/history"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/places"
	"github.com/agentworkforce/relaysync/internal/tracker"
)

const historyEngine = "history"

// app is one opened profile: the local history database and the engine
// that syncs it.
type app struct {
	cfg     config.ClientConfig
	logger  logging.Logger
	db      *places.DB
	tracker *tracker.Tracker
	remote  *client.HTTPClient
	engine  *engine.Engine
}

func (a *app) trackerPath() string {
	return filepath.Join(a.cfg.DataDir, historyEngine+".tracker.json")
}

func openApp(ctx context.Context, cfg config.ClientConfig, logger logging.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := places.Open(ctx, filepath.Join(cfg.DataDir, "places.db"), places.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: db}

	a.tracker = tracker.New(tracker.Options{Name: historyEngine, Logger: logger})
	if err := a.tracker.Load(a.trackerPath()); err != nil {
		logger.Warn(ctx, "discarding unreadable tracker state", "error", err)
	}
	db.AddObserver(history.NewTracker(db, a.tracker, logger))

	store, err := history.NewStore(history.Options{Local: db, Logger: logger})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	crypto, err := buildCrypto(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	token, err := readToken(cfg.TokenFile)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	a.remote = client.NewHTTPClient(client.HTTPOptions{
		BaseURL:  cfg.ServerURL,
		User:     cfg.User,
		Password: cfg.Password,
		Token:    token,
		Logger:   logger,
	})

	a.engine, err = engine.New(engine.Options{
		Name:      historyEngine,
		Version:   history.EngineVersion,
		Remote:    a.remote,
		Store:     store,
		Tracker:   a.tracker,
		Crypto:    crypto,
		StatePath: filepath.Join(cfg.DataDir, historyEngine+".state.json"),
		OpTimeout: cfg.OpTimeout.Std(),
		Logger:    logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func buildCrypto(cfg config.ClientConfig) (engine.Crypto, error) {
	if cfg.Passphrase == "" {
		return cryptox.Plaintext{}, nil
	}
	keys, err := cryptox.DeriveKeyBundle(cryptox.KDF(cfg.KDF), []byte(cfg.Passphrase), []byte("relaysync:"+cfg.User))
	if err != nil {
		return nil, fmt.Errorf("derive keys: %w", err)
	}
	wrapper, err := cryptox.NewWrapper(keys)
	if err != nil {
		return nil, err
	}
	return wrapper, nil
}

func readToken(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// reloadToken picks up a rewritten token file.
func (a *app) reloadToken(ctx context.Context) bool {
	token, err := readToken(a.cfg.TokenFile)
	if err != nil {
		a.logger.Warn(ctx, "token reload failed", "error", err)
		return false
	}
	a.remote.SetToken(token)
	a.logger.Info(ctx, "token reloaded", "path", a.cfg.TokenFile)
	return true
}

func (a *app) Close() error {
	return errors.Join(a.tracker.Flush(a.trackerPath()), a.db.Close())
}
