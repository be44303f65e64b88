package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaysync/internal/accounts"
	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("relaysync-server: %v", err)
	}
}

type flags struct {
	fs         *flag.FlagSet
	configPath string
	addUser    string
	values     config.ServerConfig
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{fs: flag.NewFlagSet("relaysync-server", flag.ContinueOnError)}
	f.fs.StringVar(&f.configPath, "config", strings.TrimSpace(os.Getenv("RELAYSYNC_CONFIG")), "JSON config file")
	f.fs.StringVar(&f.addUser, "add-user", "", "register user:password in the users file and exit")
	f.fs.StringVar(&f.values.Addr, "addr", "", "listen address")
	f.fs.StringVar(&f.values.StorageDSN, "storage-dsn", "", "storage backend DSN (memory://, file://, sqlite://, postgres://)")
	f.fs.StringVar(&f.values.UsersFile, "users-file", "", "bcrypt users file")
	f.fs.StringVar(&f.values.JWTSecret, "jwt-secret", "", "HS256 secret for bearer tokens")
	f.fs.IntVar(&f.values.RateLimitMax, "rate-limit-max", 0, "requests per user per window, 0 disables")
	f.fs.Int64Var(&f.values.MaxBodyBytes, "max-body-bytes", 0, "maximum request body size")
	f.fs.StringVar(&f.values.LogLevel, "log-level", "", "log level")
	f.fs.StringVar(&f.values.LogFormat, "log-format", "", "log format (text or json)")
	if err := f.fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// apply overlays the flags that were set explicitly.
func (f *flags) apply(cfg *config.ServerConfig) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "addr":
			cfg.Addr = f.values.Addr
		case "storage-dsn":
			cfg.StorageDSN = f.values.StorageDSN
		case "users-file":
			cfg.UsersFile = f.values.UsersFile
		case "jwt-secret":
			cfg.JWTSecret = f.values.JWTSecret
		case "rate-limit-max":
			cfg.RateLimitMax = f.values.RateLimitMax
		case "max-body-bytes":
			cfg.MaxBodyBytes = f.values.MaxBodyBytes
		case "log-level":
			cfg.LogLevel = f.values.LogLevel
		case "log-format":
			cfg.LogFormat = f.values.LogFormat
		}
	})
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	bootLogger, err := logging.New("info", "text")
	if err != nil {
		return err
	}
	cfg, err := config.LoadServer(f.configPath, bootLogger)
	if err != nil {
		return err
	}
	f.apply(&cfg)
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	if f.addUser != "" {
		return addUser(cfg, f.addUser, logger, stdout)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	srv, users, cleanup, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	if users != nil && cfg.UsersFile != "" {
		go func() {
			if err := users.Watch(ctx); err != nil {
				logger.Warn(ctx, "users file watch stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "relaysync listening", "addr", cfg.Addr, "storage", redactDSN(cfg.StorageDSN))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info(ctx, "shutting down", "timeout", cfg.ShutdownTimeout.Std().String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildServer assembles the storage, accounts and HTTP layers.
func buildServer(cfg config.ServerConfig, logger logging.Logger) (*http.Server, *accounts.Registry, func(), error) {
	backend, err := storage.BuildBackendFromDSN(cfg.StorageDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initialize storage backend: %w", err)
	}
	store := storage.NewStore(storage.Options{
		Backend:         backend,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		Logger:          logger,
	})
	cleanup := func() { _ = store.Close() }

	var users *accounts.Registry
	if cfg.UsersFile != "" {
		users, err = accounts.LoadRegistry(cfg.UsersFile, logger)
		if err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("load users: %w", err)
		}
	}
	var tokens *accounts.TokenIssuer
	if cfg.JWTSecret != "" {
		tokens, err = accounts.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL.Std())
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
	}

	handler := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		Users:           users,
		Tokens:          tokens,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow.Std(),
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Logger:          logger,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, users, cleanup, nil
}

func addUser(cfg config.ServerConfig, credentials string, logger logging.Logger, stdout io.Writer) error {
	if cfg.UsersFile == "" {
		return errors.New("-add-user needs a users file")
	}
	user, password, ok := strings.Cut(credentials, ":")
	if !ok {
		return errors.New("-add-user expects user:password")
	}
	users, err := accounts.LoadRegistry(cfg.UsersFile, logger)
	if err != nil {
		return err
	}
	if err := users.Register(user, password); err != nil {
		return fmt.Errorf("register %s: %w", user, err)
	}
	fmt.Fprintf(stdout, "registered %s in %s\n", user, cfg.UsersFile)
	return nil
}

// redactDSN drops credentials from a DSN before it is logged.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return dsn
}
