package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli carries the resolved configuration between cobra hooks.
type cli struct {
	configPath string
	serverURL  string
	user       string
	dataDir    string
	tokenFile  string
	logLevel   string

	cfg    config.ClientConfig
	logger logging.Logger
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stderr: stderr}
	root := &cobra.Command{
		Use:          "relaysync",
		Short:        "Sync browsing history with a relaysync server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", os.Getenv("RELAYSYNC_CONFIG"), "JSON config file")
	pf.StringVar(&c.serverURL, "server", "", "server base URL")
	pf.StringVar(&c.user, "user", "", "account name")
	pf.StringVar(&c.dataDir, "data-dir", "", "profile directory")
	pf.StringVar(&c.tokenFile, "token-file", "", "file holding a bearer token, reloaded on change")
	pf.StringVar(&c.logLevel, "log-level", "", "log level")

	root.AddCommand(
		newSyncCmd(c),
		newVisitCmd(c),
		newForgetCmd(c),
		newStatusCmd(c),
		newWipeCmd(c),
		newTokenCmd(c),
	)
	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	boot, err := logging.NewWithWriter(c.stderr, "info", "text")
	if err != nil {
		return err
	}
	cfg, err := config.LoadClient(c.configPath, boot)
	if err != nil {
		return err
	}
	pf := cmd.Flags()
	if pf.Changed("server") {
		cfg.ServerURL = c.serverURL
	}
	if pf.Changed("user") {
		cfg.User = c.user
	}
	if pf.Changed("data-dir") {
		cfg.DataDir = c.dataDir
	}
	if pf.Changed("token-file") {
		cfg.TokenFile = c.tokenFile
	}
	if pf.Changed("log-level") {
		cfg.LogLevel = c.logLevel
	}
	logger, err := logging.NewWithWriter(c.stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}

// withApp opens the profile for the duration of fn.
func (c *cli) withApp(ctx context.Context, fn func(a *app) error) (err error) {
	a, err := openApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
