package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/accounts"
	"github.com/agentworkforce/relaysync/internal/backoff"
	"github.com/agentworkforce/relaysync/internal/engine"
	"github.com/agentworkforce/relaysync/internal/metrics"
	"github.com/agentworkforce/relaysync/internal/places"
	"github.com/agentworkforce/relaysync/internal/scheduler"
)

func newSyncCmd(c *cli) *cobra.Command {
	var once bool
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync history once or keep syncing on a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				if once {
					report, err := a.engine.Sync(cmd.Context())
					if err != nil {
						return err
					}
					printReport(cmd.OutOrStdout(), report)
					return nil
				}
				return runDaemon(cmd.Context(), a, metricsAddr)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sync and exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func runDaemon(ctx context.Context, a *app, metricsAddr string) error {
	sched, err := scheduler.New(scheduler.Options{
		Engines:       []scheduler.Engine{a.engine},
		Interval:      a.cfg.Interval.Std(),
		Threshold:     a.cfg.Threshold,
		MinBackoff:    a.cfg.MinBackoff.Std(),
		ServerBackoff: a.remote.TakeBackoff,
		Logger:        a.logger,
	})
	if err != nil {
		return err
	}

	if a.cfg.Notifications {
		go followNotifications(ctx, a)
	}
	if a.cfg.TokenFile != "" {
		go func() {
			err := accounts.WatchFile(ctx, a.cfg.TokenFile, a.logger, func() {
				if a.reloadToken(ctx) {
					sched.CredentialsRefreshed()
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn(ctx, "token watch stopped", "error", err)
			}
		}()
	}
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn(ctx, "metrics listener stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	err = sched.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// followNotifications triggers a sync whenever another client changes the
// history collection, reconnecting with backoff while ctx is live.
func followNotifications(ctx context.Context, a *app) {
	policy := backoff.NewPolicy(time.Second, time.Second)
	for ctx.Err() == nil {
		ch, err := a.remote.Notifications(ctx)
		if err != nil {
			wait := policy.Failure()
			a.logger.Debug(ctx, "notification stream unavailable", "error", err, "retry_in", wait.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		policy.Success()
		for n := range ch {
			if n.Collection == historyEngine {
				a.engine.Trigger()
			}
		}
	}
}

func printReport(w io.Writer, r engine.Report) {
	fmt.Fprintf(w, "downloaded %d, applied %d, reconciled %d, uploaded %d, deleted %d\n",
		r.Downloaded, r.Applied, r.Reconciled, r.Uploaded, r.Deleted)
	if len(r.Failed) > 0 {
		fmt.Fprintf(w, "failed to apply: %v\n", r.Failed)
	}
	if len(r.Malformed) > 0 {
		fmt.Fprintf(w, "malformed: %v\n", r.Malformed)
	}
	fmt.Fprintf(w, "last sync %s\n", r.LastSync)
}

func newVisitCmd(c *cli) *cobra.Command {
	var title string
	var visitType int
	cmd := &cobra.Command{
		Use:   "visit <url>",
		Short: "Record a visit in the local history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !places.ValidVisitType(visitType) {
				return fmt.Errorf("unknown visit type %d", visitType)
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				return a.db.AddVisit(cmd.Context(), args[0], title, places.Visit{Type: visitType})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "page title")
	cmd.Flags().IntVar(&visitType, "type", places.VisitLink, "visit transition type")
	return cmd
}

func newForgetCmd(c *cli) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "forget [url]",
		Short: "Delete a page, or all history, and sync the removal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give either a url or --all")
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				if all {
					return a.db.Clear(cmd.Context())
				}
				return a.db.DeleteURL(cmd.Context(), args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "clear the whole history")
	return cmd
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "engine:    %s\n", a.engine.Name())
				fmt.Fprintf(w, "state:     %s\n", a.engine.State())
				fmt.Fprintf(w, "last sync: %s\n", a.engine.LastSync())
				fmt.Fprintf(w, "sync id:   %s\n", a.engine.SyncID())
				fmt.Fprintf(w, "score:     %d\n", a.engine.Score())
				fmt.Fprintf(w, "pending:   %d\n", len(a.tracker.ChangedIDs()))
				return nil
			})
		},
	}
}

func newWipeCmd(c *cli) *cobra.Command {
	var remote, local bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete synced history from the server, this profile, or both",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !remote && !local {
				return errors.New("choose --remote, --local or both")
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				if remote {
					if err := a.engine.WipeServer(cmd.Context()); err != nil {
						return fmt.Errorf("wipe server: %w", err)
					}
				}
				if local {
					if err := a.engine.WipeClient(cmd.Context()); err != nil {
						return fmt.Errorf("wipe client: %w", err)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "delete the server collection")
	cmd.Flags().BoolVar(&local, "local", false, "delete the local history")
	return cmd
}

func newTokenCmd(c *cli) *cobra.Command {
	var secret, user string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if user == "" {
				user = c.cfg.User
			}
			if user == "" {
				return errors.New("--user is required")
			}
			issuer, err := accounts.NewTokenIssuer(secret, ttl)
			if err != nil {
				return err
			}
			token, err := issuer.Issue(user)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "server JWT secret")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&user, "for", "", "user the token is issued to, defaults to --user")
	return cmd
}
