package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/app"
	"github.com/xraph/entitle/auth"
	"github.com/xraph/entitle/config"
	"github.com/xraph/entitle/dedup"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/scheduler"
)

type rootOptions struct {
	envFiles []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "entitled",
		Short:         "Subscription entitlement reconciliation service",
		Long:          "entitled provisions free-tier entitlements, applies purchases and grows reading quotas on a schedule.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load before the environment")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newRunCmd(opts, "reconcile", "Grow the book limit of every due free record", func(ctx context.Context, e *entitle.Engine) (*entitle.RunResult, error) {
			return e.ReconcileQuotas(ctx)
		}),
		newRunCmd(opts, "backfill-limits", "Start the growth clock on legacy free records", func(ctx context.Context, e *entitle.Engine) (*entitle.RunResult, error) {
			return e.BackfillLimits(ctx)
		}),
		newBackfillUsersCmd(opts),
		newDedupCmd(opts),
		newCorrectUsageCmd(opts),
		newSetTierCmd(opts),
		newStatusCmd(opts),
		newReportCmd(opts),
		newAdminTokenCmd(opts),
		newVersionCmd(),
	)
	return root
}

// withApp loads config, builds and starts an App, runs fn and stops the App.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(opts.envFiles...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.WithoutCancel(ctx))
		return err
	}

	runErr := fn(ctx, a)
	return errors.Join(runErr, a.Stop(context.WithoutCancel(ctx)))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRun prints the run result even when the run failed part-way.
func printRun(cmd *cobra.Command, res *entitle.RunResult, err error) error {
	if res != nil {
		if perr := printJSON(cmd, res); perr != nil {
			return perr
		}
	}
	switch {
	case errors.Is(err, scheduler.ErrLockHeld):
		return fmt.Errorf("%w: another run is in progress", err)
	case err != nil && entitle.IsRetryable(err):
		return fmt.Errorf("%w (safe to re-run)", err)
	}
	return err
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduler, metrics endpoint and event consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				return a.Serve(ctx)
			})
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.envFiles...)
			if err != nil {
				return err
			}
			s, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s store migrated\n", cfg.StoreDriver)
			return nil
		},
	}
}

func newRunCmd(opts *rootOptions, use, short string, run func(context.Context, *entitle.Engine) (*entitle.RunResult, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				res, err := a.Exclusive(ctx, use, func(ctx context.Context) (*entitle.RunResult, error) {
					return run(ctx, a.Engine())
				})
				return printRun(cmd, res, err)
			})
		},
	}
}

func newBackfillUsersCmd(opts *rootOptions) *cobra.Command {
	var uids []string
	cmd := &cobra.Command{
		Use:   "backfill-users",
		Short: "Create free records for users that have none",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				res, err := a.Exclusive(ctx, "backfill-users", func(ctx context.Context) (*entitle.RunResult, error) {
					return a.Engine().BackfillUsers(ctx, entitle.Operator, uids)
				})
				return printRun(cmd, res, err)
			})
		},
	}
	cmd.Flags().StringSliceVar(&uids, "uids", nil, "user ids to provision")
	_ = cmd.MarkFlagRequired("uids")
	return cmd
}

func newDedupCmd(opts *rootOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Collapse duplicate records onto one record per user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if user == "" {
					res, err := a.Exclusive(ctx, "dedup", a.Engine().SweepDuplicates)
					return printRun(cmd, res, err)
				}
				var res dedup.Resolution
				_, err := a.Exclusive(ctx, "dedup", func(ctx context.Context) (*entitle.RunResult, error) {
					var err error
					res, err = a.Engine().ResolveDuplicates(ctx, entitle.Operator, user)
					return nil, err
				})
				if err != nil {
					return printRun(cmd, nil, err)
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "resolve a single user instead of sweeping every record")
	return cmd
}

func newCorrectUsageCmd(opts *rootOptions) *cobra.Command {
	var (
		user      string
		booksRead int
	)
	cmd := &cobra.Command{
		Use:   "correct-usage",
		Short: "Set a user's books-read count",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine().CorrectUsage(ctx, entitle.Operator, user, booksRead)
				if err != nil {
					return err
				}
				return printJSON(cmd, rec)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().IntVar(&booksRead, "books-read", 0, "books read so far")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("books-read")
	return cmd
}

func newSetTierCmd(opts *rootOptions) *cobra.Command {
	var id, tier string
	cmd := &cobra.Command{
		Use:   "set-tier",
		Short: "Change the tier of an entitlement record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine().ChangeTier(ctx, entitle.Operator, id, entitlement.Tier(tier))
				if err != nil {
					return err
				}
				return printJSON(cmd, rec)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "entitlement record id")
	cmd.Flags().StringVar(&tier, "tier", "", "free, premium or unlimited")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("tier")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <user-id>",
		Short: "Show a user's subscription status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				st, err := a.Engine().SubscriptionStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			})
		},
	}
}

func newReportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "List free-tier records with their growth schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				lines, err := a.Engine().Report(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, lines)
			})
		},
	}
}

func newAdminTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		uid string
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Sign an admin bearer token with the configured JWT secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.envFiles...)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("admin-token needs ENTITLE_JWT_SECRET")
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}

			now := time.Now()
			claims := auth.Claims{
				Admin: true,
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   uid,
					Issuer:    cfg.JWTIssuer,
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				},
			}
			if cfg.JWTAudience != "" {
				claims.Audience = jwt.ClaimStrings{cfg.JWTAudience}
			}
			tok, err := auth.SignHMAC([]byte(cfg.JWTSecret), claims)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "subject of the token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("uid")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "entitled %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}
