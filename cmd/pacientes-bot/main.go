package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/basco1979/pacientes-bot/internal/config"
	"github.com/basco1979/pacientes-bot/internal/domain/record"
	"github.com/basco1979/pacientes-bot/internal/platform/auth"
	"github.com/basco1979/pacientes-bot/internal/platform/bot"
	"github.com/basco1979/pacientes-bot/internal/platform/db"
	"github.com/basco1979/pacientes-bot/internal/platform/reporting"
	"github.com/basco1979/pacientes-bot/internal/platform/telegram"
	"github.com/basco1979/pacientes-bot/internal/platform/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "pacientes-bot",
		Short:        "Telegram bot for therapy session bookkeeping",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(unpaidCmd())
	rootCmd.AddCommand(tokenCmd())
	return rootCmd
}

// loadConfig loads and validates configuration for one-shot commands.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot (and the admin API when ADMIN_ENABLED)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open record store")
		return err
	}
	defer st.Close()

	types, err := bot.ParseCatalogue(cfg.SessionTypes)
	if err != nil {
		return fmt.Errorf("SESSION_TYPES: %w", err)
	}
	allowed, err := cfg.AllowedUsers()
	if err != nil {
		return err
	}
	if len(allowed) == 0 {
		logger.Warn().Msg("ALLOWED_USER_IDS is empty, every Telegram user can use the bot")
	}

	metrics := telemetry.New()
	engine := reporting.NewEngine(st.svc, cfg.CommissionRate)
	dialogue := bot.NewController(st.svc, types, cfg.DialogueTTL)
	router := bot.NewRouter(st.svc, engine, dialogue, types,
		bot.WithLatestLimit(cfg.LatestLimit),
		bot.WithLogger(logger),
		bot.WithObserver(metrics),
	)

	api, err := telegram.NewBotAPI(cfg.TelegramToken, cfg.TelegramDebug)
	if err != nil {
		logger.Error().Err(err).Msg("failed to authorize on telegram")
		return err
	}
	logger.Info().Str("bot", api.Self.UserName).Msg("authorized on telegram")
	transport := telegram.New(api, router, logger,
		telegram.WithAllowedUsers(allowed),
		telegram.WithPollTimeout(cfg.TelegramPollTimeout),
	)

	if cfg.AdminEnabled {
		e := newAdminServer(cfg, st, engine, metrics, logger)
		go func() {
			addr := ":" + cfg.Port
			logger.Info().Str("addr", addr).Msg("starting admin server")
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("admin server error")
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := e.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("admin server shutdown failed")
			}
		}()
	}

	logger.Info().Msg("bot started")
	if err := transport.Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg("bot stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()

			if cfg.StoreDriver == config.StoreSQLite {
				sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath, cfg.SQLiteBusyTimeoutMS)
				if err != nil {
					return err
				}
				defer sqlDB.Close()
				if err := record.EnsureSQLiteSchema(ctx, sqlDB); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "SQLite schema ready at %s\n", cfg.SQLitePath)
				return nil
			}

			migrator, closeFn, err := newMigrator(ctx, cmd, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	addMigrateFlags(upCmd)
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StoreDriver == config.StoreSQLite {
				fmt.Fprintln(cmd.OutOrStdout(), "SQLite uses a built-in schema created on open; nothing to track.")
				return nil
			}

			ctx := context.Background()
			migrator, closeFn, err := newMigrator(ctx, cmd, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	addMigrateFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func addMigrateFlags(cmd *cobra.Command) {
	cmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	cmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
}

func newMigrator(ctx context.Context, cmd *cobra.Command, cfg *config.Config) (*db.Migrator, func(), error) {
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBTimeout)
	if err != nil {
		return nil, nil, err
	}
	migrator, err := db.NewMigrator(pool, dir, schema)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return migrator, pool.Close, nil
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// withStore runs fn against the configured store with a quiet logger.
func withStore(fn func(ctx context.Context, cfg *config.Config, st *store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, err := openStore(ctx, cfg, zerolog.Nop())
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, cfg, st)
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a session report",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "month [YYYY-MM]",
		Short: "Monthly report, current month by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st *store) error {
				engine := reporting.NewEngine(st.svc, cfg.CommissionRate)
				var (
					r   *reporting.Report
					err error
				)
				if len(args) == 1 {
					p, perr := record.ParseMonth(args[0], st.svc.Location())
					if perr != nil {
						return perr
					}
					r, err = engine.Monthly(ctx, p.Start.Year(), p.Start.Month())
				} else {
					r, err = engine.CurrentMonth(ctx)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), r.Text())
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "week [YYYY-MM-DD]",
		Short: "Weekly report with commission, current week by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st *store) error {
				engine := reporting.NewEngine(st.svc, cfg.CommissionRate)
				var (
					r   *reporting.Report
					err error
				)
				if len(args) == 1 {
					day, perr := time.ParseInLocation("2006-01-02", args[0], st.svc.Location())
					if perr != nil {
						return fmt.Errorf("%w: date must look like YYYY-MM-DD", record.ErrFormat)
					}
					r, err = engine.Weekly(ctx, day)
				} else {
					r, err = engine.CurrentWeek(ctx)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), r.Text())
				return nil
			})
		},
	})

	return cmd
}

func unpaidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpaid",
		Short: "List unpaid sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ *config.Config, st *store) error {
				items, err := st.svc.ListUnpaid(ctx)
				if err != nil {
					return err
				}
				printRecords(cmd.OutOrStdout(), items)
				return nil
			})
		},
	}
}

func printRecords(w io.Writer, items []*record.Record) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No unpaid sessions.")
		return
	}
	fmt.Fprintf(w, "%-6s %-30s %-16s %s\n", "ID", "NAME", "TYPE", "DATE")
	for _, rec := range items {
		fmt.Fprintf(w, "%-6d %-30s %-16s %s\n", rec.ID, rec.Name, rec.Type, rec.Date.Format("2006-01-02 15:04"))
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage admin API tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign an admin API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(jwtConfig(cfg), subject, roles, ttl, time.Now())
			if err != nil {
				if errors.Is(err, auth.ErrNoSigningKey) {
					return fmt.Errorf("ADMIN_SIGNING_KEY must be set to issue tokens")
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issueCmd.Flags().String("subject", "", "Token subject (who the token is for)")
	issueCmd.Flags().StringSlice("role", []string{"therapist"}, "Roles to grant (repeatable)")
	issueCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")

	cmd.AddCommand(issueCmd)
	return cmd
}
