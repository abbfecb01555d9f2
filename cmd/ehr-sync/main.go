package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/ehr/ehrsync/internal/config"
	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/platform/db"
	"github.com/ehr/ehrsync/internal/platform/middleware"
	"github.com/ehr/ehrsync/internal/syncer"
	"github.com/ehr/ehrsync/internal/syncrun"
	"github.com/ehr/ehrsync/pkg/pagination"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "ehr-sync",
		Short:        "Upstream EHR sync engine",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(runsCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync trigger API",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
	return cmd
}

func runServer(migrate bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if migrate {
		n, err := db.NewMigrator(pool, db.MigrationSource(cfg.MigrationsDir)).Up(ctx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")
	}

	eng, err := buildEngine(cfg, pool, logger)
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(eng.metrics.Middleware())
	e.Use(echomw.BodyLimit("1M"))

	e.GET("/health", db.HealthHandler(pool))
	e.GET("/metrics", eng.metrics.Handler())
	keys := auth.NewKeySet(cfg.APIKeys)
	if keys.Len() == 0 {
		logger.Warn().Msg("API_KEYS is empty; /api/v1 is unauthenticated")
	}
	apiV1 := e.Group("/api/v1", auth.APIKeyMiddleware(keys))
	syncer.NewHandler(eng.orch, eng.runs).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	eng.orch.Wait()
	logger.Info().Msg("server stopped")
	return nil
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			entities, _ := cmd.Flags().GetStringSlice("entities")
			scope, _ := cmd.Flags().GetString("scope")
			since, _ := cmd.Flags().GetString("since")

			req, err := buildRequest(entities, scope, since)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			eng, err := buildEngine(cfg, pool, logger)
			if err != nil {
				return err
			}

			run, err := eng.orch.Run(ctx, req)
			if err != nil {
				return err
			}
			eng.orch.Wait()
			return printJSON(cmd.OutOrStdout(), syncer.NewResponse(run))
		},
	}
	cmd.Flags().StringSlice("entities", nil, "Entity types to sync (default: all)")
	cmd.Flags().String("scope", "", "Opaque upstream scope filter")
	cmd.Flags().String("since", "", "Only sync records modified since this RFC 3339 time or date")
	return cmd
}

// buildRequest validates CLI flags the same way the HTTP trigger does.
func buildRequest(entities []string, scope, since string) (syncer.Request, error) {
	req := syncer.Request{Entities: splitEntities(entities)}
	if _, err := syncer.Normalize(req.Entities); err != nil {
		return req, err
	}
	if scope != "" {
		req.Scope = &scope
	}
	if since != "" {
		t, err := syncer.ParseSince(since)
		if err != nil {
			return req, err
		}
		req.Since = t
	}
	return req, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	cmd.PersistentFlags().String("dir", "", "Migrations directory (default: embedded)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := m.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func openMigrator(cmd *cobra.Command) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	pool, err := openPool(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, db.MigrationSource(dir)), pool.Close, nil
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
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

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and maintain sync runs",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sync runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			pg := pagination.Parse(strconv.Itoa(limit), strconv.Itoa(offset))

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			runs, total, err := syncrun.NewRepo(pool).List(cmd.Context(), pg.Limit, pg.Offset)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pagination.NewResponse(runs, total, pg.Limit, pg.Offset))
		},
	}
	listCmd.Flags().Int("limit", pagination.DefaultLimit, "Maximum runs to show")
	listCmd.Flags().Int("offset", 0, "Runs to skip")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "reap",
		Short: "Fail runs stuck in a non-terminal status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			recorder := syncrun.NewRecorder(syncrun.NewRepo(pool), cfg.SyncStaleAfter)
			n, err := recorder.ReapStale(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reaped %d stale run(s).\n", n)
			return nil
		},
	})

	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
