package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Minnerman/dental-pms-sub000/internal/config"
	"github.com/Minnerman/dental-pms-sub000/internal/domain/patient"
	"github.com/Minnerman/dental-pms-sub000/internal/platform/auth"
	"github.com/Minnerman/dental-pms-sub000/internal/platform/db"
	"github.com/Minnerman/dental-pms-sub000/internal/platform/middleware"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/identity"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/importer"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/linkage"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/parity"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/runner"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
)

// PatientDirectoryAdapter adapts the patient service to the resolver's view
// of the live patient base, avoiding a dependency from the r4 packages onto
// the patient domain.
type PatientDirectoryAdapter struct {
	svc *patient.Service
}

func (a *PatientDirectoryAdapter) Lookup(ctx context.Context, id uuid.UUID) (bool, bool, error) {
	return a.svc.Lookup(ctx, id)
}

func (a *PatientDirectoryAdapter) SearchCandidates(ctx context.Context, surname string, limit int) ([]identity.Candidate, error) {
	patients, err := a.svc.SearchBySurname(ctx, surname, limit)
	if err != nil {
		return nil, err
	}
	candidates := make([]identity.Candidate, 0, len(patients))
	for _, p := range patients {
		candidates = append(candidates, identity.Candidate{
			ID:        p.ID,
			Surname:   p.Surname,
			Forename:  p.Forename,
			BirthDate: p.BirthDate,
			Postcode:  p.Postcode,
			Phone:     p.Phone,
			Deleted:   p.Deleted(),
		})
	}
	return candidates, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "pms-server",
		Short: "Dental practice management API server and legacy import tooling",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(verifyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the PMS API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// buildPipeline wires the import pipeline against the destination pool and
// the read-only legacy source connection.
func buildPipeline(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*runner.Runner, *source.Reader, error) {
	if cfg.R4.DSN == "" {
		return nil, nil, fmt.Errorf("R4_DSN is required for legacy source access")
	}
	legacyDB, err := sql.Open("pgx", cfg.R4.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open legacy source: %w", err)
	}

	reader, err := source.NewReader(legacyDB, source.Config{
		SourceName:   cfg.R4.SourceName,
		Timezone:     cfg.R4.Timezone,
		QueryTimeout: cfg.R4.QueryTimeout,
		MaxRetries:   cfg.R4.MaxRetries,
		RetryBackoff: cfg.R4.RetryBackoff,
		PerioJoin:    source.JoinStrategy(cfg.R4.PerioJoinColumn),
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	patientSvc := patient.NewService(patient.NewPgRepository(pool), logger)
	directory := &PatientDirectoryAdapter{svc: patientSvc}

	issueSvc := linkage.NewService(
		linkage.NewPgIssueRepository(pool),
		linkage.NewPgManualMappingRepository(pool),
		directory, logger)

	resolver := identity.NewResolver(cfg.R4.SourceName,
		identity.NewPgMappingStore(pool), issueSvc, directory, logger)

	writer := importer.NewWriter(importer.NewPgRecordStore(pool), logger)
	checkpoints := importer.NewPgCheckpointStore(pool)

	return runner.New(reader, resolver, writer, checkpoints, issueSvc, cfg.R4.BatchDelay, logger), reader, nil
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import legacy R4 entities into the destination store",
		RunE: func(cmd *cobra.Command, args []string) error {
			entityFlag, _ := cmd.Flags().GetString("entity")
			modeFlag, _ := cmd.Flags().GetString("mode")
			batch, _ := cmd.Flags().GetInt("batch")
			resume, _ := cmd.Flags().GetBool("resume")
			workers, _ := cmd.Flags().GetInt("workers")
			delay, _ := cmd.Flags().GetDuration("delay")

			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			mode, err := importer.ParseMode(modeFlag)
			if err != nil {
				return err
			}
			window, err := windowFromFlags(cmd)
			if err != nil {
				return err
			}
			if batch <= 0 {
				batch = cfg.ImportBatch
			}
			if workers <= 0 {
				workers = cfg.ImportWorkers
			}
			if cmd.Flags().Changed("delay") {
				cfg.R4.BatchDelay = delay
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			run, _, err := buildPipeline(cfg, pool, logger)
			if err != nil {
				return err
			}

			var entities []source.EntityType
			if entityFlag == "all" {
				entities = source.AllEntities
			} else {
				entity, err := source.ParseEntityType(entityFlag)
				if err != nil {
					return err
				}
				entities = []source.EntityType{entity}
			}

			specs := make([]runner.RunSpec, 0, len(entities))
			for _, entity := range entities {
				specs = append(specs, runner.RunSpec{
					Entity:    entity,
					Window:    window,
					Mode:      mode,
					BatchSize: batch,
					Resume:    resume,
				})
			}

			results, runErr := run.RunAll(ctx, specs, workers)
			out, _ := json.MarshalIndent(results, "", "  ")
			fmt.Println(string(out))
			return runErr
		},
	}
	cmd.Flags().String("entity", "all", "Entity type to import, or 'all'")
	cmd.Flags().String("mode", "dry_run", "dry_run or apply")
	cmd.Flags().Int("batch", 0, "Batch size (defaults to IMPORT_BATCH_SIZE)")
	cmd.Flags().Bool("resume", false, "Resume from the stored checkpoint")
	cmd.Flags().Int("workers", 0, "Concurrent entity runs (defaults to IMPORT_WORKERS)")
	cmd.Flags().Duration("delay", 0, "Pause between batches (defaults to R4_BATCH_DELAY)")
	addWindowFlags(cmd)
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run a source/destination parity check",
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, _ := cmd.Flags().GetInt("workers")

			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			window, err := windowFromFlags(cmd)
			if err != nil {
				return err
			}
			if workers <= 0 {
				workers = cfg.ImportWorkers
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			_, reader, err := buildPipeline(cfg, pool, logger)
			if err != nil {
				return err
			}

			verifier := parity.NewVerifier(
				parity.NewSourceSide(reader),
				parity.NewDestSide(pool, cfg.R4.SourceName, reader.Location()),
				source.AllEntities, workers, logger)

			report, err := verifier.Run(ctx, window)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Println(string(out))
			if report.Overall == parity.OutcomeFail {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().Int("workers", 0, "Concurrent domain checks (defaults to IMPORT_WORKERS)")
	addWindowFlags(cmd)
	return cmd
}

func addWindowFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("from-id", 0, "Window lower bound, inclusive (identifier)")
	cmd.Flags().Int64("to-id", 0, "Window upper bound, exclusive (identifier)")
	cmd.Flags().String("from-date", "", "Window lower bound, inclusive (YYYY-MM-DD)")
	cmd.Flags().String("to-date", "", "Window upper bound, exclusive (YYYY-MM-DD)")
}

func windowFromFlags(cmd *cobra.Command) (source.Window, error) {
	var w source.Window
	if cmd.Flags().Changed("from-id") {
		v, _ := cmd.Flags().GetInt64("from-id")
		w.FromID = &v
	}
	if cmd.Flags().Changed("to-id") {
		v, _ := cmd.Flags().GetInt64("to-id")
		w.ToID = &v
	}
	if v, _ := cmd.Flags().GetString("from-date"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return w, fmt.Errorf("invalid from-date: %w", err)
		}
		w.FromDate = &t
	}
	if v, _ := cmd.Flags().GetString("to-date"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return w, fmt.Errorf("invalid to-date: %w", err)
		}
		w.ToDate = &t
	}
	return w, w.Validate()
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	apiV1 := e.Group("/api/v1")

	patientRepo := patient.NewPgRepository(pool)
	patientSvc := patient.NewService(patientRepo, logger)
	patient.NewHandler(patientSvc).Register(apiV1)

	directory := &PatientDirectoryAdapter{svc: patientSvc}
	issueSvc := linkage.NewService(
		linkage.NewPgIssueRepository(pool),
		linkage.NewPgManualMappingRepository(pool),
		directory, logger)

	importGroup := apiV1.Group("/import")
	linkage.NewHandler(issueSvc).Register(importGroup)
	importer.NewHandler(importer.NewPgRecordStore(pool)).Register(importGroup)

	// Parity over HTTP needs the legacy source reachable; wired only when a
	// DSN is configured.
	if cfg.R4.DSN != "" {
		legacyDB, err := sql.Open("pgx", cfg.R4.DSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open legacy source")
		}
		reader, err := source.NewReader(legacyDB, source.Config{
			SourceName:   cfg.R4.SourceName,
			Timezone:     cfg.R4.Timezone,
			QueryTimeout: cfg.R4.QueryTimeout,
			MaxRetries:   cfg.R4.MaxRetries,
			RetryBackoff: cfg.R4.RetryBackoff,
			PerioJoin:    source.JoinStrategy(cfg.R4.PerioJoinColumn),
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build legacy reader")
		}
		verifier := parity.NewVerifier(
			parity.NewSourceSide(reader),
			parity.NewDestSide(pool, cfg.R4.SourceName, reader.Location()),
			source.AllEntities, cfg.ImportWorkers, logger)
		parity.NewHandler(verifier).Register(importGroup)
	}

	// Graceful shutdown.
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	logger.Info().Msg("server stopped")
	return nil
}
