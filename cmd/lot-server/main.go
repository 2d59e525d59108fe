package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/oncolot/oncolot/internal/config"
	"github.com/oncolot/oncolot/internal/domain/lot"
	"github.com/oncolot/oncolot/internal/domain/rules"
	"github.com/oncolot/oncolot/internal/platform/auth"
	"github.com/oncolot/oncolot/internal/platform/db"
	"github.com/oncolot/oncolot/internal/platform/metrics"
	"github.com/oncolot/oncolot/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lot-server",
		Short: "Line-of-therapy inference service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(synthCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the LOT API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func loadRules(path string) (*rules.Resolved, error) {
	f, err := rules.Load(path)
	if err != nil {
		return nil, err
	}
	return rules.Resolve(f)
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
			schema, _ := cmd.Flags().GetString("schema")
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
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
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
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
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
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

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

			fmt.Printf("Creating tenant schema: tenant_%s\n", name)
			if err := db.CreateTenantSchema(ctx, pool, name, ""); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully. Apply migrations with: lot-server migrate up --schema tenant_" + name)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// assignCmd runs the engine offline: CSV in, line tables out. No database
// or server involved, so it is usable on exported cohorts directly.
func assignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign lines of therapy for a CSV cohort",
		RunE: func(cmd *cobra.Command, args []string) error {
			inPath, _ := cmd.Flags().GetString("input")
			summaryPath, _ := cmd.Flags().GetString("summary")
			detailPath, _ := cmd.Flags().GetString("detail")
			rulesPath, _ := cmd.Flags().GetString("rules")
			workers, _ := cmd.Flags().GetInt("workers")

			if inPath == "" {
				return fmt.Errorf("--input is required")
			}

			resolved, err := loadRules(rulesPath)
			if err != nil {
				return err
			}

			in, err := os.Open(inPath)
			if err != nil {
				return err
			}
			defer in.Close()

			cohort, err := lot.ReadAdministrationsCSV(in)
			if err != nil {
				return err
			}

			assigner := lot.NewAssigner(resolved)
			started := time.Now()
			batch, err := assigner.RunBatch(cmd.Context(), cohort, workers)
			if err != nil {
				return err
			}

			if summaryPath != "" {
				f, err := os.Create(summaryPath)
				if err != nil {
					return err
				}
				if err := lot.WriteSummaryCSV(f, batch.Results); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
			}
			if detailPath != "" {
				f, err := os.Create(detailPath)
				if err != nil {
					return err
				}
				if err := lot.WriteDetailCSV(f, batch.Results); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
			}

			fmt.Printf("Processed %d patient(s) in %s: %d line(s) assigned, %d failure(s)\n",
				len(batch.Results), time.Since(started).Round(time.Millisecond),
				batch.LinesAssigned(), len(batch.Failures))

			dist := batch.MaxLineDistribution()
			maxLines := make([]int, 0, len(dist))
			for n := range dist {
				maxLines = append(maxLines, n)
			}
			sort.Ints(maxLines)
			for _, n := range maxLines {
				fmt.Printf("  max line %d: %d patient(s)\n", n, dist[n])
			}

			for _, failure := range batch.Failures {
				fmt.Fprintf(os.Stderr, "FAILED %s: %s\n", failure.PatientID, failure.Error)
			}
			if len(batch.Failures) > 0 {
				return fmt.Errorf("%d patient(s) failed", len(batch.Failures))
			}
			return nil
		},
	}
	cmd.Flags().String("input", "", "Input administrations CSV")
	cmd.Flags().String("summary", "", "Output path for the per-line summary CSV")
	cmd.Flags().String("detail", "", "Output path for the per-administration detail CSV")
	cmd.Flags().String("rules", "rules/crc.yaml", "Rules file")
	cmd.Flags().Int("workers", 0, "Worker count (0 = NumCPU)")
	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect rule files",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a rules file and print its resolved parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			rulesPath, _ := cmd.Flags().GetString("rules")

			resolved, err := loadRules(rulesPath)
			if err != nil {
				return err
			}

			fmt.Printf("Rules file %s is valid.\n", rulesPath)
			fmt.Printf("  cancer type:               %s\n", resolved.CancerType)
			fmt.Printf("  gap restart days:          %d\n", resolved.GapRestartDays)
			fmt.Printf("  initial window days:       %d\n", rules.InitialWindowDays)
			fmt.Printf("  biologic general window:   %d\n", resolved.BiologicGeneralWindowDays)
			fmt.Printf("  biologic exception window: %d\n", resolved.BiologicExceptionWindowDays)
			fmt.Printf("  chemo supplement window:   %d\n", resolved.ChemoSupplementWindowDays)
			fmt.Printf("  standard regimens:         %d\n", len(resolved.StandardRegimens))
			fmt.Printf("  fingerprint:               %s\n", resolved.Fingerprint)
			return nil
		},
	}
	validateCmd.Flags().String("rules", "rules/crc.yaml", "Rules file")
	cmd.AddCommand(validateCmd)

	return cmd
}

// synthCmd writes a deterministic synthetic cohort in the input CSV layout.
func synthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Generate a synthetic cohort CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			outPath, _ := cmd.Flags().GetString("output")
			n, _ := cmd.Flags().GetInt("patients")
			seed, _ := cmd.Flags().GetInt64("seed")
			startStr, _ := cmd.Flags().GetString("start")

			start, err := time.Parse("2006-01-02", startStr)
			if err != nil {
				return fmt.Errorf("invalid --start date: %w", err)
			}

			cohort := lot.NewSynthesizer(seed).Cohort(n, start)

			out := os.Stdout
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			if err := lot.WriteAdministrationsCSV(out, cohort); err != nil {
				return err
			}
			if outPath != "" {
				fmt.Printf("Wrote %d synthetic patient(s) to %s\n", n, outPath)
			}
			return nil
		},
	}
	cmd.Flags().String("output", "", "Output CSV path (default stdout)")
	cmd.Flags().Int("patients", 100, "Number of patients to generate")
	cmd.Flags().Int64("seed", 1, "Random seed")
	cmd.Flags().String("start", "2020-01-01", "Earliest treatment start date")
	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Rules
	resolved, err := loadRules(cfg.RulesPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.RulesPath).Msg("failed to load rules")
	}
	logger.Info().
		Str("cancer_type", resolved.CancerType).
		Str("fingerprint", resolved.Fingerprint).
		Msg("rules loaded")

	// Storage
	ctx := context.Background()
	var repo lot.Repository
	var pool *pgxpool.Pool
	if cfg.UseSQLite() {
		sqliteRepo, sqliteDB, err := lot.NewRepoSQLite(cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open sqlite database")
		}
		defer sqliteDB.Close()
		repo = sqliteRepo
		logger.Info().Str("path", cfg.SQLitePath).Msg("using embedded sqlite storage")
	} else {
		pg, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pg.Close()
		pool = pg
		repo = lot.NewRepoPG(pg)
		logger.Info().Msg("connected to database")
	}

	// Service
	svc, err := lot.NewService(repo, resolved, cfg.Workers, cfg.CacheSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build service")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(60 * time.Second))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.IngestLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	// Auth middleware
	switch cfg.ResolvedAuthMode() {
	case "development":
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	case "secret":
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.JWTSecret),
			Skipper:    auth.AuthSkipper,
		}))
	default:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}))
	}

	// Tenant middleware binds each request to its tenant schema. Only
	// meaningful on Postgres; the sqlite deployment is single-tenant.
	if pool != nil {
		e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	}

	// Audit middleware
	e.Use(middleware.Audit(logger))

	// API group
	apiV1 := e.Group("/api/v1")

	// Rate limiting middleware
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", metrics.Handler())

	// Domain routes
	lot.NewHandler(svc).RegisterRoutes(apiV1)

	addr := ":" + cfg.Port
	logger.Info().Str("addr", addr).Msg("starting server")
	if cfg.TLSEnabled {
		return e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
	}
	return e.Start(addr)
}
