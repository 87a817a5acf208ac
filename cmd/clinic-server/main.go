package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/phuocem/HealthCareCenter-sub000/internal/config"
	"github.com/phuocem/HealthCareCenter-sub000/internal/domain/scheduling"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/db"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/memstore"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/sandbox"
	"github.com/phuocem/HealthCareCenter-sub000/migrations"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "clinic-server",
		Short:        "Clinic appointment scheduling API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clinicCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(slotsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, _ := cmd.Flags().GetBool("seed")
			return runServer(seed)
		},
	}
	cmd.Flags().Bool("seed", false, "Load demo data into the default clinic on start (memory store only)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run clinic schema migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")
			return withPool(func(ctx context.Context, m *db.Migrator) error {
				schema := db.ClinicSchema(clinic)
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("clinic", "default", "Clinic whose schema is migrated")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")
			return withPool(func(ctx context.Context, m *db.Migrator) error {
				schema := db.ClinicSchema(clinic)
				statuses, err := m.Status(ctx, schema)
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
			})
		},
	}
	statusCmd.Flags().String("clinic", "default", "Clinic whose schema is inspected")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withPool(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func clinicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic",
		Short: "Manage clinics",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <id>",
		Short: "Create and migrate a clinic schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if !db.ValidClinicID(id) {
				return fmt.Errorf("invalid clinic identifier %q (lowercase letters, digits and underscores)", id)
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

			fmt.Printf("Creating clinic schema: %s\n", db.ClinicSchema(id))
			if err := db.CreateClinicSchema(ctx, pool, id, migrations.FS); err != nil {
				return err
			}
			fmt.Println("Clinic created successfully.")
			return nil
		},
	})
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load deterministic demo departments, doctors and schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")
			seedCfg := sandbox.DefaultSeedConfig()
			seedCfg.Departments, _ = cmd.Flags().GetInt("departments")
			seedCfg.DoctorsPerDepartment, _ = cmd.Flags().GetInt("doctors")
			seedCfg.Seed, _ = cmd.Flags().GetInt64("seed")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)
			ctx := context.Background()

			run := func(ctx context.Context, svc *scheduling.Service) error {
				res, err := sandbox.NewSeeder(seedCfg, svc, logger).Apply(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Seeded clinic %q: %d department(s), %d template(s)\n", clinic, len(res.Departments), res.Templates)
				for _, d := range res.Departments {
					fmt.Printf("  %s  %s\n", d.ID, d.Name)
					for _, doc := range d.Doctors {
						fmt.Printf("    %s  %s\n", doc.ID, doc.Name)
					}
				}
				return nil
			}

			if cfg.Store == config.StoreMemory {
				store := memstore.New()
				svc := scheduling.NewService(store.Doctors(), store.Templates(), store.Appointments(), scheduling.WithLogger(logger))
				return run(ctx, svc)
			}

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			svc := scheduling.NewService(
				scheduling.NewDoctorRepoPG(pool),
				scheduling.NewTemplateRepoPG(pool),
				scheduling.NewAppointmentRepoPG(pool),
				scheduling.WithLogger(logger),
			)
			return db.WithClinic(ctx, pool, clinic, func(ctx context.Context) error {
				return run(ctx, svc)
			})
		},
	}
	def := sandbox.DefaultSeedConfig()
	cmd.Flags().String("clinic", "default", "Target clinic")
	cmd.Flags().Int("departments", def.Departments, "Number of departments")
	cmd.Flags().Int("doctors", def.DoctorsPerDepartment, "Doctors per department")
	cmd.Flags().Int64("seed", def.Seed, "Random seed")
	return cmd
}
