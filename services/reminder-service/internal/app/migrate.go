package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stoik/cooldown/services/reminder-service/internal/db"
	"github.com/stoik/cooldown/services/reminder-service/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create database tables",
	Long:  "Applies the schema for the configured store driver. SQLite databases are also migrated on every start.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cfg := loadConfig().Store

		switch strings.ToLower(cfg.Driver) {
		case "postgres", "postgresql", "pgx":
			if _, err := db.Init(ctx, cfg.DSN); err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer db.Close()

			schema, err := store.PostgresSchema()
			if err != nil {
				return err
			}
			fmt.Println("Running migrations...")
			if _, err := db.Pool.Exec(ctx, schema); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		case "sqlite", "sqlite3":
			s, err := store.OpenSQLite(ctx, cfg.Path, cfg.BusyTimeout)
			if err != nil {
				return fmt.Errorf("failed to migrate sqlite database: %w", err)
			}
			_ = s.Close()
		default:
			return fmt.Errorf("driver %q has no schema", cfg.Driver)
		}

		fmt.Printf("✓ Database setup complete (%s)\n", cfg.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
