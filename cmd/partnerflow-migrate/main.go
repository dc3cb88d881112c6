// cmd/partnerflow-migrate/main.go
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mikedrai/gep-partner-system-sub001/internal/config"
	internal_storage "github.com/mikedrai/gep-partner-system-sub001/internal/storage"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "partnerflow-migrate"}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		// Load .env if present
		if err := godotenv.Load(); err != nil {
			fmt.Printf("No .env file found or failed to load: %v. Using --db flag.\n", err)
		}

		connStr, _ := cmd.Flags().GetString("db")
		if connStr == "" {
			// Fallback to the DB_* settings of the regular configuration
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Printf("Error: --db flag or a valid configuration is required: %v\n", err)
				os.Exit(1)
			}
			connStr = cfg.DSN()
		}

		source, _ := cmd.Flags().GetString("source")
		if err := internal_storage.Migrate(source, connStr); err != nil {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

func main() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	migrateCmd.Flags().String("config", "", "Path to config.yaml")
	migrateCmd.Flags().String("source", "file://migrations", "Migration source URL")
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
