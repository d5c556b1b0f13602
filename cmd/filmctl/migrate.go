package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/filmgen/backend/internal/database"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the application schema",
	}
	for _, dir := range []database.Direction{database.Up, database.Down} {
		cmd.AddCommand(&cobra.Command{
			Use:   string(dir),
			Short: migrateShort(dir),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				if err := database.Migrate(cfg.Database.URL, cfg.Database.MigrationsPath, dir); err != nil {
					return err
				}
				if dir == database.Up {
					pool, err := database.Open(cmd.Context(), cfg.Database.URL)
					if err != nil {
						return err
					}
					defer pool.Close()
					if err := database.MigrateRiver(cmd.Context(), pool); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: done\n", dir)
				return nil
			},
		})
	}
	return cmd
}

func migrateShort(dir database.Direction) string {
	if dir == database.Down {
		return "Roll back the most recent migration"
	}
	return "Apply all pending migrations, including the job queue tables"
}
