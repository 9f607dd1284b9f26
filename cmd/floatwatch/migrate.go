package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/floatwatch/internal/infrastructure/db"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := context.Background()
			m, err := db.NewManager(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Migrate(ctx); err != nil {
				return err
			}
			log.Info().Msg("Schema up to date")
			return nil
		},
	}
}
