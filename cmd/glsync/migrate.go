package main

import (
	"github.com/MarcoPoloResearchLab/glsync/internal/database"
	"github.com/MarcoPoloResearchLab/glsync/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(viper.GetString("log.level"), serviceName)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.Open(database.Config{
				Driver: viper.GetString("database.driver"),
				DSN:    viper.GetString("database.dsn"),
			}, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	}
}
