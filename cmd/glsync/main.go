package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/glsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const serviceName = "glsync"

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "General ledger sync service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newTokenCommand(), newMigrateCommand(), newPublishCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database path or connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Operator token signing secret (overrides env)")
	cmd.PersistentFlags().String("aws-region", defaults.GetString("aws.region"), "AWS region")
	cmd.PersistentFlags().String("aws-endpoint", "", "AWS endpoint override for local stacks")
	cmd.PersistentFlags().String("sns-topic-arn", "", "SNS topic receiving status notifications")
	cmd.PersistentFlags().String("batch-job-queue", "", "AWS Batch job queue for publish jobs")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "aws.region", "aws-region")
	bindFlag(cmd, "aws.endpoint", "aws-endpoint")
	bindFlag(cmd, "sns.topic_arn", "sns-topic-arn")
	bindFlag(cmd, "batch.job_queue", "batch-job-queue")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
