package main

import (
	"os"
	"slices"
	"strings"

	"github.com/nimasrn/mass-mailer/internal/config"
	"github.com/nimasrn/mass-mailer/pkg/logger"
	"github.com/nimasrn/mass-mailer/pkg/pg"
)

// main.go [migrate|rollback] --env=.env --dir=./migrations
func main() {
	err := config.Load(getEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	pgConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
		SSLMode:  config.Get().PostgresSSLMode,

		ApplicationName: config.Get().AppName + "-migrate",
	}
	dir := getMigrationPath()

	if slices.Contains(os.Args[1:], "rollback") {
		if err := pg.Rollback(pgConf, dir); err != nil {
			logger.Error("migration: error rolling back", "error", err)
			os.Exit(1)
		}
		logger.Info("migration: rolled back one version", "dir", dir)
		return
	}

	if err := pg.Migrate(pgConf, dir); err != nil {
		logger.Error("migration: error running migrations", "error", err)
		os.Exit(1)
	}
}

func getEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Stat(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	if _, err := os.Stat(".env"); err != nil {
		return ""
	}
	return ".env"
}

func getMigrationPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--dir=") {
			return strings.SplitN(v, "=", 2)[1]
		}
	}
	if dir := config.Get().MigrationsDir; dir != "" {
		return dir
	}
	return "./migrations"
}
