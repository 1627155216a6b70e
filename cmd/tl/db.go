package main

import (
	"fmt"

	"github.com/intern3chat/threadline/internal/db"
	"github.com/spf13/cobra"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Threadline tables",
		Long:  "Creates the MySQL database when needed and migrates the thread, message and stream tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	dbCfg := cfg.Database

	// MySQL needs the database to exist before gorm can select it.
	if dbCfg.Driver == "mysql" && dbCfg.DSN == "" {
		adminDB, err := db.ConnectAdmin(dbCfg)
		if err != nil {
			return fmt.Errorf("connect to MySQL at %s:%d: %w", dbCfg.Host, dbCfg.Port, err)
		}
		err = db.CreateDatabase(adminDB, dbCfg.Name)
		db.Close(adminDB)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", dbCfg.Name)
	}

	gormDB, err := db.Open(dbCfg)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables (%s)\n", len(db.AllModels()), dbCfg.Driver)
	return nil
}
