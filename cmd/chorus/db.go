package main

import (
	"fmt"

	"github.com/chorusbot/chorus/internal/config"
	"github.com/chorusbot/chorus/internal/db"
	"github.com/chorusbot/chorus/internal/registry"
	"github.com/spf13/cobra"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBStatusCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Chorus database",
		Long:  "Creates the database file if needed and migrates all tables. Safe to re-run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables (%s)\n", len(db.AllModels()), cfg.Database.Driver)
	return nil
}

func newDBStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored assistants and settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBStatus(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	return cmd
}

func runDBStatus(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	reg, err := registry.New(gormDB)
	if err != nil {
		return err
	}

	recs, err := reg.GetAll()
	if err != nil {
		return err
	}
	settings, err := reg.AutoLeave()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%d assistants stored\n", len(recs))
	for _, rec := range recs {
		state := "inactive"
		if rec.Active {
			state = "active"
		}
		fmt.Fprintf(out, "  #%d %-20s %s  calls=%d  added=%s\n",
			rec.ID, rec.Name, state, rec.TotalCalls, rec.AddedAt.Format("2006-01-02"))
	}
	enabled := "off"
	if settings.Enabled {
		enabled = "on"
	}
	fmt.Fprintf(out, "Auto-leave: %s (%d min)\n", enabled, settings.TimeoutMinutes)
	return nil
}
