package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sessync/ses-local/internal/config"
	"github.com/sessync/ses-local/internal/store"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Local database schema management",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	return cmd
}

func openStore() *store.Store {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	return st
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Run: func(cmd *cobra.Command, args []string) {
			st := openStore() // Open applies pending migrations
			defer st.Close()
			v, err := st.SchemaVersion()
			if err != nil {
				fmt.Fprintf(os.Stderr, "schema version: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("schema at version %d\n", v)
		},
	}
}

func migrateDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Run: func(cmd *cobra.Command, args []string) {
			st := openStore()
			defer st.Close()
			if err := st.MigrateDown(); err != nil {
				fmt.Fprintf(os.Stderr, "migrate down: %v\n", err)
				os.Exit(1)
			}
			v, _ := st.SchemaVersion()
			fmt.Printf("schema rolled back to version %d\n", v)
		},
	}
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Run: func(cmd *cobra.Command, args []string) {
			st := openStore()
			defer st.Close()
			v, err := st.SchemaVersion()
			if err != nil {
				fmt.Fprintf(os.Stderr, "schema version: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%d\n", v)
		},
	}
}
