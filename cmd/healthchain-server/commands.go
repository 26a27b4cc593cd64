package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/healthchain/healthchain/internal/config"
	"github.com/healthchain/healthchain/internal/ledger"
	"github.com/healthchain/healthchain/internal/platform/db"
	"github.com/healthchain/healthchain/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.Files, schema)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.Files, schema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

// openLedger opens the ledger named by the configuration. The ledger commands
// do not need the database, so DATABASE_URL may be unset here.
func openLedger(cmd *cobra.Command) (*ledger.Chain, error) {
	cfg, err := config.LoadWithoutDatabase()
	if err != nil {
		return nil, err
	}
	path, _ := cmd.Flags().GetString("path")
	if path == "" {
		path = cfg.LedgerPath
	}
	return ledger.Open(ledger.Options{Path: path, Owner: cfg.LedgerOwnerAddress, Logger: newLogger()})
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Administer and inspect the embedded ledger",
	}
	cmd.PersistentFlags().String("path", "", "Ledger directory (defaults to LEDGER_PATH)")

	authorize := func(use, short string, fn func(c *ledger.Chain, addr string) (ledger.Receipt, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <address>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				chain, err := openLedger(cmd)
				if err != nil {
					return err
				}
				defer chain.Close()
				receipt, err := fn(chain, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), receipt)
			},
		}
	}
	cmd.AddCommand(authorize("authorize-doctor", "Add a doctor to the record allowlist",
		func(c *ledger.Chain, addr string) (ledger.Receipt, error) {
			return ledger.NewRecordLedger(c).AuthorizeDoctor(c.Owner(), addr)
		}))
	cmd.AddCommand(authorize("authorize-insurer", "Add an insurer to the claim allowlist",
		func(c *ledger.Chain, addr string) (ledger.Receipt, error) {
			return ledger.NewClaimLedger(c).AuthorizeInsurer(c.Owner(), addr)
		}))

	cmd.AddCommand(&cobra.Command{
		Use:   "claim <claim-id>",
		Short: "Show a claim as recorded on the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer chain.Close()
			entry, err := ledger.NewClaimLedger(chain).GetClaim(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entry)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "records <patient-address>",
		Short: "List the record pointers of a patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer chain.Close()
			entries, err := ledger.NewRecordLedger(chain).GetRecords(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check every hash link of the chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer chain.Close()
			if err := chain.Verify(); err != nil {
				return err
			}
			height, head := chain.Head()
			fmt.Fprintf(cmd.OutOrStdout(), "ledger ok: height %d, head %s\n", height, head)
			return nil
		},
	})

	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithoutDatabase()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(cfg.Redacted())
		},
	})
	return cmd
}

