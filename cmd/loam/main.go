// Command loam is the maintenance CLI: rebuild a database file, copy it
// compacted to a new path, hash its logical content, or list its schema.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/loamdb/loam"
	"github.com/loamdb/loam/catalog"
	"github.com/loamdb/loam/integrity"
	"github.com/loamdb/loam/logging"
)

func main() {
	root := &cobra.Command{
		Use:           "loam",
		Short:         "loam database maintenance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose := root.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	root.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		if *verbose {
			logging.SetOutput(os.Stderr, slog.LevelDebug)
		}
	}

	root.AddCommand(vacuumCmd(), hashCmd(), tablesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "loam:", err)
		os.Exit(1)
	}
}

func withDB(path string, fn func(*loam.DB) error) error {
	db, err := loam.Open(path, loam.Options{})
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func vacuumCmd() *cobra.Command {
	var into string
	cmd := &cobra.Command{
		Use:   "vacuum <db>",
		Short: "rebuild a database to reclaim space",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withDB(args[0], func(db *loam.DB) error {
				conn := db.Connect()
				if into != "" {
					return db.VacuumInto(conn, into)
				}
				return db.Vacuum(conn)
			})
		},
	}
	cmd.Flags().StringVar(&into, "into", "", "write the compacted copy to this path instead of rebuilding in place")
	return cmd
}

func hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <db>",
		Short: "print a digest of the database's logical content",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withDB(args[0], func(db *loam.DB) error {
				sum, err := integrity.HashContent(db.Engine())
				if err != nil {
					return err
				}
				fmt.Println(sum)
				return nil
			})
		},
	}
}

func tablesCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "tables <db>",
		Short: "list tables",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withDB(args[0], func(db *loam.DB) error {
				schema, err := db.Engine().Schema()
				if err != nil {
					return err
				}
				schema.Tables(func(t *catalog.Table) bool {
					if t.Hidden() && !all {
						return true
					}
					fmt.Printf("%s\t(root %d, %d columns)\n", t.Name, t.Root, len(t.Columns))
					return true
				})
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include hidden internal tables")
	return cmd
}
