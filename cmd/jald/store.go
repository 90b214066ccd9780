// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ManuGH/jalop/internal/daemon"
	"github.com/ManuGH/jalop/internal/persistence/sqlite"
)

const sqliteStatusFile = "status.sqlite"

func newStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Status store maintenance",
	}
	cmd.AddCommand(newStoreVerifyCmd())
	return cmd
}

func newStoreVerifyCmd() *cobra.Command {
	var (
		path    string
		dataDir string
		mode    string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the integrity of SQLite status stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode = strings.ToLower(strings.TrimSpace(mode))
			if mode != string(sqlite.VerifyQuick) && mode != string(sqlite.VerifyFull) {
				return usagef("invalid mode %q, use quick or full", mode)
			}
			if (path == "") == (dataDir == "") {
				return usagef("exactly one of --path or --data-dir is required")
			}

			dbs := []string{path}
			if dataDir != "" {
				var err error
				if dbs, err = findStatusDatabases(filepath.Join(dataDir, daemon.RecordsDir)); err != nil {
					return err
				}
				if len(dbs) == 0 {
					return fmt.Errorf("no %s found under %s", sqliteStatusFile, dataDir)
				}
			}

			out := cmd.OutOrStdout()
			var failed int
			for _, db := range dbs {
				issues, err := sqlite.VerifyIntegrity(cmd.Context(), db, sqlite.VerifyMode(mode))
				switch {
				case err != nil:
					failed++
					_, _ = fmt.Fprintf(out, "ERROR %s: %v\n", db, err)
				case issues != nil:
					failed++
					_, _ = fmt.Fprintf(out, "CORRUPT %s\n", db)
					for _, issue := range issues {
						_, _ = fmt.Fprintf(out, "  - %s\n", issue)
					}
				default:
					_, _ = fmt.Fprintf(out, "OK %s\n", db)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d status stores failed verification", failed, len(dbs))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "path to a single status.sqlite file")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "verify every status store below <data-dir>/records")
	cmd.Flags().StringVar(&mode, "mode", string(sqlite.VerifyQuick), "verification mode: quick or full")
	return cmd
}

func findStatusDatabases(root string) ([]string, error) {
	var dbs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == sqliteStatusFile {
			dbs = append(dbs, p)
		}
		return nil
	})
	return dbs, err
}
