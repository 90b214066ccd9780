// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/resume"
	"github.com/ManuGH/jalop/internal/jnl/status"
)

type resumeReport struct {
	Dir           string   `json:"dir"`
	RecordType    string   `json:"record_type"`
	StartSerialID string   `json:"start_serial_id"`
	Resuming      bool     `json:"resuming"`
	ResumeID      string   `json:"resume_id,omitempty"`
	ResumeOffset  int64    `json:"resume_offset,omitempty"`
	Delete        []string `json:"delete"`
}

func newResumeCmd() *cobra.Command {
	var (
		dir        string
		recordType string
		backend    string
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Show where the next subscription of a record directory would start",
		Long: `Reads the status of every record in a subscriber record directory and
prints the resume plan without changing anything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				return usagef("--dir is required")
			}
			rt, err := jnl.ParseRecordType(recordType)
			if err != nil {
				return usagef("--type: %v", err)
			}
			store, err := status.Open(backend, dir, status.Options{})
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			plan, err := resume.Plan(rt, entries)
			if err != nil {
				return err
			}
			report := resumeReport{
				Dir:           dir,
				RecordType:    rt.String(),
				StartSerialID: plan.StartSerialID,
				Resuming:      plan.Resuming(),
				ResumeID:      plan.ResumeID,
				ResumeOffset:  plan.ResumeOffset,
				Delete:        plan.Delete,
			}
			if report.Delete == nil {
				report.Delete = []string{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "record directory, e.g. <dataDir>/records/<peer>/journal")
	cmd.Flags().StringVar(&recordType, "type", "journal", "record type of the directory")
	cmd.Flags().StringVar(&backend, "backend", status.BackendFile, "status store backend: file, sqlite or badger")
	return cmd
}
