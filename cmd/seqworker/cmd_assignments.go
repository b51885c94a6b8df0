/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/seqworker/internal/db"
	"github.com/friendsincode/seqworker/internal/history"
)

var assignmentsLimit int

var assignmentsCmd = &cobra.Command{
	Use:   "assignments",
	Short: "List recently finished work assignments",
	Long: `List the newest entries of the assignment journal.

Requires SEQWORKER_DB_DSN. Only assignments recorded for this worker's
SEQWORKER_CLIENT_GUID are shown.`,
	RunE: runAssignments,
}

func init() {
	assignmentsCmd.Flags().IntVarP(&assignmentsLimit, "limit", "n", 20, "Number of entries to show")
	rootCmd.AddCommand(assignmentsCmd)
}

func runAssignments(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if cfg.DBDSN == "" {
		return fmt.Errorf("SEQWORKER_DB_DSN is not set")
	}
	if cfg.ClientGUID == "" {
		return fmt.Errorf("SEQWORKER_CLIENT_GUID is not set")
	}

	database, err := db.Connect(cfg.DBBackend, cfg.DBDSN, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close(database)

	journal := history.NewJournal(database, nil, cfg.ClientGUID, logger)
	defer journal.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rows, err := journal.Recent(ctx, assignmentsLimit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tRESOURCE PATH\tENDED\tARTIFACT")
	for _, row := range rows {
		artifact := row.ArtifactURL
		if artifact == "" {
			artifact = row.SaveLocation
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", row.AssignmentID, row.Status, row.ResourcePath, row.EndedAt.Format(time.RFC3339), artifact)
	}
	return tw.Flush()
}
