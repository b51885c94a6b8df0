/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/friendsincode/seqworker/internal/sequence"
)

var sequencesJSON bool

var sequencesCmd = &cobra.Command{
	Use:   "sequences",
	Short: "List the sequence catalog",
	Long: `List every sequence found under SEQWORKER_SEQUENCE_DIR.

Files that fail to parse are left out, exactly as they are left out of the
catalog announced to dashboards and the orchestrator.`,
	RunE: runSequences,
}

func init() {
	sequencesCmd.Flags().BoolVar(&sequencesJSON, "json", false, "Print the catalog as JSON")
	rootCmd.AddCommand(sequencesCmd)
}

func runSequences(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	catalog := sequence.NewCatalog(sequence.NewFileResolver(cfg.SequenceDir))
	if _, err := catalog.Refresh(); err != nil {
		return fmt.Errorf("scan sequences: %w", err)
	}
	infos := catalog.Snapshot()

	out := cmd.OutOrStdout()
	if sequencesJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE PATH\tNAME\tDESCRIPTION")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", info.ResourcePath, info.Name, info.Description)
	}
	return tw.Flush()
}
