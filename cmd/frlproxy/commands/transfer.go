// SPDX-License-Identifier: MIT

package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/frlproxy/frlproxy/internal/log"
	"github.com/frlproxy/frlproxy/internal/store"
	"github.com/frlproxy/frlproxy/internal/version"
)

// The export and import commands move journal blobs between an isolated
// proxy and a connected one by sneakernet.

func newExportCmd() *cobra.Command {
	var responses bool
	cmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Write the pending journal (or the stored responses) as a transport blob",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// The blob may go to stdout; keep logs off it.
			log.Configure(log.Config{Level: cfg.Logging.Level, Output: os.Stderr, Version: version.Version})

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			origin := uuid.NewString()
			run := func(w io.Writer) (store.ExportResult, error) {
				if responses {
					return st.ExportResponses(cmd.Context(), w, origin)
				}
				return st.ExportPending(cmd.Context(), w, origin)
			}

			var result store.ExportResult
			if len(args) == 0 {
				result, err = run(cmd.OutOrStdout())
			} else {
				var pf *renameio.PendingFile
				pf, err = renameio.NewPendingFile(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = pf.Cleanup() }()
				if result, err = run(pf); err == nil {
					err = pf.CloseAtomicallyReplace()
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d requests, %d responses\n", result.Requests, result.Responses)
			return nil
		},
	}
	cmd.Flags().BoolVar(&responses, "responses", false, "export stored responses instead of pending requests")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Load a transport blob into the journal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			configureLogging(cfg)

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				r = f
			}

			result, err := st.Import(cmd.Context(), r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d requests, %d responses, skipped %d\n",
				result.Requests, result.Responses, result.Skipped)
			return nil
		},
	}
}
