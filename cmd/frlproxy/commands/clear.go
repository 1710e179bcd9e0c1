// SPDX-License-Identifier: MIT

package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/frlproxy/frlproxy/internal/store"
)

func newClearCmd() *cobra.Command {
	var (
		requests  bool
		responses bool
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete journaled requests, responses or both",
		Long: `clear truncates the journal. Clearing responses alone also empties the
cache and returns answered requests to the pending queue; clearing
requests removes everything that refers to them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !requests && !responses && !all {
				return usageError{errors.New("nothing selected: pass --requests, --responses or --all")}
			}
			if all {
				requests, responses = true, true
			}

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

			if err := st.Clear(cmd.Context(), requests, responses); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "journal cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&requests, "requests", false, "clear journaled requests (implies clearing responses)")
	cmd.Flags().BoolVar(&responses, "responses", false, "clear journaled responses and the cache")
	cmd.Flags().BoolVar(&all, "all", false, "clear everything")
	return cmd
}
