// SPDX-License-Identifier: MIT

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/frlproxy/frlproxy/internal/forwarder"
	"github.com/frlproxy/frlproxy/internal/store"
	"github.com/frlproxy/frlproxy/internal/upstream"
)

func newForwardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forward",
		Short: "Replay the pending journal against the upstream services once",
		Args:  cobra.NoArgs,
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

			client, err := upstream.New(cfg)
			if err != nil {
				return err
			}

			fwd := forwarder.New(st, client, func() string { return cfg.Mode })
			result, err := fwd.Drain(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forwarded %d, failed %d, remaining %d\n",
				result.Forwarded, result.Failed, result.Remaining)
			if result.Failed > 0 && result.Forwarded == 0 {
				return errUnreachable
			}
			return nil
		},
	}
}
