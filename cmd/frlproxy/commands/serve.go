// SPDX-License-Identifier: MIT

package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/frlproxy/frlproxy/internal/forwarder"
	"github.com/frlproxy/frlproxy/internal/log"
	"github.com/frlproxy/frlproxy/internal/proxy"
	"github.com/frlproxy/frlproxy/internal/store"
	"github.com/frlproxy/frlproxy/internal/tlsutil"
	"github.com/frlproxy/frlproxy/internal/upstream"
)

func newServeCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Mode = mode
				if err := cfg.Validate(); err != nil {
					return usageError{err}
				}
			}
			configureLogging(cfg)
			logger := log.WithComponent("serve")

			if cfg.SSL.Enabled {
				certPath, keyPath, err := tlsutil.EnsureCertificates(cfg.SSL.CertPath, cfg.SSL.KeyPath, logger)
				if err != nil {
					return err
				}
				cfg.SSL.CertPath, cfg.SSL.KeyPath = certPath, keyPath
			}

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			client, err := upstream.New(cfg)
			if err != nil {
				return err
			}
			holder, err := proxy.NewModeHolder(cfg.Mode)
			if err != nil {
				return usageError{err}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fwd := forwarder.New(st, client, holder.Get)
			srv := proxy.New(cfg, st, client, fwd, holder)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				fwd.Run(gctx)
				return nil
			})
			g.Go(func() error {
				return srv.Run(gctx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "override the configured operating mode for this run")
	return cmd
}
