// SPDX-License-Identifier: MIT

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/frlproxy/frlproxy/internal/config"
)

func newConfigureCmd() *cobra.Command {
	var (
		repair bool
		opts   configureOpts
	)
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Create or update the configuration file",
		Long: `configure writes the configuration file, starting from the existing file
(or the defaults when none exists) and applying any flags given. With
--repair an unloadable file is rebuilt, keeping every field that is
still valid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = "frlproxy.yaml"
			}

			var cfg *config.Config
			var err error
			if repair {
				cfg, err = config.Repair(path)
			} else {
				cfg, err = config.Load(path)
			}
			if err != nil {
				return usageError{err}
			}

			opts.apply(cmd, cfg)
			if err := config.Save(cfg, path); err != nil {
				return usageError{err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (mode %s, listen %s)\n", path, cfg.Mode, cfg.ListenAddr())
			return nil
		},
	}

	cmd.Flags().BoolVar(&repair, "repair", false, "rebuild an unloadable configuration file")
	opts.register(cmd)
	return cmd
}

// configureOpts holds the flag-settable configuration fields.
type configureOpts struct {
	mode          string
	host          string
	port          int
	licenseHost   string
	logHost       string
	dbPath        string
	controlSecret string
	sslEnabled    bool
	logLevel      string
}

func (o *configureOpts) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.mode, "mode", "", "operating mode (connected|isolated|passthrough)")
	cmd.Flags().StringVar(&o.host, "host", "", "listen address")
	cmd.Flags().IntVar(&o.port, "port", 0, "listen port")
	cmd.Flags().StringVar(&o.licenseHost, "license-host", "", "upstream license service base URL")
	cmd.Flags().StringVar(&o.logHost, "log-host", "", "upstream log service base URL")
	cmd.Flags().StringVar(&o.dbPath, "db", "", "journal database path")
	cmd.Flags().StringVar(&o.controlSecret, "control-secret", "", "shared secret for the control endpoints")
	cmd.Flags().BoolVar(&o.sslEnabled, "ssl", false, "serve HTTPS (self-signed certificates are generated when missing)")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "", "log level (trace|debug|info|warn|error)")
}

func (o *configureOpts) apply(cmd *cobra.Command, cfg *config.Config) {
	if o.mode != "" {
		cfg.Mode = o.mode
	}
	if o.host != "" {
		cfg.Host = o.host
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.licenseHost != "" {
		cfg.FRL.RemoteHost = o.licenseHost
	}
	if o.logHost != "" {
		cfg.Log.RemoteHost = o.logHost
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.controlSecret != "" {
		cfg.ControlSecret = o.controlSecret
	}
	if cmd.Flags().Changed("ssl") {
		cfg.SSL.Enabled = o.sslEnabled
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
}
