// Package commands implements the secretdrop command line.
package commands

import (
	"github.com/opd-ai/secretdrop/config"
	"github.com/spf13/cobra"
)

var (
	envFile     string
	relays      []string
	rendezvous  string
	cloudURLs   []string
	manual      bool
	noPeer      bool
	logLevel    string
	metricsAddr string
	qrBase      string

	cfg *config.Config
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "secretdrop",
		Short:         "Send a secret or a file to another device, end-to-end encrypted",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(envFile)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("relay") {
				c.Relays = relays
			}
			if flags.Changed("rendezvous") {
				c.RendezvousURL = rendezvous
			}
			if flags.Changed("cloud") {
				c.CloudEndpoints = cloudURLs
			}
			if flags.Changed("log-level") {
				c.LogLevel = logLevel
			}
			if err := c.Validate(); err != nil {
				return err
			}
			if err := c.ApplyLogLevel(); err != nil {
				return err
			}
			cfg = c
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&envFile, "env", "", "environment file to load (default ./.env when present)")
	pf.StringSliceVar(&relays, "relay", nil, "websocket relay URL (repeatable)")
	pf.StringVar(&rendezvous, "rendezvous", "", "rendezvous broker URL; replaces relays")
	pf.StringSliceVar(&cloudURLs, "cloud", nil, "upload endpoint for the cloud fallback (repeatable)")
	pf.BoolVar(&manual, "manual", false, "exchange signaling blobs by copy and paste instead of the network")
	pf.BoolVar(&noPeer, "no-peer", false, "do not attempt a direct peer connection")
	pf.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&qrBase, "qr-base", "", "with --manual, also print blobs as chunk URLs under this base for QR codes")
	pf.StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address, e.g. :9090")

	root.AddCommand(pinCmd(), sendCmd(), receiveCmd())
	return root
}
