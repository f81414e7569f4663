package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd(opts *globalOptions) *cobra.Command {
	var (
		debug  bool
		listen string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the channel gateway",
		Long: `Start the gateway: connect enabled channels, route chat messages to the
agent daemon and serve the control plane API.

Channels listed in the config file are created on first start. Changes to
logging.level in the config file are applied without a restart.`,
		Example: `  cowork-gateway serve
  cowork-gateway serve --config /etc/cowork/gateway.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{
				configPath: opts.configPath,
				debug:      debug,
				listen:     listen,
				out:        cmd.ErrOrStderr(),
			})
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&listen, "listen", "", "Override server.listen")
	return cmd
}
