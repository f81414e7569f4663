package main

import (
	"github.com/spf13/cobra"
)

// buildChannelsCmd creates the "channels" command group.
func buildChannelsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "channels",
		Aliases: []string{"channel", "ch"},
		Short:   "Manage messaging channels",
		Long: `Manage the messaging channels of a running gateway.

A channel argument may be the channel ID, its type (telegram, discord, ...)
or its display name.`,
	}
	cmd.AddCommand(
		buildChannelsListCmd(opts),
		buildChannelsTypesCmd(opts),
		buildChannelsAddCmd(opts),
		buildChannelsUpdateCmd(opts),
		buildChannelsRemoveCmd(opts),
		buildChannelsEnableCmd(opts),
		buildChannelsDisableCmd(opts),
		buildChannelsTestCmd(opts),
		buildChannelsQRCmd(opts),
	)
	return cmd
}

func buildChannelsListCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsList(cmd, opts, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	return cmd
}

func buildChannelsTypesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List supported channel types and their capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsTypes(cmd, opts)
		},
	}
}

// channelEditFlags are shared by add and update.
type channelEditFlags struct {
	name       string
	configFile string
	sets       []string
	setJSON    []string
	mode       string
	allow      []string
	enable     bool
}

func (f *channelEditFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "Display name")
	cmd.Flags().StringVarP(&f.configFile, "config-file", "f", "", "YAML or JSON file with the platform config")
	cmd.Flags().StringArrayVar(&f.sets, "set", nil, "Set a config string (key=value, dots for nesting)")
	cmd.Flags().StringArrayVar(&f.setJSON, "set-json", nil, "Set a config value from JSON (key=json)")
	cmd.Flags().StringVar(&f.mode, "mode", "", "Security mode: open, allowlist or pairing")
	cmd.Flags().StringSliceVar(&f.allow, "allow", nil, "Allowed platform user IDs (allowlist mode)")
}

func buildChannelsAddCmd(opts *globalOptions) *cobra.Command {
	flags := &channelEditFlags{}
	cmd := &cobra.Command{
		Use:   "add <type>",
		Short: "Add a channel",
		Example: `  cowork-gateway channels add telegram --set token=env:TELEGRAM_TOKEN --enable
  cowork-gateway channels add slack -f slack.yaml --mode allowlist --allow U012345
  cowork-gateway channels add matrix --set homeserver=https://matrix.org \
      --set user_id=@bot:matrix.org --set access_token=keyring:cowork-gateway/matrix`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsAdd(cmd, opts, args[0], flags)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&flags.enable, "enable", false, "Connect the channel immediately")
	return cmd
}

func buildChannelsUpdateCmd(opts *globalOptions) *cobra.Command {
	flags := &channelEditFlags{}
	cmd := &cobra.Command{
		Use:   "update <channel>",
		Short: "Update a channel's name, config or security policy",
		Long: `Update a channel. A new platform config replaces the stored one, so pass
every field the channel needs. A connected channel reconnects when its
config changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsUpdate(cmd, opts, args[0], flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildChannelsRemoveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <channel>",
		Aliases: []string{"rm", "delete"},
		Short:   "Remove a channel with its users and sessions",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsRemove(cmd, opts, args[0])
		},
	}
}

func buildChannelsEnableCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <channel>",
		Short: "Enable and connect a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsToggle(cmd, opts, args[0], "enable")
		},
	}
}

func buildChannelsDisableCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <channel>",
		Short: "Disconnect and disable a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsToggle(cmd, opts, args[0], "disable")
		},
	}
}

func buildChannelsTestCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test <channel>",
		Short: "Check a channel's credentials without changing its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsTest(cmd, opts, args[0])
		},
	}
}

func buildChannelsQRCmd(opts *globalOptions) *cobra.Command {
	var pngPath string
	cmd := &cobra.Command{
		Use:   "qr <channel>",
		Short: "Show the pending WhatsApp login QR code",
		Long: `Show the login QR code of a channel waiting to be linked, such as WhatsApp
on first connect. The code is drawn in the terminal unless --png is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsQR(cmd, opts, args[0], pngPath)
		},
	}
	cmd.Flags().StringVar(&pngPath, "png", "", "Write the QR code to a PNG file instead")
	return cmd
}
