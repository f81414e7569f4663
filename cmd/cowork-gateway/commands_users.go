package main

import (
	"fmt"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// buildPairingCmd creates the "pairing" command group.
func buildPairingCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Pair chat users with a channel",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "code <channel>",
		Short: "Generate a one-time pairing code",
		Long: `Generate a pairing code for a channel in pairing mode. The user sends the
code to the bot as a chat message to gain access.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := opts.client(ctx)
			if err != nil {
				return err
			}
			ch, err := resolveChannel(ctx, client, args[0])
			if err != nil {
				return err
			}
			var code struct {
				Code      string    `json:"code"`
				ExpiresAt time.Time `json:"expires_at"`
			}
			if err := client.postJSON(ctx, "/api/channels/"+url.PathEscape(ch.ID)+"/pairing-codes", nil, &code); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Pairing code for %s: %s\n", ch.Type, color.New(color.Bold).Sprint(code.Code))
			fmt.Fprintf(out, "Expires %s (in %s)\n", code.ExpiresAt.Local().Format(time.RFC1123),
				time.Until(code.ExpiresAt).Round(time.Second))
			return nil
		},
	})
	return cmd
}

// buildUsersCmd creates the "users" command group.
func buildUsersCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List and manage chat users of a channel",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <channel>",
		Short: "List users known to a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := opts.client(ctx)
			if err != nil {
				return err
			}
			ch, err := resolveChannel(ctx, client, args[0])
			if err != nil {
				return err
			}
			var users []models.ChannelUser
			if err := client.getJSON(ctx, "/api/channels/"+url.PathEscape(ch.ID)+"/users", &users); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(users) == 0 {
				fmt.Fprintf(out, "No users on %s yet.\n", ch.Type)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tNAME\tACCESS\tLAST SEEN")
			for i := range users {
				u := &users[i]
				user, access := u.ChannelUserID, "denied"
				if u.IsPlaceholder() {
					user, access = "(pending code)", "code "+u.PairingCode
				} else if u.Allowed {
					access = color.GreenString("allowed")
				}
				name := u.DisplayName
				if name == "" {
					name = "-"
				}
				seen := "-"
				if !u.LastSeenAt.IsZero() {
					seen = u.LastSeenAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", user, name, access, seen)
			}
			return w.Flush()
		},
	})

	var displayName string
	grant := &cobra.Command{
		Use:   "grant <channel> <user-id>",
		Short: "Allow a platform user to use the channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserAccess(cmd, opts, args[0], args[1], "grant", map[string]string{"display_name": displayName})
		},
	}
	grant.Flags().StringVar(&displayName, "name", "", "Display name to record")

	cmd.AddCommand(grant, &cobra.Command{
		Use:   "revoke <channel> <user-id>",
		Short: "Revoke a platform user's access",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserAccess(cmd, opts, args[0], args[1], "revoke", nil)
		},
	})
	return cmd
}

func runUserAccess(cmd *cobra.Command, opts *globalOptions, ref, userID, action string, payload any) error {
	ctx := cmd.Context()
	client, err := opts.client(ctx)
	if err != nil {
		return err
	}
	ch, err := resolveChannel(ctx, client, ref)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/api/channels/%s/users/%s/%s", url.PathEscape(ch.ID), url.PathEscape(userID), action)
	var user models.ChannelUser
	if err := client.postJSON(ctx, path, payload, &user); err != nil {
		return err
	}
	state := "revoked"
	if user.Allowed {
		state = "granted"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Access %s for %s on %s\n", state, user.ChannelUserID, ch.Type)
	return nil
}
