package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

// buildSendCmd creates the "send" command.
func buildSendCmd(opts *globalOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "send [<channel> <chat-id>] <text>",
		Short: "Send a message through a channel",
		Example: `  cowork-gateway send telegram 123456789 "Build finished"
  cowork-gateway send --session 3f1c... "Still working on it"`,
		Args: func(cmd *cobra.Command, args []string) error {
			if sessionID != "" {
				return cobra.MinimumNArgs(1)(cmd, args)
			}
			return cobra.MinimumNArgs(3)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := opts.client(ctx)
			if err != nil {
				return err
			}
			var resp struct {
				MessageID string `json:"message_id"`
			}
			var target string
			if sessionID != "" {
				text := strings.Join(args, " ")
				err = client.postJSON(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/messages",
					map[string]string{"text": text}, &resp)
				target = "session " + sessionID
			} else {
				ch, rerr := resolveChannel(ctx, client, args[0])
				if rerr != nil {
					return rerr
				}
				text := strings.Join(args[2:], " ")
				err = client.postJSON(ctx, "/api/channels/"+url.PathEscape(ch.ID)+"/messages",
					map[string]string{"chat_id": args[1], "text": text}, &resp)
				target = fmt.Sprintf("%s chat %s", ch.Type, args[1])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s (message %s)\n", target, resp.MessageID)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Send to the chat bound to this session")
	return cmd
}
