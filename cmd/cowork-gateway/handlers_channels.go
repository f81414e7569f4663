package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// channelView mirrors the control plane's channel representation.
type channelView struct {
	models.Channel
	Info *models.ChannelInfo `json:"info,omitempty"`
}

type channelTypeView struct {
	Type         models.ChannelType    `json:"type"`
	Meta         channels.ChannelMeta  `json:"meta"`
	Capabilities channels.Capabilities `json:"capabilities"`
}

func runChannelsList(cmd *cobra.Command, opts *globalOptions, asJSON bool) error {
	ctx := cmd.Context()
	client, err := opts.client(ctx)
	if err != nil {
		return err
	}
	var list []channelView
	if err := client.getJSON(ctx, "/api/channels", &list); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No channels configured. Add one with: cowork-gateway channels add <type>")
		return nil
	}
	printChannels(out, list)
	return nil
}

func printChannels(out io.Writer, list []channelView) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tNAME\tENABLED\tSTATUS\tBOT\tSECURITY\tLAST ACTIVITY")
	for _, ch := range list {
		enabled := "no"
		if ch.Enabled {
			enabled = "yes"
		}
		bot := ch.BotUsername
		if bot == "" {
			bot = "-"
		}
		status, last := ch.Status, "-"
		if ch.Info != nil {
			status = ch.Info.Status
			if at := latest(ch.Info.LastInboundAt, ch.Info.LastOutboundAt); at != nil {
				last = time.Since(*at).Round(time.Second).String() + " ago"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ch.ID, ch.Type, ch.Name, enabled, statusLabel(status), bot, ch.Security.Mode, last)
	}
	w.Flush()
}

func latest(a, b *time.Time) *time.Time {
	if a == nil || (b != nil && b.After(*a)) {
		return b
	}
	return a
}

var titleCase = cases.Title(language.English)

func statusLabel(status models.ChannelStatus) string {
	label := titleCase.String(string(status))
	switch status {
	case models.StatusConnected:
		return color.GreenString(label)
	case models.StatusConnecting:
		return color.YellowString(label)
	case models.StatusError:
		return color.RedString(label)
	default:
		return label
	}
}

func runChannelsTypes(cmd *cobra.Command, opts *globalOptions) error {
	ctx := cmd.Context()
	client, err := opts.client(ctx)
	if err != nil {
		return err
	}
	var types []channelTypeView
	if err := client.getJSON(ctx, "/api/channel-types", &types); err != nil {
		return err
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Type < types[j].Type })

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tLABEL\tALIASES\tCAPABILITIES")
	for _, t := range types {
		aliases := strings.Join(t.Meta.Aliases, ",")
		if aliases == "" {
			aliases = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Type, t.Meta.Label, aliases, capabilityList(t.Capabilities))
	}
	return w.Flush()
}

func capabilityList(c channels.Capabilities) string {
	var names []string
	for _, capability := range []channels.Capability{
		channels.CapabilityEdit,
		channels.CapabilityDelete,
		channels.CapabilityTyping,
		channels.CapabilityReactions,
		channels.CapabilityButtons,
		channels.CapabilityAttachments,
		channels.CapabilityThreads,
		channels.CapabilityRichText,
	} {
		if c.Has(capability) {
			names = append(names, string(capability))
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}

type addChannelPayload struct {
	Type     string                 `json:"type"`
	Name     string                 `json:"name,omitempty"`
	Enabled  bool                   `json:"enabled"`
	Config   map[string]any         `json:"config,omitempty"`
	Security *models.SecurityConfig `json:"security,omitempty"`
}

type updateChannelPayload struct {
	Name     *string                `json:"name,omitempty"`
	Config   map[string]any         `json:"config,omitempty"`
	Security *models.SecurityConfig `json:"security,omitempty"`
}

func runChannelsAdd(cmd *cobra.Command, opts *globalOptions, channelType string, flags *channelEditFlags) error {
	cfg, err := flags.platformConfig()
	if err != nil {
		return err
	}
	var sec *models.SecurityConfig
	if flags.mode != "" || len(flags.allow) > 0 {
		base := models.DefaultSecurityConfig()
		sec, err = flags.applySecurity(base)
		if err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	client, err := opts.client(ctx)
	if err != nil {
		return err
	}
	var created channelView
	err = client.postJSON(ctx, "/api/channels", addChannelPayload{
		Type:     channelType,
		Name:     flags.name,
		Enabled:  flags.enable,
		Config:   cfg,
		Security: sec,
	}, &created)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Added %s channel %s (%s)\n", created.Type, created.Name, created.ID)
	fmt.Fprintf(out, "  Status:   %s\n", statusLabel(created.Status))
	fmt.Fprintf(out, "  Security: %s\n", created.Security.Mode)
	if created.Security.Mode == models.SecurityPairing {
		fmt.Fprintf(out, "Generate a pairing code with: cowork-gateway pairing code %s\n", created.Type)
	}
	return nil
}

func runChannelsUpdate(cmd *cobra.Command, opts *globalOptions, ref string, flags *channelEditFlags) error {
	cfg, err := flags.platformConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	client, err := opts.client(ctx)
	if err != nil {
		return err
	}
	ch, err := resolveChannel(ctx, client, ref)
	if err != nil {
		return err
	}

	payload := updateChannelPayload{Config: cfg}
	if cmd.Flags().Changed("name") {
		payload.Name = &flags.name
	}
	if flags.mode != "" || cmd.Flags().Changed("allow") {
		payload.Security, err = flags.applySecurity(ch.Security)
		if err != nil {
			return err
		}
	}
	if payload.Name == nil && payload.Config == nil && payload.Security == nil {
		return fmt.Errorf("nothing to update: pass --name, --config-file, --set, --mode or --allow")
	}

	var updated channelView
	if err := client.doJSON(ctx, "PATCH", "/api/channels/"+url.PathEscape(ch.ID), payload, &updated); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated %s channel %s (%s)\n", updated.Type, updated.Name, statusLabel(updated.Status))
	return nil
}

func runChannelsRemove(cmd *cobra.Command, opts *globalOptions, ref string) error {
	ctx := cmd.Context()
	client, err := opts.client(ctx)
	if err != nil {
		return err
	}
	ch, err := resolveChannel(ctx, client, ref)
	if err != nil {
		return err
	}
	if err := client.doJSON(ctx, "DELETE", "/api/channels/"+url.PathEscape(ch.ID), nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s channel %s\n", ch.Type, ch.ID)
	return nil
}

func runChannelsToggle(cmd *cobra.Command, opts *globalOptions, ref, action string) error {
	ctx := cmd.Context()
	client, err := opts.client(ctx)
	if err != nil {
		return err
	}
	ch, err := resolveChannel(ctx, client, ref)
	if err != nil {
		return err
	}
	var updated channelView
	if err := client.postJSON(ctx, "/api/channels/"+url.PathEscape(ch.ID)+"/"+action, nil, &updated); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %sd: %s\n", updated.Type, action, statusLabel(updated.Status))
	return nil
}

func runChannelsTest(cmd *cobra.Command, opts *globalOptions, ref string) error {
	ctx := cmd.Context()
	client, err := opts.client(ctx)
	if err != nil {
		return err
	}
	ch, err := resolveChannel(ctx, client, ref)
	if err != nil {
		return err
	}
	var info models.ChannelInfo
	if err := client.postJSON(ctx, "/api/channels/"+url.PathEscape(ch.ID)+"/test", nil, &info); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", color.GreenString("OK"), ch.Type)
	if info.BotUsername != "" {
		fmt.Fprintf(out, "  Bot: %s\n", info.BotUsername)
	}
	if info.BotDisplayName != "" {
		fmt.Fprintf(out, "  Name: %s\n", info.BotDisplayName)
	}
	if info.BotID != "" {
		fmt.Fprintf(out, "  ID: %s\n", info.BotID)
	}
	return nil
}

func runChannelsQR(cmd *cobra.Command, opts *globalOptions, ref, pngPath string) error {
	ctx := cmd.Context()
	client, err := opts.client(ctx)
	if err != nil {
		return err
	}
	ch, err := resolveChannel(ctx, client, ref)
	if err != nil {
		return err
	}
	path := "/api/channels/" + url.PathEscape(ch.ID) + "/qr"
	out := cmd.OutOrStdout()

	if pngPath != "" {
		png, err := client.getBytes(ctx, path)
		if err != nil {
			return err
		}
		if err := os.WriteFile(pngPath, png, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", pngPath, err)
		}
		fmt.Fprintf(out, "QR code written to %s\n", pngPath)
		return nil
	}

	var qr struct {
		Code string `json:"code"`
	}
	if err := client.getJSON(ctx, path+"?format=text", &qr); err != nil {
		return err
	}
	fmt.Fprintln(out, "Scan with WhatsApp > Linked devices > Link a device:")
	qrterminal.GenerateHalfBlock(qr.Code, qrterminal.L, out)
	return nil
}

// resolveChannel finds a channel by ID, type or display name.
func resolveChannel(ctx context.Context, client *apiClient, ref string) (*channelView, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("channel is required")
	}
	var list []channelView
	if err := client.getJSON(ctx, "/api/channels", &list); err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == ref {
			return &list[i], nil
		}
	}
	for i := range list {
		if strings.EqualFold(string(list[i].Type), ref) {
			return &list[i], nil
		}
	}
	var match *channelView
	for i := range list {
		if strings.EqualFold(list[i].Name, ref) {
			if match != nil {
				return nil, fmt.Errorf("channel name %q is ambiguous; use the channel ID", ref)
			}
			match = &list[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("channel %q not found", ref)
	}
	return match, nil
}

// platformConfig merges --config-file, --set and --set-json. It returns nil
// when none were given.
func (f *channelEditFlags) platformConfig() (map[string]any, error) {
	if f.configFile == "" && len(f.sets) == 0 && len(f.setJSON) == 0 {
		return nil, nil
	}
	cfg := map[string]any{}
	if f.configFile != "" {
		data, err := os.ReadFile(f.configFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", f.configFile, err)
		}
		if cfg == nil {
			cfg = map[string]any{}
		}
	}
	for _, kv := range f.sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --set %q: want key=value", kv)
		}
		if err := setPath(cfg, key, value); err != nil {
			return nil, err
		}
	}
	for _, kv := range f.setJSON {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --set-json %q: want key=json", kv)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("invalid --set-json %q: %w", kv, err)
		}
		if err := setPath(cfg, key, value); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applySecurity overlays --mode and --allow on base.
func (f *channelEditFlags) applySecurity(base models.SecurityConfig) (*models.SecurityConfig, error) {
	if f.mode != "" {
		mode := models.SecurityMode(strings.ToLower(f.mode))
		if !mode.Valid() {
			return nil, fmt.Errorf("invalid --mode %q: want open, allowlist or pairing", f.mode)
		}
		base.Mode = mode
	}
	if f.allow != nil {
		base.AllowedUsers = append([]string(nil), f.allow...)
	}
	return &base, nil
}

// setPath assigns value at a dotted key, creating nested maps as needed.
func setPath(m map[string]any, key string, value any) error {
	parts := strings.Split(key, ".")
	for i, part := range parts[:len(parts)-1] {
		next, ok := m[part]
		if !ok {
			child := map[string]any{}
			m[part] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config key %s is not an object", strings.Join(parts[:i+1], "."))
		}
		m = child
	}
	m[parts[len(parts)-1]] = value
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
