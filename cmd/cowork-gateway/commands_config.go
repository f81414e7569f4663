package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cowork-oss/cowork-gateway/internal/config"
	"github.com/cowork-oss/cowork-gateway/internal/secrets"
	"github.com/cowork-oss/cowork-gateway/internal/security"
)

// buildConfigCmd creates the "config" command group.
func buildConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the gateway config",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the config JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", color.GreenString("OK"), opts.configPath)
			fmt.Fprintf(out, "  listen:   %s\n", cfg.Server.Listen)
			fmt.Fprintf(out, "  storage:  %s\n", cfg.Database.Driver)
			fmt.Fprintf(out, "  agent:    %s\n", cfg.Agent.URL)
			fmt.Fprintf(out, "  channels: %d seeded\n", len(cfg.Channels))
			return nil
		},
	})

	cmd.AddCommand(buildConfigAuditCmd(opts))

	cmd.AddCommand(&cobra.Command{
		Use:   "set-secret <key> [value]",
		Short: "Store a credential in the OS keyring",
		Long: `Store a credential in the OS keyring and print the reference to use in a
channel config. The value is read from stdin when omitted.`,
		Example: `  echo "$TOKEN" | cowork-gateway config set-secret telegram
  cowork-gateway channels add telegram --set token=keyring:cowork-gateway/telegram`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := ""
			if len(args) == 2 {
				value = args[1]
			} else {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				if scanner.Scan() {
					value = scanner.Text()
				}
				if err := scanner.Err(); err != nil {
					return err
				}
			}
			value = strings.TrimSpace(value)
			if value == "" {
				return fmt.Errorf("secret value is empty")
			}
			ref, err := secrets.NewResolver(nil).Store(args[0], value)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ref)
			return nil
		},
	})
	return cmd
}

// buildTokenCmd creates the "token" command that mints a control plane token.
func buildTokenCmd(opts *globalOptions) *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Exchange the admin secret for a bearer token",
		Long: `Exchange auth.admin_secret from the config file for a bearer token. Export
it as COWORK_GATEWAY_TOKEN to use commands against a remote gateway.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.Disabled {
				return fmt.Errorf("auth is disabled in %s; no token is needed", opts.configPath)
			}
			baseURL, err := resolveHTTPBaseURL(opts.server, cfg)
			if err != nil {
				return err
			}
			var tok struct {
				Token     string    `json:"token"`
				ExpiresAt time.Time `json:"expires_at"`
			}
			err = newAPIClient(baseURL, "").postJSON(cmd.Context(), "/api/token",
				map[string]string{"admin_secret": cfg.Auth.AdminSecret, "subject": subject}, &tok)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "Token subject")
	return cmd
}

func buildConfigAuditCmd(opts *globalOptions) *cobra.Command {
	var (
		asJSON     bool
		fix        bool
		dryRun     bool
		allowGroup bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check file permissions and risky settings",
		Long: `Audit the config file, the sqlite database and the loaded settings for
exposed credentials and unsafe defaults. Exits non-zero on critical findings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			auditOpts := security.AuditOptions{
				ConfigPath:         opts.configPath,
				Config:             cfg,
				AllowGroupReadable: allowGroup,
			}
			out := cmd.OutOrStdout()
			if fix || dryRun {
				for _, action := range security.Fix(auditOpts, dryRun) {
					switch {
					case action.Error != "":
						fmt.Fprintf(out, "%s %s: %s\n", color.RedString("FAIL"), action.Path, action.Error)
					case action.Skipped != "":
						fmt.Fprintf(out, "skip %s: %s\n", action.Path, action.Skipped)
					default:
						fmt.Fprintf(out, "%s %s: %s\n", color.GreenString("fixed"), action.Path, action.Description)
					}
				}
			}

			report, err := security.RunAudit(auditOpts)
			if err != nil {
				return err
			}
			if asJSON {
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else {
				printAuditReport(out, report)
			}
			if report.HasCritical() {
				return fmt.Errorf("%d critical finding(s)", report.Summary.Critical)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().BoolVar(&fix, "fix", false, "Restrict config and database files to mode 600 first")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what --fix would change")
	cmd.Flags().BoolVar(&allowGroup, "allow-group-readable", false, "Do not warn about group-readable files")
	return cmd
}

func printAuditReport(out io.Writer, report *security.AuditReport) {
	if len(report.Findings) == 0 {
		fmt.Fprintf(out, "%s no findings\n", color.GreenString("OK"))
		return
	}
	for _, f := range report.Findings {
		label := strings.ToUpper(string(f.Severity))
		switch f.Severity {
		case security.SeverityCritical:
			label = color.RedString(label)
		case security.SeverityWarn:
			label = color.YellowString(label)
		}
		fmt.Fprintf(out, "[%s] %s\n  %s\n", label, f.Title, f.Detail)
		if f.Remediation != "" {
			fmt.Fprintf(out, "  fix: %s\n", f.Remediation)
		}
	}
	fmt.Fprintf(out, "\n%d critical, %d warn, %d info\n", report.Summary.Critical, report.Summary.Warn, report.Summary.Info)
}
