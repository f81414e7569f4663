package security

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/config"
	"github.com/cowork-oss/cowork-gateway/internal/storage"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// AuditSeverity represents the severity level of a security finding.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarn     AuditSeverity = "warn"
	SeverityCritical AuditSeverity = "critical"
)

// AuditFinding represents a single security audit finding.
type AuditFinding struct {
	CheckID     string        `json:"check_id"`
	Severity    AuditSeverity `json:"severity"`
	Title       string        `json:"title"`
	Detail      string        `json:"detail"`
	Remediation string        `json:"remediation,omitempty"`
}

// AuditSummary contains counts of findings by severity.
type AuditSummary struct {
	Critical int `json:"critical"`
	Warn     int `json:"warn"`
	Info     int `json:"info"`
}

// AuditReport contains all findings from a security audit.
type AuditReport struct {
	Timestamp time.Time      `json:"timestamp"`
	Summary   AuditSummary   `json:"summary"`
	Findings  []AuditFinding `json:"findings"`
}

// HasCritical reports whether any finding is critical.
func (r *AuditReport) HasCritical() bool {
	return r.Summary.Critical > 0
}

// AuditOptions configures RunAudit.
type AuditOptions struct {
	// ConfigPath is checked for file permissions when set.
	ConfigPath string
	// Config is the loaded configuration to inspect.
	Config *config.Config
	// AllowGroupReadable suppresses group-readable warnings for shared hosts.
	AllowGroupReadable bool
}

// RunAudit checks file permissions and risky settings of a gateway deployment.
func RunAudit(opts AuditOptions) (*AuditReport, error) {
	if opts.Config == nil {
		return nil, errors.New("audit: config is required")
	}
	var findings []AuditFinding

	secretsInFile := len(plaintextSecrets(opts.Config)) > 0
	if opts.ConfigPath != "" {
		f, err := checkFile(opts.ConfigPath, "config", secretsInFile, opts.AllowGroupReadable)
		if err != nil {
			return nil, err
		}
		findings = append(findings, f...)
	}
	if path := sqlitePath(opts.Config.Database); path != "" {
		f, err := checkFile(path, "database", true, opts.AllowGroupReadable)
		if err != nil {
			return nil, err
		}
		findings = append(findings, f...)
	}
	findings = append(findings, auditSettings(opts.Config)...)

	sort.SliceStable(findings, func(i, j int) bool {
		return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
	})
	return &AuditReport{
		Timestamp: time.Now().UTC(),
		Summary:   computeSummary(findings),
		Findings:  findings,
	}, nil
}

func auditSettings(cfg *config.Config) []AuditFinding {
	var findings []AuditFinding

	if cfg.Auth.Disabled {
		if isLoopback(cfg.Server.Listen) {
			findings = append(findings, AuditFinding{
				CheckID:  "auth.disabled_loopback",
				Severity: SeverityInfo,
				Title:    "Control plane auth is disabled",
				Detail:   fmt.Sprintf("The control plane on %s accepts unauthenticated requests from local processes.", cfg.Server.Listen),
			})
		} else {
			findings = append(findings, AuditFinding{
				CheckID:     "auth.disabled_exposed",
				Severity:    SeverityCritical,
				Title:       "Unauthenticated control plane on a network interface",
				Detail:      fmt.Sprintf("server.listen is %s with auth.disabled set. Anyone who can reach it can add channels and read pairing codes.", cfg.Server.Listen),
				Remediation: "Set auth.jwt_secret and auth.admin_secret, or listen on 127.0.0.1.",
			})
		}
	}

	for _, key := range plaintextSecrets(cfg) {
		findings = append(findings, AuditFinding{
			CheckID:     "secrets.plaintext",
			Severity:    SeverityWarn,
			Title:       "Credential stored in plain text",
			Detail:      fmt.Sprintf("%s holds a literal credential.", key),
			Remediation: "Use an env: or keyring: reference (see `config set-secret`).",
		})
	}

	for _, seed := range cfg.Channels {
		if seed.Security != nil && seed.Security.Mode == models.SecurityOpen {
			findings = append(findings, AuditFinding{
				CheckID:     "channels.open_mode",
				Severity:    SeverityWarn,
				Title:       "Channel open to everyone",
				Detail:      fmt.Sprintf("The %s channel forwards messages from any user to the agent.", seed.Type),
				Remediation: "Use pairing or allowlist mode.",
			})
		}
	}

	if cfg.Agent.URL != config.AgentInProcess {
		if u, err := url.Parse(cfg.Agent.URL); err == nil && u.Scheme == "ws" && !isLoopback(u.Host) {
			findings = append(findings, AuditFinding{
				CheckID:     "agent.cleartext",
				Severity:    SeverityWarn,
				Title:       "Agent daemon connection is not encrypted",
				Detail:      fmt.Sprintf("agent.url %s sends task prompts and the daemon token without TLS.", cfg.Agent.URL),
				Remediation: "Use a wss:// URL.",
			})
		}
	}
	return findings
}

func checkFile(path, description string, sensitive, allowGroupReadable bool) ([]AuditFinding, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit %s: %w", path, err)
	}

	var findings []AuditFinding
	remediation := fmt.Sprintf("Run: chmod 600 %s", path)
	if info.Mode()&fs.ModeSymlink != 0 {
		findings = append(findings, AuditFinding{
			CheckID:     "fs." + description + "_symlink",
			Severity:    SeverityWarn,
			Title:       fmt.Sprintf("%s file is a symlink", titleWord(description)),
			Detail:      fmt.Sprintf("%s is a symbolic link.", path),
			Remediation: "Use a regular file.",
		})
		return findings, nil
	}

	mode := info.Mode().Perm()
	if mode&0o002 != 0 {
		findings = append(findings, AuditFinding{
			CheckID:     "fs." + description + "_world_writable",
			Severity:    SeverityCritical,
			Title:       fmt.Sprintf("%s file is world-writable", titleWord(description)),
			Detail:      fmt.Sprintf("%s has permissions %o; any user can modify it.", path, mode),
			Remediation: remediation,
		})
	}
	if mode&0o004 != 0 {
		severity := SeverityWarn
		if sensitive {
			severity = SeverityCritical
		}
		findings = append(findings, AuditFinding{
			CheckID:     "fs." + description + "_world_readable",
			Severity:    severity,
			Title:       fmt.Sprintf("%s file is world-readable", titleWord(description)),
			Detail:      fmt.Sprintf("%s has permissions %o.", path, mode),
			Remediation: remediation,
		})
	}
	if !allowGroupReadable && mode&0o040 != 0 {
		findings = append(findings, AuditFinding{
			CheckID:     "fs." + description + "_group_readable",
			Severity:    SeverityWarn,
			Title:       fmt.Sprintf("%s file is group-readable", titleWord(description)),
			Detail:      fmt.Sprintf("%s has permissions %o.", path, mode),
			Remediation: remediation,
		})
	}
	return findings, nil
}

// plaintextSecrets lists seeded channel config keys holding literal credentials.
func plaintextSecrets(cfg *config.Config) []string {
	var keys []string
	for _, seed := range cfg.Channels {
		collectPlaintext("channels."+string(seed.Type), seed.Config, &keys)
	}
	sort.Strings(keys)
	return keys
}

func collectPlaintext(prefix string, v any, keys *[]string) {
	m, ok := v.(map[string]any)
	if !ok {
		return
	}
	for k, val := range m {
		path := prefix + "." + k
		switch typed := val.(type) {
		case string:
			if typed != "" && isSensitiveKey(k) && !channels.IsSecretRef(typed) {
				*keys = append(*keys, path)
			}
		case map[string]any:
			collectPlaintext(path, typed, keys)
		}
	}
}

var sensitiveKeyParts = []string{"token", "secret", "password", "api_key", "apikey", "private_key"}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

// sqlitePath returns the database file behind a sqlite DSN, or "" for other
// drivers and in-memory databases.
func sqlitePath(cfg storage.Config) string {
	if cfg.Driver != storage.DriverSQLite {
		return ""
	}
	dsn := cfg.DSN
	if dsn == "" {
		dsn = storage.DefaultConfig().DSN
	}
	dsn = strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	if dsn == "" || dsn == ":memory:" {
		return ""
	}
	return dsn
}

func isLoopback(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func titleWord(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func severityRank(s AuditSeverity) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarn:
		return 1
	}
	return 0
}

func computeSummary(findings []AuditFinding) AuditSummary {
	var summary AuditSummary
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			summary.Critical++
		case SeverityWarn:
			summary.Warn++
		default:
			summary.Info++
		}
	}
	return summary
}

// FixAction represents an action taken to fix a security issue.
type FixAction struct {
	Path        string `json:"path"`
	Description string `json:"description"`
	Success     bool   `json:"success"`
	Skipped     string `json:"skipped,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Fix restricts the config and sqlite database files to mode 0600.
func Fix(opts AuditOptions, dryRun bool) []FixAction {
	var paths []string
	if opts.ConfigPath != "" {
		paths = append(paths, opts.ConfigPath)
	}
	if opts.Config != nil {
		if p := sqlitePath(opts.Config.Database); p != "" {
			paths = append(paths, p)
		}
	}
	actions := make([]FixAction, 0, len(paths))
	for _, p := range paths {
		actions = append(actions, fixFilePermissions(p, 0o600, dryRun))
	}
	return actions
}

func fixFilePermissions(path string, mode os.FileMode, dryRun bool) FixAction {
	action := FixAction{Path: path, Description: fmt.Sprintf("Set file permissions to %o", mode)}

	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			action.Skipped = "file does not exist"
			return action
		}
		action.Error = fmt.Sprintf("failed to stat: %v", err)
		return action
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		action.Skipped = "symlink (not modified)"
		return action
	}
	if !info.Mode().IsRegular() {
		action.Skipped = "not a regular file"
		return action
	}
	current := info.Mode().Perm()
	if current == mode {
		action.Skipped = "already has correct permissions"
		return action
	}
	if dryRun {
		action.Description = fmt.Sprintf("Would change from %o to %o", current, mode)
		action.Success = true
		return action
	}
	if err := os.Chmod(path, mode); err != nil {
		action.Error = fmt.Sprintf("chmod failed: %v", err)
		return action
	}
	action.Description = fmt.Sprintf("Changed from %o to %o", current, mode)
	action.Success = true
	return action
}
