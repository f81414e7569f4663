package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/config"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError is a non-2xx control plane response.
type apiError struct {
	Status  int
	Message string
	Fields  []channels.FieldError
}

func (e *apiError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Message, strings.Join(parts, "; "), e.Status)
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, payload any, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, payload, out)
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// getBytes fetches a non-JSON resource such as the QR PNG.
func (c *apiClient) getBytes(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &apiError{Status: resp.StatusCode, Message: resp.Status}
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if readErr != nil {
		return nil, fmt.Errorf("request %s failed: %s (read body: %w)", path, resp.Status, readErr)
	}
	var decoded struct {
		Error  string                `json:"error"`
		Fields []channels.FieldError `json:"fields"`
	}
	if json.Unmarshal(raw, &decoded) == nil && decoded.Error != "" {
		apiErr.Message = decoded.Error
		apiErr.Fields = decoded.Fields
	} else if text := strings.TrimSpace(string(raw)); text != "" {
		apiErr.Message = text
	}
	return nil, apiErr
}

// client builds an API client from the global flags. When no token is given
// and the local config holds the admin secret, a token is minted for the call.
func (o *globalOptions) client(ctx context.Context) (*apiClient, error) {
	cfg, cfgErr := config.Load(o.configPath)
	if cfgErr != nil {
		cfg = nil
	}
	baseURL, err := resolveHTTPBaseURL(o.server, cfg)
	if err != nil {
		return nil, err
	}
	c := newAPIClient(baseURL, strings.TrimSpace(o.token))
	if c.token != "" || cfg == nil || cfg.Auth.Disabled || cfg.Auth.AdminSecret == "" {
		return c, nil
	}
	var tok struct {
		Token string `json:"token"`
	}
	if err := c.postJSON(ctx, "/api/token", map[string]string{"admin_secret": cfg.Auth.AdminSecret, "subject": "cli"}, &tok); err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}
	c.token = tok.Token
	return c, nil
}

func resolveHTTPBaseURL(serverAddr string, cfg *config.Config) (string, error) {
	addr := strings.TrimSpace(serverAddr)
	if addr == "" {
		listen := config.Defaults().Server.Listen
		if cfg != nil {
			listen = cfg.Server.Listen
		}
		host, port, err := net.SplitHostPort(listen)
		if err != nil {
			return "", fmt.Errorf("server.listen %q: %w", listen, err)
		}
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/"), nil
	}
	return "http://" + strings.TrimRight(addr, "/"), nil
}
