// Package web implements the web_fetch builtin tool.
//
// Requests are restricted to an allowlist of domains that is enforced before
// every request and on every redirect. Hosts resolving to private ranges are
// rejected unless AllowPrivate is set. Only GET and HEAD are issued and the
// response body is capped.
package web

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jkaninda/chorus/internal/toolkit"
	"github.com/jkaninda/chorus/internal/tools"
)

// Config configures web_fetch restrictions.
type Config struct {
	AllowedDomains   []string // exact hosts or "*.example.com"; empty denies all
	AllowPrivate     bool
	MaxResponseBytes int64
	TimeoutSeconds   int
	UserAgent        string
}

const (
	defaultMaxResponseBytes = 5 << 20
	defaultTimeoutSeconds   = 10
	maxRedirects            = 5
)

// Tool fetches URLs within the configured allowlist.
type Tool struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// NewTool creates a web_fetch tool.
func NewTool(cfg Config, logger *slog.Logger) *Tool {
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultTimeoutSeconds
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "chorus/1.0"
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tool{config: cfg, logger: logger}
	t.client = &http.Client{CheckRedirect: t.checkRedirect}
	return t
}

func (t *Tool) Name() string { return "web_fetch" }

func (t *Tool) Description() string {
	return "Fetch the body of an http(s) URL from an allowed domain"
}

// fetchArgs are the web_fetch parameters.
type fetchArgs struct {
	URL    string `json:"url" jsonschema:"description=The URL to fetch (http or https)"`
	Method string `json:"method,omitempty" jsonschema:"enum=GET,enum=HEAD,description=HTTP method. Defaults to GET"`
}

func (a fetchArgs) method() string {
	if a.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(a.Method)
}

func (t *Tool) InputSchema() map[string]any {
	return toolkit.SchemaFor[fetchArgs]()
}

func decodeArgs(params map[string]any) (fetchArgs, error) {
	args, err := toolkit.Decode[fetchArgs](params)
	if err != nil {
		return args, err
	}
	if args.URL == "" {
		return args, fmt.Errorf("missing required parameter: url")
	}
	return args, nil
}

func (t *Tool) Validate(params map[string]any) error {
	args, err := decodeArgs(params)
	if err != nil {
		return err
	}
	rawURL := args.URL
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("only http/https schemes allowed, got %q", parsed.Scheme)
	}
	if !IsDomainAllowed(parsed.Hostname(), t.config.AllowedDomains) {
		return fmt.Errorf("domain %q is not in the allowlist", parsed.Hostname())
	}
	if m := args.method(); m != http.MethodGet && m != http.MethodHead {
		return fmt.Errorf("only GET and HEAD methods allowed, got %q", m)
	}
	return nil
}

func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	args, err := decodeArgs(params)
	if err != nil {
		return nil, err
	}
	rawURL := args.URL
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if !t.config.AllowPrivate {
		if err := CheckSSRF(ctx, parsed.Hostname()); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(t.config.TimeoutSeconds)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, args.method(), rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", t.config.UserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	truncated := int64(len(body)) > t.config.MaxResponseBytes
	if truncated {
		body = body[:t.config.MaxResponseBytes]
	}

	t.logger.DebugContext(ctx, "web_fetch completed",
		slog.String("url", rawURL),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(body)),
	)

	output := string(body)
	if resp.StatusCode >= 400 {
		output = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, output)
	}
	return &tools.Result{
		Output:  tools.TruncateOutput(output, tools.MaxOutputBytes),
		Success: resp.StatusCode >= 200 && resp.StatusCode < 400,
		Metadata: map[string]any{
			"status_code": resp.StatusCode,
			"url":         resp.Request.URL.String(),
			"truncated":   truncated,
		},
	}, nil
}

// checkRedirect applies the allowlist and private range checks to redirect targets.
func (t *Tool) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("too many redirects (max %d)", maxRedirects)
	}
	host := req.URL.Hostname()
	if !IsDomainAllowed(host, t.config.AllowedDomains) {
		return fmt.Errorf("redirect to disallowed domain %q blocked", host)
	}
	if t.config.AllowPrivate {
		return nil
	}
	return CheckSSRF(req.Context(), host)
}
