// Package web provides the web_fetch tool: an HTTP GET whose body is reduced
// to readable text.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/tools"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultMaxChars  = 10000
	defaultMaxBody   = 2 << 20
	defaultUserAgent = "steward/1.0 (+https://github.com/haasonsaas/steward)"
)

// ErrBlockedAddress is returned for URLs that resolve to loopback, private
// or link-local addresses while AllowPrivate is off.
var ErrBlockedAddress = errors.New("address is not allowed")

// Config controls web_fetch defaults.
type Config struct {
	Timeout  time.Duration
	MaxChars int
	// MaxBodyBytes caps how much of the response body is read.
	MaxBodyBytes int64
	UserAgent    string
	// AllowPrivate permits loopback and private network targets.
	AllowPrivate bool
}

// FetchTool implements web_fetch.
type FetchTool struct {
	config Config
	client *http.Client
}

// Option customizes FetchTool construction.
type Option func(*FetchTool)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(t *FetchTool) {
		if client != nil {
			t.client = client
		}
	}
}

type fetchArgs struct {
	URL      string `json:"url" jsonschema:"minLength=1" jsonschema_description:"URL to fetch. Only http and https are allowed."`
	MaxChars int    `json:"max_chars,omitempty" jsonschema:"minimum=0" jsonschema_description:"Maximum characters to return. Cannot exceed the configured limit."`
}

// NewFetchTool creates a web_fetch tool with defaults applied.
func NewFetchTool(cfg Config, opts ...Option) *FetchTool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	t := &FetchTool{config: cfg}
	t.client = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: t.transport(),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			return checkScheme(req.URL)
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *FetchTool) Name() string { return "web_fetch" }

func (t *FetchTool) DisplayName() string { return "Fetch URL" }

func (t *FetchTool) Description() string {
	return "Fetch a URL over HTTP and return its readable text content."
}

func (t *FetchTool) Schema() json.RawMessage { return tools.Schema(&fetchArgs{}) }

func (t *FetchTool) Destructive() bool { return false }

// Invoke fetches the URL and extracts text.
func (t *FetchTool) Invoke(ctx context.Context, _ *agent.ExecContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var input fetchArgs
	if err := tools.DecodeArgs(params, &input); err != nil {
		return nil, err
	}
	target, err := url.Parse(strings.TrimSpace(input.URL))
	if err != nil {
		return nil, agent.InvalidArguments("invalid url: %v", err)
	}
	if err := checkScheme(target); err != nil {
		return nil, agent.InvalidArguments("%v", err)
	}
	if !t.config.AllowPrivate && isBlockedHostname(target.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, target.Hostname())
	}

	limit := t.config.MaxChars
	if input.MaxChars > 0 && input.MaxChars < limit {
		limit = input.MaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", t.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fetch %s: %w", target.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	var content string
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		content, err = ExtractText(string(body))
		if err != nil {
			return nil, fmt.Errorf("extract text: %w", err)
		}
	case strings.HasPrefix(mediaType, "text/"), mediaType == "application/json", mediaType == "":
		content = string(body)
	default:
		return tools.ErrorOutput(fmt.Sprintf("unsupported content type %q", contentType)), nil
	}

	content, truncated := tools.Truncate(content, limit)
	out, err := tools.JSONOutput(map[string]any{
		"url":          resp.Request.URL.String(),
		"status":       resp.StatusCode,
		"content_type": mediaType,
		"content":      content,
		"truncated":    truncated,
	})
	if err != nil {
		return nil, err
	}
	out.IsError = resp.StatusCode >= 400
	return out, nil
}

// transport refuses connections to blocked addresses after DNS resolution,
// so redirects and rebinding are covered as well.
func (t *FetchTool) transport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			if !t.config.AllowPrivate && isPrivateOrReservedIP(ip.IP) {
				return nil, fmt.Errorf("%w: %s resolves to %s", ErrBlockedAddress, host, ip.IP)
			}
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no addresses for %s", host)
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
	}
	return base
}

func checkScheme(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return errors.New("url must have a host")
	}
	return nil
}

func isPrivateOrReservedIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}
