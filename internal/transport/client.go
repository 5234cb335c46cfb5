package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpproxy"
)

// ErrBadHTTPStatus is returned when the server answers with an unexpected status.
var ErrBadHTTPStatus = errors.New("unexpected http status")

const (
	// DefaultTimeout bounds connection setup and waiting for response headers.
	DefaultTimeout = 30 * time.Second
	// DefaultUserAgent identifies the provisioner to release hosts.
	DefaultUserAgent = "server-provisioner"

	// maxErrorBody limits how much of an error response is quoted in errors.
	maxErrorBody = 512
)

// Getter fetches remote resources.
type Getter interface {
	// Get opens a download; only HTTP 200 counts as success.
	Get(ctx context.Context, rawURL string) (*Download, error)
	// GetJSON decodes a 2xx JSON response into v.
	GetJSON(ctx context.Context, rawURL string, v any) error
}

// Download is an open artifact stream.
type Download struct {
	// Body is the response body; the caller must close it.
	Body io.ReadCloser
	// Size is the announced content length or -1 when unknown.
	Size int64
}

// ProxyConfig carries proxy settings resolved by the caller.
type ProxyConfig struct {
	// HTTPProxy is used for plain http requests.
	HTTPProxy string `yaml:"http,omitempty"`
	// HTTPSProxy is used for https requests.
	HTTPSProxy string `yaml:"https,omitempty"`
	// NoProxy lists hosts that bypass the proxy, comma separated.
	NoProxy string `yaml:"no_proxy,omitempty"`
	// StrictSSL enables TLS certificate verification.
	StrictSSL bool `yaml:"strict_ssl"`
}

// Client implements Getter over net/http.
type Client struct {
	// httpClient performs the requests.
	httpClient *http.Client
	// userAgent is sent with every request.
	userAgent string
	// tokens maps host names to bearer tokens.
	tokens map[string]string
}

// Option configures the client.
type Option func(*Client)

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		if userAgent != "" {
			c.userAgent = userAgent
		}
	}
}

// WithAuthToken sends a bearer token to requests for the given host.
func WithAuthToken(host, token string) Option {
	return func(c *Client) {
		if host != "" && token != "" {
			c.tokens[strings.ToLower(host)] = token
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// New creates a client honoring the proxy configuration.
func New(proxy ProxyConfig, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // DefaultTransport is always *http.Transport.
	transport.Proxy = proxyFunc(proxy)
	transport.ResponseHeaderTimeout = timeout
	transport.TLSHandshakeTimeout = timeout

	if !proxy.StrictSSL {
		//nolint:gosec // Users explicitly disable verification for intercepting proxies.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	c := &Client{
		httpClient: &http.Client{Transport: transport},
		userAgent:  DefaultUserAgent,
		tokens:     make(map[string]string),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// proxyFunc builds the per-request proxy selector. Without configured proxies
// requests go direct.
func proxyFunc(proxy ProxyConfig) func(*http.Request) (*url.URL, error) {
	if proxy.HTTPProxy == "" && proxy.HTTPSProxy == "" {
		return nil
	}

	selector := (&httpproxy.Config{
		HTTPProxy:  proxy.HTTPProxy,
		HTTPSProxy: proxy.HTTPSProxy,
		NoProxy:    proxy.NoProxy,
	}).ProxyFunc()

	return func(req *http.Request) (*url.URL, error) {
		return selector(req.URL)
	}
}

// Get opens the resource at rawURL for streaming.
func (c *Client) Get(ctx context.Context, rawURL string) (*Download, error) {
	response, err := c.do(ctx, rawURL, "application/octet-stream")
	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()

		return nil, statusError(rawURL, response)
	}

	return &Download{
		Body: response.Body,
		Size: response.ContentLength,
	}, nil
}

// GetJSON fetches rawURL and decodes the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any) error {
	response, err := c.do(ctx, rawURL, "application/json")
	if err != nil {
		return err
	}

	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return statusError(rawURL, response)
	}

	if err = json.NewDecoder(response.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}

	return nil
}

func (c *Client) do(ctx context.Context, rawURL, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", accept)

	if token, ok := c.tokens[strings.ToLower(req.URL.Hostname())]; ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}

	return response, nil
}

func statusError(rawURL string, response *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))

	message := strings.TrimSpace(string(body))
	if message == "" {
		return fmt.Errorf("%s, %s: %w", rawURL, response.Status, ErrBadHTTPStatus)
	}

	return fmt.Errorf("%s, %s: %s: %w", rawURL, response.Status, message, ErrBadHTTPStatus)
}
