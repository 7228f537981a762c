// Package httpsource serves bundles from a plain HTTP file server.
package httpsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/italolelis/bundle_fetcher/internal/logctx"
	"github.com/italolelis/bundle_fetcher/internal/source"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// Client fetches bundles from <base>/<name>.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its transport is used as is.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		if c != nil {
			client.httpClient = c
		}
	}
}

// WithTracerProvider traces outgoing requests with tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(client *Client) {
		client.httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport, otelhttp.WithTracerProvider(tp)),
		}
	}
}

// NewClient creates a client for the bundle server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

var _ source.Source = (*Client)(nil)

// Stat issues a HEAD request and returns the advertised content length.
func (c *Client) Stat(ctx context.Context, name string) (int64, error) {
	resp, err := c.do(ctx, http.MethodHead, "stat", name)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.ContentLength < 0 {
		return 0, nil
	}

	return resp.ContentLength, nil
}

// Open issues a GET request and returns the response body.
func (c *Client) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, "open", name)
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, method, operation, name string) (*http.Response, error) {
	logger := logctx.LoggerFromContext(ctx).With("bundle", name, "operation", operation)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.DebugContext(ctx, "bundle request failed", "err", err)

		return nil, &source.NetworkError{Operation: operation, Message: err.Error(), Err: err}
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp, nil
	}

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	logger.DebugContext(ctx, "bundle request rejected", "status", resp.StatusCode)

	return nil, source.FromHTTPStatus(operation, name, resp.StatusCode)
}
