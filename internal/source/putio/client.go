// Package putio serves bundles stored as files in a put.io folder.
package putio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/italolelis/bundle_fetcher/internal/logctx"
	"github.com/italolelis/bundle_fetcher/internal/source"
	"github.com/putdotio/go-putio"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// rootFolderID is the put.io id of the account's root folder.
const rootFolderID int64 = 0

type Client struct {
	putioClient *putio.Client
	httpClient  *http.Client
	folder      string

	mu       sync.Mutex
	folderID *int64
}

// NewClient creates a put.io source reading bundles from folder. An empty folder
// means the account root.
func NewClient(token, folder string) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)

	return &Client{
		putioClient: putio.NewClient(oauthClient),
		httpClient:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		folder:      folder,
	}
}

var _ source.Source = (*Client)(nil)

// Stat returns the size of the bundle file.
func (c *Client) Stat(ctx context.Context, name string) (int64, error) {
	f, err := c.findFile(ctx, "stat", name)
	if err != nil {
		return 0, err
	}

	return f.Size, nil
}

// Open resolves a download URL for the bundle file and streams it.
func (c *Client) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	logger := logctx.LoggerFromContext(ctx).With("bundle", name)

	f, err := c.findFile(ctx, "open", name)
	if err != nil {
		return nil, err
	}

	url, err := c.putioClient.Files.URL(ctx, f.ID, false)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get file download url", "file_id", f.ID, "err", err)

		return nil, classify("open", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &source.NetworkError{Operation: "open", Message: err.Error(), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()

		return nil, source.FromHTTPStatus("open", name, resp.StatusCode)
	}

	return resp.Body, nil
}

func (c *Client) findFile(ctx context.Context, operation, name string) (*putio.File, error) {
	folderID, err := c.resolveFolder(ctx, operation)
	if err != nil {
		return nil, err
	}

	files, _, err := c.putioClient.Files.List(ctx, folderID)
	if err != nil {
		return nil, classify(operation, name, err)
	}

	for i := range files {
		if files[i].Name == name && !files[i].IsDir() {
			return &files[i], nil
		}
	}

	return nil, &source.UnavailableError{Name: name}
}

// resolveFolder looks the configured folder up among the root entries once and
// caches its id.
func (c *Client) resolveFolder(ctx context.Context, operation string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.folderID != nil {
		return *c.folderID, nil
	}

	if c.folder == "" {
		id := rootFolderID
		c.folderID = &id

		return id, nil
	}

	files, _, err := c.putioClient.Files.List(ctx, rootFolderID)
	if err != nil {
		return 0, classify(operation, c.folder, err)
	}

	for _, f := range files {
		if f.Name == c.folder && f.IsDir() {
			id := f.ID
			c.folderID = &id

			logctx.LoggerFromContext(ctx).DebugContext(ctx, "resolved put.io folder", "folder", c.folder, "folder_id", id)

			return id, nil
		}
	}

	return 0, &source.UnavailableError{Name: c.folder, Err: fmt.Errorf("folder %s not found", c.folder)}
}

// classify maps go-putio errors to source errors.
func classify(operation, name string, err error) error {
	var apiErr *putio.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		wrapped := source.FromHTTPStatus(operation, name, apiErr.Response.StatusCode)

		return fmt.Errorf("%w: %w", wrapped, err)
	}

	return &source.NetworkError{Operation: operation, Message: err.Error(), Err: err}
}
