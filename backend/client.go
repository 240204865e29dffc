// Package backend implements the typed HTTP client for the cloud
// archive: configuration fetch, subject/session/scan listing and
// download, custom archives, and study uploads. Every request carries
// the proxy key in the X-Proxy-Key header.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	proxyerrors "github.com/caio-sobreiro/pacsproxy/errors"
)

const (
	// DefaultTimeout bounds a single request, downloads included.
	DefaultTimeout = 1200 * time.Second

	downloadChunkSize = 8 * 1024

	headerProxyKey = "X-Proxy-Key"
)

// ProgressFunc receives streamed-download progress. bytesTotal is -1
// when the server does not announce a length.
type ProgressFunc func(bytesDone, bytesTotal int64)

// Client is the backend API client. The workspace ID is learned from
// the configuration fetch or the control-channel handshake.
type Client struct {
	baseURL    string
	proxyKey   string
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.RWMutex
	workspaceID string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithLogger overrides the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a backend client for the given base URL and proxy key.
func NewClient(baseURL, proxyKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		proxyKey:   proxyKey,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetWorkspaceID records the workspace scope for subsequent calls.
func (c *Client) SetWorkspaceID(id string) {
	c.mu.Lock()
	c.workspaceID = id
	c.mu.Unlock()
}

// WorkspaceID returns the current workspace scope.
func (c *Client) WorkspaceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workspaceID
}

func (c *Client) workspacePath(suffix string) (string, error) {
	ws := c.WorkspaceID()
	if ws == "" {
		return "", fmt.Errorf("workspace ID not set")
	}
	return fmt.Sprintf("/api/v1/proxy/%s%s", ws, suffix), nil
}

// newRequest builds a request with the auth header set.
func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerProxyKey, c.proxyKey)
	return req, nil
}

// do executes the request and maps error statuses to typed errors.
// Transient failures (network, 5xx, 408, 429) retry with exponential
// backoff; 401/403/404 and other 4xx fail fast.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	op := fmt.Sprintf("%s %s", req.Method, req.URL.Path)

	var resp *http.Response
	operation := func() error {
		var err error
		resp, err = c.httpClient.Do(req)
		if err != nil {
			return proxyerrors.NewNetworkError(op, err)
		}
		if err := c.checkStatus(resp, op); err != nil {
			if proxyerrors.IsRetryable(err) {
				resp.Body.Close()
				return err
			}
			resp.Body.Close()
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), req.Context())
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode < 400 {
		return nil
	}

	msg := resp.Status
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		msg = "invalid proxy key"
	case http.StatusForbidden:
		msg = "proxy inactive"
	case http.StatusNotFound:
		msg = "not found"
	}
	return proxyerrors.NewBackendError(op, resp.StatusCode, msg)
}

// getJSON performs a GET and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// FetchConfiguration retrieves the proxy configuration and records the
// workspace ID it carries.
func (c *Client) FetchConfiguration(ctx context.Context) (*ProxyConfigurationResponse, error) {
	var cfg ProxyConfigurationResponse
	if err := c.getJSON(ctx, "/api/v1/proxy/configuration", nil, &cfg); err != nil {
		return nil, err
	}
	if cfg.WorkspaceID != "" {
		c.SetWorkspaceID(cfg.WorkspaceID)
	}
	return &cfg, nil
}

// downloadToFile streams the response body to destPath in 8 KiB chunks,
// reporting progress along the way.
func (c *Client) downloadToFile(ctx context.Context, path string, query url.Values, destPath string, progress ProgressFunc) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create download target: %w", err)
	}
	defer out.Close()

	total := resp.ContentLength
	var done int64
	buf := make([]byte, downloadChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write download: %w", err)
			}
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return proxyerrors.NewNetworkError("download "+path, readErr)
		}
	}

	c.logger.Debug("Download complete", "path", path, "bytes", done, "dest", destPath)
	return nil
}
