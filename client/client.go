package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/interfaces"
)

// DefaultTimeout bounds a single attempt of a request.
const DefaultTimeout = 30 * time.Second

// Options configures a Client.
type Options struct {
	Timeout time.Duration
	// RetryMax is the number of retries after the first attempt. Connection
	// errors and 5xx responses are retried.
	RetryMax int
	Log      *slog.Logger
}

// Client talks to the HTTP API of a content sync daemon. It implements
// interfaces.Storage, so a remote daemon can be the source of a migration.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

var _ interfaces.Storage = (*Client)(nil)

// NewClient creates a client for the daemon listening at baseURL.
func NewClient(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q", baseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = 50 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = opts.Timeout
	rc.Logger = common.LoggerOrDefault(opts.Log).With("component", "client")
	// Hand the final response back so its status can be mapped to an error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}, nil
}

// Write stores data under path on the remote daemon.
func (c *Client) Write(ctx context.Context, path string, data []byte) error {
	resp, err := c.do(ctx, http.MethodPut, contentURL(path), data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return responseError(resp)
	}
	return nil
}

// Read returns the content stored under path.
func (c *Client) Read(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, contentURL(path), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	return io.ReadAll(resp.Body)
}

// Exists reports whether the daemon has path cached or mapped.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, contentURL(path), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, responseError(resp)
	}
}

// Delete removes path from the daemon.
func (c *Client) Delete(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodDelete, contentURL(path), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return responseError(resp)
	}
	return nil
}

// List returns every path known to the daemon.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var out struct {
		Paths []string `json:"paths"`
	}
	if err := c.getJSON(ctx, "/api/content", &out); err != nil {
		return nil, err
	}
	return out.Paths, nil
}

// QueueStatus returns the sync queue counters of the daemon.
func (c *Client) QueueStatus(ctx context.Context) (interfaces.QueueStatus, error) {
	var status interfaces.QueueStatus
	err := c.getJSON(ctx, "/api/queue/status", &status)
	return status, err
}

// ExportMappings downloads the address mapping snapshot of the daemon.
func (c *Client) ExportMappings(ctx context.Context) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/mappings/export", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("could not parse response of %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rawBody any
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, rawBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %w", interfaces.ErrStorageUnavailable, method, path, err)
	}
	return resp, nil
}

func contentURL(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return "/api/content/" + strings.Join(segments, "/")
}

// responseError maps an error response of the daemon back to the sentinel
// errors of the interfaces package.
func responseError(resp *http.Response) error {
	msg := http.StatusText(resp.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil && json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusNotFound:
		sentinel = interfaces.ErrNotFound
	case http.StatusMethodNotAllowed:
		sentinel = interfaces.ErrUnsupportedOperation
	case http.StatusConflict:
		sentinel = interfaces.ErrMigrationInProgress
	case http.StatusRequestEntityTooLarge:
		sentinel = interfaces.ErrContentTooLarge
	case http.StatusServiceUnavailable:
		sentinel = interfaces.ErrStorageUnavailable
	case http.StatusGatewayTimeout:
		sentinel = interfaces.ErrNetworkTimeout
	case http.StatusBadGateway:
		sentinel = interfaces.ErrNetworkFailure
	default:
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

// StatusError is returned for responses that do not map to a known error.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
