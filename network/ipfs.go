package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/interfaces"
)

// IPFSClient talks to the InterPlanetary File System. In API mode it uses the
// node's HTTP RPC API through go-ipfs-api; in gateway mode it only reads
// through a public HTTP gateway.
type IPFSClient struct {
	shell      *shell.Shell
	httpClient *http.Client
	cfg        interfaces.NetworkConfig
	log        *slog.Logger
}

// NewIPFSClient creates a client fixed to cfg.Mode.
func NewIPFSClient(cfg interfaces.NetworkConfig, log *slog.Logger) (*IPFSClient, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &IPFSClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		log:        common.LoggerOrDefault(log),
	}

	switch cfg.Mode {
	case interfaces.APIMode:
		if cfg.APIEndpoint == "" {
			return nil, fmt.Errorf("api mode requires an API endpoint")
		}
		c.shell = shell.NewShell(cfg.APIEndpoint)
		c.shell.SetTimeout(cfg.Timeout)
	case interfaces.GatewayMode:
		if cfg.GatewayURL == "" {
			return nil, fmt.Errorf("gateway mode requires a gateway URL")
		}
		c.cfg.GatewayURL = strings.TrimSuffix(cfg.GatewayURL, "/")
	default:
		return nil, fmt.Errorf("unknown network mode %q", cfg.Mode)
	}

	return c, nil
}

// Mode returns the mode the client was constructed with.
func (c *IPFSClient) Mode() interfaces.NetworkMode {
	return c.cfg.Mode
}

// Add publishes data as a CIDv1 with raw leaves. Content is not pinned.
func (c *IPFSClient) Add(ctx context.Context, data []byte) (interfaces.AddResult, error) {
	if c.cfg.Mode != interfaces.APIMode {
		return interfaces.AddResult{}, interfaces.ErrUnsupportedOperation
	}
	if c.cfg.MaxFileSizeBytes > 0 && int64(len(data)) > c.cfg.MaxFileSizeBytes {
		return interfaces.AddResult{}, fmt.Errorf("%w: %d > %d bytes", interfaces.ErrContentTooLarge, len(data), c.cfg.MaxFileSizeBytes)
	}

	start := time.Now()
	contentID, err := callWithTimeout(ctx, c.cfg.Timeout, func() (string, error) {
		return c.shell.Add(bytes.NewReader(data), shell.CidVersion(1), shell.RawLeaves(true), shell.Pin(false))
	})
	if err != nil {
		c.log.Warn("Failed to add content to IPFS",
			slog.Int("size", len(data)),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return interfaces.AddResult{}, classifyError(err)
	}

	c.log.Debug("Added content to IPFS",
		slog.String("cid", contentID),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return interfaces.AddResult{ContentID: contentID, Size: int64(len(data))}, nil
}

// Get fetches content by CID. Returns ErrNotFound when the node or gateway
// reports the content as missing and ErrNetworkTimeout when the call expires.
func (c *IPFSClient) Get(ctx context.Context, contentID string) ([]byte, error) {
	if err := ValidateContentID(contentID); err != nil {
		return nil, err
	}

	start := time.Now()
	var (
		data []byte
		err  error
	)
	if c.cfg.Mode == interfaces.GatewayMode {
		data, err = c.gatewayGet(ctx, contentID)
	} else {
		data, err = callWithTimeout(ctx, c.cfg.Timeout, func() ([]byte, error) {
			reader, err := c.shell.Cat("/ipfs/" + contentID)
			if err != nil {
				return nil, err
			}
			defer reader.Close()
			return io.ReadAll(reader)
		})
		if err != nil && isIPFSNotFound(err) {
			err = fmt.Errorf("%w: %s", interfaces.ErrNotFound, contentID)
		}
	}
	if err != nil {
		c.log.Debug("Failed to fetch content from IPFS",
			slog.String("cid", contentID),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, classifyError(err)
	}

	c.log.Debug("Fetched content from IPFS",
		slog.String("cid", contentID),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

// Pin marks content as exempt from garbage collection on the node.
func (c *IPFSClient) Pin(ctx context.Context, contentID string) (bool, error) {
	if c.cfg.Mode != interfaces.APIMode {
		return false, interfaces.ErrUnsupportedOperation
	}
	if err := ValidateContentID(contentID); err != nil {
		return false, err
	}

	_, err := callWithTimeout(ctx, c.cfg.Timeout, func() (struct{}, error) {
		return struct{}{}, c.shell.Pin(contentID)
	})
	if err != nil {
		return false, classifyError(err)
	}
	return true, nil
}

// Unpin releases a pin. Returns false without error when the content was not pinned.
func (c *IPFSClient) Unpin(ctx context.Context, contentID string) (bool, error) {
	if c.cfg.Mode != interfaces.APIMode {
		return false, interfaces.ErrUnsupportedOperation
	}
	if err := ValidateContentID(contentID); err != nil {
		return false, err
	}

	_, err := callWithTimeout(ctx, c.cfg.Timeout, func() (struct{}, error) {
		return struct{}{}, c.shell.Unpin(contentID)
	})
	if err != nil {
		if strings.Contains(err.Error(), "not pinned") {
			return false, nil
		}
		return false, classifyError(err)
	}
	return true, nil
}

// HealthCheck reports whether the node API or gateway answers.
func (c *IPFSClient) HealthCheck(ctx context.Context) (bool, error) {
	if c.cfg.Mode == interfaces.APIMode {
		return callWithTimeout(ctx, c.cfg.Timeout, func() (bool, error) {
			return c.shell.IsUp(), nil
		})
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.GatewayURL+"/", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, classifyError(err)
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError, nil
}

func (c *IPFSClient) gatewayGet(ctx context.Context, contentID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/ipfs/%s", c.cfg.GatewayURL, contentID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, contentID)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, fmt.Errorf("%w: gateway returned %d", interfaces.ErrNetworkTimeout, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: gateway returned %d", interfaces.ErrNetworkFailure, resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if c.cfg.MaxFileSizeBytes > 0 {
		body = io.LimitReader(resp.Body, c.cfg.MaxFileSizeBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, classifyError(err)
	}
	if c.cfg.MaxFileSizeBytes > 0 && int64(len(data)) > c.cfg.MaxFileSizeBytes {
		return nil, interfaces.ErrContentTooLarge
	}
	return data, nil
}

func isIPFSNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no link named") || strings.Contains(msg, "not found")
}
