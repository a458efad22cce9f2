package interfaces

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNetworkTimeout is returned when a content network call exceeds its deadline.
	ErrNetworkTimeout = errors.New("content network timeout")

	// ErrNetworkFailure is returned for transport and remote errors other than timeouts.
	ErrNetworkFailure = errors.New("content network failure")

	// ErrUnsupportedOperation is returned by a read-only gateway client for add, pin and unpin.
	ErrUnsupportedOperation = errors.New("operation not supported in gateway mode")

	// ErrContentTooLarge is returned when a payload exceeds the configured maximum file size.
	ErrContentTooLarge = errors.New("content exceeds maximum file size")

	// ErrInvalidContentID is returned when a content identifier cannot be decoded.
	ErrInvalidContentID = errors.New("invalid content identifier")
)

// NetworkMode selects the capabilities of a content network client.
type NetworkMode string

const (
	// APIMode grants the full add/get/pin/unpin API.
	APIMode NetworkMode = "api"
	// GatewayMode is read-only: get and health checks only.
	GatewayMode NetworkMode = "gateway"
)

// ParseNetworkMode validates a mode string.
func ParseNetworkMode(s string) (NetworkMode, error) {
	switch NetworkMode(s) {
	case APIMode, GatewayMode:
		return NetworkMode(s), nil
	default:
		return "", fmt.Errorf("unknown network mode %q", s)
	}
}

// NetworkConfig is fixed at client construction.
type NetworkConfig struct {
	Mode             NetworkMode   `yaml:"mode"`
	GatewayURL       string        `yaml:"gateway_url"`
	APIEndpoint      string        `yaml:"api_endpoint"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxFileSizeBytes int64         `yaml:"max_file_size_bytes"`
}

// AddResult describes content published to the network.
type AddResult struct {
	ContentID string `json:"contentId"`
	Size      int64  `json:"size"`
}

// ContentNetwork is a client for a distributed content-addressed network.
type ContentNetwork interface {
	// Add publishes data and returns its content identifier.
	Add(ctx context.Context, data []byte) (AddResult, error)

	// Get fetches content by identifier.
	Get(ctx context.Context, contentID string) ([]byte, error)

	// Pin exempts content from network-side garbage collection.
	Pin(ctx context.Context, contentID string) (bool, error)

	// Unpin releases a pin.
	Unpin(ctx context.Context, contentID string) (bool, error)

	// HealthCheck reports whether the network endpoint is reachable.
	HealthCheck(ctx context.Context) (bool, error)

	// Mode returns the mode the client was constructed with.
	Mode() NetworkMode
}
