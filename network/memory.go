package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ruteri/content-sync/interfaces"
	"go.uber.org/atomic"
)

// MemoryNetwork is an in-process content network. Identifiers are the
// deterministic CIDv1 of the content, so identical bytes always map to the
// same identifier. Latency and failures can be injected for tests and
// offline development.
type MemoryNetwork struct {
	state *memoryState
	mode  interfaces.NetworkMode
	opts  MemoryNetworkOptions
}

// MemoryNetworkOptions configures NewMemoryNetwork.
type MemoryNetworkOptions struct {
	Latency          time.Duration
	Timeout          time.Duration
	MaxFileSizeBytes int64
}

type memoryState struct {
	mu      sync.RWMutex
	blocks  map[string][]byte
	pins    map[string]bool
	addErr  func(data []byte) error
	healthy bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	addCalls    atomic.Int32
}

// NewMemoryNetwork creates an empty read-write network.
func NewMemoryNetwork(opts MemoryNetworkOptions) *MemoryNetwork {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &MemoryNetwork{
		state: &memoryState{
			blocks:  make(map[string][]byte),
			pins:    make(map[string]bool),
			healthy: true,
		},
		mode: interfaces.APIMode,
		opts: opts,
	}
}

// GatewayView returns a read-only client over the same content.
func (n *MemoryNetwork) GatewayView() *MemoryNetwork {
	return &MemoryNetwork{state: n.state, mode: interfaces.GatewayMode, opts: n.opts}
}

// SetAddError makes Add fail with the error returned by fn. A nil fn, or fn
// returning nil, lets Add succeed.
func (n *MemoryNetwork) SetAddError(fn func(data []byte) error) {
	n.state.mu.Lock()
	defer n.state.mu.Unlock()
	n.state.addErr = fn
}

// SetHealthy controls the HealthCheck result.
func (n *MemoryNetwork) SetHealthy(healthy bool) {
	n.state.mu.Lock()
	defer n.state.mu.Unlock()
	n.state.healthy = healthy
}

// SetLatency changes the artificial delay of Add, Get and HealthCheck.
func (n *MemoryNetwork) SetLatency(d time.Duration) {
	n.state.mu.Lock()
	defer n.state.mu.Unlock()
	n.opts.Latency = d
}

// MaxConcurrentAdds returns the highest number of simultaneous Add calls observed.
func (n *MemoryNetwork) MaxConcurrentAdds() int {
	return int(n.state.maxInFlight.Load())
}

// AddCalls returns how many times Add was invoked.
func (n *MemoryNetwork) AddCalls() int {
	return int(n.state.addCalls.Load())
}

// IsPinned reports the pin state of contentID.
func (n *MemoryNetwork) IsPinned(contentID string) bool {
	n.state.mu.RLock()
	defer n.state.mu.RUnlock()
	return n.state.pins[contentID]
}

// Mode returns the mode of this view.
func (n *MemoryNetwork) Mode() interfaces.NetworkMode {
	return n.mode
}

func (n *MemoryNetwork) Add(ctx context.Context, data []byte) (interfaces.AddResult, error) {
	if n.mode != interfaces.APIMode {
		return interfaces.AddResult{}, interfaces.ErrUnsupportedOperation
	}
	if n.opts.MaxFileSizeBytes > 0 && int64(len(data)) > n.opts.MaxFileSizeBytes {
		return interfaces.AddResult{}, fmt.Errorf("%w: %d > %d bytes", interfaces.ErrContentTooLarge, len(data), n.opts.MaxFileSizeBytes)
	}

	n.state.addCalls.Inc()
	current := n.state.inFlight.Inc()
	defer n.state.inFlight.Dec()
	for {
		peak := n.state.maxInFlight.Load()
		if current <= peak || n.state.maxInFlight.CompareAndSwap(peak, current) {
			break
		}
	}

	if err := n.wait(ctx); err != nil {
		return interfaces.AddResult{}, err
	}

	n.state.mu.Lock()
	defer n.state.mu.Unlock()
	if n.state.addErr != nil {
		if err := n.state.addErr(data); err != nil {
			return interfaces.AddResult{}, classifyError(err)
		}
	}

	contentID, err := ComputeCID(data)
	if err != nil {
		return interfaces.AddResult{}, err
	}
	n.state.blocks[contentID] = append([]byte(nil), data...)
	return interfaces.AddResult{ContentID: contentID, Size: int64(len(data))}, nil
}

func (n *MemoryNetwork) Get(ctx context.Context, contentID string) ([]byte, error) {
	if err := ValidateContentID(contentID); err != nil {
		return nil, err
	}
	if err := n.wait(ctx); err != nil {
		return nil, err
	}

	n.state.mu.RLock()
	defer n.state.mu.RUnlock()
	data, ok := n.state.blocks[contentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, contentID)
	}
	return append([]byte(nil), data...), nil
}

func (n *MemoryNetwork) Pin(ctx context.Context, contentID string) (bool, error) {
	if n.mode != interfaces.APIMode {
		return false, interfaces.ErrUnsupportedOperation
	}
	if err := ValidateContentID(contentID); err != nil {
		return false, err
	}

	n.state.mu.Lock()
	defer n.state.mu.Unlock()
	if _, ok := n.state.blocks[contentID]; !ok {
		return false, fmt.Errorf("%w: %s", interfaces.ErrNotFound, contentID)
	}
	n.state.pins[contentID] = true
	return true, nil
}

func (n *MemoryNetwork) Unpin(ctx context.Context, contentID string) (bool, error) {
	if n.mode != interfaces.APIMode {
		return false, interfaces.ErrUnsupportedOperation
	}
	if err := ValidateContentID(contentID); err != nil {
		return false, err
	}

	n.state.mu.Lock()
	defer n.state.mu.Unlock()
	if !n.state.pins[contentID] {
		return false, nil
	}
	delete(n.state.pins, contentID)
	return true, nil
}

func (n *MemoryNetwork) HealthCheck(ctx context.Context) (bool, error) {
	if err := n.wait(ctx); err != nil {
		return false, err
	}
	n.state.mu.RLock()
	defer n.state.mu.RUnlock()
	return n.state.healthy, nil
}

// wait applies the configured latency within the per-call timeout.
func (n *MemoryNetwork) wait(ctx context.Context) error {
	n.state.mu.RLock()
	latency := n.opts.Latency
	n.state.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()

	if latency <= 0 {
		return classifyError(ctx.Err())
	}

	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return classifyError(ctx.Err())
	}
}
