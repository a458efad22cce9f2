package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ruteri/content-sync/interfaces"
)

const defaultTimeout = 30 * time.Second

// callWithTimeout runs fn and gives up once timeout expires. The shell API
// is not context aware, so fn keeps running until the shell's own HTTP
// timeout fires; its result is discarded.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, classifyError(ctx.Err())
	}
}

// classifyError maps transport errors onto the network error taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		interfaces.ErrNetworkTimeout,
		interfaces.ErrNetworkFailure,
		interfaces.ErrNotFound,
		interfaces.ErrContentTooLarge,
		interfaces.ErrInvalidContentID,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", interfaces.ErrNetworkTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", interfaces.ErrNetworkTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", interfaces.ErrNetworkFailure, err)
}
