// Package vlmclient invokes a vision-language model to describe a camera
// snapshot, with a fallback chain across backends.
package vlmclient

import (
	"context"
	"fmt"
)

// Request describes one analysis call.
type Request struct {
	Camera       string
	EventID      string
	Label        string
	SnapshotPath string
	Prompt       string
}

// Backend produces a free-text description of the snapshot in Request, or
// an error if it could not be reached or produced no usable reply.
type Backend interface {
	Name() string
	Analyze(ctx context.Context, req Request) (string, error)
}

// Chain tries each backend in order and returns the first non-empty reply.
// It is grounded on the teacher's engines.Manager.ProcessAll fan-out, which
// recovers from a single engine's panic so one broken engine cannot take
// the others down with it; Chain keeps that same per-backend isolation but
// inverts the aggregation: instead of collecting every engine's output it
// stops at the first backend that returns something usable.
type Chain struct {
	backends []Backend
}

// NewChain builds a fallback chain, tried in the given order.
func NewChain(backends ...Backend) *Chain {
	return &Chain{backends: backends}
}

// Analyze runs the chain, returning the first backend's non-empty reply.
func (c *Chain) Analyze(ctx context.Context, req Request) (reply string, backend string, err error) {
	var errs []error
	for _, b := range c.backends {
		out, callErr := c.tryOne(ctx, b, req)
		if callErr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), callErr))
			continue
		}
		if out != "" {
			return out, b.Name(), nil
		}
	}
	if len(c.backends) == 0 {
		return "", "", fmt.Errorf("vlmclient: no backends configured")
	}
	return "", "", fmt.Errorf("vlmclient: all backends failed or returned empty: %v", errs)
}

func (c *Chain) tryOne(ctx context.Context, b Backend, req Request) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in backend %s: %v", b.Name(), r)
		}
	}()
	return b.Analyze(ctx, req)
}
