package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/switchboard-ai/switchboard/internal/providers"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

// Slot pairs an adapter with its descriptor in the fallback chain.
type Slot struct {
	Adapter    providers.Adapter
	Descriptor models.ProviderDescriptor
}

// Chain is the ordered provider list plus retry policy. It is immutable
// after construction; per-request position lives in a cursor so concurrent
// requests never share failover state.
type Chain struct {
	slots      []Slot
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
	metrics    *Metrics
}

func NewChain(slots []Slot, maxRetries int, backoff time.Duration, logger *slog.Logger, metrics *Metrics) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Chain{
		slots:      slots,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
		metrics:    metrics,
	}
}

// Slots returns the chain in order.
func (c *Chain) Slots() []Slot {
	out := make([]Slot, len(c.slots))
	copy(out, c.slots)
	return out
}

// IndexOf returns the position of a provider in the chain, or -1.
func (c *Chain) IndexOf(providerID string) int {
	for i, s := range c.slots {
		if s.Descriptor.ID == providerID {
			return i
		}
	}
	return -1
}

// MaxToolIterations is the aggregate iteration bound: the maximum across
// every provider in the chain, so a mid-request provider swap never
// tightens the bound retroactively.
func (c *Chain) MaxToolIterations() int {
	bound := 0
	for _, s := range c.slots {
		if s.Descriptor.MaxToolIterations > bound {
			bound = s.Descriptor.MaxToolIterations
		}
	}
	if bound <= 0 {
		bound = 10
	}
	return bound
}

// cursor tracks one request's position in the chain and the terminal
// failures collected along the way.
type cursor struct {
	chain    *Chain
	index    int
	failures []ProviderFailure
}

func (c *Chain) cursor(start int) *cursor {
	if start < 0 || start >= len(c.slots) {
		start = 0
	}
	return &cursor{chain: c, index: start}
}

// provider returns the active provider's id, or empty when exhausted.
func (cur *cursor) provider() string {
	if cur.index < len(cur.chain.slots) {
		return cur.chain.slots[cur.index].Descriptor.ID
	}
	return ""
}

// send performs one model round trip on the active provider. Retryable
// failures retry the same adapter with exponential backoff up to maxRetries;
// terminal failures record the reason and advance down the chain. When no
// provider is left the aggregated ChainExhaustedError is returned.
func (cur *cursor) send(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	for cur.index < len(cur.chain.slots) {
		slot := cur.chain.slots[cur.index]

		if len(req.Tools) > 0 && !slot.Adapter.SupportsToolCalls() {
			cur.advance(slot, providers.ReasonCapability, "adapter does not support tool calls")
			continue
		}

		res, err := cur.trySlot(ctx, slot, req)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		reason, message := providers.ReasonUnknown, err.Error()
		if ae, ok := providers.AsAdapterError(err); ok {
			reason, message = ae.Reason, ae.Message
		}
		cur.advance(slot, reason, message)
	}
	return nil, &ChainExhaustedError{Failures: cur.failures}
}

func (cur *cursor) trySlot(ctx context.Context, slot Slot, req *providers.Request) (*providers.Result, error) {
	backoff := cur.chain.backoff
	var lastErr error
	for attempt := 0; ; attempt++ {
		res, err := slot.Adapter.Send(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		ae, ok := providers.AsAdapterError(err)
		if !ok || !ae.Reason.Retryable() || attempt >= cur.chain.maxRetries {
			return nil, lastErr
		}
		cur.chain.logger.Debug("retrying provider",
			"provider", slot.Descriptor.ID,
			"reason", ae.Reason,
			"attempt", attempt+1,
			"backoff", backoff,
		)
		if cur.chain.metrics != nil {
			cur.chain.metrics.ProviderRetries.WithLabelValues(slot.Descriptor.ID, string(ae.Reason)).Inc()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (cur *cursor) advance(slot Slot, reason providers.Reason, message string) {
	cur.failures = append(cur.failures, ProviderFailure{
		Provider: slot.Descriptor.ID,
		Reason:   reason,
		Message:  message,
	})
	cur.chain.logger.Warn("provider failed, advancing chain",
		"provider", slot.Descriptor.ID,
		"reason", reason,
	)
	if cur.chain.metrics != nil {
		cur.chain.metrics.ProviderFailovers.WithLabelValues(slot.Descriptor.ID, string(reason)).Inc()
	}
	cur.index++
}
