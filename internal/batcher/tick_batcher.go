package batcher

import (
	"context"

	"github.com/aristath/marketstream/internal/domain"
)

// TickBatcher owns two independent batches: one for underlying bars
// (deduplicated to the latest value per symbol) and one for option
// snapshots (never deduplicated), each flushed on its own time/size
// trigger and published through separate callbacks.
type TickBatcher struct {
	underlying *Batcher[domain.UnderlyingBar]
	options    *Batcher[domain.OptionSnapshot]
}

// Sinks are the two flush destinations a TickBatcher delivers to, normally
// wired to internal/publisher.
type Sinks struct {
	OnUnderlying FlushFunc[domain.UnderlyingBar]
	OnOptions    FlushFunc[domain.OptionSnapshot]
}

// NewTickBatcher constructs the underlying and options batches sharing cfg's
// window/size bounds.
func NewTickBatcher(cfg Config, sinks Sinks) *TickBatcher {
	return &TickBatcher{
		underlying: New(cfg, sinks.OnUnderlying, func(b domain.UnderlyingBar) (string, bool) { return b.Symbol, true }),
		options:    New(cfg, sinks.OnOptions, nil),
	}
}

// Start begins both background flush loops.
func (t *TickBatcher) Start(ctx context.Context) {
	t.underlying.Start(ctx)
	t.options.Start(ctx)
}

// Stop flushes both batches synchronously and returns once both loops have
// exited.
func (t *TickBatcher) Stop() {
	t.underlying.Stop()
	t.options.Stop()
}

// AddUnderlying enqueues one underlying bar, replacing any pending bar for
// the same symbol in the current batch.
func (t *TickBatcher) AddUnderlying(bar domain.UnderlyingBar) {
	t.underlying.Add(bar)
}

// AddOption enqueues one option snapshot.
func (t *TickBatcher) AddOption(snap domain.OptionSnapshot) {
	t.options.Add(snap)
}
