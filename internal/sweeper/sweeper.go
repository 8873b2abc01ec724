// Package sweeper periodically drops expired device tokens from the cache.
// Expiry is enforced lazily on read, so the sweep only bounds memory and keeps
// the cached-token gauge honest.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"cmc_manager/internal/metrics"
)

const defaultInterval = time.Minute

// Cache is what the worker sweeps.
type Cache interface {
	Sweep() int
	Len() int
}

type Options struct {
	Interval time.Duration
}

type Worker struct {
	log      zerolog.Logger
	cache    Cache
	metrics  *metrics.Metrics
	interval time.Duration
}

func New(log zerolog.Logger, cache Cache, opts Options, m *metrics.Metrics) *Worker {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Worker{
		log:      log,
		cache:    cache,
		metrics:  m,
		interval: interval,
	}
}

// Run sweeps every interval until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.cache == nil {
		return
	}

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		w.runOnce()
		timer.Reset(w.interval)
	}
}

func (w *Worker) runOnce() int {
	removed := w.cache.Sweep()
	w.metrics.ObserveTokenSweep(removed)
	w.metrics.SetTokensCached(w.cache.Len())
	if removed > 0 {
		w.log.Debug().Int("removed", removed).Msg("swept expired device tokens")
	}
	return removed
}
