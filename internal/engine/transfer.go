package engine

import (
	"context"
	"time"

	"github.com/concoursedb/concourse/internal/log"
	"github.com/concoursedb/concourse/internal/notify"
)

// RunTransfers drains sealed Buffer pages into the Database on a
// timer until ctx is cancelled, the background half of Invariant 5
// (index triple consistency): a page is only removed from the Buffer
// once every entry has landed in the primary, secondary and search
// block sets. Each drained page publishes a BufferTransferred event.
func (e *Engine) RunTransfers(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainOnePage()
		}
	}
}

// drainOnePage transfers at most one sealed page per tick, so a burst
// of sealed pages spreads its IO cost across several ticks instead of
// blocking the next tick's other work.
func (e *Engine) drainOnePage() {
	transferred, err := e.buf.Transfer(e.db)
	if err != nil {
		log.WithComponent("engine").Error().Err(err).Msg("buffer transfer failed")
		return
	}
	if !transferred {
		return
	}
	e.notifier.Publish(&notify.Event{Type: notify.BufferTransferred})
}
