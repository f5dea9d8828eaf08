package metrics

import "time"

// Source is implemented by the engine to expose the gauges Collector
// polls periodically.
type Source interface {
	BufferStats() (pages int, bytes int64)
	BlockStats() map[[2]string]int // (flavor, state) -> count
	LockCacheSize() int
	ActiveTransactions() int
	QuarantinedSegments() int
}

// Collector polls an engine Source on an interval and updates the
// corresponding gauges, mirroring the teacher's periodic-tick pattern.
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector for source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting on a 15 second tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	pages, bytes := c.source.BufferStats()
	BufferPagesTotal.Set(float64(pages))
	BufferBytesTotal.Set(float64(bytes))

	for k, v := range c.source.BlockStats() {
		BlocksTotal.WithLabelValues(k[0], k[1]).Set(float64(v))
	}

	LockCacheSize.Set(float64(c.source.LockCacheSize()))
	TransactionsActive.Set(float64(c.source.ActiveTransactions()))
	QuarantinedSegments.Set(float64(c.source.QuarantinedSegments()))
}
