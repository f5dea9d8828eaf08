package engine

// BufferStats implements metrics.Source, reporting the Buffer's
// current page count and resident bytes.
func (e *Engine) BufferStats() (pages int, bytes int64) {
	return e.buf.Stats()
}

// BlockStats implements metrics.Source, reporting block counts by
// (flavor, lifecycle state) across every Database block set.
func (e *Engine) BlockStats() map[[2]string]int {
	return e.db.BlockStats()
}

// LockCacheSize implements metrics.Source, reporting the number of
// tokens currently cached by the LockService.
func (e *Engine) LockCacheSize() int {
	return e.locks.Size()
}

// QuarantinedSegments implements metrics.Source, reporting the total
// number of blocks currently excluded from reads due to an
// IO/corruption error.
func (e *Engine) QuarantinedSegments() int {
	return e.db.QuarantinedSegments()
}
