package database

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/concoursedb/concourse/internal/block"
	"github.com/concoursedb/concourse/internal/log"
	"github.com/concoursedb/concourse/internal/metrics"
	"github.com/concoursedb/concourse/internal/revision"
	"github.com/concoursedb/concourse/internal/value"
)

// DefaultBlockSize is the size cap a mutable block accumulates before
// it is flushed and rolled over, per §4.5 ("rolls over to a new
// mutable block when the current exceeds its size cap").
const DefaultBlockSize int64 = 4 << 20

// blockSet is one flavor's rolling collection of blocks: a single
// current mutable block accepting inserts, plus every block already
// flushed to immutable. It is the generic machinery behind Database's
// three parallel collections (primary, secondary, search), kept
// flavor-agnostic the same way block.Block itself is (design note
// "Three parallel indexes").
type blockSet[L value.Ordered[L], K value.Ordered[K], V value.Ordered[V]] struct {
	mu sync.RWMutex

	dir     string
	flavor  string
	sizeCap int64

	blocks   []*block.Block[L, K, V]
	current  *block.Block[L, K, V]
	curBytes int64
	nextID   int

	newMutable     func(id string) *block.Block[L, K, V]
	compositeBloom bool

	// onFlush, when set, is called after a mutable block is sealed and
	// replaced with a fresh one — the hook Database wires to
	// internal/notify's BlockFlushed event.
	onFlush func(flavor, id string)

	// quarantined holds the ids of immutable blocks that failed a read
	// with an IO/corruption error (§7 "IO / Corruption"): the engine
	// excludes them from future seeks rather than failing every read
	// that happens to touch them.
	quarantined map[string]bool
}

func newBlockSet[L value.Ordered[L], K value.Ordered[K], V value.Ordered[V]](
	dir, flavor string, sizeCap int64, compositeBloom bool,
	newMutable func(id string) *block.Block[L, K, V],
	openImmutable func(dir, id string) (*block.Block[L, K, V], error),
) (*blockSet[L, K, V], error) {
	if sizeCap <= 0 {
		sizeCap = DefaultBlockSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("database: create %s dir: %w", flavor, err)
	}
	bs := &blockSet[L, K, V]{
		dir: dir, flavor: flavor, sizeCap: sizeCap,
		newMutable:  newMutable,
		compositeBloom: compositeBloom,
		quarantined: make(map[string]bool),
	}
	if err := bs.reload(openImmutable); err != nil {
		return nil, err
	}
	bs.openCurrent()
	return bs, nil
}

// reload re-opens every immutable block already flushed to bs.dir by
// an earlier process, so a restarted server (or an offline tool like
// concourse-compact) sees the same blocks a still-running one would.
// Blocks are discovered by filename rather than tracked in any
// manifest; nextID resumes past the highest id found so a fresh
// mutable block never collides with one already on disk.
func (bs *blockSet[L, K, V]) reload(openImmutable func(dir, id string) (*block.Block[L, K, V], error)) error {
	matches, err := filepath.Glob(filepath.Join(bs.dir, bs.flavor+"-*.blk"))
	if err != nil {
		return fmt.Errorf("database: list %s blocks: %w", bs.flavor, err)
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(m), ".blk"))
	}
	sort.Strings(ids)

	for _, id := range ids {
		b, err := openImmutable(bs.dir, id)
		if err != nil {
			return fmt.Errorf("database: reopen %s block %s: %w", bs.flavor, id, err)
		}
		bs.blocks = append(bs.blocks, b)
		if n, ok := blockSeq(bs.flavor, id); ok && n >= bs.nextID {
			bs.nextID = n + 1
		}
	}
	return nil
}

// blockSeq extracts the numeric suffix from an id formatted as
// "<flavor>-NNNNNN", the inverse of openCurrent's id construction.
func blockSeq(flavor, id string) (int, bool) {
	prefix := flavor + "-"
	if !strings.HasPrefix(id, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(id, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

func (bs *blockSet[L, K, V]) openCurrent() {
	id := fmt.Sprintf("%s-%06d", bs.flavor, bs.nextID)
	bs.nextID++
	bs.current = bs.newMutable(id)
	bs.curBytes = 0
}

// insert appends one revision to the current mutable block, rolling
// over (flushing and opening a fresh one) when the size cap is
// exceeded.
func (bs *blockSet[L, K, V]) insert(loc L, key K, val V, version uint64, action revision.Action) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	r, err := bs.current.Insert(loc, key, val, version, action)
	if err != nil {
		return fmt.Errorf("database: insert into %s block: %w", bs.flavor, err)
	}
	bs.curBytes += int64(len(r.Encode()))

	if bs.curBytes >= bs.sizeCap {
		return bs.rollover()
	}
	return nil
}

// rollover must be called with bs.mu held.
func (bs *blockSet[L, K, V]) rollover() error {
	timer := prometheus.NewTimer(metrics.BlockFlushDuration.WithLabelValues(bs.flavor))
	defer timer.ObserveDuration()

	id := bs.current.ID()
	if err := bs.current.Flush(bs.dir); err != nil {
		return fmt.Errorf("database: flush %s block %s: %w", bs.flavor, id, err)
	}
	bs.blocks = append(bs.blocks, bs.current)
	metrics.BlocksTotal.WithLabelValues(bs.flavor, "immutable").Inc()
	bs.openCurrent()
	if bs.onFlush != nil {
		bs.onFlush(bs.flavor, id)
	}
	return nil
}

// seek returns every revision matching loc, scanning the mutable block
// directly and probing immutable blocks through their bloom filter
// first. When key is non-nil and the set tracks composite bloom keys,
// the bloom probe additionally narrows on (loc, key).
func (bs *blockSet[L, K, V]) seek(loc L, key *K) ([]revision.Revision[L, K, V], error) {
	bs.mu.RLock()
	blocks := make([]*block.Block[L, K, V], len(bs.blocks))
	copy(blocks, bs.blocks)
	cur := bs.current
	bs.mu.RUnlock()

	out := cur.SeekMutable(&loc)
	for _, b := range blocks {
		bs.mu.RLock()
		quarantined := bs.quarantined[b.ID()]
		bs.mu.RUnlock()
		if quarantined {
			continue
		}
		if !b.MightContain(loc, key) {
			metrics.BloomProbesTotal.WithLabelValues(bs.flavor, "miss").Inc()
			continue
		}
		metrics.BloomProbesTotal.WithLabelValues(bs.flavor, "hit").Inc()
		revs, err := b.SeekImmutable(&loc)
		if err != nil {
			bs.quarantine(b.ID(), err)
			continue
		}
		out = append(out, revs...)
	}
	return out, nil
}

// quarantine marks block id unreadable so future seeks skip it instead
// of failing outright, per §7's "continues serving others".
func (bs *blockSet[L, K, V]) quarantine(id string, cause error) {
	bs.mu.Lock()
	bs.quarantined[id] = true
	bs.mu.Unlock()
	log.WithComponent("database").Error().Str("block_id", id).Str("flavor", bs.flavor).Err(cause).Msg("block quarantined")
}

// quarantineCount reports how many of this set's blocks are currently
// quarantined.
func (bs *blockSet[L, K, V]) quarantineCount() int {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return len(bs.quarantined)
}

// stats reports block counts by lifecycle state for the metrics
// collector's concourse_blocks_total gauge.
func (bs *blockSet[L, K, V]) stats() map[string]int {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	out := map[string]int{"mutable": 1}
	for _, b := range bs.blocks {
		out[b.State().String()]++
	}
	return out
}

// flushAll flushes the current mutable block unconditionally,
// regardless of size cap; it does nothing when the block is empty.
func (bs *blockSet[L, K, V]) flushAll() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.current.Len() == 0 {
		return nil
	}
	return bs.rollover()
}

// compactSuperseded retires every immutable block whose revisions are
// all exact duplicates (identical locator, key, value, version and
// action) of a revision already present in some strictly later block.
// A duplicate like that can only arise from the Buffer replaying a
// page it had already transferred before a crash durably advanced its
// watermark (§4.6); removing the earlier copy repairs that
// double-count rather than discarding history, since the later block
// keeps the revision's one intended occurrence and Live's parity count
// (record.Record.Live) is restored rather than changed. A block with
// even one revision not duplicated elsewhere is left alone entirely —
// Block.Retire is all-or-nothing, so a block is never partially
// compacted. Blocks currently quarantined are excluded both as
// retirement candidates and as duplicate sources, since their contents
// cannot be trusted. With dryRun set, blocks are identified but never
// retired.
func (bs *blockSet[L, K, V]) compactSuperseded(dryRun bool) ([]string, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	n := len(bs.blocks)
	sigs := make([]map[string]bool, n)
	for i, b := range bs.blocks {
		if bs.quarantined[b.ID()] {
			continue
		}
		revs, err := b.SeekImmutable(nil)
		if err != nil {
			return nil, fmt.Errorf("database: scan %s block %s: %w", bs.flavor, b.ID(), err)
		}
		set := make(map[string]bool, len(revs))
		for _, r := range revs {
			set[string(r.Encode())] = true
		}
		sigs[i] = set
	}

	retireIdx := make([]int, 0)
	for i := 0; i < n; i++ {
		if bs.quarantined[bs.blocks[i].ID()] || len(sigs[i]) == 0 {
			continue
		}
		allDuplicated := true
		for sig := range sigs[i] {
			found := false
			for j := i + 1; j < n; j++ {
				if bs.quarantined[bs.blocks[j].ID()] {
					continue
				}
				if sigs[j][sig] {
					found = true
					break
				}
			}
			if !found {
				allDuplicated = false
				break
			}
		}
		if allDuplicated {
			retireIdx = append(retireIdx, i)
		}
	}

	retired := make([]string, 0, len(retireIdx))
	keep := make([]*block.Block[L, K, V], 0, n-len(retireIdx))
	willRetire := make(map[int]bool, len(retireIdx))
	for _, i := range retireIdx {
		willRetire[i] = true
	}
	for i, b := range bs.blocks {
		if !willRetire[i] {
			keep = append(keep, b)
			continue
		}
		id := b.ID()
		if dryRun {
			retired = append(retired, id)
			keep = append(keep, b)
			continue
		}
		if err := b.Retire(bs.dir); err != nil {
			return retired, fmt.Errorf("database: retire %s block %s: %w", bs.flavor, id, err)
		}
		delete(bs.quarantined, id)
		retired = append(retired, id)
	}
	bs.blocks = keep
	return retired, nil
}
