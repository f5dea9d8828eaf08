// Package block implements Block: an append-only, sorted-on-flush
// collection of revisions over one (locator, key, value) schema, with
// two lifecycle phases (mutable, accepting inserts; immutable, flushed
// and served by bloom filter + memory map) and a final retired phase.
package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/edsrzf/mmap-go"

	"github.com/concoursedb/concourse/internal/revision"
	"github.com/concoursedb/concourse/internal/value"
)

// State is a Block's lifecycle phase. Transitions only ever move
// forward: MUTABLE -> IMMUTABLE -> RETIRED (Invariant 4, mutability
// monotonicity).
type State int

const (
	Mutable State = iota
	Immutable
	Retired
)

func (s State) String() string {
	switch s {
	case Mutable:
		return "mutable"
	case Immutable:
		return "immutable"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

// falsePositiveRate is the target bloom filter false-positive rate at
// expected fill, per §6's "false-positive rate <= 3%".
const falsePositiveRate = 0.03

// byteRange is a [start, end) span within a flushed block file.
type byteRange struct {
	start int64
	end   int64
}

// Block is a parametric container over a (locator, key, value) schema,
// used without inheritance for all three index flavors (design note
// "Three parallel indexes").
type Block[L value.Ordered[L], K value.Ordered[K], V value.Ordered[V]] struct {
	mu sync.RWMutex

	id    string
	state State

	// Mutable phase.
	revisions []revision.Revision[L, K, V]

	// Immutable phase.
	path         string
	file         *os.File
	mapped       mmap.MMap
	bloomFilter  *bloom.BloomFilter
	locatorIndex map[string]byteRange

	// compositeBloomKey is set for the secondary flavor: the bloom
	// filter additionally tracks (locator, key) pairs so that equality
	// probes on attribute+value can short-circuit before a range scan
	// (§4.2: "and, for secondary, by (locator,key)").
	compositeBloomKey bool

	decL revision.Decoder[L]
	decK revision.Decoder[K]
	decV revision.Decoder[V]
}

// NewMutable creates an empty, writable Block. decL/decK/decV decode
// the leaf types from their canonical byte form; they are needed only
// once the block is flushed and later read back via mmap.
func NewMutable[L value.Ordered[L], K value.Ordered[K], V value.Ordered[V]](id string, compositeBloomKey bool, decL revision.Decoder[L], decK revision.Decoder[K], decV revision.Decoder[V]) *Block[L, K, V] {
	return &Block[L, K, V]{
		id:                id,
		state:             Mutable,
		compositeBloomKey: compositeBloomKey,
		decL:              decL,
		decK:              decK,
		decV:              decV,
	}
}

// OpenImmutable reopens a block previously flushed to dir/<id>.blk,
// re-reading its bloom filter and locator index sidecars and
// memory-mapping the data file, without replaying any revision. Used
// when a blockSet starts up against a directory already holding
// flushed blocks from an earlier process (see blockSet.reload).
func OpenImmutable[L value.Ordered[L], K value.Ordered[K], V value.Ordered[V]](
	dir, id string, compositeBloomKey bool,
	decL revision.Decoder[L], decK revision.Decoder[K], decV revision.Decoder[V],
) (*Block[L, K, V], error) {
	path := blockPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("block: open %s: %w", path, err)
	}
	mapped, err := mmapReadOnly(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("block: mmap %s: %w", path, err)
	}
	filter, err := readBloomFile(dir, id)
	if err != nil {
		f.Close()
		return nil, err
	}
	index, err := readIndexFile(dir, id)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Block[L, K, V]{
		id:                id,
		state:             Immutable,
		path:              path,
		file:              f,
		mapped:            mapped,
		bloomFilter:       filter,
		locatorIndex:      index,
		compositeBloomKey: compositeBloomKey,
		decL:              decL,
		decK:              decK,
		decV:              decV,
	}, nil
}

// ID returns the block's identifier.
func (b *Block[L, K, V]) ID() string { return b.id }

// State returns the block's current lifecycle phase.
func (b *Block[L, K, V]) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Len returns the number of revisions currently in a mutable block.
// Immutable blocks report 0, since Flush releases the in-memory
// revision slice.
func (b *Block[L, K, V]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.revisions)
}

// ErrNotMutable is returned by Insert once a block has been flushed.
var ErrNotMutable = fmt.Errorf("block: not mutable")

// Insert appends one revision to a mutable block.
func (b *Block[L, K, V]) Insert(loc L, key K, val V, version uint64, action revision.Action) (revision.Revision[L, K, V], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero revision.Revision[L, K, V]
	if b.state != Mutable {
		return zero, ErrNotMutable
	}
	r := revision.New(loc, key, val, version, action)
	b.revisions = append(b.revisions, r)
	return r, nil
}

// SeekMutable returns every revision in a mutable block matching loc
// (when non-nil) ordered as inserted; flush sorts them, so order is not
// guaranteed before that.
func (b *Block[L, K, V]) SeekMutable(loc *L) []revision.Revision[L, K, V] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]revision.Revision[L, K, V], 0, len(b.revisions))
	for _, r := range b.revisions {
		if loc == nil || r.Locator().Compare(*loc) == 0 {
			out = append(out, r)
		}
	}
	return out
}

func encodeLocator[L value.Ordered[L]](loc L) string { return string(loc.Encode()) }

func compositeKey[L value.Ordered[L], K value.Ordered[K]](loc L, key K) string {
	return string(loc.Encode()) + "\x00" + string(key.Encode())
}

// Flush sorts the block's revisions by (locator asc, key asc, value
// asc, version asc), writes them to dir/<id>.blk, builds the bloom
// filter sidecar (dir/<id>.bf) and the in-memory locator index
// (persisted to dir/<id>.idx), and transitions the block to Immutable.
// The in-memory revision slice is released; reads after Flush go
// through the memory-mapped file.
func (b *Block[L, K, V]) Flush(dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Mutable {
		return fmt.Errorf("block: flush requires mutable state, got %s", b.state)
	}

	sort.Slice(b.revisions, func(i, j int) bool { return revision.Less(b.revisions[i], b.revisions[j]) })

	path := blockPath(dir, b.id)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("block: create %s: %w", path, err)
	}

	filter := bloom.NewWithEstimates(estimateN(len(b.revisions)), falsePositiveRate)
	index := make(map[string]byteRange, len(b.revisions))

	var offset int64
	var curKey string
	var curStart int64
	flushOne := func(loc L, r revision.Revision[L, K, V]) error {
		enc := r.Encode()
		if _, err := f.Write(enc); err != nil {
			return err
		}
		lk := encodeLocator(loc)
		filter.Add([]byte(lk))
		if b.compositeBloomKey {
			filter.Add([]byte(compositeKey(loc, r.Key())))
		}
		if lk != curKey {
			if curKey != "" {
				index[curKey] = byteRange{start: curStart, end: offset}
			}
			curKey = lk
			curStart = offset
		}
		offset += int64(len(enc))
		return nil
	}

	for _, r := range b.revisions {
		if err := flushOne(r.Locator(), r); err != nil {
			f.Close()
			return fmt.Errorf("block: write revision: %w", err)
		}
	}
	if curKey != "" {
		index[curKey] = byteRange{start: curStart, end: offset}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("block: sync %s: %w", path, err)
	}

	if err := writeBloomFile(dir, b.id, filter); err != nil {
		f.Close()
		return err
	}
	if err := writeIndexFile(dir, b.id, index); err != nil {
		f.Close()
		return err
	}

	mapped, err := mmapReadOnly(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("block: mmap %s: %w", path, err)
	}

	b.path = path
	b.file = f
	b.mapped = mapped
	b.bloomFilter = filter
	b.locatorIndex = index
	b.revisions = nil
	b.state = Immutable
	return nil
}

func estimateN(n int) uint {
	if n < 1 {
		return 1
	}
	return uint(n)
}

func blockPath(dir, id string) string { return dir + "/" + id + ".blk" }

// MightContain is an O(1) bloom probe. When key is non-nil and the
// block tracks composite keys (secondary flavor), the probe is against
// (locator, key); otherwise it is against locator alone.
func (b *Block[L, K, V]) MightContain(loc L, key *K) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state != Immutable {
		return true // mutable/retired blocks are always scanned directly
	}
	if key != nil && b.compositeBloomKey {
		return b.bloomFilter.Test([]byte(compositeKey(loc, *key)))
	}
	return b.bloomFilter.Test([]byte(encodeLocator(loc)))
}

// SeekImmutable returns every revision in an immutable block matching
// loc (when non-nil), read through the memory-mapped file. When loc is
// nil the entire block is scanned (used by range finds).
func (b *Block[L, K, V]) SeekImmutable(loc *L) ([]revision.Revision[L, K, V], error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state != Immutable {
		return nil, fmt.Errorf("block: seek requires immutable state, got %s", b.state)
	}

	var data []byte
	if loc != nil {
		rng, ok := b.locatorIndex[encodeLocator(*loc)]
		if !ok {
			return nil, nil
		}
		data = b.mapped[rng.start:rng.end]
	} else {
		data = b.mapped[:]
	}

	out := make([]revision.Revision[L, K, V], 0)
	for len(data) > 0 {
		r, n, err := revision.Decode(data, b.decL, b.decK, b.decV)
		if err != nil {
			return nil, fmt.Errorf("block: corrupt segment in %s: %w", b.id, err)
		}
		out = append(out, r)
		data = data[n:]
	}
	return out, nil
}

// Retire unmaps and removes the block's files. Only blocks whose
// revisions are all superseded by later coverage should be retired;
// that decision is the caller's (see the compaction tool).
func (b *Block[L, K, V]) Retire(dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Mutable {
		return fmt.Errorf("block: cannot retire a mutable block")
	}
	if b.state == Retired {
		return nil
	}
	if b.mapped != nil {
		if err := b.mapped.Unmap(); err != nil {
			return fmt.Errorf("block: unmap: %w", err)
		}
		b.mapped = nil
	}
	if b.file != nil {
		b.file.Close()
		b.file = nil
	}
	for _, suffix := range []string{".blk", ".bf", ".idx"} {
		_ = os.Remove(dir + "/" + b.id + suffix)
	}
	b.state = Retired
	return nil
}

func mmapReadOnly(f *os.File) (mmap.MMap, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return mmap.MMap{}, nil
	}
	return mmap.Map(f, mmap.RDONLY, 0)
}

func writeBloomFile(dir, id string, filter *bloom.BloomFilter) error {
	f, err := os.Create(dir + "/" + id + ".bf")
	if err != nil {
		return fmt.Errorf("block: create bloom sidecar: %w", err)
	}
	defer f.Close()
	if _, err := filter.WriteTo(f); err != nil {
		return fmt.Errorf("block: write bloom sidecar: %w", err)
	}
	return f.Sync()
}

func writeIndexFile(dir, id string, index map[string]byteRange) error {
	f, err := os.Create(dir + "/" + id + ".idx")
	if err != nil {
		return fmt.Errorf("block: create locator index: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	for key, rng := range index {
		head := make([]byte, 4+len(key)+16)
		binary.BigEndian.PutUint32(head[0:4], uint32(len(key)))
		copy(head[4:], key)
		binary.BigEndian.PutUint64(head[4+len(key):12+len(key)], uint64(rng.start))
		binary.BigEndian.PutUint64(head[12+len(key):20+len(key)], uint64(rng.end))
		buf.Write(head)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("block: write locator index: %w", err)
	}
	return f.Sync()
}

func readBloomFile(dir, id string) (*bloom.BloomFilter, error) {
	path := dir + "/" + id + ".bf"
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("block: open bloom sidecar: %w", err)
	}
	defer f.Close()
	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("block: read bloom sidecar: %w", err)
	}
	return filter, nil
}

func readIndexFile(dir, id string) (map[string]byteRange, error) {
	path := dir + "/" + id + ".idx"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("block: read locator index: %w", err)
	}
	index := make(map[string]byteRange)
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("block: truncated locator index %s", path)
		}
		klen := int(binary.BigEndian.Uint32(data[0:4]))
		data = data[4:]
		if len(data) < klen+16 {
			return nil, fmt.Errorf("block: truncated locator index %s", path)
		}
		key := string(data[:klen])
		start := int64(binary.BigEndian.Uint64(data[klen : klen+8]))
		end := int64(binary.BigEndian.Uint64(data[klen+8 : klen+16]))
		index[key] = byteRange{start: start, end: end}
		data = data[klen+16:]
	}
	return index, nil
}
