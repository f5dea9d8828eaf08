// Package buffer implements the Buffer: a durable, paginated
// write-ahead queue for incoming revisions. Writes land here first,
// are searchable immediately, and are later replayed ("transferred")
// into the Database's mutable blocks once a page fills (§4.4).
package buffer

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/concoursedb/concourse/internal/log"
	"github.com/concoursedb/concourse/internal/metrics"
	"github.com/concoursedb/concourse/internal/value"
)

// DefaultPageSize is the page size used when none is configured,
// matching §4.4's "fixed-size pages (configurable, default 8 MiB)".
const DefaultPageSize int64 = 8 << 20

// Sink is what a sealed page is replayed into. Database implements
// this; Buffer never imports Database directly to keep the dependency
// one-directional.
type Sink interface {
	Accept(e Entry) error
}

// Buffer is the write-ahead tier in front of the Database.
type Buffer struct {
	mu sync.Mutex

	dir      string
	pageSize int64
	manifest *Manifest

	current *page
	sealed  []*page // oldest first; awaiting transfer
	nextID  uint64
}

// Open creates or recovers a Buffer rooted at dir. Any sealed-but-not-
// transferred pages found in the manifest are reopened for replay.
func Open(dir string, pageSize int64) (*Buffer, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("buffer: create dir %s: %w", dir, err)
	}
	m, err := OpenManifest(dir)
	if err != nil {
		return nil, err
	}

	b := &Buffer{dir: dir, pageSize: pageSize, manifest: m}

	records, err := m.List()
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("buffer: list manifest: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	for _, r := range records {
		if r.ID >= b.nextID {
			b.nextID = r.ID + 1
		}
		if r.State == stateDeleted || r.State == stateTransferred {
			continue
		}
		p, err := openPage(dir, r.ID)
		if err != nil {
			m.Close()
			return nil, err
		}
		b.sealed = append(b.sealed, p)
	}

	p, err := createPage(dir, b.nextID)
	if err != nil {
		m.Close()
		return nil, err
	}
	if err := m.Put(pageRecord{ID: p.id, State: statePending}); err != nil {
		m.Close()
		return nil, err
	}
	b.nextID++
	b.current = p

	log.WithComponent("buffer").Info().Str("dir", dir).Int("recovered_pages", len(b.sealed)).Msg("buffer opened")
	return b, nil
}

// Close flushes and closes the manifest and every open page file.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		b.current.close()
	}
	for _, p := range b.sealed {
		p.close()
	}
	return b.manifest.Close()
}

// Insert appends an entry to the current page, sealing it and
// rotating to a new one once it exceeds the configured page size.
func (b *Buffer) Insert(e Entry) error {
	b.mu.Lock()
	cur := b.current
	b.mu.Unlock()

	size, err := cur.append(e)
	if err != nil {
		return err
	}
	metrics.BufferBytesTotal.Add(float64(len(e.Encode())))
	metrics.BufferPagesTotal.Set(float64(b.pageCount()))

	if size >= b.pageSize {
		return b.rotate(cur)
	}
	return nil
}

func (b *Buffer) pageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.sealed)
	if b.current != nil {
		n++
	}
	return n
}

// rotate seals cur (if it is still the live current page) and opens a
// fresh page to take its place.
func (b *Buffer) rotate(cur *page) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != cur {
		return nil // already rotated by a concurrent writer
	}
	if err := cur.seal(); err != nil {
		return err
	}
	if err := b.manifest.SetState(cur.id, stateSealed); err != nil {
		return err
	}
	b.sealed = append(b.sealed, cur)

	next, err := createPage(b.dir, b.nextID)
	if err != nil {
		return err
	}
	if err := b.manifest.Put(pageRecord{ID: next.id, State: statePending}); err != nil {
		return err
	}
	b.nextID++
	b.current = next
	log.WithComponent("buffer").Info().Uint64("page_id", cur.id).Msg("buffer page sealed")
	return nil
}

// Seek performs a linear scan over the current page plus every
// sealed-but-not-transferred page, returning entries matching match
// (every entry when match is nil). This is what keeps the Buffer
// searchable while a transfer is in flight (§4.4).
func (b *Buffer) Seek(match func(Entry) bool) []Entry {
	b.mu.Lock()
	pages := make([]*page, 0, len(b.sealed)+1)
	pages = append(pages, b.sealed...)
	if b.current != nil {
		pages = append(pages, b.current)
	}
	b.mu.Unlock()

	var out []Entry
	for _, p := range pages {
		out = append(out, p.snapshot(match)...)
	}
	return out
}

// MatchRecord matches every entry for one record id, regardless of
// attribute.
func MatchRecord(record value.PrimaryKey) func(Entry) bool {
	return func(e Entry) bool { return e.Record == record }
}

// MatchRecordKey matches entries for one (record, attribute) pair.
func MatchRecordKey(record value.PrimaryKey, key value.Text) func(Entry) bool {
	return func(e Entry) bool { return e.Record == record && e.Key == key }
}

// MatchKey matches every entry for one attribute, regardless of
// record. Used by find/search to merge not-yet-transferred writes for
// an attribute into the Database's secondary/search results.
func MatchKey(key value.Text) func(Entry) bool {
	return func(e Entry) bool { return e.Key == key }
}

// Transfer seals the oldest sealed page (if any) and replays its
// entries into sink in order, then deletes the page file on success.
// Returns false if there was no sealed page to transfer.
func (b *Buffer) Transfer(sink Sink) (bool, error) {
	b.mu.Lock()
	if len(b.sealed) == 0 {
		b.mu.Unlock()
		return false, nil
	}
	p := b.sealed[0]
	b.mu.Unlock()

	entries := p.snapshot(nil)
	for _, e := range entries {
		if err := sink.Accept(e); err != nil {
			return false, fmt.Errorf("buffer: transfer page %d: %w", p.id, err)
		}
	}

	if err := b.manifest.SetState(p.id, stateTransferred); err != nil {
		return false, err
	}
	p.close()
	_ = os.Remove(p.path)
	if err := b.manifest.SetState(p.id, stateDeleted); err != nil {
		return false, err
	}

	b.mu.Lock()
	b.sealed = b.sealed[1:]
	b.mu.Unlock()

	metrics.BufferTransfersTotal.Inc()
	log.WithComponent("buffer").Info().Uint64("page_id", p.id).Int("entries", len(entries)).Msg("buffer page transferred")
	return true, nil
}

// Stats reports the current page count and total buffered bytes, for
// the metrics collector's buffer gauges.
func (b *Buffer) Stats() (pages int, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pages = len(b.sealed)
	for _, p := range b.sealed {
		bytes += p.size
	}
	if b.current != nil {
		pages++
		bytes += b.current.size
	}
	return pages, bytes
}
