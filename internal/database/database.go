// Package database implements Database: the owner of the three
// parallel Block collections (primary, secondary, search), the
// Buffer's transfer sink, and the engine's read path — point lookups,
// range finds, and full-text search — over mutable and immutable
// blocks alike (§4.5).
package database

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/concoursedb/concourse/internal/block"
	"github.com/concoursedb/concourse/internal/buffer"
	"github.com/concoursedb/concourse/internal/record"
	"github.com/concoursedb/concourse/internal/revision"
	"github.com/concoursedb/concourse/internal/value"
)

// Database owns the block-backed half of the engine's storage: once a
// Buffer page is sealed and transferred, its entries land here.
type Database struct {
	dir     string
	sizeCap int64

	primary   *blockSet[value.PrimaryKey, value.Text, value.Value]
	secondary *blockSet[value.Text, value.Value, value.PrimaryKey]

	searchMu  sync.Mutex
	search    map[string]*blockSet[value.Text, value.Text, value.Position]
	flushHook func(flavor, id string)
}

// SetFlushHook installs fn to run whenever any of this Database's block
// sets seals a mutable block, wiring §4.2's rollover into
// internal/notify's BlockFlushed event. Must be called before
// concurrent traffic starts; later search block sets created on demand
// pick it up automatically.
func (d *Database) SetFlushHook(fn func(flavor, id string)) {
	d.primary.onFlush = fn
	d.secondary.onFlush = fn
	d.searchMu.Lock()
	for _, bs := range d.search {
		bs.onFlush = fn
	}
	d.searchMu.Unlock()
	d.flushHook = fn
}

// Open creates or reopens a Database rooted at dir, laying out
// dir/primary, dir/secondary and dir/search/<attr> per §6's
// "Persisted state layout".
func Open(dir string, sizeCap int64) (*Database, error) {
	primary, err := newBlockSet(filepath.Join(dir, "primary"), "primary", sizeCap, false,
		func(id string) *block.Block[value.PrimaryKey, value.Text, value.Value] {
			return block.NewMutable[value.PrimaryKey, value.Text, value.Value](
				id, false, revision.DecodePrimaryKeyLeaf, revision.DecodeTextLeaf, revision.DecodeValueLeaf,
			)
		},
		func(dir, id string) (*block.Block[value.PrimaryKey, value.Text, value.Value], error) {
			return block.OpenImmutable[value.PrimaryKey, value.Text, value.Value](
				dir, id, false, revision.DecodePrimaryKeyLeaf, revision.DecodeTextLeaf, revision.DecodeValueLeaf,
			)
		})
	if err != nil {
		return nil, err
	}

	secondary, err := newBlockSet(filepath.Join(dir, "secondary"), "secondary", sizeCap, true,
		func(id string) *block.Block[value.Text, value.Value, value.PrimaryKey] {
			return block.NewMutable[value.Text, value.Value, value.PrimaryKey](
				id, true, revision.DecodeTextLeaf, revision.DecodeValueLeaf, revision.DecodePrimaryKeyLeaf,
			)
		},
		func(dir, id string) (*block.Block[value.Text, value.Value, value.PrimaryKey], error) {
			return block.OpenImmutable[value.Text, value.Value, value.PrimaryKey](
				dir, id, true, revision.DecodeTextLeaf, revision.DecodeValueLeaf, revision.DecodePrimaryKeyLeaf,
			)
		})
	if err != nil {
		return nil, err
	}

	return &Database{
		dir:       dir,
		sizeCap:   sizeCap,
		primary:   primary,
		secondary: secondary,
		search:    make(map[string]*blockSet[value.Text, value.Text, value.Position]),
	}, nil
}

// attrDir derives a filesystem-safe, collision-resistant directory
// name for one attribute's search block set.
func attrDir(root, attr string) string {
	sum := sha256.Sum256([]byte(attr))
	return filepath.Join(root, "search", hex.EncodeToString(sum[:16]))
}

func (d *Database) searchSet(attr string) (*blockSet[value.Text, value.Text, value.Position], error) {
	d.searchMu.Lock()
	defer d.searchMu.Unlock()
	bs, ok := d.search[attr]
	if ok {
		return bs, nil
	}
	bs, err := newBlockSet(attrDir(d.dir, attr), "search", d.sizeCap, false,
		func(id string) *block.Block[value.Text, value.Text, value.Position] {
			return block.NewMutableSearch(id)
		},
		func(dir, id string) (*block.Block[value.Text, value.Text, value.Position], error) {
			return block.OpenImmutableSearch(dir, id)
		})
	if err != nil {
		return nil, err
	}
	bs.onFlush = d.flushHook
	d.search[attr] = bs
	return bs, nil
}

// Accept implements buffer.Sink: it applies one buffered entry to the
// primary index, mirrors it to the secondary index, and — for STRING
// values — fans it into the attribute's search index. Per Invariant 5
// (index triple consistency), all three writes carry the identical
// (version, action) pair; a failure partway is treated as engine
// corruption rather than something to roll back, since revisions are
// immutable and Buffer replay is the caller's recovery mechanism.
func (d *Database) Accept(e buffer.Entry) error {
	if err := d.primary.insert(e.Record, e.Key, e.Val, e.Version, e.Action); err != nil {
		return fmt.Errorf("database: primary accept: %w", err)
	}
	if err := d.secondary.insert(e.Key, e.Val, e.Record, e.Version, e.Action); err != nil {
		return fmt.Errorf("database: secondary accept: %w", err)
	}
	if e.Val.Type() == value.String {
		bs, err := d.searchSet(string(e.Key))
		if err != nil {
			return fmt.Errorf("database: search set for %q: %w", e.Key, err)
		}
		if err := indexString(bs, e.Record, e.Val.Str(), e.Version, e.Action); err != nil {
			return fmt.Errorf("database: search accept: %w", err)
		}
	}
	return nil
}

// PrimaryRevisions returns every Primary revision for locator across
// the mutable block and every immutable block whose bloom filter
// might contain it. Exported so the Engine can merge these with
// not-yet-transferred Buffer entries before projecting a Record.
func (d *Database) PrimaryRevisions(locator value.PrimaryKey) ([]revision.Primary, error) {
	revs, err := d.primary.seek(locator, nil)
	if err != nil {
		return nil, fmt.Errorf("database: get %s: %w", locator, err)
	}
	return revs, nil
}

// BlockStats reports block counts by (flavor, lifecycle state), for
// the metrics collector's concourse_blocks_total gauge.
func (d *Database) BlockStats() map[[2]string]int {
	out := make(map[[2]string]int)
	merge := func(flavor string, counts map[string]int) {
		for state, n := range counts {
			out[[2]string{flavor, state}] += n
		}
	}
	merge("primary", d.primary.stats())
	merge("secondary", d.secondary.stats())

	d.searchMu.Lock()
	sets := make([]*blockSet[value.Text, value.Text, value.Position], 0, len(d.search))
	for _, bs := range d.search {
		sets = append(sets, bs)
	}
	d.searchMu.Unlock()
	for _, bs := range sets {
		merge("search", bs.stats())
	}
	return out
}

// QuarantinedSegments reports the total number of blocks across every
// flavor currently excluded from reads due to an IO/corruption error.
func (d *Database) QuarantinedSegments() int {
	d.searchMu.Lock()
	sets := make([]*blockSet[value.Text, value.Text, value.Position], 0, len(d.search))
	for _, bs := range d.search {
		sets = append(sets, bs)
	}
	d.searchMu.Unlock()

	n := d.primary.quarantineCount() + d.secondary.quarantineCount()
	for _, bs := range sets {
		n += bs.quarantineCount()
	}
	return n
}

// Get assembles a Record for locator from the primary index alone
// (see PrimaryRevisions for the Engine's buffer-merged equivalent).
func (d *Database) Get(locator value.PrimaryKey) (*record.Record, error) {
	revs, err := d.PrimaryRevisions(locator)
	if err != nil {
		return nil, err
	}
	return record.New(revs), nil
}
