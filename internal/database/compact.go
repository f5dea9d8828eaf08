package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/concoursedb/concourse/internal/block"
	"github.com/concoursedb/concourse/internal/value"
)

// SearchAttributes lists the keys currently holding a search block
// set, for an offline tool enumerating what Compact will visit. Sets
// discovered from disk via DiscoverSearchSets are keyed by their
// directory name rather than the original attribute, which a hashed
// directory name cannot be recovered into.
func (d *Database) SearchAttributes() []string {
	d.searchMu.Lock()
	defer d.searchMu.Unlock()
	attrs := make([]string, 0, len(d.search))
	for attr := range d.search {
		attrs = append(attrs, attr)
	}
	return attrs
}

// DiscoverSearchSets opens every search block set already flushed to
// dir/search, keyed by its directory name. A live server instead
// learns each set's key (the attribute string) the first time a
// STRING value is written for it; an offline tool like the
// compaction CLI has no such traffic to learn from, only the
// directories attrDir already left behind.
func (d *Database) DiscoverSearchSets() error {
	root := filepath.Join(d.dir, "search")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("database: list search dirs: %w", err)
	}

	d.searchMu.Lock()
	defer d.searchMu.Unlock()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		key := "#" + e.Name()
		if _, ok := d.search[key]; ok {
			continue
		}
		bs, err := newBlockSet(filepath.Join(root, e.Name()), "search", d.sizeCap, false,
			func(id string) *block.Block[value.Text, value.Text, value.Position] {
				return block.NewMutableSearch(id)
			},
			func(dir, id string) (*block.Block[value.Text, value.Text, value.Position], error) {
				return block.OpenImmutableSearch(dir, id)
			})
		if err != nil {
			return fmt.Errorf("database: open search dir %s: %w", e.Name(), err)
		}
		bs.onFlush = d.flushHook
		d.search[key] = bs
	}
	return nil
}

// CompactionReport names, per flavor, the immutable block ids retired
// by a Compact call. The "search" key is further split by attribute
// since each attribute owns an independent block set.
type CompactionReport struct {
	Primary   []string
	Secondary []string
	Search    map[string][]string
}

// Total counts every block id retired across every flavor.
func (r CompactionReport) Total() int {
	n := len(r.Primary) + len(r.Secondary)
	for _, ids := range r.Search {
		n += len(ids)
	}
	return n
}

// Compact retires every immutable block, across all three index
// flavors, whose revisions are wholly duplicated in a later block (see
// blockSet.compactSuperseded). It is meant to run offline against a
// Database directory no live server holds open: compaction mutates the
// flavor's block slice without coordinating with the buffer transfer
// path, so running it against a live engine would race rollover. With
// dryRun set, the report reflects what would be retired without
// touching any file.
func (d *Database) Compact(dryRun bool) (CompactionReport, error) {
	var report CompactionReport

	primary, err := d.primary.compactSuperseded(dryRun)
	if err != nil {
		return report, err
	}
	report.Primary = primary

	secondary, err := d.secondary.compactSuperseded(dryRun)
	if err != nil {
		return report, err
	}
	report.Secondary = secondary

	report.Search = make(map[string][]string)
	for _, attr := range d.SearchAttributes() {
		bs, err := d.searchSet(attr)
		if err != nil {
			return report, err
		}
		ids, err := bs.compactSuperseded(dryRun)
		if err != nil {
			return report, err
		}
		if len(ids) > 0 {
			report.Search[attr] = ids
		}
	}
	return report, nil
}
