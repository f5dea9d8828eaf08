package database

import (
	"fmt"
	"sort"

	"github.com/concoursedb/concourse/internal/block"
	"github.com/concoursedb/concourse/internal/buffer"
	"github.com/concoursedb/concourse/internal/record"
	"github.com/concoursedb/concourse/internal/revision"
	"github.com/concoursedb/concourse/internal/value"
)

// indexString fans text into its attribute's search block set, routed
// through the set's current mutable block under its own lock so a
// concurrent rollover cannot swap the block out from under the
// fan-out (§4.2 "Fan-out indexing").
func indexString(bs *blockSet[value.Text, value.Text, value.Position], rec value.PrimaryKey, text string, version uint64, action revision.Action) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	cur := bs.current

	inserted, err := cur.IndexString(rec, text, version, action, nil)
	if err != nil {
		return err
	}

	for _, r := range inserted {
		bs.curBytes += int64(len(r.Encode()))
	}
	if bs.curBytes >= bs.sizeCap {
		return bs.rollover()
	}
	return nil
}

// posting is one live occurrence of a query token within a record.
type posting struct {
	record value.PrimaryKey
	index  uint32
}

// pendingSearchRevisions expands every pending Buffer entry for attr
// (string values only) the same way IndexString would, so a query can
// match writes still sitting in the Buffer rather than only what has
// been transferred into the search block set.
func pendingSearchRevisions(attr string, pending []buffer.Entry) []revision.Search {
	var out []revision.Search
	for _, e := range pending {
		if string(e.Key) != attr || e.Val.Type() != value.String {
			continue
		}
		for i, tok := range block.Tokenize(e.Val.Str(), nil) {
			pos := value.NewPosition(e.Record, uint32(i))
			for _, sub := range block.Substrings(tok) {
				out = append(out, revision.NewSearch(value.Text(sub), value.Text(tok), pos, e.Version, e.Action))
			}
		}
	}
	return out
}

// Search looks up attr's search index for query, tokenizing it
// identically to indexing, and returns every record whose text
// contains the query tokens as either exact terms or substrings of a
// stored term, in the same relative order as the query (§4.5, §8
// scenario 5). pending carries Buffer entries not yet transferred into
// the search index; it may be nil when nothing is buffered to merge in.
func (d *Database) Search(attr, query string, pending []buffer.Entry) ([]value.PrimaryKey, error) {
	tokens := block.Tokenize(query, nil)
	if len(tokens) == 0 {
		return nil, nil
	}

	bs, err := d.searchSet(attr)
	if err != nil {
		return nil, fmt.Errorf("database: search %q: %w", attr, err)
	}
	pendingRevs := pendingSearchRevisions(attr, pending)

	postingsByToken := make([][]posting, len(tokens))
	for i, tok := range tokens {
		revs, err := bs.seek(value.Text(tok), nil)
		if err != nil {
			return nil, fmt.Errorf("database: search seek %q: %w", tok, err)
		}
		for _, r := range pendingRevs {
			if r.Locator() == value.Text(tok) {
				revs = append(revs, r)
			}
		}
		live := record.Parity(revs, ^uint64(0))
		ps := make([]posting, 0, len(live))
		for _, r := range live {
			pos := r.Value()
			ps = append(ps, posting{record: pos.Record, index: pos.Index})
		}
		sort.Slice(ps, func(i, j int) bool {
			if ps[i].record != ps[j].record {
				return ps[i].record < ps[j].record
			}
			return ps[i].index < ps[j].index
		})
		postingsByToken[i] = ps
	}

	byRecord := make(map[value.PrimaryKey][][]uint32)
	for _, ps := range postingsByToken {
		perRecord := make(map[value.PrimaryKey][]uint32)
		for _, p := range ps {
			perRecord[p.record] = append(perRecord[p.record], p.index)
		}
		for rec, idxs := range perRecord {
			byRecord[rec] = append(byRecord[rec], idxs)
		}
	}

	out := make([]value.PrimaryKey, 0)
	for rec, columns := range byRecord {
		if len(columns) != len(tokens) {
			continue // this record didn't match every query token
		}
		if hasIncreasingSequence(columns) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// hasIncreasingSequence reports whether there exists one index from
// each column (in column order) forming a strictly increasing
// sequence — i.e. the query tokens appear in the same relative order
// within the record's text.
func hasIncreasingSequence(columns [][]uint32) bool {
	last := int64(-1)
	for _, col := range columns {
		picked := int64(-1)
		for _, idx := range col {
			if int64(idx) > last {
				if picked == -1 || int64(idx) < picked {
					picked = int64(idx)
				}
			}
		}
		if picked == -1 {
			return false
		}
		last = picked
	}
	return true
}
