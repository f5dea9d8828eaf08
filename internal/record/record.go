// Package record implements Record, the pure projection over a
// revision stream for one locator that derives presence purely from
// the parity invariant: no side table ever records presence directly.
package record

import (
	"sort"

	"github.com/concoursedb/concourse/internal/revision"
	"github.com/concoursedb/concourse/internal/value"
)

// KeyValue is one (attribute, value) pair, the unit Record.Live emits.
type KeyValue struct {
	Key value.Text
	Val value.Value
}

// Record is a transient projection assembled from the Primary
// revisions of one locator (record id). It is not mandatorily cached;
// callers may memoize per locator with invalidation on new revisions
// for that locator, as §4.3 allows.
type Record struct {
	revisions []revision.Primary
}

// New builds a Record from an unordered slice of revisions, all of
// which must share the same locator; the caller is responsible for
// that filtering (typically Database.get).
func New(revisions []revision.Primary) *Record {
	cp := make([]revision.Primary, len(revisions))
	copy(cp, revisions)
	return &Record{revisions: cp}
}

// Live returns the set of (key, value) pairs present at timestamp t:
// for each distinct (key, value) pair, the count of revisions with
// version <= t must be odd (Invariant 1, parity).
func (r *Record) Live(t uint64) []KeyValue {
	type pairKey struct {
		key value.Text
		val string // encoded value with its version stamp normalised away, see parityBytes
	}
	counts := make(map[pairKey]int)
	order := make([]pairKey, 0)
	pairVal := make(map[pairKey]value.Value)

	for _, rev := range r.revisions {
		if rev.Version() > t {
			continue
		}
		pk := pairKey{key: rev.Key(), val: parityBytes(rev.Value())}
		if _, seen := counts[pk]; !seen {
			order = append(order, pk)
			pairVal[pk] = rev.Value()
		}
		counts[pk]++
	}

	out := make([]KeyValue, 0, len(order))
	for _, pk := range order {
		if counts[pk]%2 == 1 {
			out = append(out, KeyValue{Key: pk.key, Val: pairVal[pk]})
		}
	}
	return out
}

// Describe returns the distinct keys with at least one live value at
// timestamp t.
func (r *Record) Describe(t uint64) []value.Text {
	seen := make(map[value.Text]bool)
	out := make([]value.Text, 0)
	for _, kv := range r.Live(t) {
		if !seen[kv.Key] {
			seen[kv.Key] = true
			out = append(out, kv.Key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// HistoryEntry pairs a version with the action applied at it.
type HistoryEntry struct {
	Version uint64
	Action  revision.Action
	Key     value.Text
	Val     value.Value
}

// History returns the revision stream, filtered to the given key when
// key is non-nil, sorted by ascending version (versions are unique per
// revision, so this is the order the revisions were applied).
func (r *Record) History(key *value.Text) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(r.revisions))
	for _, rev := range r.revisions {
		if key != nil && rev.Key() != *key {
			continue
		}
		out = append(out, HistoryEntry{Version: rev.Version(), Action: rev.Action(), Key: rev.Key(), Val: rev.Value()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Contains reports whether (key, val) is live at timestamp t, the
// primitive behind the `verify` RPC verb.
func (r *Record) Contains(key value.Text, val value.Value, t uint64) bool {
	for _, kv := range r.Live(t) {
		if kv.Key == key && kv.Val.Equal(val) {
			return true
		}
	}
	return false
}

// Parity is the generic form of the presence invariant in Live: given
// any stream of revisions sharing a (locator, key, value) schema, it
// groups them by the triple's encoded bytes (see parityBytes) and returns one
// representative revision per distinct triple whose version<=t count
// is odd. It underlies Database.find and Database.search, which apply
// the same parity rule to the secondary and search indexes that Live
// applies to the primary index.
func Parity[L value.Ordered[L], K value.Ordered[K], V value.Ordered[V]](revs []revision.Revision[L, K, V], t uint64) []revision.Revision[L, K, V] {
	type triple struct {
		loc string
		key string
		val string
	}
	counts := make(map[triple]int)
	order := make([]triple, 0)
	rep := make(map[triple]revision.Revision[L, K, V])

	for _, rev := range revs {
		if rev.Version() > t {
			continue
		}
		tr := triple{
			loc: parityBytes(rev.Locator()),
			key: parityBytes(rev.Key()),
			val: parityBytes(rev.Value()),
		}
		if _, seen := counts[tr]; !seen {
			order = append(order, tr)
			rep[tr] = rev
		}
		counts[tr]++
	}

	out := make([]revision.Revision[L, K, V], 0, len(order))
	for _, tr := range order {
		if counts[tr]%2 == 1 {
			out = append(out, rep[tr])
		}
	}
	return out
}

// parityBytes is the byte form Live and Parity group a revision field
// by. A value.Value is encoded with its version stamp normalised away:
// the engine stamps every ADD and REMOVE with its own version, and a
// REMOVE still cancels the ADD of the same value.
func parityBytes(x interface{ Encode() []byte }) string {
	if v, ok := x.(value.Value); ok {
		return string(v.ForStorage(0).Encode())
	}
	return string(x.Encode())
}
