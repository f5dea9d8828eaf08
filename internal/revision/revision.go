// Package revision defines Revision, the only unit of writing in
// Concourse, and its three flavors (primary, secondary, search), each
// binding a different (locator, key, value) type triple.
package revision

import (
	"encoding/binary"
	"fmt"

	"github.com/concoursedb/concourse/internal/value"
)

// Action is the kind of change a Revision records.
type Action uint8

const (
	ADD Action = iota + 1
	REMOVE
)

func (a Action) String() string {
	if a == ADD {
		return "ADD"
	}
	return "REMOVE"
}

// Revision is an immutable (locator, key, value, version, action)
// record, parametric over the three leaf types bound to one schema.
// L, K and V each implement value.Ordered against themselves, the
// "curiously recurring" constraint that lets Block stay a single
// generic container (design note: "model Block as a parametric
// container ... with a flavor-specific insert façade" instead of using
// inheritance).
type Revision[L value.Ordered[L], K value.Ordered[K], V value.Ordered[V]] struct {
	locator L
	key     K
	val     V
	version uint64
	action  Action
}

// New builds a Revision. Callers construct these only through the
// Engine, which is the sole owner of version assignment.
func New[L value.Ordered[L], K value.Ordered[K], V value.Ordered[V]](locator L, key K, val V, version uint64, action Action) Revision[L, K, V] {
	return Revision[L, K, V]{locator: locator, key: key, val: val, version: version, action: action}
}

func (r Revision[L, K, V]) Locator() L      { return r.locator }
func (r Revision[L, K, V]) Key() K          { return r.key }
func (r Revision[L, K, V]) Value() V        { return r.val }
func (r Revision[L, K, V]) Version() uint64 { return r.version }
func (r Revision[L, K, V]) Action() Action  { return r.action }

// Size returns the length of the encoded revision body, the value
// Encode writes as its 32-bit size prefix; len(r.Encode()) is Size()+4.
func (r Revision[L, K, V]) Size() int {
	return len(r.encodeBody())
}

func (r Revision[L, K, V]) encodeBody() []byte {
	lb := r.locator.Encode()
	kb := r.key.Encode()
	vb := r.val.Encode()

	buf := make([]byte, 0, 4+len(lb)+4+len(kb)+4+len(vb)+8+1)
	buf = appendLP(buf, lb)
	buf = appendLP(buf, kb)
	buf = appendLP(buf, vb)

	verBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(verBuf, r.version)
	buf = append(buf, verBuf...)
	buf = append(buf, byte(r.action))
	return buf
}

func appendLP(buf, field []byte) []byte {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(field)))
	buf = append(buf, lenBuf...)
	buf = append(buf, field...)
	return buf
}

// Encode returns the canonical byte form, `[u32 size][revision bytes]`
// per §6's on-disk layout.
func (r Revision[L, K, V]) Encode() []byte {
	body := r.encodeBody()
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

// Decoder builds typed leaves from raw bytes; each flavor supplies its
// own so Revision itself stays leaf-type agnostic.
type Decoder[T any] func([]byte) (T, error)

// Decode reads one `[u32 size][revision bytes]` record starting at the
// front of b, returning the Revision and the number of bytes the whole
// record (including the size prefix) occupied.
func Decode[L value.Ordered[L], K value.Ordered[K], V value.Ordered[V]](b []byte, decL Decoder[L], decK Decoder[K], decV Decoder[V]) (Revision[L, K, V], int, error) {
	var zero Revision[L, K, V]
	if len(b) < 4 {
		return zero, 0, fmt.Errorf("revision: size prefix truncated")
	}
	size := int(binary.BigEndian.Uint32(b))
	if len(b) < 4+size {
		return zero, 0, fmt.Errorf("revision: body truncated, want %d have %d", size, len(b)-4)
	}
	body := b[4 : 4+size]

	locBytes, rest, err := readLP(body)
	if err != nil {
		return zero, 0, err
	}
	keyBytes, rest, err := readLP(rest)
	if err != nil {
		return zero, 0, err
	}
	valBytes, rest, err := readLP(rest)
	if err != nil {
		return zero, 0, err
	}
	if len(rest) != 9 {
		return zero, 0, fmt.Errorf("revision: trailer must be 9 bytes, got %d", len(rest))
	}
	version := binary.BigEndian.Uint64(rest[0:8])
	action := Action(rest[8])

	loc, err := decL(locBytes)
	if err != nil {
		return zero, 0, fmt.Errorf("revision: locator: %w", err)
	}
	key, err := decK(keyBytes)
	if err != nil {
		return zero, 0, fmt.Errorf("revision: key: %w", err)
	}
	val, err := decV(valBytes)
	if err != nil {
		return zero, 0, fmt.Errorf("revision: value: %w", err)
	}

	return New(loc, key, val, version, action), 4 + size, nil
}

func readLP(b []byte) (field []byte, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("revision: length prefix truncated")
	}
	n := int(binary.BigEndian.Uint32(b))
	if len(b) < 4+n {
		return nil, nil, fmt.Errorf("revision: field truncated")
	}
	return b[4 : 4+n], b[4+n:], nil
}

// Less orders revisions by (locator asc, key asc, value asc, version
// asc), the flush ordering §4.2 requires.
func Less[L value.Ordered[L], K value.Ordered[K], V value.Ordered[V]](a, b Revision[L, K, V]) bool {
	if c := a.locator.Compare(b.locator); c != 0 {
		return c < 0
	}
	if c := a.key.Compare(b.key); c != 0 {
		return c < 0
	}
	if c := a.val.Compare(b.val); c != 0 {
		return c < 0
	}
	return a.version < b.version
}
