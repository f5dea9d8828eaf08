// Package value implements Concourse's canonical typed leaves: Value,
// Text, Position and PrimaryKey. Every leaf has a total byte encoding,
// equality, and ordering, and Value additionally carries a persistence
// flag distinguishing forStorage (carries a version) from notForStorage
// (query-only) instances.
package value

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Ordered is implemented by every canonical leaf type: a total byte
// encoding plus a comparison against another instance of the same type.
// The self-referential constraint (T compared against T) is the
// standard curiously-recurring generic pattern for this.
type Ordered[T any] interface {
	Encode() []byte
	Compare(T) int
}

// PrimaryKey identifies one record. It is an eternal 64-bit value.
type PrimaryKey uint64

func (k PrimaryKey) Encode() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(k))
	return b
}

func (k PrimaryKey) Compare(o PrimaryKey) int {
	switch {
	case k < o:
		return -1
	case k > o:
		return 1
	default:
		return 0
	}
}

func (k PrimaryKey) String() string { return fmt.Sprintf("%d", uint64(k)) }

// DecodePrimaryKey reads a PrimaryKey from its canonical 8-byte form.
func DecodePrimaryKey(b []byte) (PrimaryKey, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("value: primary key must be 8 bytes, got %d", len(b))
	}
	return PrimaryKey(binary.BigEndian.Uint64(b)), nil
}

// Text is a UTF-8 byte sequence, used for attribute keys and search
// terms. Ordering is byte-lexicographic.
type Text string

func (t Text) Encode() []byte {
	b := make([]byte, 4+len(t))
	binary.BigEndian.PutUint32(b, uint32(len(t)))
	copy(b[4:], t)
	return b
}

func (t Text) Compare(o Text) int {
	return bytes.Compare([]byte(t), []byte(o))
}

// DecodeText reads a length-prefixed Text and the number of bytes
// consumed from b.
func DecodeText(b []byte) (Text, int, error) {
	if len(b) < 4 {
		return "", 0, fmt.Errorf("value: text header truncated")
	}
	n := int(binary.BigEndian.Uint32(b))
	if len(b) < 4+n {
		return "", 0, fmt.Errorf("value: text body truncated")
	}
	return Text(b[4 : 4+n]), 4 + n, nil
}

// Position locates a token within the text of one record: the record
// it was tokenized from, and the token's index in the original text.
type Position struct {
	Record PrimaryKey
	Index  uint32
}

func NewPosition(record PrimaryKey, index uint32) Position {
	return Position{Record: record, Index: index}
}

func (p Position) Encode() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint64(b[0:8], uint64(p.Record))
	binary.BigEndian.PutUint32(b[8:12], p.Index)
	return b
}

func (p Position) Compare(o Position) int {
	if c := p.Record.Compare(o.Record); c != 0 {
		return c
	}
	switch {
	case p.Index < o.Index:
		return -1
	case p.Index > o.Index:
		return 1
	default:
		return 0
	}
}

// DecodePosition reads a Position from its canonical 12-byte form.
func DecodePosition(b []byte) (Position, error) {
	if len(b) != 12 {
		return Position{}, fmt.Errorf("value: position must be 12 bytes, got %d", len(b))
	}
	return Position{
		Record: PrimaryKey(binary.BigEndian.Uint64(b[0:8])),
		Index:  binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// Type tags a Value's payload. Ordering across types is total: types
// compare by tag first, then by natural order within the type.
type Type uint8

const (
	Boolean Type = iota + 1
	Integer
	Long
	Float
	Double
	String
	Link
)

func (t Type) String() string {
	switch t {
	case Boolean:
		return "BOOLEAN"
	case Integer:
		return "INTEGER"
	case Long:
		return "LONG"
	case Float:
		return "FLOAT"
	case Double:
		return "DOUBLE"
	case String:
		return "STRING"
	case Link:
		return "LINK"
	default:
		return "UNKNOWN"
	}
}

// Value is Concourse's tagged variant of fixed alternatives (bool, int,
// long, float, double, link) plus a string fallback form. A Value built
// forStorage carries a version; a notForStorage Value is query-only and
// never persisted directly.
type Value struct {
	typ        Type
	b          bool
	i32        int32
	i64        int64
	f32        float32
	f64        float64
	str        string
	link       PrimaryKey
	version    uint64
	forStorage bool
}

func newValue(typ Type) Value { return Value{typ: typ} }

func NewBoolean(v bool) Value       { x := newValue(Boolean); x.b = v; return x }
func NewInteger(v int32) Value      { x := newValue(Integer); x.i32 = v; return x }
func NewLong(v int64) Value         { x := newValue(Long); x.i64 = v; return x }
func NewFloat(v float32) Value      { x := newValue(Float); x.f32 = v; return x }
func NewDouble(v float64) Value     { x := newValue(Double); x.f64 = v; return x }
func NewString(v string) Value      { x := newValue(String); x.str = v; return x }
func NewLink(v PrimaryKey) Value    { x := newValue(Link); x.link = v; return x }

// ForStorage returns a copy of v stamped with version and marked
// forStorage, as the Engine does for every value it writes.
func (v Value) ForStorage(version uint64) Value {
	v.forStorage = true
	v.version = version
	return v
}

func (v Value) Type() Type         { return v.typ }
func (v Value) IsForStorage() bool { return v.forStorage }
func (v Value) Version() uint64    { return v.version }
func (v Value) Bool() bool         { return v.b }
func (v Value) Int() int32         { return v.i32 }
func (v Value) Long() int64        { return v.i64 }
func (v Value) Float32() float32   { return v.f32 }
func (v Value) Float64() float64   { return v.f64 }
func (v Value) Link() PrimaryKey   { return v.link }

// Str returns the value's display/string form: the string itself for
// STRING, and a canonical decimal/boolean rendering for every other
// type (used by the search indexer's fallback path and by logging).
func (v Value) Str() string {
	switch v.typ {
	case Boolean:
		return fmt.Sprintf("%t", v.b)
	case Integer:
		return fmt.Sprintf("%d", v.i32)
	case Long:
		return fmt.Sprintf("%d", v.i64)
	case Float:
		return fmt.Sprintf("%g", v.f32)
	case Double:
		return fmt.Sprintf("%g", v.f64)
	case String:
		return v.str
	case Link:
		return v.link.String()
	default:
		return ""
	}
}

func (v Value) payload() []byte {
	switch v.typ {
	case Boolean:
		if v.b {
			return []byte{1}
		}
		return []byte{0}
	case Integer:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v.i32))
		return b
	case Long:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(v.i64))
		return b
	case Float:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, math.Float32bits(v.f32))
		return b
	case Double:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, math.Float64bits(v.f64))
		return b
	case String:
		return []byte(v.str)
	case Link:
		return v.link.Encode()
	default:
		return nil
	}
}

// Encode returns Value's canonical byte form:
// [type u8][forStorage u8][version u64 if forStorage][payload-len u32][payload].
func (v Value) Encode() []byte {
	p := v.payload()
	head := 2
	if v.forStorage {
		head += 8
	}
	b := make([]byte, head+4+len(p))
	b[0] = byte(v.typ)
	if v.forStorage {
		b[1] = 1
		binary.BigEndian.PutUint64(b[2:10], v.version)
	} else {
		b[1] = 0
	}
	binary.BigEndian.PutUint32(b[head:head+4], uint32(len(p)))
	copy(b[head+4:], p)
	return b
}

// Decode reads a Value from its canonical form, returning the number of
// bytes consumed.
func Decode(b []byte) (Value, int, error) {
	if len(b) < 2 {
		return Value{}, 0, fmt.Errorf("value: header truncated")
	}
	typ := Type(b[0])
	forStorage := b[1] == 1
	off := 2
	var version uint64
	if forStorage {
		if len(b) < off+8 {
			return Value{}, 0, fmt.Errorf("value: version truncated")
		}
		version = binary.BigEndian.Uint64(b[off : off+8])
		off += 8
	}
	if len(b) < off+4 {
		return Value{}, 0, fmt.Errorf("value: payload length truncated")
	}
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) < off+n {
		return Value{}, 0, fmt.Errorf("value: payload truncated")
	}
	p := b[off : off+n]
	off += n

	v := Value{typ: typ, forStorage: forStorage, version: version}
	switch typ {
	case Boolean:
		if len(p) != 1 {
			return Value{}, 0, fmt.Errorf("value: bad boolean payload")
		}
		v.b = p[0] != 0
	case Integer:
		if len(p) != 4 {
			return Value{}, 0, fmt.Errorf("value: bad integer payload")
		}
		v.i32 = int32(binary.BigEndian.Uint32(p))
	case Long:
		if len(p) != 8 {
			return Value{}, 0, fmt.Errorf("value: bad long payload")
		}
		v.i64 = int64(binary.BigEndian.Uint64(p))
	case Float:
		if len(p) != 4 {
			return Value{}, 0, fmt.Errorf("value: bad float payload")
		}
		v.f32 = math.Float32frombits(binary.BigEndian.Uint32(p))
	case Double:
		if len(p) != 8 {
			return Value{}, 0, fmt.Errorf("value: bad double payload")
		}
		v.f64 = math.Float64frombits(binary.BigEndian.Uint64(p))
	case String:
		v.str = string(p)
	case Link:
		pk, err := DecodePrimaryKey(p)
		if err != nil {
			return Value{}, 0, err
		}
		v.link = pk
	default:
		return Value{}, 0, fmt.Errorf("value: unknown type tag %d", typ)
	}
	return v, off, nil
}

// Equal ignores version for notForStorage values and respects it for
// forStorage values: two forStorage values of the same payload but
// different versions are unequal.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	if !bytes.Equal(v.payload(), o.payload()) {
		return false
	}
	if v.forStorage && o.forStorage {
		return v.version == o.version
	}
	return true
}

// Compare gives Value's total order: by type tag, then unsigned
// big-endian order for fixed-width types and byte-lexicographic order
// for STRING.
func (v Value) Compare(o Value) int {
	if v.typ != o.typ {
		if v.typ < o.typ {
			return -1
		}
		return 1
	}
	switch v.typ {
	case String:
		return bytes.Compare([]byte(v.str), []byte(o.str))
	case Link:
		return v.link.Compare(o.link)
	default:
		return bytes.Compare(v.payload(), o.payload())
	}
}
