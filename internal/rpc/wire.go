// Package rpc implements the binary wire protocol §6 mandates: a
// request/response exchange over TCP carrying an authentication token
// and an optional transaction token, with values crossing the wire as
// (type-tag, canonical bytes) per §4.1. All multi-byte integers are
// big-endian, matching the on-disk formats the block and buffer
// packages already use.
package rpc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/concoursedb/concourse/internal/value"
)

// maxFrameSize bounds a single frame so a corrupt or malicious peer
// can't make the server allocate unbounded memory from a length
// prefix.
const maxFrameSize = 64 << 20

// writeFrame writes one length-prefixed frame: [u32 length][payload].
func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("rpc: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("rpc: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame written by writeFrame.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("rpc: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("rpc: read frame body: %w", err)
	}
	return buf, nil
}

// encoder accumulates a request/response body using the same
// length-prefixed primitives throughout the protocol.
type encoder struct {
	buf []byte
}

func (e *encoder) byte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// str writes a length-prefixed UTF-8 string: [u32 len][bytes].
func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// bytes writes a length-prefixed byte slice: [u32 len][bytes].
func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// value writes a Value using its own canonical (type-tag, bytes) form
// from internal/value, length-prefixed so the reader doesn't need to
// parse the payload to know where it ends.
func (e *encoder) value(v value.Value) {
	e.bytes(v.Encode())
}

func (e *encoder) primaryKey(k value.PrimaryKey) { e.u64(uint64(k)) }

func (e *encoder) primaryKeys(ks []value.PrimaryKey) {
	e.u32(uint32(len(ks)))
	for _, k := range ks {
		e.primaryKey(k)
	}
}

func (e *encoder) values(vs []value.Value) {
	e.u32(uint32(len(vs)))
	for _, v := range vs {
		e.value(v)
	}
}

func (e *encoder) texts(ts []value.Text) {
	e.u32(uint32(len(ts)))
	for _, t := range ts {
		e.str(string(t))
	}
}

// decoder walks a request/response body written by encoder, failing
// closed (returning an error) on any short read rather than panicking
// on attacker-controlled or corrupt input.
type decoder struct {
	buf []byte
	off int
}

func newDecoder(b []byte) *decoder { return &decoder{buf: b} }

func (d *decoder) need(n int) error {
	if len(d.buf)-d.off < n {
		return fmt.Errorf("rpc: truncated message: need %d bytes, have %d", n, len(d.buf)-d.off)
	}
	return nil
}

func (d *decoder) byte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.off : d.off+4])
	d.off += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.buf[d.off : d.off+8])
	d.off += 8
	return v, nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u32()
	if err != nil {
		return "", err
	}
	if err := d.need(int(n)); err != nil {
		return "", err
	}
	s := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return s, nil
}

func (d *decoder) bytesField() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	b := d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	return b, nil
}

func (d *decoder) value() (value.Value, error) {
	b, err := d.bytesField()
	if err != nil {
		return value.Value{}, err
	}
	v, _, err := value.Decode(b)
	if err != nil {
		return value.Value{}, fmt.Errorf("rpc: decode value: %w", err)
	}
	return v, nil
}

func (d *decoder) primaryKey() (value.PrimaryKey, error) {
	v, err := d.u64()
	return value.PrimaryKey(v), err
}

func (d *decoder) primaryKeys() ([]value.PrimaryKey, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	out := make([]value.PrimaryKey, 0, n)
	for i := uint32(0); i < n; i++ {
		k, err := d.primaryKey()
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func (d *decoder) values() ([]value.Value, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	out := make([]value.Value, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *decoder) texts() ([]value.Text, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	out := make([]value.Text, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := d.str()
		if err != nil {
			return nil, err
		}
		out = append(out, value.Text(s))
	}
	return out, nil
}

func (d *decoder) done() error {
	if d.off != len(d.buf) {
		return fmt.Errorf("rpc: %d trailing bytes after decode", len(d.buf)-d.off)
	}
	return nil
}
