package buffer

import (
	"encoding/binary"
	"fmt"

	"github.com/concoursedb/concourse/internal/revision"
	"github.com/concoursedb/concourse/internal/value"
)

// Entry is the one unit the Buffer durably queues: a single logical
// write, shaped identically to a Primary revision. transfer() replays
// each Entry into the Database, which is what derives the Secondary
// mirror and, for STRING values, the Search fan-out (§4.4's "replays
// its revisions into the Database's mutable blocks").
type Entry struct {
	Record  value.PrimaryKey
	Key     value.Text
	Val     value.Value
	Version uint64
	Action  revision.Action
}

// AsPrimary views the entry as the Primary revision it logically is.
func (e Entry) AsPrimary() revision.Primary {
	return revision.NewPrimary(e.Record, e.Key, e.Val, e.Version, e.Action)
}

// Encode returns the entry's canonical `[u32 size][revision bytes]`
// form, identical to a Primary revision's encoding (§6: "Buffer page
// file ... length-prefixed revisions, each [u32 size][revision bytes]").
func (e Entry) Encode() []byte { return e.AsPrimary().Encode() }

// DecodeEntry reads one length-prefixed entry from the front of b,
// returning the entry and the number of bytes consumed.
func DecodeEntry(b []byte) (Entry, int, error) {
	r, n, err := revision.DecodePrimary(b)
	if err != nil {
		return Entry{}, 0, fmt.Errorf("buffer: decode entry: %w", err)
	}
	return Entry{Record: r.Locator(), Key: r.Key(), Val: r.Value(), Version: r.Version(), Action: r.Action()}, n, nil
}

// decodeAll reads every length-prefixed entry in b in order.
func decodeAll(b []byte) ([]Entry, error) {
	out := make([]Entry, 0)
	for len(b) > 0 {
		e, n, err := DecodeEntry(b)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		b = b[n:]
	}
	return out, nil
}

// pageMagic identifies a Buffer page file; pageVersion is the on-disk
// format version (§6: "header (magic, version, page id)").
const (
	pageMagic   uint32 = 0x434f5530 // "COU0"
	pageVersion uint32 = 1
	headerSize         = 4 + 4 + 8 // magic + version + page id
	checksumSize       = 4
)

func encodeHeader(id uint64) []byte {
	b := make([]byte, headerSize)
	binary.BigEndian.PutUint32(b[0:4], pageMagic)
	binary.BigEndian.PutUint32(b[4:8], pageVersion)
	binary.BigEndian.PutUint64(b[8:16], id)
	return b
}

func decodeHeader(b []byte) (id uint64, err error) {
	if len(b) < headerSize {
		return 0, fmt.Errorf("buffer: page header truncated")
	}
	if binary.BigEndian.Uint32(b[0:4]) != pageMagic {
		return 0, fmt.Errorf("buffer: bad page magic")
	}
	if v := binary.BigEndian.Uint32(b[4:8]); v != pageVersion {
		return 0, fmt.Errorf("buffer: unsupported page version %d", v)
	}
	return binary.BigEndian.Uint64(b[8:16]), nil
}
