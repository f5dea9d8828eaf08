package revision

import "github.com/concoursedb/concourse/internal/value"

// Primary revisions index (record, attribute, value): locator = record
// id, key = attribute, value = the typed Value.
type Primary = Revision[value.PrimaryKey, value.Text, value.Value]

// Secondary revisions index (attribute, value) -> record: locator =
// attribute, key = Value, value = record id. This is the inverse of
// Primary, letting Database.find range-scan by value.
type Secondary = Revision[value.Text, value.Value, value.PrimaryKey]

// Search revisions index (term substring) -> (original term, position):
// locator = substring, key = original term (kept for phrase
// reconstruction), value = Position.
type Search = Revision[value.Text, value.Text, value.Position]

// DecodeTextLeaf, DecodeValueLeaf, DecodePrimaryKeyLeaf and
// DecodePositionLeaf decode one leaf value from an exact-length byte
// slice (no trailing bytes allowed). They satisfy revision.Decoder[T]
// and are exported so package block can assemble Block instances for
// each flavor directly, without re-deriving the decode glue.
func DecodeTextLeaf(b []byte) (value.Text, error) {
	t, n, err := value.DecodeText(b)
	if err != nil {
		return "", err
	}
	if n != len(b) {
		return "", errTrailing
	}
	return t, nil
}

func DecodeValueLeaf(b []byte) (value.Value, error) {
	v, n, err := value.Decode(b)
	if err != nil {
		return value.Value{}, err
	}
	if n != len(b) {
		return value.Value{}, errTrailing
	}
	return v, nil
}

func DecodePrimaryKeyLeaf(b []byte) (value.PrimaryKey, error) {
	return value.DecodePrimaryKey(b)
}

func DecodePositionLeaf(b []byte) (value.Position, error) {
	return value.DecodePosition(b)
}

var errTrailing = trailingBytesError{}

type trailingBytesError struct{}

func (trailingBytesError) Error() string { return "revision: trailing bytes after field" }

// NewPrimary builds a Primary revision.
func NewPrimary(record value.PrimaryKey, attr value.Text, v value.Value, version uint64, action Action) Primary {
	return New[value.PrimaryKey, value.Text, value.Value](record, attr, v, version, action)
}

// DecodePrimary decodes one Primary revision record from b.
func DecodePrimary(b []byte) (Primary, int, error) {
	return Decode[value.PrimaryKey, value.Text, value.Value](b, DecodePrimaryKeyLeaf, DecodeTextLeaf, DecodeValueLeaf)
}

// NewSecondary builds a Secondary revision.
func NewSecondary(attr value.Text, v value.Value, record value.PrimaryKey, version uint64, action Action) Secondary {
	return New[value.Text, value.Value, value.PrimaryKey](attr, v, record, version, action)
}

// DecodeSecondary decodes one Secondary revision record from b.
func DecodeSecondary(b []byte) (Secondary, int, error) {
	return Decode[value.Text, value.Value, value.PrimaryKey](b, DecodeTextLeaf, DecodeValueLeaf, DecodePrimaryKeyLeaf)
}

// NewSearch builds a Search revision.
func NewSearch(substring value.Text, term value.Text, pos value.Position, version uint64, action Action) Search {
	return New[value.Text, value.Text, value.Position](substring, term, pos, version, action)
}

// DecodeSearch decodes one Search revision record from b.
func DecodeSearch(b []byte) (Search, int, error) {
	return Decode[value.Text, value.Text, value.Position](b, DecodeTextLeaf, DecodeTextLeaf, DecodePositionLeaf)
}
