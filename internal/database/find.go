package database

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/concoursedb/concourse/internal/buffer"
	"github.com/concoursedb/concourse/internal/record"
	"github.com/concoursedb/concourse/internal/revision"
	"github.com/concoursedb/concourse/internal/value"
)

// Operator is one of the comparison operators find() supports, per §6.
type Operator string

const (
	EQ        Operator = "EQ"
	NEQ       Operator = "NEQ"
	LT        Operator = "LT"
	LTE       Operator = "LTE"
	GT        Operator = "GT"
	GTE       Operator = "GTE"
	BETWEEN   Operator = "BETWEEN"
	REGEX     Operator = "REGEX"
	NOT_REGEX Operator = "NOT_REGEX"
	LINKS_TO  Operator = "LINKS_TO"
)

// Find returns the record ids live at timestamp whose value for attr
// satisfies op against values, per §4.5's secondary-index find. pending
// carries Buffer entries not yet transferred into the secondary index;
// it may be nil when the caller has nothing buffered to merge in.
func (d *Database) Find(attr string, op Operator, values []value.Value, timestamp uint64, pending []buffer.Entry) ([]value.PrimaryKey, error) {
	revs, err := d.secondary.seek(value.Text(attr), nil)
	if err != nil {
		return nil, fmt.Errorf("database: find %s: %w", attr, err)
	}
	for _, e := range pending {
		if string(e.Key) != attr {
			continue
		}
		revs = append(revs, revision.NewSecondary(e.Key, e.Val, e.Record, e.Version, e.Action))
	}
	live := record.Parity(revs, timestamp)

	match, err := matcher(op, values)
	if err != nil {
		return nil, err
	}

	seen := make(map[value.PrimaryKey]bool)
	out := make([]value.PrimaryKey, 0)
	for _, r := range live {
		if !match(r.Key()) {
			continue
		}
		rec := r.Value()
		if !seen[rec] {
			seen[rec] = true
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func matcher(op Operator, values []value.Value) (func(v value.Value) bool, error) {
	need := func(n int) error {
		if len(values) < n {
			return fmt.Errorf("database: operator %s needs %d value(s), got %d", op, n, len(values))
		}
		return nil
	}

	switch op {
	case EQ:
		if err := need(1); err != nil {
			return nil, err
		}
		return func(v value.Value) bool { return v.Equal(values[0]) }, nil
	case NEQ:
		if err := need(1); err != nil {
			return nil, err
		}
		return func(v value.Value) bool { return !v.Equal(values[0]) }, nil
	case LT:
		if err := need(1); err != nil {
			return nil, err
		}
		return func(v value.Value) bool { return v.Compare(values[0]) < 0 }, nil
	case LTE:
		if err := need(1); err != nil {
			return nil, err
		}
		return func(v value.Value) bool { return v.Compare(values[0]) <= 0 }, nil
	case GT:
		if err := need(1); err != nil {
			return nil, err
		}
		return func(v value.Value) bool { return v.Compare(values[0]) > 0 }, nil
	case GTE:
		if err := need(1); err != nil {
			return nil, err
		}
		return func(v value.Value) bool { return v.Compare(values[0]) >= 0 }, nil
	case BETWEEN:
		if err := need(2); err != nil {
			return nil, err
		}
		lo, hi := values[0], values[1]
		return func(v value.Value) bool {
			return v.Compare(lo) >= 0 && v.Compare(hi) <= 0
		}, nil
	case REGEX, NOT_REGEX:
		if err := need(1); err != nil {
			return nil, err
		}
		re, err := regexp.Compile(values[0].Str())
		if err != nil {
			return nil, fmt.Errorf("database: bad regex %q: %w", values[0].Str(), err)
		}
		want := op == REGEX
		return func(v value.Value) bool { return re.MatchString(v.Str()) == want }, nil
	case LINKS_TO:
		if err := need(1); err != nil {
			return nil, err
		}
		return func(v value.Value) bool {
			return v.Type() == value.Link && v.Equal(values[0])
		}, nil
	default:
		return nil, fmt.Errorf("database: unknown operator %q", op)
	}
}
