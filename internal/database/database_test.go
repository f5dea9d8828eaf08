package database

import (
	"testing"

	"github.com/concoursedb/concourse/internal/buffer"
	"github.com/concoursedb/concourse/internal/revision"
	"github.com/concoursedb/concourse/internal/value"
)

func addEntry(t *testing.T, d *Database, record uint64, key string, val value.Value, version uint64) {
	t.Helper()
	e := buffer.Entry{Record: value.PrimaryKey(record), Key: value.Text(key), Val: val, Version: version, Action: revision.ADD}
	if err := d.Accept(e); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func TestAcceptMirrorsPrimaryAndSecondary(t *testing.T) {
	d, err := Open(t.TempDir(), DefaultBlockSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	addEntry(t, d, 1, "name", value.NewString("alice").ForStorage(10), 10)

	rec, err := d.Get(value.PrimaryKey(1))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	live := rec.Live(10)
	if len(live) != 1 || live[0].Val.Str() != "alice" {
		t.Fatalf("expected alice live at record 1, got %+v", live)
	}

	ids, err := d.Find("name", EQ, []value.Value{value.NewString("alice")}, 10, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(ids) != 1 || ids[0] != value.PrimaryKey(1) {
		t.Fatalf("expected record 1 from secondary find, got %v", ids)
	}
}

func TestFindRangeOperators(t *testing.T) {
	d, err := Open(t.TempDir(), DefaultBlockSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	addEntry(t, d, 1, "age", value.NewInteger(10), 1)
	addEntry(t, d, 2, "age", value.NewInteger(20), 2)
	addEntry(t, d, 3, "age", value.NewInteger(30), 3)

	ids, err := d.Find("age", GT, []value.Value{value.NewInteger(15)}, 3, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 records with age>15, got %v", ids)
	}

	ids, err = d.Find("age", BETWEEN, []value.Value{value.NewInteger(15), value.NewInteger(25)}, 3, nil)
	if err != nil {
		t.Fatalf("find between: %v", err)
	}
	if len(ids) != 1 || ids[0] != value.PrimaryKey(2) {
		t.Fatalf("expected only record 2 in [15,25], got %v", ids)
	}
}

func TestFindRemoveRemovesFromLiveSet(t *testing.T) {
	d, err := Open(t.TempDir(), DefaultBlockSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	addEntry(t, d, 1, "name", value.NewString("alice").ForStorage(1), 1)

	removeEntry := buffer.Entry{
		Record: value.PrimaryKey(1), Key: value.Text("name"),
		Val: value.NewString("alice").ForStorage(1), Version: 2, Action: revision.REMOVE,
	}
	if err := d.Accept(removeEntry); err != nil {
		t.Fatalf("accept remove: %v", err)
	}

	ids, err := d.Find("name", EQ, []value.Value{value.NewString("alice")}, 2, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no live records after remove, got %v", ids)
	}
}

func TestSearchSubstringOrderPreserved(t *testing.T) {
	d, err := Open(t.TempDir(), DefaultBlockSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	addEntry(t, d, 1, "bio", value.NewString("foo bar baz").ForStorage(1), 1)
	addEntry(t, d, 2, "bio", value.NewString("food barn").ForStorage(2), 2)

	ids, err := d.Search("bio", "fo ar", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	found := map[value.PrimaryKey]bool{}
	for _, id := range ids {
		found[id] = true
	}
	if !found[value.PrimaryKey(1)] || !found[value.PrimaryKey(2)] {
		t.Fatalf("expected both records 1 and 2 in search results, got %v", ids)
	}
}

func TestFindMergesPendingBufferEntries(t *testing.T) {
	d, err := Open(t.TempDir(), DefaultBlockSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	addEntry(t, d, 1, "age", value.NewInteger(10), 1)

	pending := []buffer.Entry{
		{Record: value.PrimaryKey(2), Key: value.Text("age"), Val: value.NewInteger(20), Version: 2, Action: revision.ADD},
	}

	ids, err := d.Find("age", GT, []value.Value{value.NewInteger(15)}, 2, pending)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(ids) != 1 || ids[0] != value.PrimaryKey(2) {
		t.Fatalf("expected pending record 2 to be visible via find, got %v", ids)
	}
}

func TestSearchMergesPendingBufferEntries(t *testing.T) {
	d, err := Open(t.TempDir(), DefaultBlockSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	addEntry(t, d, 1, "bio", value.NewString("foo bar baz").ForStorage(1), 1)

	pending := []buffer.Entry{
		{Record: value.PrimaryKey(2), Key: value.Text("bio"), Val: value.NewString("food barn").ForStorage(2), Version: 2, Action: revision.ADD},
	}

	ids, err := d.Search("bio", "fo ar", pending)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	found := map[value.PrimaryKey]bool{}
	for _, id := range ids {
		found[id] = true
	}
	if !found[value.PrimaryKey(1)] || !found[value.PrimaryKey(2)] {
		t.Fatalf("expected both transferred record 1 and pending record 2 in search results, got %v", ids)
	}
}

func TestDatabaseRolloverFlushesToImmutable(t *testing.T) {
	d, err := Open(t.TempDir(), 1) // tiny cap forces immediate flush
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	addEntry(t, d, 1, "name", value.NewString("alice").ForStorage(1), 1)

	if len(d.primary.blocks) != 1 {
		t.Fatalf("expected primary block rollover, got %d immutable blocks", len(d.primary.blocks))
	}

	rec, err := d.Get(value.PrimaryKey(1))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rec.Live(1)) != 1 {
		t.Fatalf("expected record readable after rollover to immutable block")
	}
}
