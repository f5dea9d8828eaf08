package database

import (
	"errors"
	"testing"

	"github.com/concoursedb/concourse/internal/value"
)

func TestReloadRediscoversImmutableBlocksAfterReopen(t *testing.T) {
	dir := t.TempDir()

	d1, err := Open(dir, 1) // tiny cap forces a flush per insert
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	addEntry(t, d1, 1, "name", value.NewString("alice").ForStorage(1), 1)
	addEntry(t, d1, 2, "name", value.NewString("bob").ForStorage(2), 2)

	wantBlocks := len(d1.primary.blocks)
	if wantBlocks == 0 {
		t.Fatalf("expected at least one flushed primary block before reopen")
	}

	d2, err := Open(dir, 1)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(d2.primary.blocks) != wantBlocks {
		t.Fatalf("reopened primary block count = %d, want %d", len(d2.primary.blocks), wantBlocks)
	}

	rec, err := d2.Get(value.PrimaryKey(1))
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if live := rec.Live(1); len(live) != 1 || live[0].Val.Str() != "alice" {
		t.Fatalf("expected alice live for record 1 after reopen, got %+v", live)
	}
}

func TestDiscoverSearchSetsFindsExistingAttributes(t *testing.T) {
	dir := t.TempDir()

	d1, err := Open(dir, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	addEntry(t, d1, 1, "bio", value.NewString("alice in wonderland").ForStorage(1), 1)

	d2, err := Open(dir, 1)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := d2.DiscoverSearchSets(); err != nil {
		t.Fatalf("discover search sets: %v", err)
	}
	if len(d2.SearchAttributes()) != 1 {
		t.Fatalf("expected 1 discovered search set, got %d", len(d2.SearchAttributes()))
	}
}

// duplicateRevision simulates the Buffer replaying an already-applied
// page after a crash: the identical (locator, key, value, version,
// action) lands in the database twice, under two different block ids
// since the cap forces a flush per insert.
func duplicateRevision(t *testing.T, d *Database) {
	t.Helper()
	val := value.NewLong(10).ForStorage(1)
	addEntry(t, d, 1, "balance", val, 1)
	addEntry(t, d, 1, "balance", val, 1)
}

func TestCompactRetiresExactDuplicateBlock(t *testing.T) {
	d, err := Open(t.TempDir(), 1) // tiny cap: each insert flushes its own block
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	duplicateRevision(t, d)

	if len(d.primary.blocks) != 2 {
		t.Fatalf("expected 2 immutable primary blocks before compaction, got %d", len(d.primary.blocks))
	}

	// Before compaction the duplicate revision makes the pair's parity
	// count even, so it reads as not live — the bug compaction repairs.
	rec, err := d.Get(value.PrimaryKey(1))
	if err != nil {
		t.Fatalf("get before compaction: %v", err)
	}
	if live := rec.Live(1); len(live) != 0 {
		t.Fatalf("expected duplicate ADD to cancel out before compaction, got %+v", live)
	}

	report, err := d.Compact(false)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(report.Primary) != 1 {
		t.Fatalf("expected exactly 1 primary block retired, got %v", report.Primary)
	}
	if len(d.primary.blocks) != 1 {
		t.Fatalf("expected 1 primary block remaining after compaction, got %d", len(d.primary.blocks))
	}

	rec, err = d.Get(value.PrimaryKey(1))
	if err != nil {
		t.Fatalf("get after compaction: %v", err)
	}
	if live := rec.Live(1); len(live) != 1 || live[0].Val.Str() != "10" {
		t.Fatalf("expected the surviving single copy to read as live, got %+v", live)
	}
}

func TestCompactDryRunLeavesBlocksInPlace(t *testing.T) {
	d, err := Open(t.TempDir(), 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	duplicateRevision(t, d)

	report, err := d.Compact(true)
	if err != nil {
		t.Fatalf("compact dry-run: %v", err)
	}
	if len(report.Primary) != 1 {
		t.Fatalf("expected dry-run to identify 1 duplicate block, got %v", report.Primary)
	}
	if len(d.primary.blocks) != 2 {
		t.Fatalf("dry-run must not retire blocks, got %d remaining", len(d.primary.blocks))
	}
}

func TestCompactLeavesDistinctRevisionsAlone(t *testing.T) {
	d, err := Open(t.TempDir(), 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	addEntry(t, d, 1, "balance", value.NewLong(10).ForStorage(1), 1)
	addEntry(t, d, 1, "balance", value.NewLong(20).ForStorage(2), 2)

	report, err := d.Compact(false)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(report.Primary) != 0 {
		t.Fatalf("expected no retirements when no block is a pure duplicate, got %v", report.Primary)
	}
	if len(d.primary.blocks) != 2 {
		t.Fatalf("expected both blocks to survive, got %d", len(d.primary.blocks))
	}
}

func TestCompactSkipsQuarantinedBlocks(t *testing.T) {
	d, err := Open(t.TempDir(), 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	duplicateRevision(t, d)

	older := d.primary.blocks[0].ID()
	d.primary.quarantine(older, errors.New("simulated corruption"))

	report, err := d.Compact(false)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(report.Primary) != 0 {
		t.Fatalf("expected quarantined block to be left alone, got %v", report.Primary)
	}
}
