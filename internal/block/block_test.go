package block

import (
	"testing"

	"github.com/concoursedb/concourse/internal/revision"
	"github.com/concoursedb/concourse/internal/value"
)

func newPrimaryBlock(id string) *Block[value.PrimaryKey, value.Text, value.Value] {
	return NewMutable[value.PrimaryKey, value.Text, value.Value](
		id, false, revision.DecodePrimaryKeyLeaf, revision.DecodeTextLeaf, revision.DecodeValueLeaf,
	)
}

func TestBlockFlushAndSeekImmutable(t *testing.T) {
	dir := t.TempDir()
	b := newPrimaryBlock("blk-0")

	if _, err := b.Insert(value.PrimaryKey(1), value.Text("name"), value.NewString("alice").ForStorage(10), 10, revision.ADD); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := b.Insert(value.PrimaryKey(2), value.Text("name"), value.NewString("bob").ForStorage(11), 11, revision.ADD); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := b.Flush(dir); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if b.State() != Immutable {
		t.Fatalf("expected Immutable after flush, got %s", b.State())
	}

	loc := value.PrimaryKey(1)
	revs, err := b.SeekImmutable(&loc)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	if len(revs) != 1 || revs[0].Value().Str() != "alice" {
		t.Fatalf("expected alice for record 1, got %+v", revs)
	}

	if !b.MightContain(value.PrimaryKey(1), nil) {
		t.Fatal("bloom filter should report record 1 present")
	}

	missing := value.PrimaryKey(999)
	revsMissing, err := b.SeekImmutable(&missing)
	if err != nil {
		t.Fatalf("seek missing: %v", err)
	}
	if len(revsMissing) != 0 {
		t.Fatalf("expected no revisions for absent locator, got %+v", revsMissing)
	}
}

func TestBlockInsertFailsAfterFlush(t *testing.T) {
	dir := t.TempDir()
	b := newPrimaryBlock("blk-1")
	if err := b.Flush(dir); err != nil {
		t.Fatalf("flush empty block: %v", err)
	}
	_, err := b.Insert(value.PrimaryKey(1), "k", value.NewString("v").ForStorage(1), 1, revision.ADD)
	if err != ErrNotMutable {
		t.Fatalf("expected ErrNotMutable, got %v", err)
	}
}

func TestSearchIndexStringSubstringExpansion(t *testing.T) {
	b := NewMutableSearch("search-0")
	if _, err := b.IndexString(value.PrimaryKey(1), "foo bar", 1, revision.ADD, nil); err != nil {
		t.Fatalf("index: %v", err)
	}

	foundFo := false
	for _, r := range b.SeekMutable(nil) {
		if r.Locator() == "fo" && r.Key() == "foo" {
			foundFo = true
		}
	}
	if !foundFo {
		t.Fatal("expected substring 'fo' of term 'foo' to be indexed")
	}
}

func TestTokenizeSkipsStopwords(t *testing.T) {
	toks := Tokenize("the quick fox", nil)
	for _, tk := range toks {
		if tk == "the" {
			t.Fatal("expected stopword 'the' to be skipped")
		}
	}
	if len(toks) != 2 {
		t.Fatalf("expected 2 tokens, got %v", toks)
	}
}
