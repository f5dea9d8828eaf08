package block

import (
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/concoursedb/concourse/internal/revision"
	"github.com/concoursedb/concourse/internal/value"
)

// SearchBlock is the search-flavor specialization: it accepts whole
// STRING values and fans out into one revision per (substring, term,
// position), per §4.2's search block specialization.
type SearchBlock = Block[value.Text, value.Text, value.Position]

// NewMutableSearch creates an empty, writable search block.
func NewMutableSearch(id string) *SearchBlock {
	return NewMutable[value.Text, value.Text, value.Position](id, false, revision.DecodeTextLeaf, revision.DecodeTextLeaf, revision.DecodePositionLeaf)
}

// OpenImmutableSearch reopens a search block previously flushed to
// dir/<id>.blk.
func OpenImmutableSearch(dir, id string) (*SearchBlock, error) {
	return OpenImmutable[value.Text, value.Text, value.Position](dir, id, false, revision.DecodeTextLeaf, revision.DecodeTextLeaf, revision.DecodePositionLeaf)
}

// defaultStopwords lists the tokens the indexer skips entirely, both
// when indexing and when parsing a search query, whenever the caller
// passes a nil stopword set (§4.2, §8 scenario 5).
var defaultStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "to": true,
	"and": true, "or": true, "is": true, "in": true, "it": true,
}

// Tokenize lowercases s (locale-insensitive) and splits on whitespace,
// skipping configured stopwords. It is used identically for indexing
// and for parsing a search query, so token positions line up.
func Tokenize(s string, stopwords map[string]bool) []string {
	if stopwords == nil {
		stopwords = defaultStopwords
	}
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Substrings returns every non-empty contiguous substring of token,
// deduplicated. Exported so callers that need to compute the same
// expansion without touching a block (e.g. matching untransferred
// Buffer entries against a search query) stay in lockstep with
// indexing.
func Substrings(token string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	n := len(token)
	for i := 0; i < n; i++ {
		for j := i + 1; j <= n; j++ {
			sub := token[i:j]
			if !seen[sub] {
				seen[sub] = true
				out = append(out, sub)
			}
		}
	}
	return out
}

// IndexString tokenizes text, expands every token at its position into
// every non-empty contiguous substring, and inserts one Search revision
// per (substring, term, position) into b. Substring expansion for
// distinct tokens is fanned out across an errgroup; the call blocks
// until every subtask completes (design note "Fan-out indexing": a
// task group with structured join, not a polled flag), which is
// required because only then is it safe to flush or retire the block.
func (b *SearchBlock) IndexString(record value.PrimaryKey, text string, version uint64, action revision.Action, stopwords map[string]bool) ([]revision.Search, error) {
	tokens := Tokenize(text, stopwords)

	var g errgroup.Group
	var mu sync.Mutex
	var firstErr error
	var inserted []revision.Search

	for i, tok := range tokens {
		i, tok := i, tok
		g.Go(func() error {
			pos := value.NewPosition(record, uint32(i))
			term := value.Text(tok)
			for _, sub := range Substrings(tok) {
				r, err := b.Insert(value.Text(sub), term, pos, version, action)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return err
				}
				mu.Lock()
				inserted = append(inserted, r)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return inserted, nil
}
