// Package lock implements Token and LockService: a process-wide cache
// mapping a 128-bit hash of an arbitrary object tuple to a reentrant
// shared/exclusive lock, evicted once its last holder releases it.
package lock

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Token is a stable 128-bit hash of a tuple of identifying objects
// (e.g. {key, record}), the opaque identity of a "notion of a thing"
// that can be locked.
type Token [16]byte

// For computes the Token for an arbitrary tuple of parts. Parts are
// rendered with fmt.Sprintf("%v") and joined by a separator before
// hashing, so any comparable/printable combination of locator, key and
// record values yields a stable token.
func For(parts ...any) Token {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%v\x00", p)
	}
	sum := h.Sum(nil)
	var t Token
	copy(t[:], sum[:16])
	return t
}

func (t Token) String() string {
	return fmt.Sprintf("%016x%016x", binary.BigEndian.Uint64(t[:8]), binary.BigEndian.Uint64(t[8:]))
}
