package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/concoursedb/concourse/internal/database"
	"github.com/concoursedb/concourse/internal/lock"
	"github.com/concoursedb/concourse/internal/record"
	"github.com/concoursedb/concourse/internal/revision"
	"github.com/concoursedb/concourse/internal/value"
)

// resolve turns a value.Timestamp into a concrete version drawn from
// the same monotonic sequence that stamps writes, so a Now read is
// strictly ordered relative to any write racing it rather than
// comparing against a wall-clock value from a different space. This is
// the explicit `Timestamp = Now | At(version)` design note (§9)
// replacing the raw "0 means now" sentinel at every API boundary that
// takes a point in time.
func (e *Engine) resolve(t value.Timestamp) uint64 {
	return t.Resolve(e.seq.Next)
}

// Add appends val at key in record, per AUTOCOMMIT's "lock → write to
// Buffer → unlock". Fails with InvariantViolation if val is already
// live at key (Invariant 2: "a new ADD is legal only when the target
// is absent").
func (e *Engine) Add(rec value.PrimaryKey, key value.Text, val value.Value) (bool, error) {
	var ok bool
	err := observe("add", func() error {
		token := lock.For(key, rec)
		owner := uuid.NewString()
		held := e.locks.WriteLock(token, owner)
		defer held.Unlock()

		r, err := e.assemble(rec)
		if err != nil {
			return newErr("add", IOCorruption, err)
		}
		if r.Contains(key, val, e.seq.Next()) {
			return newErr("add", InvariantViolation, nil)
		}
		if _, err := e.write(rec, key, val, revision.ADD); err != nil {
			return newErr("add", IOCorruption, err)
		}
		ok = true
		return nil
	})
	return ok, err
}

// Remove removes val at key in record if it is currently live. Fails
// with InvariantViolation if val is not live (Invariant 2: "a new
// REMOVE only when present").
func (e *Engine) Remove(rec value.PrimaryKey, key value.Text, val value.Value) (bool, error) {
	var ok bool
	err := observe("remove", func() error {
		token := lock.For(key, rec)
		owner := uuid.NewString()
		held := e.locks.WriteLock(token, owner)
		defer held.Unlock()

		r, err := e.assemble(rec)
		if err != nil {
			return newErr("remove", IOCorruption, err)
		}
		if !r.Contains(key, val, e.seq.Next()) {
			return newErr("remove", InvariantViolation, nil)
		}
		if _, err := e.write(rec, key, val, revision.REMOVE); err != nil {
			return newErr("remove", IOCorruption, err)
		}
		ok = true
		return nil
	})
	return ok, err
}

// Set replaces every value currently live at key in record with val:
// every live value is removed and val is added, under a single write
// lock so concurrent readers never observe an intermediate empty
// state.
func (e *Engine) Set(rec value.PrimaryKey, key value.Text, val value.Value) error {
	return observe("set", func() error {
		token := lock.For(key, rec)
		owner := uuid.NewString()
		held := e.locks.WriteLock(token, owner)
		defer held.Unlock()

		r, err := e.assemble(rec)
		if err != nil {
			return newErr("set", IOCorruption, err)
		}
		for _, kv := range r.Live(e.seq.Next()) {
			if kv.Key != key || kv.Val.Equal(val) {
				continue
			}
			if _, err := e.write(rec, key, kv.Val, revision.REMOVE); err != nil {
				return newErr("set", IOCorruption, err)
			}
		}
		if r.Contains(key, val, e.seq.Next()) {
			return nil
		}
		if _, err := e.write(rec, key, val, revision.ADD); err != nil {
			return newErr("set", IOCorruption, err)
		}
		return nil
	})
}

// Clear removes every value currently live at key in record.
func (e *Engine) Clear(rec value.PrimaryKey, key value.Text) error {
	return observe("clear", func() error {
		token := lock.For(key, rec)
		owner := uuid.NewString()
		held := e.locks.WriteLock(token, owner)
		defer held.Unlock()

		r, err := e.assemble(rec)
		if err != nil {
			return newErr("clear", IOCorruption, err)
		}
		for _, kv := range r.Live(e.seq.Next()) {
			if kv.Key != key {
				continue
			}
			if _, err := e.write(rec, key, kv.Val, revision.REMOVE); err != nil {
				return newErr("clear", IOCorruption, err)
			}
		}
		return nil
	})
}

// Verify reports whether val is currently live at key in record.
func (e *Engine) Verify(rec value.PrimaryKey, key value.Text, val value.Value) (bool, error) {
	var live bool
	err := observe("verify", func() error {
		token := lock.For(key, rec)
		owner := uuid.NewString()
		held := e.locks.ReadLock(token, owner)
		defer held.Unlock()

		r, err := e.assemble(rec)
		if err != nil {
			return newErr("verify", IOCorruption, err)
		}
		live = r.Contains(key, val, e.seq.Next())
		return nil
	})
	return live, err
}

// VerifyAndSwap atomically replaces expected with replacement at key
// in record, but only if expected is currently live, and reports
// whether it did; otherwise it returns false with a nil error and
// leaves the record untouched.
func (e *Engine) VerifyAndSwap(rec value.PrimaryKey, key value.Text, expected, replacement value.Value) (bool, error) {
	var ok bool
	err := observe("verifyAndSwap", func() error {
		token := lock.For(key, rec)
		owner := uuid.NewString()
		held := e.locks.WriteLock(token, owner)
		defer held.Unlock()

		r, err := e.assemble(rec)
		if err != nil {
			return newErr("verifyAndSwap", IOCorruption, err)
		}
		if !r.Contains(key, expected, e.seq.Next()) {
			return nil
		}
		if _, err := e.write(rec, key, expected, revision.REMOVE); err != nil {
			return newErr("verifyAndSwap", IOCorruption, err)
		}
		if _, err := e.write(rec, key, replacement, revision.ADD); err != nil {
			return newErr("verifyAndSwap", IOCorruption, err)
		}
		ok = true
		return nil
	})
	return ok, err
}

// Fetch returns the set of values live at key in record at t (the
// engine's current version when t is value.Now()).
func (e *Engine) Fetch(rec value.PrimaryKey, key value.Text, t value.Timestamp) ([]value.Value, error) {
	var out []value.Value
	err := observe("fetch", func() error {
		token := lock.For(key, rec)
		owner := uuid.NewString()
		held := e.locks.ReadLock(token, owner)
		defer held.Unlock()

		r, err := e.assemble(rec)
		if err != nil {
			return newErr("fetch", IOCorruption, err)
		}
		for _, kv := range r.Live(e.resolve(t)) {
			if kv.Key == key {
				out = append(out, kv.Val)
			}
		}
		return nil
	})
	return out, err
}

// Get returns every live (key, value) pair in record at t.
func (e *Engine) Get(rec value.PrimaryKey, t value.Timestamp) ([]record.KeyValue, error) {
	var out []record.KeyValue
	err := observe("get", func() error {
		token := lock.For(rec)
		owner := uuid.NewString()
		held := e.locks.ReadLock(token, owner)
		defer held.Unlock()

		r, err := e.assemble(rec)
		if err != nil {
			return newErr("get", IOCorruption, err)
		}
		out = r.Live(e.resolve(t))
		return nil
	})
	return out, err
}

// Describe returns the distinct keys with at least one live value in
// record at t.
func (e *Engine) Describe(rec value.PrimaryKey, t value.Timestamp) ([]value.Text, error) {
	var out []value.Text
	err := observe("describe", func() error {
		token := lock.For(rec)
		owner := uuid.NewString()
		held := e.locks.ReadLock(token, owner)
		defer held.Unlock()

		r, err := e.assemble(rec)
		if err != nil {
			return newErr("describe", IOCorruption, err)
		}
		out = r.Describe(e.resolve(t))
		return nil
	})
	return out, err
}

// Find returns the record ids whose value for key satisfies op against
// values at t, merging the secondary index with whatever the Buffer
// still holds for key.
func (e *Engine) Find(key value.Text, op database.Operator, values []value.Value, t value.Timestamp) ([]value.PrimaryKey, error) {
	var out []value.PrimaryKey
	err := observe("find", func() error {
		token := lock.For("find", key)
		owner := uuid.NewString()
		held := e.locks.ReadLock(token, owner)
		defer held.Unlock()

		ids, err := e.db.Find(string(key), op, values, e.resolve(t), e.pendingForKey(key))
		if err != nil {
			return newErr("find", IOCorruption, err)
		}
		out = ids
		return nil
	})
	return out, err
}

// Search returns record ids whose value for key matches query, per
// §4.5's substring/order-preserving search.
func (e *Engine) Search(key value.Text, query string) ([]value.PrimaryKey, error) {
	var out []value.PrimaryKey
	err := observe("search", func() error {
		token := lock.For("search", key)
		owner := uuid.NewString()
		held := e.locks.ReadLock(token, owner)
		defer held.Unlock()

		ids, err := e.db.Search(string(key), query, e.pendingForKey(key))
		if err != nil {
			return newErr("search", IOCorruption, err)
		}
		out = ids
		return nil
	})
	return out, err
}

// Audit returns the ordered revision history at key in record,
// merging not-yet-transferred Buffer entries (§4.3 history / §8
// scenario 2: "audit(1) has exactly 3 entries in insertion order").
func (e *Engine) Audit(rec value.PrimaryKey, key value.Text) ([]record.HistoryEntry, error) {
	var out []record.HistoryEntry
	err := observe("audit", func() error {
		token := lock.For(key, rec)
		owner := uuid.NewString()
		held := e.locks.ReadLock(token, owner)
		defer held.Unlock()

		r, err := e.assemble(rec)
		if err != nil {
			return newErr("audit", IOCorruption, err)
		}
		out = r.History(&key)
		return nil
	})
	return out, err
}

// Revert computes the live value set at timestamp t and the live value
// set now, and emits the ADD/REMOVE revisions needed to make "now"
// match "then" (§8 IDEMPOTENT REVERT: applying Revert twice to the
// same target timestamp is a no-op the second time, since after the
// first call "now" already equals "then").
func (e *Engine) Revert(rec value.PrimaryKey, key value.Text, t value.Timestamp) error {
	return observe("revert", func() error {
		token := lock.For(key, rec)
		owner := uuid.NewString()
		held := e.locks.WriteLock(token, owner)
		defer held.Unlock()

		r, err := e.assemble(rec)
		if err != nil {
			return newErr("revert", IOCorruption, err)
		}

		then := liveValues(r, key, e.resolve(t))
		cur := liveValues(r, key, e.seq.Next())

		for val := range cur {
			if _, stillLive := then[val]; !stillLive {
				if _, err := e.write(rec, key, decodeValue(val), revision.REMOVE); err != nil {
					return newErr("revert", IOCorruption, err)
				}
			}
		}
		for val := range then {
			if _, alreadyLive := cur[val]; !alreadyLive {
				if _, err := e.write(rec, key, decodeValue(val), revision.ADD); err != nil {
					return newErr("revert", IOCorruption, err)
				}
			}
		}
		return nil
	})
}

// liveValues indexes record's live values at key, restricted to attr,
// by their canonical encoded form, so set membership comparisons don't
// depend on Value's in-memory representation.
func liveValues(r *record.Record, attr value.Text, t uint64) map[string]value.Value {
	out := make(map[string]value.Value)
	for _, kv := range r.Live(t) {
		if kv.Key != attr {
			continue
		}
		out[string(kv.Val.Encode())] = kv.Val
	}
	return out
}

func decodeValue(encoded string) value.Value {
	v, _, err := value.Decode([]byte(encoded))
	if err != nil {
		panic(fmt.Sprintf("engine: corrupt in-memory value encoding: %v", err))
	}
	return v
}

// Create allocates a new, globally unique PrimaryKey from the same
// monotonic generator that stamps revision versions (§9 Open Question:
// "PrimaryKey generation is delegated to the engine").
func (e *Engine) Create() value.PrimaryKey {
	return value.PrimaryKey(e.seq.Next())
}

// Ping is the primitive behind the `ping` RPC verb and /healthz. It
// always returns nil; it does not probe the buffer or database
// directories.
func (e *Engine) Ping() error {
	return observe("ping", func() error { return nil })
}

// GetServerVersion returns the running engine's version string.
func (e *Engine) GetServerVersion() string { return ServerVersion }
