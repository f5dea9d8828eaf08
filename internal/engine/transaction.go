package engine

import (
	"github.com/google/uuid"

	"github.com/concoursedb/concourse/internal/lock"
	"github.com/concoursedb/concourse/internal/log"
	"github.com/concoursedb/concourse/internal/metrics"
	"github.com/concoursedb/concourse/internal/notify"
	"github.com/concoursedb/concourse/internal/record"
	"github.com/concoursedb/concourse/internal/revision"
	"github.com/concoursedb/concourse/internal/value"
)

// stagedWrite is one write accumulated in a Transaction's private
// write set before commit assigns it a real version.
type stagedWrite struct {
	rec    value.PrimaryKey
	key    value.Text
	val    value.Value
	action revision.Action
}

// touched identifies the (record, key) a lock.Token was derived from,
// so commit-time validation and write replay can recover them.
type touched struct {
	rec value.PrimaryKey
	key value.Text
}

// Transaction is one STAGING-mode session (§4.7): writes accumulate in
// a private set keyed by token; reads consult that set first, then the
// engine's snapshot as of the transaction's start version (Invariant
// 7, "transaction isolation").
type Transaction struct {
	id    string
	eng   *Engine
	start uint64

	writes  map[lock.Token][]stagedWrite
	touches map[lock.Token]touched
	reads   map[lock.Token]touched

	done bool
}

// ID returns the transaction's opaque identifier, handed to the client
// so later RPCs on the same connection reference this transaction.
func (tx *Transaction) ID() string { return tx.id }

// Stage transitions a new session into STAGING, allocating a
// transaction id and snapshotting the engine's current version as the
// transaction's start point.
func (e *Engine) Stage() *Transaction {
	tx := &Transaction{
		id:      uuid.NewString(),
		eng:     e,
		start:   e.seq.Next(),
		writes:  make(map[lock.Token][]stagedWrite),
		touches: make(map[lock.Token]touched),
		reads:   make(map[lock.Token]touched),
	}
	e.mu.Lock()
	e.txs[tx.id] = tx
	e.mu.Unlock()
	return tx
}

// snapshot builds a Record for rec as of tx.start, layered with this
// transaction's own staged writes for tokens touching rec (so a
// transaction always reads its own pending writes, per Invariant 7).
func (tx *Transaction) snapshot(rec value.PrimaryKey) (*record.Record, error) {
	revs, err := tx.eng.db.PrimaryRevisions(rec)
	if err != nil {
		return nil, newErr("stage", IOCorruption, err)
	}
	filtered := revs[:0:0]
	for _, r := range revs {
		if r.Version() <= tx.start {
			filtered = append(filtered, r)
		}
	}
	for _, p := range tx.eng.pendingFor(rec) {
		if p.Version <= tx.start {
			filtered = append(filtered, p.AsPrimary())
		}
	}

	// Layer this transaction's own staged writes on top, each at a
	// version beyond tx.start so they are visible to later reads
	// within the same transaction without ever being persisted.
	placeholder := tx.start
	for token, ws := range tx.writes {
		t, ok := tx.touches[token]
		if !ok || t.rec != rec {
			continue
		}
		for _, w := range ws {
			placeholder++
			filtered = append(filtered, revision.NewPrimary(w.rec, w.key, w.val, placeholder, w.action))
		}
	}
	return record.New(filtered), nil
}

func (tx *Transaction) markRead(token lock.Token, rec value.PrimaryKey, key value.Text) {
	tx.reads[token] = touched{rec: rec, key: key}
}

func (tx *Transaction) stage(rec value.PrimaryKey, key value.Text, val value.Value, action revision.Action) {
	token := lock.For(key, rec)
	tx.touches[token] = touched{rec: rec, key: key}
	tx.writes[token] = append(tx.writes[token], stagedWrite{rec: rec, key: key, val: val, action: action})
}

// Add stages an ADD of val at key in record, visible to this
// transaction's own later reads but to no other client until commit.
// Fails with InvariantViolation if val is already live at key
// (Invariant 2: "a new ADD is legal only when the target is absent").
func (tx *Transaction) Add(rec value.PrimaryKey, key value.Text, val value.Value) (bool, error) {
	token := lock.For(key, rec)
	tx.markRead(token, rec, key)
	r, err := tx.snapshot(rec)
	if err != nil {
		return false, err
	}
	if r.Contains(key, val, ^uint64(0)) {
		return false, newErr("add", InvariantViolation, nil)
	}
	tx.stage(rec, key, val, revision.ADD)
	return true, nil
}

// Remove stages a REMOVE of val at key in record. Fails with
// InvariantViolation if val is not currently live (Invariant 2: "a new
// REMOVE only when present").
func (tx *Transaction) Remove(rec value.PrimaryKey, key value.Text, val value.Value) (bool, error) {
	token := lock.For(key, rec)
	tx.markRead(token, rec, key)
	r, err := tx.snapshot(rec)
	if err != nil {
		return false, err
	}
	if !r.Contains(key, val, ^uint64(0)) {
		return false, newErr("remove", InvariantViolation, nil)
	}
	tx.stage(rec, key, val, revision.REMOVE)
	return true, nil
}

// Set replaces every value staged or committed at key in record with
// val, the transactional counterpart of Engine.Set.
func (tx *Transaction) Set(rec value.PrimaryKey, key value.Text, val value.Value) error {
	token := lock.For(key, rec)
	tx.markRead(token, rec, key)
	r, err := tx.snapshot(rec)
	if err != nil {
		return err
	}
	for _, kv := range r.Live(^uint64(0)) {
		if kv.Key != key || kv.Val.Equal(val) {
			continue
		}
		tx.stage(rec, key, kv.Val, revision.REMOVE)
	}
	if !r.Contains(key, val, ^uint64(0)) {
		tx.stage(rec, key, val, revision.ADD)
	}
	return nil
}

// Fetch returns the values visible to this transaction at key in
// record, merging its own staged writes over the start-of-transaction
// snapshot.
func (tx *Transaction) Fetch(rec value.PrimaryKey, key value.Text) ([]value.Value, error) {
	token := lock.For(key, rec)
	tx.markRead(token, rec, key)
	r, err := tx.snapshot(rec)
	if err != nil {
		return nil, err
	}
	var out []value.Value
	for _, kv := range r.Live(^uint64(0)) {
		if kv.Key == key {
			out = append(out, kv.Val)
		}
	}
	return out, nil
}

// Get returns every (key, value) pair visible to this transaction in
// record.
func (tx *Transaction) Get(rec value.PrimaryKey) ([]record.KeyValue, error) {
	token := lock.For(rec)
	tx.markRead(token, rec, "")
	r, err := tx.snapshot(rec)
	if err != nil {
		return nil, err
	}
	return r.Live(^uint64(0)), nil
}

// Commit attempts the two-phase protocol in §4.7: acquire write locks
// on every touched token and read locks on every read-set token
// (ordered by token hash to avoid deadlock), verify no committed
// revision with version > tx.start touches a read-set token, then
// flush every staged write to the Buffer under one monotonic version
// sequence. On conflict the write set is discarded and no state
// changes.
func (tx *Transaction) Commit() error {
	return observe("commit", func() error {
		e := tx.eng
		e.mu.Lock()
		if tx.done {
			e.mu.Unlock()
			return newErr("commit", InvariantViolation, nil)
		}
		e.mu.Unlock()

		writeTokens := make([]lock.Token, 0, len(tx.touches))
		for t := range tx.touches {
			writeTokens = append(writeTokens, t)
		}
		readOnly := make([]lock.Token, 0, len(tx.reads))
		for t := range tx.reads {
			if _, isWrite := tx.touches[t]; !isWrite {
				readOnly = append(readOnly, t)
			}
		}

		ordered := lock.SortTokens(append(append([]lock.Token{}, writeTokens...), readOnly...))
		held := make([]*heldLock, 0, len(ordered))
		for _, t := range ordered {
			if _, isWrite := tx.touches[t]; isWrite {
				held = append(held, &heldLock{token: t, h: e.locks.WriteLock(t, tx.id)})
			} else {
				held = append(held, &heldLock{token: t, h: e.locks.ReadLock(t, tx.id)})
			}
		}
		defer func() {
			for _, h := range held {
				h.h.Unlock()
			}
		}()

		for token, tch := range tx.reads {
			revs, err := e.db.PrimaryRevisions(tch.rec)
			if err != nil {
				return newErr("commit", IOCorruption, err)
			}
			for _, p := range e.pendingFor(tch.rec) {
				revs = append(revs, p.AsPrimary())
			}
			for _, r := range revs {
				if tch.key != "" && r.Key() != tch.key {
					continue
				}
				if r.Version() > tx.start {
					e.finishTx(tx, "conflict")
					log.WithComponent("engine").Warn().Str("tx_id", tx.id).Str("token", token.String()).Msg("transaction conflict")
					return newErr("commit", TransactionConflict, nil)
				}
			}
		}

		for _, t := range ordered {
			for _, w := range tx.writes[t] {
				if _, err := e.write(w.rec, w.key, w.val, w.action); err != nil {
					e.finishTx(tx, "aborted")
					return newErr("commit", IOCorruption, err)
				}
			}
		}

		e.finishTx(tx, "committed")
		return nil
	})
}

// Abort discards the transaction's write set without touching engine
// state, the explicit form of giving up a STAGING session.
func (tx *Transaction) Abort() {
	tx.eng.finishTx(tx, "aborted")
}

func (e *Engine) finishTx(tx *Transaction, outcome string) {
	e.mu.Lock()
	if !tx.done {
		tx.done = true
		delete(e.txs, tx.id)
	}
	e.mu.Unlock()
	metrics.TransactionsTotal.WithLabelValues(outcome).Inc()

	switch outcome {
	case "committed":
		e.notifier.Publish(&notify.Event{Type: notify.TransactionCommitted, Message: tx.id})
	case "conflict":
		e.notifier.Publish(&notify.Event{Type: notify.TransactionConflict, Message: tx.id})
	}
}

// heldLock pairs a token with the lock.Held acquired for it, so commit
// can release every acquisition regardless of read/write kind.
type heldLock struct {
	token lock.Token
	h     *lock.Held
}

// ActiveTransactions reports the number of sessions currently in
// STAGING mode, for the metrics collector's concourse_transactions_
// active gauge.
func (e *Engine) ActiveTransactions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.txs)
}

// Transaction resolves a transaction token to its Transaction, for the
// RPC layer to route a request carrying a transaction token to the
// right staging session.
func (e *Engine) Transaction(id string) (*Transaction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, ok := e.txs[id]
	return tx, ok
}
