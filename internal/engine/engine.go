// Package engine implements the Engine/TransactionManager façade
// invoked by the RPC layer: autocommit operations (lock → write to
// Buffer → unlock) and transactional mode (private write set + read
// set, two-phase commit with token locks), per §4.7.
package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/concoursedb/concourse/internal/buffer"
	"github.com/concoursedb/concourse/internal/clock"
	"github.com/concoursedb/concourse/internal/database"
	"github.com/concoursedb/concourse/internal/lock"
	"github.com/concoursedb/concourse/internal/metrics"
	"github.com/concoursedb/concourse/internal/notify"
	"github.com/concoursedb/concourse/internal/record"
	"github.com/concoursedb/concourse/internal/revision"
	"github.com/concoursedb/concourse/internal/value"
)

// ServerVersion is returned by the getServerVersion verb.
const ServerVersion = "concourse/0.1.0"

// Engine owns the Buffer, Database and LockService a single process
// instance coordinates, and is the implementation behind every RPC
// verb in §6 (add/remove/set/clear/verify/verifyAndSwap/fetch/get/
// describe/find/search/audit/revert/ping/stage/commit/abort/create/
// getServerVersion).
type Engine struct {
	buf   *buffer.Buffer
	db    *database.Database
	locks *lock.LockService
	seq   *clock.Sequence

	mu  sync.Mutex
	txs map[string]*Transaction

	notifier *notify.Broker
}

// New assembles an Engine from its already-opened storage tiers.
func New(buf *buffer.Buffer, db *database.Database, locks *lock.LockService, seq *clock.Sequence) *Engine {
	return &Engine{buf: buf, db: db, locks: locks, seq: seq, txs: make(map[string]*Transaction)}
}

// SetNotifier wires b as this engine's event broker (§ internal/notify):
// BlockFlushed fires whenever any block set seals a mutable block,
// BufferTransferred whenever RunTransfers moves a page into the
// Database, and TransactionCommitted/TransactionConflict from the
// transaction commit path. b may be nil to disable eventing; Broker's
// Publish is a nil-safe no-op either way.
func (e *Engine) SetNotifier(b *notify.Broker) {
	e.notifier = b
	e.db.SetFlushHook(func(flavor, id string) {
		e.notifier.Publish(&notify.Event{
			Type:     notify.BlockFlushed,
			Message:  id,
			Metadata: map[string]string{"flavor": flavor},
		})
	})
}

// observe wraps an operation with the concourse_engine_operation_
// duration_seconds / concourse_engine_operations_total instrumentation
// every verb carries.
func observe(verb string, fn func() error) error {
	timer := prometheus.NewTimer(metrics.EngineOpDuration.WithLabelValues(verb))
	err := fn()
	timer.ObserveDuration()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.EngineOpsTotal.WithLabelValues(verb, outcome).Inc()
	return err
}

// pendingFor returns this engine's not-yet-transferred Buffer entries
// for rec, merged into point-reads (fetch/get/describe/audit/revert)
// alongside whatever the Database already holds.
func (e *Engine) pendingFor(rec value.PrimaryKey) []buffer.Entry {
	return e.buf.Seek(buffer.MatchRecord(rec))
}

// pendingForKey returns this engine's not-yet-transferred Buffer
// entries for one attribute across every record, merged into
// find/search alongside whatever the Database's secondary/search
// indexes already hold.
func (e *Engine) pendingForKey(key value.Text) []buffer.Entry {
	return e.buf.Seek(buffer.MatchKey(key))
}

// assemble builds a Record for rec by merging transferred primary
// revisions from the Database with whatever the Buffer still holds
// for rec that hasn't been transferred yet (§2 "Data flow for a
// read").
func (e *Engine) assemble(rec value.PrimaryKey) (*record.Record, error) {
	revs, err := e.db.PrimaryRevisions(rec)
	if err != nil {
		return nil, err
	}
	for _, p := range e.pendingFor(rec) {
		revs = append(revs, p.AsPrimary())
	}
	return record.New(revs), nil
}

// write appends one revision to the Buffer under a fresh monotonic
// version (Invariant 2), from which the Buffer's later transfer into
// the Database derives the secondary and search mirrors (Invariant 5).
func (e *Engine) write(rec value.PrimaryKey, key value.Text, val value.Value, action revision.Action) (uint64, error) {
	version := e.seq.Next()
	entry := buffer.Entry{Record: rec, Key: key, Val: val.ForStorage(version), Version: version, Action: action}
	if err := e.buf.Insert(entry); err != nil {
		return 0, err
	}
	return version, nil
}
