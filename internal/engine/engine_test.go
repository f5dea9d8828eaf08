package engine

import (
	"context"
	"testing"
	"time"

	"github.com/concoursedb/concourse/internal/buffer"
	"github.com/concoursedb/concourse/internal/clock"
	"github.com/concoursedb/concourse/internal/database"
	"github.com/concoursedb/concourse/internal/lock"
	"github.com/concoursedb/concourse/internal/notify"
	"github.com/concoursedb/concourse/internal/value"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	buf, err := buffer.Open(t.TempDir(), buffer.DefaultPageSize)
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	db, err := database.Open(t.TempDir(), 8<<20)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	return New(buf, db, lock.NewService(), clock.New())
}

// Scenario 1: empty engine, add then fetch/describe/verify.
func TestScenarioEmptyEngineAddFetchDescribeVerify(t *testing.T) {
	e := newTestEngine(t)
	rec := value.PrimaryKey(1)

	ok, err := e.Add(rec, "name", value.NewString("alice"))
	if err != nil || !ok {
		t.Fatalf("add: ok=%v err=%v", ok, err)
	}

	vals, err := e.Fetch(rec, "name", value.Now())
	if err != nil || len(vals) != 1 || vals[0].Str() != "alice" {
		t.Fatalf("fetch: %+v err=%v", vals, err)
	}

	keys, err := e.Describe(rec, value.Now())
	if err != nil || len(keys) != 1 || keys[0] != "name" {
		t.Fatalf("describe: %+v err=%v", keys, err)
	}

	live, err := e.Verify(rec, "name", value.NewString("alice"))
	if err != nil || !live {
		t.Fatalf("verify: live=%v err=%v", live, err)
	}
}

// Scenario 2: add, remove, add the same value; fetch sees it live and
// audit reports all 3 entries in insertion order.
func TestScenarioAddRemoveAddAudited(t *testing.T) {
	e := newTestEngine(t)
	rec := value.PrimaryKey(1)

	if _, err := e.Add(rec, "name", value.NewString("alice")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := e.Remove(rec, "name", value.NewString("alice")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := e.Add(rec, "name", value.NewString("alice")); err != nil {
		t.Fatalf("add again: %v", err)
	}

	vals, err := e.Fetch(rec, "name", value.Now())
	if err != nil || len(vals) != 1 || vals[0].Str() != "alice" {
		t.Fatalf("fetch after add/remove/add: %+v err=%v", vals, err)
	}

	hist, err := e.Audit(rec, "name")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 history entries, got %d: %+v", len(hist), hist)
	}
	wantActions := []string{"ADD", "REMOVE", "ADD"}
	for i, h := range hist {
		if h.Action.String() != wantActions[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, wantActions[i], h.Action)
		}
		if i > 0 && hist[i-1].Version >= h.Version {
			t.Fatalf("history not version-ordered: %+v", hist)
		}
	}
}

// Scenario 3: time travel across an add then a remove of the same value.
func TestScenarioTimeTravelAcrossAddRemove(t *testing.T) {
	e := newTestEngine(t)
	rec := value.PrimaryKey(7)

	if _, err := e.Add(rec, "x", value.NewInteger(5)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := e.Remove(rec, "x", value.NewInteger(5)); err != nil {
		t.Fatalf("remove: %v", err)
	}

	hist, err := e.Audit(rec, "x")
	if err != nil || len(hist) != 2 {
		t.Fatalf("audit: %+v err=%v", hist, err)
	}
	t1, t2 := hist[0].Version, hist[1].Version

	atT1, err := e.Fetch(rec, "x", value.At(t1))
	if err != nil || len(atT1) != 1 || atT1[0].Int() != 5 {
		t.Fatalf("fetch at t1: %+v err=%v", atT1, err)
	}
	atT2, err := e.Fetch(rec, "x", value.At(t2))
	if err != nil || len(atT2) != 0 {
		t.Fatalf("fetch at t2: expected empty, got %+v err=%v", atT2, err)
	}
	atNow, err := e.Fetch(rec, "x", value.Now())
	if err != nil || len(atNow) != 0 {
		t.Fatalf("fetch now: expected empty, got %+v err=%v", atNow, err)
	}
}

// Scenario 4: find range operators.
func TestScenarioFindRange(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Add(value.PrimaryKey(1), "age", value.NewInteger(30)); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if _, err := e.Add(value.PrimaryKey(2), "age", value.NewInteger(40)); err != nil {
		t.Fatalf("add 2: %v", err)
	}
	if _, err := e.Add(value.PrimaryKey(3), "age", value.NewInteger(50)); err != nil {
		t.Fatalf("add 3: %v", err)
	}

	gt, err := e.Find("age", database.GT, []value.Value{value.NewInteger(35)}, value.Now())
	if err != nil || len(gt) != 2 {
		t.Fatalf("find GT 35: %+v err=%v", gt, err)
	}

	between, err := e.Find("age", database.BETWEEN, []value.Value{value.NewInteger(30), value.NewInteger(45)}, value.Now())
	if err != nil || len(between) != 2 {
		t.Fatalf("find BETWEEN 30,45: %+v err=%v", between, err)
	}
}

// Scenario 5: search with substring expansion and order preservation.
func TestScenarioSearch(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Add(value.PrimaryKey(1), "bio", value.NewString("foo bar baz")); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if _, err := e.Add(value.PrimaryKey(2), "bio", value.NewString("food barn")); err != nil {
		t.Fatalf("add 2: %v", err)
	}

	ids, err := e.Search("bio", "fo ar")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	found := map[value.PrimaryKey]bool{}
	for _, id := range ids {
		found[id] = true
	}
	if !found[1] || !found[2] {
		t.Fatalf("expected both records in search results, got %v", ids)
	}
}

// Scenario 6: two concurrent transactions writing the same token; only
// the first to commit succeeds.
func TestScenarioTransactionConflict(t *testing.T) {
	e := newTestEngine(t)
	rec := value.PrimaryKey(1)

	if err := e.Set(rec, "balance", value.NewInteger(100)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	txA := e.Stage()
	txB := e.Stage()

	if _, err := txA.Fetch(rec, "balance"); err != nil {
		t.Fatalf("txA fetch: %v", err)
	}
	if err := txA.Set(rec, "balance", value.NewInteger(110)); err != nil {
		t.Fatalf("txA set: %v", err)
	}

	if _, err := txB.Fetch(rec, "balance"); err != nil {
		t.Fatalf("txB fetch: %v", err)
	}
	if err := txB.Set(rec, "balance", value.NewInteger(120)); err != nil {
		t.Fatalf("txB set: %v", err)
	}

	if err := txA.Commit(); err != nil {
		t.Fatalf("expected txA to commit, got %v", err)
	}
	err := txB.Commit()
	if err == nil {
		t.Fatal("expected txB commit to fail with TransactionConflict")
	}
	if !IsKind(err, TransactionConflict) {
		t.Fatalf("expected TransactionConflict, got %v", err)
	}

	final, err := e.Fetch(rec, "balance", value.Now())
	if err != nil || len(final) != 1 {
		t.Fatalf("final fetch: %+v err=%v", final, err)
	}
	if final[0].Int() != 110 {
		t.Fatalf("expected balance 110 (txA's write), got %d", final[0].Int())
	}
}

// IDEMPOTENT REVERT: reverting twice to the same target timestamp only
// changes state once.
func TestIdempotentRevert(t *testing.T) {
	e := newTestEngine(t)
	rec := value.PrimaryKey(9)

	if _, err := e.Add(rec, "x", value.NewInteger(1)); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	hist, _ := e.Audit(rec, "x")
	t1 := hist[0].Version

	if _, err := e.Add(rec, "x", value.NewInteger(2)); err != nil {
		t.Fatalf("add 2: %v", err)
	}

	if err := e.Revert(rec, "x", value.At(t1)); err != nil {
		t.Fatalf("revert 1: %v", err)
	}
	afterFirst, err := e.Fetch(rec, "x", value.Now())
	if err != nil || len(afterFirst) != 1 || afterFirst[0].Int() != 1 {
		t.Fatalf("expected [1] after first revert, got %+v err=%v", afterFirst, err)
	}

	histBefore, _ := e.Audit(rec, "x")
	if err := e.Revert(rec, "x", value.At(t1)); err != nil {
		t.Fatalf("revert 2: %v", err)
	}
	histAfter, _ := e.Audit(rec, "x")
	if len(histAfter) != len(histBefore) {
		t.Fatalf("expected idempotent revert to add no new entries, got %d -> %d", len(histBefore), len(histAfter))
	}
}

// VERSION-MONO: versions emitted across an engine run are strictly
// increasing.
func TestVersionsStrictlyIncreasing(t *testing.T) {
	e := newTestEngine(t)
	rec := value.PrimaryKey(1)
	for i := 0; i < 5; i++ {
		if _, err := e.Add(value.PrimaryKey(uint64(i)), "k", value.NewInteger(int32(i))); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	_ = rec

	var last uint64
	for i := 0; i < 5; i++ {
		hist, err := e.Audit(value.PrimaryKey(uint64(i)), "k")
		if err != nil || len(hist) != 1 {
			t.Fatalf("audit %d: %+v err=%v", i, hist, err)
		}
		if hist[0].Version <= last {
			t.Fatalf("expected strictly increasing versions, got %d after %d", hist[0].Version, last)
		}
		last = hist[0].Version
	}
}

func TestCreateReturnsUniqueMonotonicIDs(t *testing.T) {
	e := newTestEngine(t)
	a := e.Create()
	b := e.Create()
	if b <= a {
		t.Fatalf("expected b>a, got a=%d b=%d", a, b)
	}
}

// Exercises internal/notify wiring end to end: a forced page seal
// followed by RunTransfers should publish BufferTransferred, and a
// committed transaction should publish TransactionCommitted.
func TestNotifierPublishesLifecycleEvents(t *testing.T) {
	buf, err := buffer.Open(t.TempDir(), 1) // force immediate seal on every insert
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	db, err := database.Open(t.TempDir(), 8<<20)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	e := New(buf, db, lock.NewService(), clock.New())

	broker := notify.NewBroker()
	broker.Start()
	defer broker.Stop()
	e.SetNotifier(broker)

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	if _, err := e.Add(value.PrimaryKey(1), "name", value.NewString("alice")); err != nil {
		t.Fatalf("add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go e.RunTransfers(ctx, 5*time.Millisecond)
	defer cancel()

	var sawTransfer bool
	deadline := time.After(2 * time.Second)
	for !sawTransfer {
		select {
		case ev := <-sub:
			if ev.Type == notify.BufferTransferred {
				sawTransfer = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for BufferTransferred")
		}
	}
	cancel()

	tx := e.Stage()
	if _, err := tx.Add(value.PrimaryKey(2), "k", value.NewString("v")); err != nil {
		t.Fatalf("tx add: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var sawCommit bool
	deadline = time.After(2 * time.Second)
	for !sawCommit {
		select {
		case ev := <-sub:
			if ev.Type == notify.TransactionCommitted {
				sawCommit = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for TransactionCommitted")
		}
	}
}

func TestAbortDiscardsWriteSet(t *testing.T) {
	e := newTestEngine(t)
	rec := value.PrimaryKey(1)

	tx := e.Stage()
	if _, err := tx.Add(rec, "k", value.NewString("v")); err != nil {
		t.Fatalf("tx add: %v", err)
	}
	tx.Abort()

	vals, err := e.Fetch(rec, "k", value.Now())
	if err != nil || len(vals) != 0 {
		t.Fatalf("expected no committed state after abort, got %+v err=%v", vals, err)
	}
	if e.ActiveTransactions() != 0 {
		t.Fatalf("expected 0 active transactions after abort, got %d", e.ActiveTransactions())
	}
}

// Invariant 2: "a new ADD is legal only when the target is absent; a
// new REMOVE only when present" — a double-ADD or a REMOVE of an
// absent value must fail with InvariantViolation, not silently no-op.
func TestAddOfAlreadyLiveValueFailsInvariantViolation(t *testing.T) {
	e := newTestEngine(t)
	rec := value.PrimaryKey(1)

	if _, err := e.Add(rec, "name", value.NewString("alice")); err != nil {
		t.Fatalf("add: %v", err)
	}
	ok, err := e.Add(rec, "name", value.NewString("alice"))
	if ok {
		t.Fatalf("expected second add to report ok=false, got true")
	}
	if !IsKind(err, InvariantViolation) {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
}

func TestRemoveOfAbsentValueFailsInvariantViolation(t *testing.T) {
	e := newTestEngine(t)
	rec := value.PrimaryKey(1)

	ok, err := e.Remove(rec, "name", value.NewString("alice"))
	if ok {
		t.Fatalf("expected remove to report ok=false, got true")
	}
	if !IsKind(err, InvariantViolation) {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
}

func TestTransactionAddOfAlreadyLiveValueFailsInvariantViolation(t *testing.T) {
	e := newTestEngine(t)
	rec := value.PrimaryKey(1)

	if _, err := e.Add(rec, "name", value.NewString("alice")); err != nil {
		t.Fatalf("add: %v", err)
	}

	tx := e.Stage()
	ok, err := tx.Add(rec, "name", value.NewString("alice"))
	if ok {
		t.Fatalf("expected tx add to report ok=false, got true")
	}
	if !IsKind(err, InvariantViolation) {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
	tx.Abort()
}

func TestTransactionRemoveOfAbsentValueFailsInvariantViolation(t *testing.T) {
	e := newTestEngine(t)
	rec := value.PrimaryKey(1)

	tx := e.Stage()
	ok, err := tx.Remove(rec, "name", value.NewString("alice"))
	if ok {
		t.Fatalf("expected tx remove to report ok=false, got true")
	}
	if !IsKind(err, InvariantViolation) {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
	tx.Abort()
}
