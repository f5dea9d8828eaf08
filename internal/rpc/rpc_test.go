package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/concoursedb/concourse/internal/buffer"
	"github.com/concoursedb/concourse/internal/clock"
	"github.com/concoursedb/concourse/internal/database"
	"github.com/concoursedb/concourse/internal/engine"
	"github.com/concoursedb/concourse/internal/lock"
	"github.com/concoursedb/concourse/internal/value"
)

const testToken = "s3cr3t"

func startTestServer(t *testing.T) (addr string, eng *engine.Engine) {
	t.Helper()

	buf, err := buffer.Open(t.TempDir(), buffer.DefaultPageSize)
	if err != nil {
		t.Fatalf("buffer.Open: %v", err)
	}
	db, err := database.Open(t.TempDir(), 8<<20)
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	eng = engine.New(buf, db, lock.NewService(), clock.New())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(eng, NewStaticAuthenticator(testToken))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})

	return ln.Addr().String(), eng
}

func dialTest(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := Dial(addr, testToken)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientPingAndVersion(t *testing.T) {
	addr, _ := startTestServer(t)
	c := dialTest(t, addr)

	if err := c.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	v, err := c.GetServerVersion()
	if err != nil {
		t.Fatalf("GetServerVersion: %v", err)
	}
	if v != engine.ServerVersion {
		t.Fatalf("version = %q, want %q", v, engine.ServerVersion)
	}
}

func TestClientRejectsBadToken(t *testing.T) {
	addr, _ := startTestServer(t)
	c, err := Dial(addr, "wrong")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	err = c.Ping()
	if !IsKind(err, engine.Auth) {
		t.Fatalf("err = %v, want engine.Auth", err)
	}
}

func TestClientAddFetchAutocommit(t *testing.T) {
	addr, _ := startTestServer(t)
	c := dialTest(t, addr)

	rec, err := c.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	added, err := c.Add(rec, "name", value.NewString("alice"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !added {
		t.Fatal("expected Add to report a new value")
	}

	vals, err := c.Fetch(rec, "name", value.Now())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(vals) != 1 || vals[0].Str() != "alice" {
		t.Fatalf("Fetch = %v, want [alice]", vals)
	}
}

func TestClientFindAndSearch(t *testing.T) {
	addr, _ := startTestServer(t)
	c := dialTest(t, addr)

	rec, _ := c.Create()
	if _, err := c.Add(rec, "balance", value.NewLong(100)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := c.Add(rec, "bio", value.NewString("loves distributed systems")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ids, err := c.Find("balance", database.GT, []value.Value{value.NewLong(50)}, value.Now())
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(ids) != 1 || ids[0] != rec {
		t.Fatalf("Find = %v, want [%d]", ids, rec)
	}

	hits, err := c.Search("bio", "distributed")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0] != rec {
		t.Fatalf("Search = %v, want [%d]", hits, rec)
	}
}

func TestClientTransactionCommit(t *testing.T) {
	addr, _ := startTestServer(t)
	c := dialTest(t, addr)

	rec, _ := c.Create()

	tx, err := c.Stage()
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := tx.Add(rec, "balance", value.NewLong(42)); err != nil {
		t.Fatalf("tx.Add: %v", err)
	}
	// Not yet visible outside the transaction.
	vals, err := c.Fetch(rec, "balance", value.Now())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(vals) != 0 {
		t.Fatalf("uncommitted write visible outside transaction: %v", vals)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	vals, err = c.Fetch(rec, "balance", value.Now())
	if err != nil {
		t.Fatalf("Fetch after commit: %v", err)
	}
	if len(vals) != 1 || vals[0].Str() != "42" {
		t.Fatalf("Fetch after commit = %v, want [42]", vals)
	}
}

func TestClientTransactionAbortDiscardsWrites(t *testing.T) {
	addr, _ := startTestServer(t)
	c := dialTest(t, addr)

	rec, _ := c.Create()
	tx, err := c.Stage()
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := tx.Add(rec, "balance", value.NewLong(7)); err != nil {
		t.Fatalf("tx.Add: %v", err)
	}
	if err := tx.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	vals, err := c.Fetch(rec, "balance", value.Now())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(vals) != 0 {
		t.Fatalf("aborted write visible: %v", vals)
	}
}

func TestClientFindRejectedInsideTransaction(t *testing.T) {
	addr, _ := startTestServer(t)
	c := dialTest(t, addr)

	tx, err := c.Stage()
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	defer tx.Abort()

	_, err = tx.Find("balance", database.GT, []value.Value{value.NewLong(0)}, value.Now())
	if !IsKind(err, engine.InvariantViolation) {
		t.Fatalf("err = %v, want InvariantViolation", err)
	}
}

func TestClientLoginIssuesUsableToken(t *testing.T) {
	addr, _ := startTestServer(t)
	c, err := Dial(addr, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Login("anyone", testToken); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := c.Ping(); err != nil {
		t.Fatalf("Ping after login: %v", err)
	}
}

func TestServerHandlesConcurrentConnections(t *testing.T) {
	addr, _ := startTestServer(t)

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			c, err := Dial(addr, testToken)
			if err != nil {
				done <- err
				return
			}
			defer c.Close()
			rec, err := c.Create()
			if err != nil {
				done <- err
				return
			}
			_, err = c.Add(rec, "k", value.NewLong(1))
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("concurrent client failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for concurrent clients")
		}
	}
}
