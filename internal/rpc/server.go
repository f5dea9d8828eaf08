package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/concoursedb/concourse/internal/engine"
	"github.com/concoursedb/concourse/internal/log"
)

// Server dispatches decoded requests to an Engine, the network-facing
// half of §6's RPC surface. One Server can accept many concurrent
// connections; each connection is served by its own goroutine and
// requests on it are handled sequentially, matching how a single
// client session issues one in-flight request at a time.
type Server struct {
	eng  *engine.Engine
	auth Authenticator

	wg sync.WaitGroup
}

// NewServer builds a Server around eng, authenticating connections
// with auth.
func NewServer(eng *engine.Engine, auth Authenticator) *Server {
	return &Server{eng: eng, auth: auth}
}

// Serve accepts connections on ln until ctx is cancelled or Accept
// fails, blocking until every in-flight connection's goroutine exits.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		body, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithComponent("rpc").Debug().Err(err).Msg("connection closed")
			}
			return
		}
		req, err := decodeRequest(body)
		if err != nil {
			log.WithComponent("rpc").Warn().Err(err).Msg("malformed request")
			return
		}
		resp := s.dispatch(req)
		if err := writeFrame(conn, encodeResponse(resp)); err != nil {
			log.WithComponent("rpc").Debug().Err(err).Msg("write response failed")
			return
		}
	}
}

func ok(body []byte) response  { return response{ok: true, body: body} }
func fail(err error) response {
	kind, msg := toWireError(err)
	return response{errKind: kind, errMsg: msg}
}

func (s *Server) dispatch(req request) response {
	if req.verb != VerbLogin && !s.auth.Authenticate(req.auth) {
		return fail(errAuth)
	}

	switch req.verb {
	case VerbLogin:
		return s.handleLogin(req)
	case VerbPing:
		return s.handlePing(req)
	case VerbGetServerVersion:
		return s.handleGetServerVersion(req)
	case VerbCreate:
		return s.handleCreate(req)
	case VerbStage:
		return s.handleStage(req)
	case VerbCommit:
		return s.handleCommit(req)
	case VerbAbort:
		return s.handleAbort(req)
	case VerbAdd:
		return s.handleAdd(req)
	case VerbRemove:
		return s.handleRemove(req)
	case VerbSet:
		return s.handleSet(req)
	case VerbFetch:
		return s.handleFetch(req)
	case VerbGet:
		return s.handleGet(req)
	case VerbClear:
		return s.handleClear(req)
	case VerbVerify:
		return s.handleVerify(req)
	case VerbVerifyAndSwap:
		return s.handleVerifyAndSwap(req)
	case VerbDescribe:
		return s.handleDescribe(req)
	case VerbFind:
		return s.handleFind(req)
	case VerbSearch:
		return s.handleSearch(req)
	case VerbAudit:
		return s.handleAudit(req)
	case VerbRevert:
		return s.handleRevert(req)
	default:
		return fail(&engine.Error{Kind: engine.InvariantViolation, Op: "dispatch", Err: fmt.Errorf("unknown verb %d", req.verb)})
	}
}

// noTransaction rejects a request that carries a transaction token for
// a verb with no transactional counterpart.
func noTransaction(req request) error {
	if req.tx != "" {
		return &engine.Error{Kind: engine.InvariantViolation, Op: req.verb.String(), Err: fmt.Errorf("verb %s is not supported inside a transaction", req.verb)}
	}
	return nil
}

func (s *Server) resolveTx(req request) (*engine.Transaction, error) {
	tx, found := s.eng.Transaction(req.tx)
	if !found {
		return nil, &engine.Error{Kind: engine.InvariantViolation, Op: req.verb.String(), Err: fmt.Errorf("unknown transaction %q", req.tx)}
	}
	return tx, nil
}

func (s *Server) handleLogin(req request) response {
	username, password, err := decodeLoginReq(req.body)
	if err != nil {
		return fail(err)
	}
	token, valid := s.auth.Login(username, password)
	if !valid {
		return fail(errAuth)
	}
	return ok(encodeStringResp(token))
}

func (s *Server) handlePing(req request) response {
	if err := ensureEmptyBody(req.body); err != nil {
		return fail(err)
	}
	if err := s.eng.Ping(); err != nil {
		return fail(err)
	}
	return ok(encodeEmptyResp())
}

func (s *Server) handleGetServerVersion(req request) response {
	if err := ensureEmptyBody(req.body); err != nil {
		return fail(err)
	}
	return ok(encodeStringResp(s.eng.GetServerVersion()))
}

func (s *Server) handleCreate(req request) response {
	if err := ensureEmptyBody(req.body); err != nil {
		return fail(err)
	}
	return ok(encodePrimaryKeyResp(s.eng.Create()))
}

func (s *Server) handleStage(req request) response {
	if err := ensureEmptyBody(req.body); err != nil {
		return fail(err)
	}
	tx := s.eng.Stage()
	return ok(encodeStringResp(tx.ID()))
}

func (s *Server) handleCommit(req request) response {
	tx, err := s.resolveTx(req)
	if err != nil {
		return fail(err)
	}
	if err := tx.Commit(); err != nil {
		return fail(err)
	}
	return ok(encodeEmptyResp())
}

func (s *Server) handleAbort(req request) response {
	tx, err := s.resolveTx(req)
	if err != nil {
		return fail(err)
	}
	tx.Abort()
	return ok(encodeEmptyResp())
}

func (s *Server) handleAdd(req request) response {
	rec, key, val, err := decodeRecKeyVal(req.body)
	if err != nil {
		return fail(err)
	}
	if req.tx != "" {
		tx, err := s.resolveTx(req)
		if err != nil {
			return fail(err)
		}
		added, err := tx.Add(rec, key, val)
		if err != nil {
			return fail(err)
		}
		return ok(encodeBoolResp(added))
	}
	added, err := s.eng.Add(rec, key, val)
	if err != nil {
		return fail(err)
	}
	return ok(encodeBoolResp(added))
}

func (s *Server) handleRemove(req request) response {
	rec, key, val, err := decodeRecKeyVal(req.body)
	if err != nil {
		return fail(err)
	}
	if req.tx != "" {
		tx, err := s.resolveTx(req)
		if err != nil {
			return fail(err)
		}
		removed, err := tx.Remove(rec, key, val)
		if err != nil {
			return fail(err)
		}
		return ok(encodeBoolResp(removed))
	}
	removed, err := s.eng.Remove(rec, key, val)
	if err != nil {
		return fail(err)
	}
	return ok(encodeBoolResp(removed))
}

func (s *Server) handleSet(req request) response {
	rec, key, val, err := decodeRecKeyVal(req.body)
	if err != nil {
		return fail(err)
	}
	if req.tx != "" {
		tx, err := s.resolveTx(req)
		if err != nil {
			return fail(err)
		}
		if err := tx.Set(rec, key, val); err != nil {
			return fail(err)
		}
		return ok(encodeEmptyResp())
	}
	if err := s.eng.Set(rec, key, val); err != nil {
		return fail(err)
	}
	return ok(encodeEmptyResp())
}

func (s *Server) handleFetch(req request) response {
	if req.tx != "" {
		rec, key, err := decodeRecKey(req.body)
		if err != nil {
			return fail(err)
		}
		tx, err := s.resolveTx(req)
		if err != nil {
			return fail(err)
		}
		vals, err := tx.Fetch(rec, key)
		if err != nil {
			return fail(err)
		}
		return ok(encodeValuesResp(vals))
	}
	rec, key, t, err := decodeRecKeyTimestamp(req.body)
	if err != nil {
		return fail(err)
	}
	vals, err := s.eng.Fetch(rec, key, t)
	if err != nil {
		return fail(err)
	}
	return ok(encodeValuesResp(vals))
}

func (s *Server) handleGet(req request) response {
	if req.tx != "" {
		rec, err := decodeRec(req.body)
		if err != nil {
			return fail(err)
		}
		tx, err := s.resolveTx(req)
		if err != nil {
			return fail(err)
		}
		kvs, err := tx.Get(rec)
		if err != nil {
			return fail(err)
		}
		return ok(encodeKeyValuesResp(kvs))
	}
	rec, t, err := decodeRecTimestamp(req.body)
	if err != nil {
		return fail(err)
	}
	kvs, err := s.eng.Get(rec, t)
	if err != nil {
		return fail(err)
	}
	return ok(encodeKeyValuesResp(kvs))
}

func (s *Server) handleClear(req request) response {
	if err := noTransaction(req); err != nil {
		return fail(err)
	}
	rec, key, err := decodeRecKey(req.body)
	if err != nil {
		return fail(err)
	}
	if err := s.eng.Clear(rec, key); err != nil {
		return fail(err)
	}
	return ok(encodeEmptyResp())
}

func (s *Server) handleVerify(req request) response {
	if err := noTransaction(req); err != nil {
		return fail(err)
	}
	rec, key, val, err := decodeRecKeyVal(req.body)
	if err != nil {
		return fail(err)
	}
	live, err := s.eng.Verify(rec, key, val)
	if err != nil {
		return fail(err)
	}
	return ok(encodeBoolResp(live))
}

func (s *Server) handleVerifyAndSwap(req request) response {
	if err := noTransaction(req); err != nil {
		return fail(err)
	}
	rec, key, expected, replacement, err := decodeRecKeyExpectedReplacement(req.body)
	if err != nil {
		return fail(err)
	}
	swapped, err := s.eng.VerifyAndSwap(rec, key, expected, replacement)
	if err != nil {
		return fail(err)
	}
	return ok(encodeBoolResp(swapped))
}

func (s *Server) handleDescribe(req request) response {
	if err := noTransaction(req); err != nil {
		return fail(err)
	}
	rec, t, err := decodeRecTimestamp(req.body)
	if err != nil {
		return fail(err)
	}
	keys, err := s.eng.Describe(rec, t)
	if err != nil {
		return fail(err)
	}
	return ok(encodeTextsResp(keys))
}

func (s *Server) handleFind(req request) response {
	if err := noTransaction(req); err != nil {
		return fail(err)
	}
	key, op, values, t, err := decodeFindReq(req.body)
	if err != nil {
		return fail(err)
	}
	ids, err := s.eng.Find(key, op, values, t)
	if err != nil {
		return fail(err)
	}
	return ok(encodePrimaryKeysResp(ids))
}

func (s *Server) handleSearch(req request) response {
	if err := noTransaction(req); err != nil {
		return fail(err)
	}
	key, query, err := decodeSearchReq(req.body)
	if err != nil {
		return fail(err)
	}
	ids, err := s.eng.Search(key, query)
	if err != nil {
		return fail(err)
	}
	return ok(encodePrimaryKeysResp(ids))
}

func (s *Server) handleAudit(req request) response {
	if err := noTransaction(req); err != nil {
		return fail(err)
	}
	rec, key, err := decodeRecKey(req.body)
	if err != nil {
		return fail(err)
	}
	hist, err := s.eng.Audit(rec, key)
	if err != nil {
		return fail(err)
	}
	return ok(encodeHistoryResp(hist))
}

func (s *Server) handleRevert(req request) response {
	if err := noTransaction(req); err != nil {
		return fail(err)
	}
	rec, key, t, err := decodeRecKeyTimestamp(req.body)
	if err != nil {
		return fail(err)
	}
	if err := s.eng.Revert(rec, key, t); err != nil {
		return fail(err)
	}
	return ok(encodeEmptyResp())
}
