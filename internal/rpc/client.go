package rpc

import (
	"fmt"
	"net"
	"sync"

	"github.com/concoursedb/concourse/internal/database"
	"github.com/concoursedb/concourse/internal/record"
	"github.com/concoursedb/concourse/internal/value"
)

// Client is one connection to a concourse-server, the driver half of
// §6's RPC surface. A Client is safe for concurrent use; requests on
// one connection are serialized internally since the wire protocol
// has no request id to demultiplex out-of-order responses.
type Client struct {
	mu   *sync.Mutex
	conn net.Conn

	auth string
	tx   string
}

// Dial connects to addr and returns a Client authenticated with
// token.
func Dial(addr, token string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}
	return &Client{mu: &sync.Mutex{}, conn: conn, auth: token}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// WithTransaction returns a shallow copy of c that tags every request
// with tx, routing it to the matching server-side Transaction. The
// copy shares the parent's connection and its serializing mutex, since
// both talk over the same net.Conn.
func (c *Client) WithTransaction(tx string) *Client {
	return &Client{mu: c.mu, conn: c.conn, auth: c.auth, tx: tx}
}

func (c *Client) roundTrip(verb Verb, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := request{auth: c.auth, tx: c.tx, verb: verb, body: body}
	if err := writeFrame(c.conn, encodeRequest(req)); err != nil {
		return nil, fmt.Errorf("rpc: send %s: %w", verb, err)
	}
	frame, err := readFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("rpc: recv %s: %w", verb, err)
	}
	resp, err := decodeResponse(frame)
	if err != nil {
		return nil, fmt.Errorf("rpc: decode %s response: %w", verb, err)
	}
	if !resp.ok {
		return nil, &Error{Kind: wireToKind(resp.errKind), Msg: resp.errMsg}
	}
	return resp.body, nil
}

// Login exchanges username/password for a session token and adopts it
// for every later request on this Client.
func (c *Client) Login(username, password string) (string, error) {
	body, err := c.roundTrip(VerbLogin, encodeLoginReq(username, password))
	if err != nil {
		return "", err
	}
	token, err := decodeStringResp(body)
	if err != nil {
		return "", err
	}
	c.auth = token
	return token, nil
}

// Ping checks the server is reachable and accepts this Client's token.
func (c *Client) Ping() error {
	_, err := c.roundTrip(VerbPing, nil)
	return err
}

// GetServerVersion returns the server's advertised version string.
func (c *Client) GetServerVersion() (string, error) {
	body, err := c.roundTrip(VerbGetServerVersion, nil)
	if err != nil {
		return "", err
	}
	return decodeStringResp(body)
}

// Create allocates a fresh primary key with no values of its own.
func (c *Client) Create() (value.PrimaryKey, error) {
	body, err := c.roundTrip(VerbCreate, nil)
	if err != nil {
		return 0, err
	}
	return decodePrimaryKeyResp(body)
}

// Stage opens a new transaction and returns a Client scoped to it.
func (c *Client) Stage() (*Client, error) {
	body, err := c.roundTrip(VerbStage, nil)
	if err != nil {
		return nil, err
	}
	id, err := decodeStringResp(body)
	if err != nil {
		return nil, err
	}
	return c.WithTransaction(id), nil
}

// Commit finalizes this Client's transaction. Only valid on a Client
// returned by Stage.
func (c *Client) Commit() error {
	_, err := c.roundTrip(VerbCommit, nil)
	return err
}

// Abort discards this Client's transaction without committing it.
func (c *Client) Abort() error {
	_, err := c.roundTrip(VerbAbort, nil)
	return err
}

// Add stages or applies an ADD of val at key in rec, returning whether
// the value was not already present.
func (c *Client) Add(rec value.PrimaryKey, key value.Text, val value.Value) (bool, error) {
	body, err := c.roundTrip(VerbAdd, encodeRecKeyVal(rec, key, val))
	if err != nil {
		return false, err
	}
	return decodeBoolResp(body)
}

// Remove stages or applies a REMOVE of val at key in rec.
func (c *Client) Remove(rec value.PrimaryKey, key value.Text, val value.Value) (bool, error) {
	body, err := c.roundTrip(VerbRemove, encodeRecKeyVal(rec, key, val))
	if err != nil {
		return false, err
	}
	return decodeBoolResp(body)
}

// Set replaces every value at key in rec with val.
func (c *Client) Set(rec value.PrimaryKey, key value.Text, val value.Value) error {
	_, err := c.roundTrip(VerbSet, encodeRecKeyVal(rec, key, val))
	return err
}

// Clear removes every value at key in rec. Autocommit only.
func (c *Client) Clear(rec value.PrimaryKey, key value.Text) error {
	_, err := c.roundTrip(VerbClear, encodeRecKey(rec, key))
	return err
}

// Verify reports whether val is currently live at key in rec.
// Autocommit only.
func (c *Client) Verify(rec value.PrimaryKey, key value.Text, val value.Value) (bool, error) {
	body, err := c.roundTrip(VerbVerify, encodeRecKeyVal(rec, key, val))
	if err != nil {
		return false, err
	}
	return decodeBoolResp(body)
}

// VerifyAndSwap atomically replaces expected with replacement at key
// in rec if expected is currently live, reporting whether it did; when
// expected is not live it returns false and changes nothing.
// Autocommit only.
func (c *Client) VerifyAndSwap(rec value.PrimaryKey, key value.Text, expected, replacement value.Value) (bool, error) {
	body, err := c.roundTrip(VerbVerifyAndSwap, encodeRecKeyExpectedReplacement(rec, key, expected, replacement))
	if err != nil {
		return false, err
	}
	return decodeBoolResp(body)
}

// Fetch returns the values live at key in rec. In autocommit mode t
// selects a point in time (value.Now() for the current version);
// inside a transaction t is ignored and the transaction's own snapshot
// is used.
func (c *Client) Fetch(rec value.PrimaryKey, key value.Text, t value.Timestamp) ([]value.Value, error) {
	var body []byte
	var err error
	if c.tx != "" {
		body, err = c.roundTrip(VerbFetch, encodeRecKey(rec, key))
	} else {
		body, err = c.roundTrip(VerbFetch, encodeRecKeyTimestamp(rec, key, t))
	}
	if err != nil {
		return nil, err
	}
	return decodeValuesResp(body)
}

// Get returns every (key, value) pair live in rec.
func (c *Client) Get(rec value.PrimaryKey, t value.Timestamp) ([]record.KeyValue, error) {
	var body []byte
	var err error
	if c.tx != "" {
		body, err = c.roundTrip(VerbGet, encodeRec(rec))
	} else {
		body, err = c.roundTrip(VerbGet, encodeRecTimestamp(rec, t))
	}
	if err != nil {
		return nil, err
	}
	return decodeKeyValuesResp(body)
}

// Describe lists the keys with at least one live value in rec as of
// t. Autocommit only.
func (c *Client) Describe(rec value.PrimaryKey, t value.Timestamp) ([]value.Text, error) {
	body, err := c.roundTrip(VerbDescribe, encodeRecTimestamp(rec, t))
	if err != nil {
		return nil, err
	}
	return decodeTextsResp(body)
}

// Find returns the primary keys of records whose value at key
// satisfies op against values, as of t. Autocommit only.
func (c *Client) Find(key value.Text, op database.Operator, values []value.Value, t value.Timestamp) ([]value.PrimaryKey, error) {
	body, err := c.roundTrip(VerbFind, encodeFindReq(key, op, values, t))
	if err != nil {
		return nil, err
	}
	return decodePrimaryKeysResp(body)
}

// Search returns the primary keys of records whose value at key
// matches the full-text query. Autocommit only.
func (c *Client) Search(key value.Text, query string) ([]value.PrimaryKey, error) {
	body, err := c.roundTrip(VerbSearch, encodeSearchReq(key, query))
	if err != nil {
		return nil, err
	}
	return decodePrimaryKeysResp(body)
}

// Audit returns every historical revision at key in rec, oldest
// first. Autocommit only.
func (c *Client) Audit(rec value.PrimaryKey, key value.Text) ([]record.HistoryEntry, error) {
	body, err := c.roundTrip(VerbAudit, encodeRecKey(rec, key))
	if err != nil {
		return nil, err
	}
	return decodeHistoryResp(body)
}

// Revert restores key in rec to its state as of t by appending
// compensating revisions. Autocommit only.
func (c *Client) Revert(rec value.PrimaryKey, key value.Text, t value.Timestamp) error {
	_, err := c.roundTrip(VerbRevert, encodeRecKeyTimestamp(rec, key, t))
	return err
}
