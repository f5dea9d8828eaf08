package rpc

import (
	"fmt"

	"github.com/concoursedb/concourse/internal/database"
	"github.com/concoursedb/concourse/internal/record"
	"github.com/concoursedb/concourse/internal/revision"
	"github.com/concoursedb/concourse/internal/value"
)

// Each verb's request/response body is encoded independently of the
// envelope in protocol.go, using the same encoder/decoder primitives
// throughout so every verb reads the same way on the wire.

func encodeRecKeyVal(rec value.PrimaryKey, key value.Text, val value.Value) []byte {
	e := &encoder{}
	e.primaryKey(rec)
	e.str(string(key))
	e.value(val)
	return e.buf
}

func decodeRecKeyVal(b []byte) (value.PrimaryKey, value.Text, value.Value, error) {
	d := newDecoder(b)
	rec, err := d.primaryKey()
	if err != nil {
		return 0, "", value.Value{}, err
	}
	key, err := d.str()
	if err != nil {
		return 0, "", value.Value{}, err
	}
	val, err := d.value()
	if err != nil {
		return 0, "", value.Value{}, err
	}
	return rec, value.Text(key), val, d.done()
}

func encodeRecKeyExpectedReplacement(rec value.PrimaryKey, key value.Text, expected, replacement value.Value) []byte {
	e := &encoder{}
	e.primaryKey(rec)
	e.str(string(key))
	e.value(expected)
	e.value(replacement)
	return e.buf
}

func decodeRecKeyExpectedReplacement(b []byte) (value.PrimaryKey, value.Text, value.Value, value.Value, error) {
	d := newDecoder(b)
	rec, err := d.primaryKey()
	if err != nil {
		return 0, "", value.Value{}, value.Value{}, err
	}
	key, err := d.str()
	if err != nil {
		return 0, "", value.Value{}, value.Value{}, err
	}
	expected, err := d.value()
	if err != nil {
		return 0, "", value.Value{}, value.Value{}, err
	}
	replacement, err := d.value()
	if err != nil {
		return 0, "", value.Value{}, value.Value{}, err
	}
	return rec, value.Text(key), expected, replacement, d.done()
}

func encodeRecKey(rec value.PrimaryKey, key value.Text) []byte {
	e := &encoder{}
	e.primaryKey(rec)
	e.str(string(key))
	return e.buf
}

func decodeRecKey(b []byte) (value.PrimaryKey, value.Text, error) {
	d := newDecoder(b)
	rec, err := d.primaryKey()
	if err != nil {
		return 0, "", err
	}
	key, err := d.str()
	if err != nil {
		return 0, "", err
	}
	return rec, value.Text(key), d.done()
}

func encodeRecKeyTimestamp(rec value.PrimaryKey, key value.Text, t value.Timestamp) []byte {
	e := &encoder{}
	e.primaryKey(rec)
	e.str(string(key))
	e.u64(t.Version())
	return e.buf
}

func decodeRecKeyTimestamp(b []byte) (value.PrimaryKey, value.Text, value.Timestamp, error) {
	d := newDecoder(b)
	rec, err := d.primaryKey()
	if err != nil {
		return 0, "", value.Timestamp{}, err
	}
	key, err := d.str()
	if err != nil {
		return 0, "", value.Timestamp{}, err
	}
	t, err := d.u64()
	if err != nil {
		return 0, "", value.Timestamp{}, err
	}
	return rec, value.Text(key), value.FromVersion(t), d.done()
}

func encodeRecTimestamp(rec value.PrimaryKey, t value.Timestamp) []byte {
	e := &encoder{}
	e.primaryKey(rec)
	e.u64(t.Version())
	return e.buf
}

func decodeRecTimestamp(b []byte) (value.PrimaryKey, value.Timestamp, error) {
	d := newDecoder(b)
	rec, err := d.primaryKey()
	if err != nil {
		return 0, value.Timestamp{}, err
	}
	t, err := d.u64()
	if err != nil {
		return 0, value.Timestamp{}, err
	}
	return rec, value.FromVersion(t), d.done()
}

func encodeRec(rec value.PrimaryKey) []byte {
	e := &encoder{}
	e.primaryKey(rec)
	return e.buf
}

func decodeRec(b []byte) (value.PrimaryKey, error) {
	d := newDecoder(b)
	rec, err := d.primaryKey()
	if err != nil {
		return 0, err
	}
	return rec, d.done()
}

func encodeFindReq(key value.Text, op database.Operator, values []value.Value, t value.Timestamp) []byte {
	e := &encoder{}
	e.str(string(key))
	e.str(string(op))
	e.values(values)
	e.u64(t.Version())
	return e.buf
}

func decodeFindReq(b []byte) (value.Text, database.Operator, []value.Value, value.Timestamp, error) {
	d := newDecoder(b)
	key, err := d.str()
	if err != nil {
		return "", "", nil, value.Timestamp{}, err
	}
	op, err := d.str()
	if err != nil {
		return "", "", nil, value.Timestamp{}, err
	}
	values, err := d.values()
	if err != nil {
		return "", "", nil, value.Timestamp{}, err
	}
	t, err := d.u64()
	if err != nil {
		return "", "", nil, value.Timestamp{}, err
	}
	return value.Text(key), database.Operator(op), values, value.FromVersion(t), d.done()
}

func encodeSearchReq(key value.Text, query string) []byte {
	e := &encoder{}
	e.str(string(key))
	e.str(query)
	return e.buf
}

func decodeSearchReq(b []byte) (value.Text, string, error) {
	d := newDecoder(b)
	key, err := d.str()
	if err != nil {
		return "", "", err
	}
	query, err := d.str()
	if err != nil {
		return "", "", err
	}
	return value.Text(key), query, d.done()
}

func encodeLoginReq(username, password string) []byte {
	e := &encoder{}
	e.str(username)
	e.str(password)
	return e.buf
}

func decodeLoginReq(b []byte) (string, string, error) {
	d := newDecoder(b)
	u, err := d.str()
	if err != nil {
		return "", "", err
	}
	p, err := d.str()
	if err != nil {
		return "", "", err
	}
	return u, p, d.done()
}

func encodeBoolResp(v bool) []byte {
	e := &encoder{}
	if v {
		e.byte(1)
	} else {
		e.byte(0)
	}
	return e.buf
}

func decodeBoolResp(b []byte) (bool, error) {
	d := newDecoder(b)
	v, err := d.byte()
	if err != nil {
		return false, err
	}
	return v == 1, d.done()
}

func encodeEmptyResp() []byte { return nil }

func encodeValuesResp(vs []value.Value) []byte {
	e := &encoder{}
	e.values(vs)
	return e.buf
}

func decodeValuesResp(b []byte) ([]value.Value, error) {
	d := newDecoder(b)
	vs, err := d.values()
	if err != nil {
		return nil, err
	}
	return vs, d.done()
}

func encodeTextsResp(ts []value.Text) []byte {
	e := &encoder{}
	e.texts(ts)
	return e.buf
}

func decodeTextsResp(b []byte) ([]value.Text, error) {
	d := newDecoder(b)
	ts, err := d.texts()
	if err != nil {
		return nil, err
	}
	return ts, d.done()
}

func encodePrimaryKeysResp(ks []value.PrimaryKey) []byte {
	e := &encoder{}
	e.primaryKeys(ks)
	return e.buf
}

func decodePrimaryKeysResp(b []byte) ([]value.PrimaryKey, error) {
	d := newDecoder(b)
	ks, err := d.primaryKeys()
	if err != nil {
		return nil, err
	}
	return ks, d.done()
}

func encodeKeyValuesResp(kvs []record.KeyValue) []byte {
	e := &encoder{}
	e.u32(uint32(len(kvs)))
	for _, kv := range kvs {
		e.str(string(kv.Key))
		e.value(kv.Val)
	}
	return e.buf
}

func decodeKeyValuesResp(b []byte) ([]record.KeyValue, error) {
	d := newDecoder(b)
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	out := make([]record.KeyValue, 0, n)
	for i := uint32(0); i < n; i++ {
		key, err := d.str()
		if err != nil {
			return nil, err
		}
		val, err := d.value()
		if err != nil {
			return nil, err
		}
		out = append(out, record.KeyValue{Key: value.Text(key), Val: val})
	}
	return out, d.done()
}

func encodeHistoryResp(hist []record.HistoryEntry) []byte {
	e := &encoder{}
	e.u32(uint32(len(hist)))
	for _, h := range hist {
		e.u64(h.Version)
		e.byte(byte(h.Action))
		e.str(string(h.Key))
		e.value(h.Val)
	}
	return e.buf
}

func decodeHistoryResp(b []byte) ([]record.HistoryEntry, error) {
	d := newDecoder(b)
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	out := make([]record.HistoryEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		version, err := d.u64()
		if err != nil {
			return nil, err
		}
		action, err := d.byte()
		if err != nil {
			return nil, err
		}
		key, err := d.str()
		if err != nil {
			return nil, err
		}
		val, err := d.value()
		if err != nil {
			return nil, err
		}
		out = append(out, record.HistoryEntry{Version: version, Action: revision.Action(action), Key: value.Text(key), Val: val})
	}
	return out, d.done()
}

func encodePrimaryKeyResp(k value.PrimaryKey) []byte {
	e := &encoder{}
	e.primaryKey(k)
	return e.buf
}

func decodePrimaryKeyResp(b []byte) (value.PrimaryKey, error) {
	d := newDecoder(b)
	k, err := d.primaryKey()
	if err != nil {
		return 0, err
	}
	return k, d.done()
}

func encodeStringResp(s string) []byte {
	e := &encoder{}
	e.str(s)
	return e.buf
}

func decodeStringResp(b []byte) (string, error) {
	d := newDecoder(b)
	s, err := d.str()
	if err != nil {
		return "", err
	}
	return s, d.done()
}

func ensureEmptyBody(b []byte) error {
	if len(b) != 0 {
		return fmt.Errorf("rpc: expected empty body, got %d bytes", len(b))
	}
	return nil
}
