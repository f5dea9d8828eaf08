package rpc

// Verb identifies an engine operation crossing the wire. Values are
// arbitrary but stable once a client depends on them.
type Verb byte

const (
	VerbAdd Verb = iota + 1
	VerbRemove
	VerbSet
	VerbClear
	VerbVerify
	VerbVerifyAndSwap
	VerbFetch
	VerbGet
	VerbDescribe
	VerbFind
	VerbSearch
	VerbAudit
	VerbRevert
	VerbPing
	VerbStage
	VerbCommit
	VerbAbort
	VerbLogin
	VerbGetServerVersion
	VerbCreate
)

func (v Verb) String() string {
	switch v {
	case VerbAdd:
		return "add"
	case VerbRemove:
		return "remove"
	case VerbSet:
		return "set"
	case VerbClear:
		return "clear"
	case VerbVerify:
		return "verify"
	case VerbVerifyAndSwap:
		return "verifyAndSwap"
	case VerbFetch:
		return "fetch"
	case VerbGet:
		return "get"
	case VerbDescribe:
		return "describe"
	case VerbFind:
		return "find"
	case VerbSearch:
		return "search"
	case VerbAudit:
		return "audit"
	case VerbRevert:
		return "revert"
	case VerbPing:
		return "ping"
	case VerbStage:
		return "stage"
	case VerbCommit:
		return "commit"
	case VerbAbort:
		return "abort"
	case VerbLogin:
		return "login"
	case VerbGetServerVersion:
		return "getServerVersion"
	case VerbCreate:
		return "create"
	default:
		return "unknown"
	}
}

// request is one envelope: an auth token, an optional transaction
// token (empty for autocommit), the verb, and its verb-specific body.
type request struct {
	auth string
	tx   string
	verb Verb
	body []byte
}

func encodeRequest(r request) []byte {
	e := &encoder{}
	e.str(r.auth)
	e.str(r.tx)
	e.byte(byte(r.verb))
	e.bytes(r.body)
	return e.buf
}

func decodeRequest(b []byte) (request, error) {
	d := newDecoder(b)
	auth, err := d.str()
	if err != nil {
		return request{}, err
	}
	tx, err := d.str()
	if err != nil {
		return request{}, err
	}
	verb, err := d.byte()
	if err != nil {
		return request{}, err
	}
	body, err := d.bytesField()
	if err != nil {
		return request{}, err
	}
	if err := d.done(); err != nil {
		return request{}, err
	}
	return request{auth: auth, tx: tx, verb: Verb(verb), body: body}, nil
}

// response is the reply envelope: either ok with a verb-specific body,
// or a wire error kind plus message.
type response struct {
	ok      bool
	errKind byte
	errMsg  string
	body    []byte
}

func encodeResponse(r response) []byte {
	e := &encoder{}
	if r.ok {
		e.byte(1)
		e.bytes(r.body)
		return e.buf
	}
	e.byte(0)
	e.byte(r.errKind)
	e.str(r.errMsg)
	return e.buf
}

func decodeResponse(b []byte) (response, error) {
	d := newDecoder(b)
	ok, err := d.byte()
	if err != nil {
		return response{}, err
	}
	if ok == 1 {
		body, err := d.bytesField()
		if err != nil {
			return response{}, err
		}
		if err := d.done(); err != nil {
			return response{}, err
		}
		return response{ok: true, body: body}, nil
	}
	kind, err := d.byte()
	if err != nil {
		return response{}, err
	}
	msg, err := d.str()
	if err != nil {
		return response{}, err
	}
	if err := d.done(); err != nil {
		return response{}, err
	}
	return response{ok: false, errKind: kind, errMsg: msg}, nil
}
