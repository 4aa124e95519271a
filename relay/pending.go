package relay

import "fmt"

// ID identifies connection for its lifetime. Assigned from 1, never reused.
// 0 is the listening socket.
type ID uint64

// Each connection has two lanes of operations: recv lane waits for incoming
// data, send lane delivers broadcast payloads to the connection. At most one
// operation is in flight per lane.
type lane uint64

const (
	laneRecv lane = iota + 1
	laneSend
	laneCtl
	laneBits = 2
)

// Token correlates submitted operation with its completion. It is stable per
// connection lane; what the operation is waiting for is in the Table.
// Token is never 0, that is reserved by the ring for completions without user
// data.
type Token uint64

const (
	listenToken = Token(laneRecv) // id 0, recv lane
	cancelToken = Token(laneCtl)  // id 0, control lane
)

func recvToken(id ID) Token { return Token(uint64(id)<<laneBits | uint64(laneRecv)) }
func sendToken(id ID) Token { return Token(uint64(id)<<laneBits | uint64(laneSend)) }

func (t Token) ID() ID     { return ID(uint64(t) >> laneBits) }
func (t Token) lane() lane { return lane(uint64(t) & (1<<laneBits - 1)) }

func (t Token) String() string {
	switch t.lane() {
	case laneRecv:
		return fmt.Sprintf("%d/recv", t.ID())
	case laneSend:
		return fmt.Sprintf("%d/send", t.ID())
	case laneCtl:
		return fmt.Sprintf("%d/ctl", t.ID())
	}
	return fmt.Sprintf("%d/?", t.ID())
}

// PendingOp is semantic meaning of the operation in flight. Closed set of
// variants: Listening, AwaitingReadiness, Receiving, Sending.
type PendingOp interface {
	pending()
}

// Listening is the single accept operation on the listening socket.
type Listening struct{}

// AwaitingReadiness connection is idle waiting for data to become readable.
type AwaitingReadiness struct {
	Conn ID
}

// Receiving recv into the connection buffer is submitted.
type Receiving struct {
	Conn ID
}

// Sending broadcast payload to the connection. Flushed bytes from the start
// of the payload are already transferred.
type Sending struct {
	Conn    ID
	Payload []byte
	Flushed int
}

func (s Sending) PayloadLen() int   { return len(s.Payload) }
func (s Sending) remaining() []byte { return s.Payload[s.Flushed:] }
func (s Sending) done() bool        { return s.Flushed >= len(s.Payload) }

// canceling accept on listener shutdown
type canceling struct{}

// retired is operation still in flight on already removed connection. It
// holds the buffer kernel may still access until the completion arrives.
type retired struct {
	op  PendingOp
	buf []byte
}

func (Listening) pending()         {}
func (AwaitingReadiness) pending() {}
func (Receiving) pending()         {}
func (Sending) pending()           {}
func (canceling) pending()         {}
func (retired) pending()           {}

// Table maps token to the operation in flight. Every entry corresponds to
// one submitted and not yet completed operation.
type Table struct {
	m map[Token]PendingOp
}

func NewTable() *Table {
	return &Table{m: make(map[Token]PendingOp)}
}

// Set records operation submitted under token. Panics if there is already
// operation in flight for that token.
func (t *Table) Set(tok Token, op PendingOp) {
	if prev, ok := t.m[tok]; ok {
		panic(fmt.Sprintf("token %s already pending %T", tok, prev))
	}
	t.m[tok] = op
}

func (t *Table) Get(tok Token) (PendingOp, bool) {
	op, ok := t.m[tok]
	return op, ok
}

// Take removes and returns operation for the completed token.
func (t *Table) Take(tok Token) (PendingOp, bool) {
	op, ok := t.m[tok]
	if ok {
		delete(t.m, tok)
	}
	return op, ok
}

// Retire marks operation of the removed connection. Its completion will be
// ignored.
func (t *Table) Retire(tok Token, buf []byte) bool {
	op, ok := t.m[tok]
	if !ok {
		return false
	}
	if s, ok := op.(Sending); ok {
		buf = s.Payload
	}
	t.m[tok] = retired{op: op, buf: buf}
	return true
}

// Len is number of operations in flight.
func (t *Table) Len() int {
	return len(t.m)
}
