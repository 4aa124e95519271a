package relay

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ianic/relay/aio"
	"github.com/stretchr/testify/require"
)

// fakeQueue is in memory operation queue. Test scripts completions, relay
// submits operations.
type fakeQueue struct {
	t         *testing.T
	inflight  map[uint64]aio.Op
	ready     []aio.Completion
	submitted []uint64 // tokens in submit order
	failOn    func(aio.Op) error
	onWait    func(*fakeQueue) // called when there is nothing ready
}

func newFakeQueue(t *testing.T) *fakeQueue {
	return &fakeQueue{t: t, inflight: make(map[uint64]aio.Op)}
}

func (q *fakeQueue) Submit(op aio.Op, token uint64) error {
	if q.failOn != nil {
		if err := q.failOn(op); err != nil {
			return err
		}
	}
	_, dup := q.inflight[token]
	require.False(q.t, dup, "second operation in flight for token %s", Token(token))
	q.inflight[token] = op
	q.submitted = append(q.submitted, token)
	return nil
}

func (q *fakeQueue) Wait(minComplete uint32, timeout time.Duration) ([]aio.Completion, error) {
	if len(q.ready) == 0 && q.onWait != nil {
		q.onWait(q)
	}
	batch := q.ready
	q.ready = nil
	return batch, nil
}

// op returns operation in flight for token.
func (q *fakeQueue) op(tok Token) aio.Op {
	op, ok := q.inflight[uint64(tok)]
	require.True(q.t, ok, "no operation in flight for %s", tok)
	return op
}

func (q *fakeQueue) has(tok Token) bool {
	_, ok := q.inflight[uint64(tok)]
	return ok
}

func (q *fakeQueue) complete(tok Token, res int32) {
	delete(q.inflight, uint64(tok))
	q.ready = append(q.ready, aio.Completion{Token: uint64(tok), Res: res})
}

// deliver completes recv by copying data into the recv buffer.
func (q *fakeQueue) deliver(tok Token, data []byte) {
	op := q.op(tok)
	require.Equal(q.t, aio.OpRecv, op.Kind)
	n := copy(op.Buf, data)
	q.complete(tok, int32(n))
}

// flush completes send transferring at most n bytes, returns bytes
// transferred.
func (q *fakeQueue) flush(tok Token, n int) []byte {
	op := q.op(tok)
	require.Equal(q.t, aio.OpSend, op.Kind)
	if n > len(op.Buf) {
		n = len(op.Buf)
	}
	data := append([]byte(nil), op.Buf[:n]...)
	q.complete(tok, int32(n))
	return data
}

const testListenFd = 3

type testRelay struct {
	*Relay
	q      *fakeQueue
	closed []int
}

func newTestRelay(t *testing.T, opt Options) *testRelay {
	q := newFakeQueue(t)
	tr := &testRelay{q: q}
	opt.CloseFd = func(fd int) error {
		tr.closed = append(tr.closed, fd)
		return nil
	}
	opt.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	tr.Relay = New(q, testListenFd, opt)
	require.NoError(t, tr.start())
	return tr
}

func (tr *testRelay) run(t *testing.T) {
	require.NoError(t, tr.runOnce(time.Millisecond))
}

// connect accepts fd, returns assigned connection id.
func (tr *testRelay) connect(t *testing.T, fd int) ID {
	op := tr.q.op(listenToken)
	require.Equal(t, aio.OpAccept, op.Kind)
	require.Equal(t, testListenFd, op.FD)
	before := tr.conns.next
	tr.q.complete(listenToken, int32(fd))
	tr.run(t)
	require.True(t, tr.q.has(listenToken), "accept must be resubmitted")
	id := tr.conns.next
	require.Equal(t, before+1, id)
	require.Equal(t, aio.OpPollReadable, tr.q.op(recvToken(id)).Kind)
	return id
}

// write simulates peer writing data: readiness, then recv completion.
func (tr *testRelay) write(t *testing.T, id ID, data string) {
	tr.q.complete(recvToken(id), 1)
	tr.run(t)
	tr.q.deliver(recvToken(id), []byte(data))
	tr.run(t)
	// sender is back to waiting for readiness
	require.Equal(t, aio.OpPollReadable, tr.q.op(recvToken(id)).Kind)
}

// read flushes all pending sends to the connection.
func (tr *testRelay) read(t *testing.T, id ID) string {
	var got []byte
	for tr.q.has(sendToken(id)) {
		got = append(got, tr.q.flush(sendToken(id), 1<<20)...)
		tr.run(t)
	}
	return string(got)
}
