package aio

import (
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLoop(t *testing.T) *Loop {
	loop, err := New(Options{RingEntries: 16})
	if err != nil {
		t.Skipf("io_uring not available: %s", err)
	}
	t.Cleanup(loop.Close)
	return loop
}

// waitFor runs loop until completion for token arrives.
func waitFor(t *testing.T, loop *Loop, token uint64) Completion {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cs, err := loop.Wait(1, 100*time.Millisecond)
		require.NoError(t, err)
		if len(cs) > 0 {
			require.Len(t, cs, 1)
			require.Equal(t, token, cs[0].Token, "unexpected completion")
			return cs[0]
		}
	}
	t.Fatalf("completion for token %d not received", token)
	return Completion{}
}

func TestLoopAcceptRecvSend(t *testing.T) {
	loop := testLoop(t)
	lsn, port, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer CloseFd(lsn)

	require.NoError(t, loop.Submit(Accept(lsn), 1))
	client, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer client.Close()

	c := waitFor(t, loop, 1)
	require.False(t, c.Failed())
	fd := int(c.Res)
	require.Greater(t, fd, 0)
	defer CloseFd(fd)

	// readiness
	require.NoError(t, loop.Submit(PollReadable(fd), 2))
	_, err = client.Write([]byte("hello\n"))
	require.NoError(t, err)
	c = waitFor(t, loop, 2)
	require.False(t, c.Failed())

	// recv into buffer
	buf := make([]byte, 64)
	require.NoError(t, loop.Submit(Recv(fd, buf), 3))
	c = waitFor(t, loop, 3)
	require.Equal(t, 6, c.Bytes())
	require.Equal(t, "hello\n", string(buf[:c.Bytes()]))

	// send back
	require.NoError(t, loop.Submit(Send(fd, []byte("world\n")), 4))
	c = waitFor(t, loop, 4)
	require.Equal(t, 6, c.Bytes())
	got := make([]byte, 6)
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	require.Equal(t, "world\n", string(got))

	// orderly disconnect
	require.NoError(t, client.Close())
	require.NoError(t, loop.Submit(Recv(fd, buf), 5))
	c = waitFor(t, loop, 5)
	require.False(t, c.Failed())
	require.Equal(t, 0, c.Bytes())
}

func TestLoopCancelAccept(t *testing.T) {
	loop := testLoop(t)
	lsn, _, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer CloseFd(lsn)

	require.NoError(t, loop.Submit(Accept(lsn), 1))
	require.NoError(t, loop.Submit(CancelFd(lsn), 2))

	var accept, cancel Completion
	deadline := time.Now().Add(5 * time.Second)
	for (accept.Token == 0 || cancel.Token == 0) && time.Now().Before(deadline) {
		cs, err := loop.Wait(1, 100*time.Millisecond)
		require.NoError(t, err)
		for _, c := range cs {
			switch c.Token {
			case 1:
				accept = c
			case 2:
				cancel = c
			}
		}
	}
	require.Equal(t, syscall.ECANCELED, accept.Errno())
	require.False(t, cancel.Failed())
}

func TestLoopWaitTimeout(t *testing.T) {
	loop := testLoop(t)
	start := time.Now()
	cs, err := loop.Wait(1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, cs)
	require.Less(t, time.Since(start), time.Second)
}

func TestLoopSubmitInvalid(t *testing.T) {
	loop := testLoop(t)
	require.ErrorIs(t, loop.Submit(PollReadable(-1), 1), ErrInvalidHandle)
	require.ErrorIs(t, loop.Submit(Recv(5, nil), 1), ErrEmptyBuffer)
	require.ErrorIs(t, loop.Submit(Send(5, []byte{}), 1), ErrEmptyBuffer)

	loop.Close()
	require.ErrorIs(t, loop.Submit(PollReadable(5), 1), ErrClosed)
	_, err := loop.Wait(1, time.Millisecond)
	require.ErrorIs(t, err, ErrClosed)
}

func TestCompletion(t *testing.T) {
	c := Completion{Token: 1, Res: -int32(syscall.ECONNRESET)}
	require.True(t, c.Failed())
	require.Equal(t, syscall.ECONNRESET, c.Errno())
	require.Equal(t, 0, c.Bytes())

	c = Completion{Token: 1, Res: 42}
	require.False(t, c.Failed())
	require.Equal(t, syscall.Errno(0), c.Errno())
	require.Equal(t, 42, c.Bytes())
}

func TestTemporaryErr(t *testing.T) {
	require.True(t, TemporaryErr(syscall.EAGAIN))
	require.True(t, TemporaryErr(syscall.EINTR))
	require.True(t, TemporaryErr(syscall.ETIME))
	require.True(t, TemporaryErr(syscall.ENOBUFS))
	require.False(t, TemporaryErr(syscall.EBADF))
	require.False(t, TemporaryErr(io.EOF))
}
