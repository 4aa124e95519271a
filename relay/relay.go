// Package relay forwards every chunk of bytes received from one connected
// peer to all other connected peers.
//
// It is a single goroutine reactor on top of completion based operation
// queue (io_uring). Relay submits operations, harvests their completions in
// batches and, depending on what the completed operation was waiting for,
// submits follow up operations. Nothing in the completion handling blocks;
// the only suspension point is Queue.Wait.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/ianic/relay/aio"
)

// Queue is asynchronous operations facade.
type Queue interface {
	// Submit enqueues operation, its completion will carry token.
	Submit(op aio.Op, token uint64) error
	// Wait submits enqueued operations and blocks until at least minComplete
	// completions are ready or timeout expires.
	Wait(minComplete uint32, timeout time.Duration) ([]aio.Completion, error)
}

type Options struct {
	// receive buffer size of each connection
	BufferLen int
	// 0 is unlimited
	MaxConns int
	// how often Run checks for context cancellation
	WaitTimeout time.Duration
	// closes connection socket, defaults to aio.CloseFd
	CloseFd func(int) error
	Logger  *slog.Logger
}

var DefaultOptions = Options{
	BufferLen:   1024,
	MaxConns:    4096,
	WaitTimeout: 333 * time.Millisecond,
}

type Relay struct {
	queue   Queue
	lsnFd   int
	conns   *Registry
	ops     *Table
	opt     Options
	log     *slog.Logger
	closing bool
}

// New creates relay which accepts connections on the listening socket lsnFd.
// Relay doesn't close lsnFd.
func New(q Queue, lsnFd int, opt Options) *Relay {
	if opt.BufferLen <= 0 {
		opt.BufferLen = DefaultOptions.BufferLen
	}
	if opt.WaitTimeout <= 0 {
		opt.WaitTimeout = DefaultOptions.WaitTimeout
	}
	if opt.CloseFd == nil {
		opt.CloseFd = aio.CloseFd
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Relay{
		queue: q,
		lsnFd: lsnFd,
		conns: NewRegistry(opt.BufferLen, opt.MaxConns, opt.CloseFd),
		ops:   NewTable(),
		opt:   opt,
		log:   opt.Logger,
	}
}

// Run relays until context is canceled. Then stops accepting, closes all
// connections and waits for all operations in flight to finish.
// Returns error only when operation queue fails.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.start(); err != nil {
		return err
	}
	for ctx.Err() == nil {
		if err := r.runOnce(r.opt.WaitTimeout); err != nil {
			return err
		}
	}
	return r.shutdown()
}

func (r *Relay) start() error {
	return r.accept()
}

// runOnce waits for completions batch and handles each of them in order.
func (r *Relay) runOnce(timeout time.Duration) error {
	batch, err := r.queue.Wait(1, timeout)
	if err != nil {
		if aio.TemporaryErr(err) {
			return nil
		}
		return fmt.Errorf("operation queue wait: %w", err)
	}
	for _, c := range batch {
		if err := r.complete(c); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) complete(c aio.Completion) error {
	tok := Token(c.Token)
	op, ok := r.ops.Take(tok)
	if !ok {
		r.log.Debug("completion for unknown token", "token", tok, "res", c.Res)
		return nil
	}
	switch op := op.(type) {
	case Listening:
		return r.accepted(c)
	case AwaitingReadiness:
		r.readable(op.Conn, c)
	case Receiving:
		r.received(op.Conn, c)
	case Sending:
		r.sent(op, c)
	case canceling:
		if errno := c.Errno(); errno != 0 && errno != syscall.ENOENT {
			r.log.Debug("cancel accept", "errno", errno)
		}
	case retired:
		// connection already removed
	}
	return nil
}

// accept keeps exactly one accept in flight.
func (r *Relay) accept() error {
	if err := r.submit(listenToken, aio.Accept(r.lsnFd), Listening{}); err != nil {
		return fmt.Errorf("submit accept: %w", err)
	}
	return nil
}

func (r *Relay) accepted(c aio.Completion) error {
	if c.Failed() {
		if r.closing {
			return nil
		}
		if errno := c.Errno(); !aio.TemporaryErrno(errno) {
			r.log.Warn("accept", "fd", r.lsnFd, "errno", errno, "error", errno.Error())
		}
		return r.accept()
	}
	fd := int(c.Res)
	if r.closing {
		r.closeFd(fd)
		return nil
	}
	id, err := r.conns.Register(fd)
	if err != nil {
		r.log.Warn("register connection", "fd", fd, "error", err)
		r.closeFd(fd)
		return r.accept()
	}
	r.log.Debug("connected", "conn", id, "fd", fd)
	r.awaitReadable(id)
	return r.accept()
}

func (r *Relay) awaitReadable(id ID) {
	conn, ok := r.conns.Lookup(id)
	if !ok {
		return
	}
	if err := r.submit(recvToken(id), aio.PollReadable(conn.FD), AwaitingReadiness{Conn: id}); err != nil {
		r.drop(id, fmt.Errorf("submit poll: %w", err))
	}
}

func (r *Relay) readable(id ID, c aio.Completion) {
	if c.Failed() {
		r.linkError(id, c.Errno(), "poll")
		return
	}
	conn, ok := r.conns.Lookup(id)
	if !ok {
		return
	}
	if err := r.submit(recvToken(id), aio.Recv(conn.FD, conn.buf), Receiving{Conn: id}); err != nil {
		r.drop(id, fmt.Errorf("submit recv: %w", err))
	}
}

func (r *Relay) received(id ID, c aio.Completion) {
	if c.Failed() {
		r.linkError(id, c.Errno(), "recv")
		return
	}
	conn, ok := r.conns.Lookup(id)
	if !ok {
		return
	}
	n := c.Bytes()
	if n == 0 {
		r.log.Debug("disconnected", "conn", id, "fd", conn.FD)
		r.remove(id)
		return
	}
	data := conn.buf[:n]
	if !validUTF8(data) {
		r.log.Warn("malformed utf-8 payload", "conn", id, "len", n)
	}
	r.broadcast(id, data)
	r.awaitReadable(id)
}

// linkError handles failed completion on the connection. Temporary errors
// return connection to waiting for readiness, anything else closes it.
func (r *Relay) linkError(id ID, errno syscall.Errno, op string) {
	if retryable(errno) {
		r.log.Debug("temporary error", "conn", id, "op", op, "errno", uint(errno))
		r.awaitReadable(id)
		return
	}
	r.drop(id, fmt.Errorf("%s: %w", op, errno))
}

// retryable errors of operations on connected socket. Unlike
// aio.TemporaryErrno connection reset is final here.
func retryable(errno syscall.Errno) bool {
	return errno == syscall.EAGAIN || errno == syscall.EINTR
}

func (r *Relay) submit(tok Token, op aio.Op, state PendingOp) error {
	if err := r.queue.Submit(op, uint64(tok)); err != nil {
		return err
	}
	r.ops.Set(tok, state)
	return nil
}

// drop removes connection because of link error.
func (r *Relay) drop(id ID, err error) {
	if !errors.Is(err, syscall.ECONNRESET) {
		r.log.Warn("connection error", "conn", id, "error", err)
	}
	r.remove(id)
}

// remove closes connection. Operations still in flight for it are retired,
// their completions will be ignored.
func (r *Relay) remove(id ID) {
	conn, ok := r.conns.Lookup(id)
	if !ok {
		return
	}
	r.ops.Retire(recvToken(id), conn.buf)
	r.ops.Retire(sendToken(id), nil)
	if err := r.conns.Remove(id); err != nil {
		r.log.Debug("close", "conn", id, "fd", conn.FD, "error", err)
	}
}

func (r *Relay) closeFd(fd int) {
	if err := r.opt.CloseFd(fd); err != nil {
		r.log.Debug("close", "fd", fd, "error", err)
	}
}

// shutdown cancels accept, closes all connections and runs until all
// operations in flight are completed.
func (r *Relay) shutdown() error {
	r.closing = true
	if err := r.submit(cancelToken, aio.CancelFd(r.lsnFd), canceling{}); err != nil {
		r.log.Warn("cancel accept", "error", err)
		// accept won't complete, don't wait for it
		r.ops.Take(listenToken)
	}
	for _, id := range r.conns.IDs() {
		r.remove(id)
	}
	for r.ops.Len() > 0 {
		if err := r.runOnce(r.opt.WaitTimeout); err != nil {
			return err
		}
	}
	return nil
}

// ConnCount is number of live connections.
func (r *Relay) ConnCount() int {
	return r.conns.Len()
}

// Inflight is number of submitted and not yet completed operations.
func (r *Relay) Inflight() int {
	return r.ops.Len()
}
