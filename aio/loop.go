package aio

import (
	"log/slog"
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/eapache/queue"
	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

const batchSize = 128

// Loop is the operation queue on top of io_uring. Operations are correlated
// with completions by the caller provided token (sqe user data).
// Not safe for concurrent use; intended to be driven from a single goroutine.
type Loop struct {
	ring    *giouring.Ring
	backlog *queue.Queue // submissions which didn't get sqe
	cqes    [batchSize]*giouring.CompletionQueueEvent
	done    []Completion
	closed  bool
}

type Options struct {
	RingEntries uint32
}

var DefaultOptions = Options{
	RingEntries: 1024,
}

type submission struct {
	op    Op
	token uint64
}

func New(opt Options) (*Loop, error) {
	ring, err := giouring.CreateRing(opt.RingEntries)
	if err != nil {
		return nil, err
	}
	return &Loop{
		ring:    ring,
		backlog: queue.New(),
		done:    make([]Completion, 0, batchSize),
	}, nil
}

// Submit prepares operation in the submission queue. If the queue is full
// operation is held in backlog and prepared before next Wait.
// Token 0 is reserved, completions without user data are dropped.
func (l *Loop) Submit(op Op, token uint64) error {
	if l.closed {
		return ErrClosed
	}
	if err := op.validate(); err != nil {
		return err
	}
	s := submission{op: op, token: token}
	if l.backlog.Length() > 0 {
		l.backlog.Add(s)
		return nil
	}
	sqe := l.ring.GetSQE()
	if sqe == nil { // submit and retry
		if err := l.submit(); err != nil {
			return err
		}
		sqe = l.ring.GetSQE()
	}
	if sqe == nil { // still nothing, add to backlog
		l.backlog.Add(s)
		return nil
	}
	prepare(sqe, s)
	return nil
}

// Backlog returns number of operations waiting for free submission queue entry.
func (l *Loop) Backlog() int {
	return l.backlog.Length()
}

func prepare(sqe *giouring.SubmissionQueueEntry, s submission) {
	op := s.op
	switch op.Kind {
	case OpAccept:
		// Accepted socket is left blocking. Ring turns blocking recv/send into
		// async operations, with O_NONBLOCK they would complete with EAGAIN.
		sqe.PrepareAccept(op.FD, 0, 0, unix.SOCK_CLOEXEC)
	case OpPollReadable:
		sqe.PreparePollAdd(op.FD, unix.POLLIN)
	case OpRecv:
		sqe.PrepareRecv(op.FD, uintptr(unsafe.Pointer(&op.Buf[0])), uint32(len(op.Buf)), 0)
	case OpSend:
		sqe.PrepareSend(op.FD, uintptr(unsafe.Pointer(&op.Buf[0])), uint32(len(op.Buf)), unix.MSG_NOSIGNAL)
	case OpCancel:
		sqe.PrepareCancelFd(op.FD, 0)
	default:
		panic("unknown operation kind")
	}
	sqe.UserData = s.token
}

// Wait submits prepared operations and blocks until at least minComplete
// completions are ready or timeout expires. Returned slice is valid until the
// next call to Wait. Zero timeout waits without limit.
func (l *Loop) Wait(minComplete uint32, timeout time.Duration) ([]Completion, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if err := l.submit(); err != nil {
		return nil, err
	}
	if timeout > 0 {
		ts := syscall.NsecToTimespec(int64(timeout))
		if _, err := l.ring.WaitCQEs(minComplete, &ts, nil); err != nil && !TemporaryErr(err) {
			return nil, err
		}
	} else if err := l.submitAndWait(minComplete); err != nil {
		return nil, err
	}
	return l.flushCompletions(), nil
}

// is this error temporary
func TemporaryErr(err error) bool {
	if errno, ok := err.(syscall.Errno); ok {
		return TemporaryErrno(errno)
	}
	if os.IsTimeout(err) {
		return true
	}
	return false
}

func TemporaryErrno(errno syscall.Errno) bool {
	return errno.Temporary() || errno == unix.ETIME || errno == syscall.ENOBUFS
}

// Retries on temporary errors.
// Anything not handled here is fatal and application should terminate.
// Errors that can be returned by [io_uring_enter].
//
// [io_uring_enter]: https://manpages.debian.org/unstable/liburing-dev/io_uring_enter.2.en.html#ERRORS
func (l *Loop) submitAndWait(waitNr uint32) error {
	for {
		if l.backlog.Length() > 0 {
			_, err := l.ring.SubmitAndWait(0)
			if err == nil {
				l.prepareBacklog()
			}
		}

		_, err := l.ring.SubmitAndWait(waitNr)
		if err != nil && TemporaryErr(err) {
			continue
		}
		return err
	}
}

func (l *Loop) prepareBacklog() {
	for l.backlog.Length() > 0 {
		sqe := l.ring.GetSQE()
		if sqe == nil {
			return
		}
		prepare(sqe, l.backlog.Remove().(submission))
	}
}

func (l *Loop) submit() error {
	return l.submitAndWait(0)
}

func (l *Loop) flushCompletions() []Completion {
	l.done = l.done[:0]
	for {
		peeked := l.ring.PeekBatchCQE(l.cqes[:])
		for _, cqe := range l.cqes[:peeked] {
			if cqe.UserData == 0 {
				slog.Debug("cqe without userdata", "res", cqe.Res, "flags", cqe.Flags)
				continue
			}
			l.done = append(l.done, Completion{Token: cqe.UserData, Res: cqe.Res})
		}
		l.ring.CQAdvance(peeked)
		if peeked < uint32(len(l.cqes)) {
			return l.done
		}
	}
}

func (l *Loop) Close() {
	if l.closed {
		return
	}
	l.closed = true
	l.ring.QueueExit()
}
