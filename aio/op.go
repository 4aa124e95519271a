package aio

import (
	"errors"
	"syscall"
)

var (
	ErrClosed        = errors.New("loop closed")
	ErrInvalidHandle = errors.New("invalid handle")
	ErrEmptyBuffer   = errors.New("empty buffer")
)

// OpKind is the kind of operation submitted to the ring.
type OpKind uint8

const (
	OpAccept OpKind = iota + 1
	OpPollReadable
	OpRecv
	OpSend
	OpCancel // cancel all operations on FD
)

func (k OpKind) String() string {
	switch k {
	case OpAccept:
		return "accept"
	case OpPollReadable:
		return "poll"
	case OpRecv:
		return "recv"
	case OpSend:
		return "send"
	case OpCancel:
		return "cancel"
	}
	return "unknown"
}

// Op describes one asynchronous operation. Buf is used by OpRecv (filled by
// the kernel) and OpSend (read by the kernel); it must stay untouched until
// the operation completes.
type Op struct {
	Kind OpKind
	FD   int
	Buf  []byte
}

func Accept(fd int) Op           { return Op{Kind: OpAccept, FD: fd} }
func PollReadable(fd int) Op     { return Op{Kind: OpPollReadable, FD: fd} }
func Recv(fd int, buf []byte) Op { return Op{Kind: OpRecv, FD: fd, Buf: buf} }
func Send(fd int, buf []byte) Op { return Op{Kind: OpSend, FD: fd, Buf: buf} }
func CancelFd(fd int) Op         { return Op{Kind: OpCancel, FD: fd} }

func (o Op) validate() error {
	if o.FD < 0 {
		return ErrInvalidHandle
	}
	if (o.Kind == OpRecv || o.Kind == OpSend) && len(o.Buf) == 0 {
		return ErrEmptyBuffer
	}
	return nil
}

// Completion of the submitted operation.
// Res < 0 is negated errno. Otherwise it is accepted fd for OpAccept, poll
// mask for OpPollReadable or number of bytes transferred for OpRecv/OpSend.
type Completion struct {
	Token uint64
	Res   int32
}

func (c Completion) Errno() syscall.Errno {
	if c.Res > -4096 && c.Res < 0 {
		return syscall.Errno(-c.Res)
	}
	return 0
}

func (c Completion) Failed() bool {
	return c.Res < 0
}

// Bytes transferred, 0 for failed completions.
func (c Completion) Bytes() int {
	if c.Res < 0 {
		return 0
	}
	return int(c.Res)
}
