package relay

import (
	"errors"
	"iter"
	"slices"

	"github.com/eapache/queue"
)

var ErrRegistryFull = errors.New("connection registry full")

// Conn is live peer connection.
type Conn struct {
	ID ID
	FD int

	buf    []byte       // receive buffer, reused across reads
	outbox *queue.Queue // payloads waiting for the in flight send to finish
}

// Registry owns live connections. Identifiers are assigned in increasing
// order starting from 1 and never reused, so a stale identifier can't
// resolve to a newer connection.
type Registry struct {
	conns   map[ID]*Conn
	order   []ID // registration order
	next    ID
	max     int
	bufLen  int
	closeFd func(int) error
}

func NewRegistry(bufLen, maxConns int, closeFd func(int) error) *Registry {
	return &Registry{
		conns:   make(map[ID]*Conn),
		max:     maxConns,
		bufLen:  bufLen,
		closeFd: closeFd,
	}
}

// Register stores fd as new connection with fresh receive buffer.
func (r *Registry) Register(fd int) (ID, error) {
	if r.max > 0 && len(r.conns) >= r.max {
		return 0, ErrRegistryFull
	}
	r.next++
	c := &Conn{
		ID:     r.next,
		FD:     fd,
		buf:    make([]byte, r.bufLen),
		outbox: queue.New(),
	}
	r.conns[c.ID] = c
	r.order = append(r.order, c.ID)
	return c.ID, nil
}

func (r *Registry) Lookup(id ID) (*Conn, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// Remove closes connection socket and releases its buffers.
// Removing unknown or already removed id is no-op.
func (r *Registry) Remove(id ID) error {
	c, ok := r.conns[id]
	if !ok {
		return nil
	}
	delete(r.conns, id)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	c.buf = nil
	c.outbox = nil
	return r.closeFd(c.FD)
}

// AllExcept iterates over every other live connection in registration order.
// Registry must not be modified during iteration.
func (r *Registry) AllExcept(id ID) iter.Seq2[ID, *Conn] {
	order := r.order
	return func(yield func(ID, *Conn) bool) {
		for _, other := range order {
			if other == id {
				continue
			}
			c, ok := r.conns[other]
			if !ok {
				continue
			}
			if !yield(other, c) {
				return
			}
		}
	}
}

// IDs of live connections in registration order.
func (r *Registry) IDs() []ID {
	return slices.Clone(r.order)
}

func (r *Registry) Len() int {
	return len(r.conns)
}
