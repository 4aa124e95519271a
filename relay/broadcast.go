package relay

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/ianic/relay/aio"
)

// broadcast sends data received from connection `from` to every other
// connection. Data is copied once into payload shared by all recipients, so
// the sender's receive buffer is free for the next read while sends are still
// in flight.
func (r *Relay) broadcast(from ID, data []byte) {
	var payload []byte
	var failed []ID
	for id, conn := range r.conns.AllExcept(from) {
		if payload == nil {
			payload = bytes.Clone(data)
		}
		if err := r.enqueue(conn, payload); err != nil {
			failed = append(failed, id)
			r.log.Warn("submit send", "conn", id, "error", err)
		}
	}
	// registry can't change while iterating
	for _, id := range failed {
		r.remove(id)
	}
}

// enqueue starts sending payload to the connection or, when there is already
// send in flight, queues payload behind it.
func (r *Relay) enqueue(conn *Conn, payload []byte) error {
	if _, busy := r.ops.Get(sendToken(conn.ID)); busy {
		conn.outbox.Add(payload)
		return nil
	}
	return r.send(conn, Sending{Conn: conn.ID, Payload: payload})
}

func (r *Relay) send(conn *Conn, s Sending) error {
	return r.submit(sendToken(conn.ID), aio.Send(conn.FD, s.remaining()), s)
}

// sent continues partially completed send until the whole payload is
// flushed. Then starts next queued payload, if any.
func (r *Relay) sent(s Sending, c aio.Completion) {
	conn, ok := r.conns.Lookup(s.Conn)
	if !ok {
		return
	}
	if c.Failed() {
		errno := c.Errno()
		if !retryable(errno) {
			r.drop(s.Conn, fmt.Errorf("send: %w", errno))
			return
		}
		// nothing transferred, retry the rest
	} else {
		s.Flushed += c.Bytes()
	}
	if s.done() {
		r.log.Debug("delivered", "conn", s.Conn, "len", s.PayloadLen())
		if conn.outbox.Length() == 0 {
			return
		}
		s = Sending{Conn: s.Conn, Payload: conn.outbox.Remove().([]byte)}
	}
	if err := r.send(conn, s); err != nil {
		r.drop(s.Conn, fmt.Errorf("submit send: %w", err))
	}
}

// validUTF8 reports whether data is valid utf-8. Incomplete rune at the end
// is ignored, rest of it is expected in the next read.
func validUTF8(data []byte) bool {
	for i := 1; i < utf8.UTFMax && i <= len(data); i++ {
		if !utf8.RuneStart(data[len(data)-i]) {
			continue
		}
		if !utf8.FullRune(data[len(data)-i:]) {
			data = data[:len(data)-i]
		}
		break
	}
	return utf8.Valid(data)
}
