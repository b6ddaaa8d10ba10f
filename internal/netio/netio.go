// Package netio wraps a peer connection with single-holder serialized
// reads/writes and a shared closed signal, so a cancelled read and an
// in-flight write converge on the same shutdown path instead of leaving the
// connection in an ambiguous state.
package netio

import (
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Reader/Writer operations once Close has fired,
// including a close triggered by a prior read or write failure.
var ErrClosed = errors.New("netio: connection closed")

// closedSignal is a once-only close latch shared between a Reader and
// Writer wrapping the same connection, mirroring the single asyncio.Event
// both handler halves wait on in the reference client.
type closedSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newClosedSignal() *closedSignal {
	return &closedSignal{ch: make(chan struct{})}
}

func (c *closedSignal) fire() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closedSignal) isSet() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// Reader serializes reads off a single connection and tears the connection
// down on the first error.
type Reader struct {
	conn   net.Conn
	peer   string
	mu     sync.Mutex
	closed *closedSignal
	log    *logrus.Entry
}

// Writer serializes writes to a single connection and tears the connection
// down on the first error.
type Writer struct {
	conn   net.Conn
	peer   string
	mu     sync.Mutex
	closed *closedSignal
	log    *logrus.Entry
}

// NewPair builds a Reader/Writer pair over conn that share one closed
// signal: an error on either side closes both.
func NewPair(conn net.Conn, peer string, log *logrus.Entry) (*Reader, *Writer) {
	signal := newClosedSignal()
	r := &Reader{conn: conn, peer: peer, closed: signal, log: log}
	w := &Writer{conn: conn, peer: peer, closed: signal, log: log}
	return r, w
}

// ReadFull reads exactly len(buf) bytes, serialized against concurrent
// reads on the same Reader.
func (r *Reader) ReadFull(buf []byte) error {
	if r.closed.isSet() {
		return ErrClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := io.ReadFull(r.conn, buf); err != nil {
		r.closed.fire()
		if r.log != nil {
			r.log.WithError(err).WithField("peer", r.peer).Debug("netio: read failed, closing")
		}
		return errors.Wrap(ErrClosed, err.Error())
	}
	return nil
}

// Read implements io.Reader by filling p entirely, so a Reader can be
// handed directly to length-prefixed frame parsers such as
// peerwire.ReadMessage instead of the raw net.Conn.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := r.ReadFull(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Closed reports whether this Reader's connection has been torn down.
func (r *Reader) Closed() bool {
	return r.closed.isSet()
}

// Close tears down the shared connection from the read side.
func (r *Reader) Close() {
	r.closed.fire()
	r.conn.Close()
}

// Write sends data in full, serialized against concurrent writes on the
// same Writer.
func (w *Writer) Write(data []byte) error {
	if w.closed.isSet() {
		return ErrClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.conn.Write(data); err != nil {
		w.closed.fire()
		if w.log != nil {
			w.log.WithError(err).WithField("peer", w.peer).Debug("netio: write failed, closing")
		}
		return errors.Wrap(ErrClosed, err.Error())
	}
	return nil
}

// Closed reports whether this Writer's connection has been torn down.
func (w *Writer) Closed() bool {
	return w.closed.isSet()
}

// Close tears down the shared connection from the write side.
func (w *Writer) Close() {
	w.closed.fire()
	w.conn.Close()
}
