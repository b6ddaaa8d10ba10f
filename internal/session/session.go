// Package session drives a single peer connection through handshake,
// bitfield exchange and a pipelined block-request loop against a shared
// workpool.Pool.
package session

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/matei-oltean/go-torrent-leech/internal/clientid"
	"github.com/matei-oltean/go-torrent-leech/internal/netio"
	"github.com/matei-oltean/go-torrent-leech/internal/peerwire"
)

// Window is the maximum number of outstanding block requests a session
// keeps in flight at once, matching the reference client's pipelining
// depth.
const Window = 5

// defaultDialTimeout and defaultRequestTimeout back Dial when cfg's
// timeouts are left zero-valued.
const defaultDialTimeout = 5 * time.Second
const defaultRequestTimeout = 20 * time.Second

// requestRateLimit caps how many block requests a session sends to a single
// peer per second, so a fast local pipeline doesn't hammer a slow peer the
// moment it opens up request slots.
const requestRateLimit = 50

// Session owns one peer connection for the lifetime of a download attempt.
type Session struct {
	addr         string
	conn         net.Conn
	reader       *netio.Reader
	writer       *netio.Writer
	log          *logrus.Entry
	remotePeerID [20]byte

	requestLimiter *rate.Limiter
	requestTimeout time.Duration

	bitfield   []byte
	peerChoked bool // true while the remote peer is choking us
}

// Dial connects to addr, performs the base handshake and the optional
// BEP-10 extended handshake, and waits for the peer's bitfield. cfg's
// DialTimeout and RequestTimeout govern the connect deadline and the
// per-read deadline applied once the session starts exchanging messages.
func Dial(ctx context.Context, addr string, infoHash [20]byte, cfg *clientid.Config, log *logrus.Entry) (*Session, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "session: dial %s", addr)
	}

	conn.SetDeadline(time.Now().Add(dialTimeout))
	if _, err := conn.Write(peerwire.BuildHandshake(infoHash, cfg.PeerID)); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "session: send handshake")
	}
	remote, err := peerwire.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "session: read handshake")
	}
	if remote.InfoHash != infoHash {
		conn.Close()
		return nil, errors.New("session: peer responded with a different info hash")
	}
	conn.SetDeadline(time.Time{})

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("peer", addr)

	reader, writer := netio.NewPair(conn, addr, log)

	s := &Session{
		addr:           addr,
		conn:           conn,
		reader:         reader,
		writer:         writer,
		log:            log,
		remotePeerID:   remote.PeerID,
		requestLimiter: rate.NewLimiter(rate.Limit(requestRateLimit), requestRateLimit),
		requestTimeout: requestTimeout,
		peerChoked:     true,
	}

	if remote.SupportsExtended {
		if err := writer.Write(peerwire.BuildExtendedHandshake()); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "session: send extended handshake")
		}
	}

	if err := s.awaitBitfield(); err != nil {
		conn.Close()
		return nil, err
	}

	if err := writer.Write(peerwire.Unchoke()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "session: send unchoke")
	}
	if err := writer.Write(peerwire.Interested()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "session: send interested")
	}

	return s, nil
}

// awaitBitfield reads messages until the peer's bitfield arrives, tolerating
// an extended handshake or other preamble messages in between. A peer that
// handshakes and then goes silent is bounded by requestTimeout rather than
// left to hang forever.
func (s *Session) awaitBitfield() error {
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.requestTimeout))
		msg, err := peerwire.ReadMessage(s.reader)
		if err != nil {
			return errors.Wrap(err, "session: read bitfield")
		}
		switch msg.Type {
		case peerwire.MsgBitfield:
			s.bitfield = msg.Payload
			return nil
		case peerwire.MsgExtended, peerwire.MsgHave, peerwire.MsgUnchoke, peerwire.MsgChoke:
			continue
		default:
			continue
		}
	}
}

// HasPiece reports whether the peer's advertised bitfield includes index.
func (s *Session) HasPiece(index int) bool {
	byteIdx := index / 8
	if byteIdx >= len(s.bitfield) {
		return false
	}
	return s.bitfield[byteIdx]&(1<<(7-uint(index%8))) != 0
}

// Addr returns the peer's dial address, used as its pool identity.
func (s *Session) Addr() string {
	return s.addr
}

// PeerID returns the 20-byte peer id the remote side presented in its
// handshake.
func (s *Session) PeerID() [20]byte {
	return s.remotePeerID
}

// Close tears down the underlying connection.
func (s *Session) Close() {
	s.writer.Close()
}
