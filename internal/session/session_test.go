package session

import (
	"context"
	"crypto/sha1"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/matei-oltean/go-torrent-leech/internal/netio"
	"github.com/matei-oltean/go-torrent-leech/internal/peerwire"
	"github.com/matei-oltean/go-torrent-leech/internal/workpool"
)

// fakePeer drives the remote end of a net.Pipe as a minimal, single-piece
// seeder: handshake, bitfield, unchoke, then answer every request.
func fakePeer(t *testing.T, conn net.Conn, infoHash, peerID [20]byte, pieceData []byte) {
	t.Helper()

	remoteHandshake, err := peerwire.ReadHandshake(conn)
	require.NoError(t, err)
	require.Equal(t, infoHash, remoteHandshake.InfoHash)

	_, err = conn.Write(peerwire.BuildHandshake(infoHash, peerID))
	require.NoError(t, err)

	// net.Pipe is unbuffered/synchronous, unlike a real socket: write these
	// from a separate goroutine so they don't deadlock against the client
	// writing its own Interested message before this peer starts reading.
	go func() {
		conn.Write((&peerwire.Message{Type: peerwire.MsgBitfield, Payload: []byte{0x80}}).Serialise())
		conn.Write(peerwire.Unchoke())
	}()

	for {
		msg, err := peerwire.ReadMessage(conn)
		if err != nil {
			return
		}
		switch msg.Type {
		case peerwire.MsgInterested:
			continue
		case peerwire.MsgRequest:
			index := int(uint32(msg.Payload[0])<<24 | uint32(msg.Payload[1])<<16 | uint32(msg.Payload[2])<<8 | uint32(msg.Payload[3]))
			begin := int(uint32(msg.Payload[4])<<24 | uint32(msg.Payload[5])<<16 | uint32(msg.Payload[6])<<8 | uint32(msg.Payload[7]))
			length := int(uint32(msg.Payload[8])<<24 | uint32(msg.Payload[9])<<16 | uint32(msg.Payload[10])<<8 | uint32(msg.Payload[11]))
			payload := make([]byte, 8+length)
			payload[3] = byte(index)
			payload[7] = byte(begin)
			copy(payload[8:], pieceData[begin:begin+length])
			conn.Write((&peerwire.Message{Type: peerwire.MsgPiece, Payload: payload}).Serialise())
		default:
		}
	}
}

func TestSessionDownloadsSinglePieceTorrent(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	var infoHash, peerID, remoteID [20]byte
	pieceData := make([]byte, workpool.BlockSize)
	for i := range pieceData {
		pieceData[i] = byte(i)
	}
	hash := sha1.Sum(pieceData)

	go fakePeer(t, peerConn, infoHash, remoteID, pieceData)

	dialed := make(chan *Session, 1)
	dialErr := make(chan error, 1)
	go func() {
		// Dial performs net.Dial; substitute by handshaking directly over
		// the pipe instead, since net.Pipe has no listener to dial.
		s, err := dialOverConn(clientConn, infoHash, peerID)
		if err != nil {
			dialErr <- err
			return
		}
		dialed <- s
	}()

	select {
	case err := <-dialErr:
		t.Fatalf("dial failed: %v", err)
	case s := <-dialed:
		pool := workpool.New([]int64{int64(len(pieceData))})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var gotPiece []byte
		err := s.Run(ctx, pool, func(int) [20]byte { return hash }, func(index int, data []byte) {
			gotPiece = data
		})
		require.NoError(t, err)
		require.True(t, pool.IsDone())
		require.Equal(t, pieceData, gotPiece)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dial")
	}
}

// dialOverConn performs the same handshake Dial does, but over an
// already-connected net.Conn rather than dialing a new TCP connection.
func dialOverConn(conn net.Conn, infoHash, peerID [20]byte) (*Session, error) {
	if _, err := conn.Write(peerwire.BuildHandshake(infoHash, peerID)); err != nil {
		return nil, err
	}
	remote, err := peerwire.ReadHandshake(conn)
	if err != nil {
		return nil, err
	}
	if remote.InfoHash != infoHash {
		return nil, errors.New("info hash mismatch")
	}

	log := logrus.NewEntry(logrus.StandardLogger())
	s := &Session{
		addr:           "test-peer",
		conn:           conn,
		log:            log,
		remotePeerID:   remote.PeerID,
		peerChoked:     true,
		requestLimiter: rate.NewLimiter(rate.Limit(requestRateLimit), requestRateLimit),
		requestTimeout: defaultRequestTimeout,
	}
	s.reader, s.writer = netio.NewPair(conn, "test-peer", log)
	if err := s.awaitBitfield(); err != nil {
		return nil, err
	}
	if err := s.writer.Write(peerwire.Interested()); err != nil {
		return nil, err
	}
	return s, nil
}
