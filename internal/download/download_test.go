package download

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/matei-oltean/go-torrent-leech/internal/clientid"
	"github.com/matei-oltean/go-torrent-leech/internal/metainfo"
	"github.com/matei-oltean/go-torrent-leech/internal/peerwire"
)

// serveOnePiece accepts a single connection, performs the handshake and
// bitfield exchange, then answers every request from an in-memory piece.
func serveOnePiece(t *testing.T, ln net.Listener, infoHash [20]byte, pieceData []byte) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	remote, err := peerwire.ReadHandshake(conn)
	require.NoError(t, err)
	require.Equal(t, infoHash, remote.InfoHash)

	var remoteID [20]byte
	_, err = conn.Write(peerwire.BuildHandshake(infoHash, remoteID))
	require.NoError(t, err)

	go func() {
		conn.Write((&peerwire.Message{Type: peerwire.MsgBitfield, Payload: []byte{0xFF}}).Serialise())
		conn.Write(peerwire.Unchoke())
	}()

	for {
		msg, err := peerwire.ReadMessage(conn)
		if err != nil {
			return
		}
		if msg.Type != peerwire.MsgRequest {
			continue
		}
		idx := int(uint32(msg.Payload[0])<<24 | uint32(msg.Payload[1])<<16 | uint32(msg.Payload[2])<<8 | uint32(msg.Payload[3]))
		begin := int(uint32(msg.Payload[4])<<24 | uint32(msg.Payload[5])<<16 | uint32(msg.Payload[6])<<8 | uint32(msg.Payload[7]))
		length := int(uint32(msg.Payload[8])<<24 | uint32(msg.Payload[9])<<16 | uint32(msg.Payload[10])<<8 | uint32(msg.Payload[11]))
		payload := make([]byte, 8+length)
		binary.BigEndian.PutUint32(payload[0:], uint32(idx))
		binary.BigEndian.PutUint32(payload[4:], uint32(begin))
		copy(payload[8:], pieceData[begin:begin+length])
		if _, err := conn.Write((&peerwire.Message{Type: peerwire.MsgPiece, Payload: payload}).Serialise()); err != nil {
			return
		}
	}
}

func TestRunDownloadsSinglePeerSinglePieceTorrent(t *testing.T) {
	pieceData := make([]byte, 20000) // spans two 16 KiB blocks
	for i := range pieceData {
		pieceData[i] = byte(i * 7)
	}
	pieceHash := sha1.Sum(pieceData)

	var infoHash [20]byte
	copy(infoHash[:], "torrent-info-hash-20")

	tf := &metainfo.TorrentFile{
		Announce: "http://example.invalid/announce",
		Info: metainfo.Info{
			Hash:        infoHash,
			Name:        "file.bin",
			Length:      int64(len(pieceData)),
			PieceLength: int64(len(pieceData)),
			Pieces:      [][20]byte{pieceHash},
		},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go serveOnePiece(t, ln, infoHash, pieceData)

	cfg := &clientid.Config{PeerID: [20]byte{1}, SessionID: uuid.New()}
	outPath := filepath.Join(t.TempDir(), "out.bin")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = Run(ctx, cfg, tf, []string{ln.Addr().String()}, outPath, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, pieceData, got)
}
