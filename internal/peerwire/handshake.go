// Package peerwire implements the BitTorrent peer wire protocol: the
// handshake, the length-prefixed message frames, and the BEP-10 extended
// handshake.
package peerwire

import (
	"io"

	"github.com/pkg/errors"
)

// Protocol is the protocol name exchanged in every handshake.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the size in bytes of a wire handshake message.
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// Extension reserved-byte bits (BEP 4).
const (
	reservedExtendedByte = 5
	reservedExtendedBit  = 0x10 // BEP 10
)

// Handshake is a decoded handshake message.
type Handshake struct {
	InfoHash       [20]byte
	PeerID         [20]byte
	SupportsExtended bool
}

// BuildHandshake serialises a handshake message advertising support for the
// BEP-10 extended protocol.
func BuildHandshake(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	buf[1+len(Protocol)+reservedExtendedByte] = reservedExtendedBit
	copy(buf[1+len(Protocol)+8:], infoHash[:])
	copy(buf[1+len(Protocol)+8+20:], peerID[:])
	return buf
}

// ReadHandshake reads and validates a handshake off reader.
func ReadHandshake(reader io.Reader) (*Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, errors.Wrap(err, "peerwire: read handshake")
	}
	return parseHandshake(buf)
}

func parseHandshake(buf []byte) (*Handshake, error) {
	if len(buf) < HandshakeSize {
		return nil, errors.New("peerwire: handshake too short")
	}
	protocolLen := int(buf[0])
	if 1+protocolLen+8+20+20 > len(buf) {
		return nil, errors.New("peerwire: handshake protocol length out of range")
	}
	if string(buf[1:1+protocolLen]) != Protocol {
		return nil, errors.Errorf("peerwire: unexpected protocol %q", buf[1:1+protocolLen])
	}

	reserved := buf[1+protocolLen : 1+protocolLen+8]
	hs := &Handshake{
		SupportsExtended: reserved[reservedExtendedByte]&reservedExtendedBit != 0,
	}
	copy(hs.InfoHash[:], buf[1+protocolLen+8:1+protocolLen+8+20])
	copy(hs.PeerID[:], buf[1+protocolLen+8+20:1+protocolLen+8+40])
	return hs, nil
}
