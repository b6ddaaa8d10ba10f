package peerwire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MessageType identifies the kind of a peer wire message.
type MessageType uint8

// Message types defined by the base protocol (BEP 3) plus the extended
// message (BEP 10).
const (
	MsgChoke MessageType = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
	MsgExtended MessageType = 20
)

// Message is a decoded peer wire message.
type Message struct {
	Type    MessageType
	Payload []byte
}

// ReadMessage reads a single frame off reader, transparently retrying past
// keep-alive (zero-length) frames.
func ReadMessage(reader io.Reader) (*Message, error) {
	lenBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(reader, lenBuf); err != nil {
			return nil, errors.Wrap(err, "peerwire: read message length")
		}
		msgLen := binary.BigEndian.Uint32(lenBuf)
		if msgLen == 0 {
			continue // keep-alive
		}

		body := make([]byte, msgLen)
		if _, err := io.ReadFull(reader, body); err != nil {
			return nil, errors.Wrap(err, "peerwire: read message body")
		}
		return &Message{
			Type:    MessageType(body[0]),
			Payload: body[1:],
		}, nil
	}
}

// Serialise returns the wire representation of msg.
func (msg *Message) Serialise() []byte {
	payLen := uint32(len(msg.Payload) + 1)
	buf := make([]byte, 4+payLen)
	binary.BigEndian.PutUint32(buf, payLen)
	buf[4] = byte(msg.Type)
	copy(buf[5:], msg.Payload)
	return buf
}

// KeepAlive returns the wire representation of a keep-alive message.
func KeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

// Unchoke returns a serialised unchoke message.
func Unchoke() []byte { return (&Message{Type: MsgUnchoke}).Serialise() }

// Interested returns a serialised interested message.
func Interested() []byte { return (&Message{Type: MsgInterested}).Serialise() }

// NotInterested returns a serialised not-interested message.
func NotInterested() []byte { return (&Message{Type: MsgNotInterested}).Serialise() }

// Have returns a serialised have message announcing index.
func Have(index int) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return (&Message{Type: MsgHave, Payload: payload}).Serialise()
}

// Request returns a serialised request for a single block.
func Request(pieceIndex, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload, uint32(pieceIndex))
	binary.BigEndian.PutUint32(payload[4:], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:], uint32(length))
	return (&Message{Type: MsgRequest, Payload: payload}).Serialise()
}

// Cancel returns a serialised cancel for a single block.
func Cancel(pieceIndex, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload, uint32(pieceIndex))
	binary.BigEndian.PutUint32(payload[4:], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:], uint32(length))
	return (&Message{Type: MsgCancel, Payload: payload}).Serialise()
}

// ParsePiece extracts the piece index, block offset and block data from the
// payload of a Piece message.
func ParsePiece(payload []byte) (index, begin int, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, errors.New("peerwire: piece message too short")
	}
	index = int(binary.BigEndian.Uint32(payload))
	begin = int(binary.BigEndian.Uint32(payload[4:]))
	block = payload[8:]
	return index, begin, block, nil
}

// ParseHave extracts the piece index from the payload of a Have message.
func ParseHave(payload []byte) (int, error) {
	if len(payload) < 4 {
		return 0, errors.New("peerwire: have message too short")
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}
