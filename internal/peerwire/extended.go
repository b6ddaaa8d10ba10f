package peerwire

import (
	"github.com/pkg/errors"

	"github.com/matei-oltean/go-torrent-leech/internal/bencode"
)

// ExtendedHandshake is the decoded payload of a BEP-10 extended handshake
// message (extended message id 0).
type ExtendedHandshake struct {
	// M maps extension name to the message id the *peer* wants it sent
	// under. Per BEP 10 each side assigns its own ids independently, so a
	// later message to this peer must use the id recorded here, not a
	// locally-chosen one.
	M map[string]uint8
}

// BuildExtendedHandshake serialises an extended handshake advertising no
// supported extensions beyond the base ut_metadata-less "m" dictionary: this
// client only needs the extended handshake to complete BEP-10 negotiation,
// not to exchange metadata out of band.
func BuildExtendedHandshake() []byte {
	payload := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"m": bencode.Dict(map[string]bencode.Value{}),
	}))
	msgBuf := make([]byte, 1+len(payload))
	msgBuf[0] = 0 // extended message id 0 is always the handshake
	copy(msgBuf[1:], payload)
	return (&Message{Type: MsgExtended, Payload: msgBuf}).Serialise()
}

// ParseExtendedHandshake decodes the payload of a MsgExtended message whose
// first byte is 0.
func ParseExtendedHandshake(payload []byte) (*ExtendedHandshake, error) {
	if len(payload) == 0 || payload[0] != 0 {
		return nil, errors.New("peerwire: not an extended handshake message")
	}
	val, _, err := bencode.Decode(payload[1:])
	if err != nil {
		return nil, errors.Wrap(err, "peerwire: decode extended handshake")
	}
	if val.Kind != bencode.KindDict {
		return nil, errors.New("peerwire: extended handshake is not a dictionary")
	}
	mVal, ok := val.Get("m")
	if !ok || mVal.Kind != bencode.KindDict {
		return nil, errors.New("peerwire: extended handshake missing \"m\" dictionary")
	}

	m := make(map[string]uint8, len(mVal.Dict))
	for name, id := range mVal.Dict {
		if id.Kind != bencode.KindInt {
			continue
		}
		m[name] = uint8(id.Int)
	}
	return &ExtendedHandshake{M: m}, nil
}
