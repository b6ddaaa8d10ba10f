// Package metainfo decodes .torrent files and magnet links into the
// flattened shape the rest of the client works against.
package metainfo

import (
	"crypto/sha1"
	"os"

	"github.com/pkg/errors"

	"github.com/matei-oltean/go-torrent-leech/internal/bencode"
)

// HashSize is the length in bytes of a SHA-1 info hash or piece hash.
const HashSize = 20

// Info is the decoded info dictionary of a single-file torrent.
type Info struct {
	Hash        [HashSize]byte
	Name        string
	Length      int64
	PieceLength int64
	Pieces      [][HashSize]byte
}

// TorrentFile is a decoded .torrent file.
type TorrentFile struct {
	Announce string
	Info     Info
}

// Open reads and parses a .torrent file at path.
func Open(path string) (*TorrentFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: read torrent file")
	}
	return Parse(raw)
}

// Parse decodes raw .torrent bytes into a TorrentFile.
//
// Per spec, decoding must consume the entire input: any trailing bytes
// after the top-level dictionary are a malformed-file error.
func Parse(raw []byte) (*TorrentFile, error) {
	top, rest, err := bencode.Decode(raw)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: decode torrent file")
	}
	if len(rest) != 0 {
		return nil, errors.New("metainfo: trailing bytes after top-level value")
	}
	if top.Kind != bencode.KindDict {
		return nil, errors.New("metainfo: top-level value is not a dictionary")
	}

	announce, ok := top.Get("announce")
	if !ok || announce.Kind != bencode.KindString {
		return nil, errors.New("metainfo: missing or malformed \"announce\"")
	}

	infoVal, ok := top.Get("info")
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, errors.New("metainfo: missing or malformed \"info\"")
	}

	info, err := parseInfo(infoVal)
	if err != nil {
		return nil, err
	}

	return &TorrentFile{
		Announce: announce.Str,
		Info:     *info,
	}, nil
}

func parseInfo(infoVal bencode.Value) (*Info, error) {
	name, ok := infoVal.Get("name")
	if !ok || name.Kind != bencode.KindString {
		return nil, errors.New("metainfo: info dictionary missing \"name\"")
	}

	length, ok := infoVal.Get("length")
	if !ok || length.Kind != bencode.KindInt || length.Int < 0 {
		return nil, errors.New("metainfo: info dictionary missing or invalid \"length\" (multi-file torrents are not supported)")
	}

	pieceLength, ok := infoVal.Get("piece length")
	if !ok || pieceLength.Kind != bencode.KindInt || pieceLength.Int <= 0 {
		return nil, errors.New("metainfo: info dictionary missing or invalid \"piece length\"")
	}

	piecesVal, ok := infoVal.Get("pieces")
	if !ok || piecesVal.Kind != bencode.KindString {
		return nil, errors.New("metainfo: info dictionary missing \"pieces\"")
	}
	pieces, err := splitPieceHashes(piecesVal.Str)
	if err != nil {
		return nil, err
	}

	// The info hash is computed over the canonical re-encoding of the
	// decoded info dictionary, never over the original bytes directly:
	// the bencode codec preserves structure exactly, so re-encoding a
	// well-formed (canonical) input reproduces it byte for byte.
	hash := sha1.Sum(bencode.Encode(infoVal))

	return &Info{
		Hash:        hash,
		Name:        name.Str,
		Length:      length.Int,
		PieceLength: pieceLength.Int,
		Pieces:      pieces,
	}, nil
}

func splitPieceHashes(pieces string) ([][HashSize]byte, error) {
	if len(pieces)%HashSize != 0 {
		return nil, errors.Errorf("metainfo: \"pieces\" length %d is not a multiple of %d", len(pieces), HashSize)
	}
	buf := []byte(pieces)
	hashes := make([][HashSize]byte, len(buf)/HashSize)
	for i := range hashes {
		copy(hashes[i][:], buf[i*HashSize:(i+1)*HashSize])
	}
	return hashes, nil
}

// NumPieces returns the number of pieces in the torrent.
func (inf *Info) NumPieces() int {
	return len(inf.Pieces)
}

// PieceLen returns the length in bytes of piece index, accounting for the
// possibly-shorter final piece (spec §3 PieceBlock invariant).
func (inf *Info) PieceLen(index int) int64 {
	if index == len(inf.Pieces)-1 {
		if rem := inf.Length % inf.PieceLength; rem != 0 {
			return rem
		}
	}
	return inf.PieceLength
}
