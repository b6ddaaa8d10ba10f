package metainfo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matei-oltean/go-torrent-leech/internal/bencode"
)

func sampleTorrentBytes(pieceCount int) []byte {
	pieces := ""
	for i := 0; i < pieceCount; i++ {
		pieces += string(make([]byte, HashSize))
	}
	v := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.String("http://tracker/"),
		"info": bencode.Dict(map[string]bencode.Value{
			"name":         bencode.String("file.bin"),
			"length":       bencode.Int(98304),
			"piece length": bencode.Int(32768),
			"pieces":       bencode.String(pieces),
		}),
	})
	return bencode.Encode(v)
}

func TestParseThreePieceTorrent(t *testing.T) {
	tf, err := Parse(sampleTorrentBytes(3))
	require.NoError(t, err)
	require.Equal(t, "http://tracker/", tf.Announce)
	require.Equal(t, int64(98304), tf.Info.Length)
	require.Equal(t, int64(32768), tf.Info.PieceLength)
	require.Len(t, tf.Info.Pieces, 3)
}

func TestParseRejectsTrailingBytes(t *testing.T) {
	raw := append(sampleTorrentBytes(1), '1', ':', 'x')
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestPieceLenLastPieceShorter(t *testing.T) {
	v := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.String("http://tracker/"),
		"info": bencode.Dict(map[string]bencode.Value{
			"name":         bencode.String("file.bin"),
			"length":       bencode.Int(70000),
			"piece length": bencode.Int(32768),
			"pieces":       bencode.String(string(make([]byte, HashSize*3))),
		}),
	})
	tf, err := Parse(bencode.Encode(v))
	require.NoError(t, err)
	require.Equal(t, int64(32768), tf.Info.PieceLen(0))
	require.Equal(t, int64(32768), tf.Info.PieceLen(1))
	require.Equal(t, int64(70000-2*32768), tf.Info.PieceLen(2))
}

func TestPieceLenExactMultiple(t *testing.T) {
	tf, err := Parse(sampleTorrentBytes(3))
	require.NoError(t, err)
	require.Equal(t, int64(32768), tf.Info.PieceLen(2))
}

func TestParseMagnetPermissive(t *testing.T) {
	m, err := ParseMagnet("magnet:?xt=urn:btih:" + "aa00000000000000000000000000000000000011" + "2")
	require.Error(t, err) // too many hex chars
	_ = m

	hash40 := "0102030405060708090a0b0c0d0e0f1011121314"
	m, err = ParseMagnet("magnet:?xt=urn:btih:" + hash40)
	require.NoError(t, err)
	require.Empty(t, m.DisplayName)
	require.False(t, m.HasTrackers())
}

func TestParseMagnetWithNameAndTrackers(t *testing.T) {
	hash40 := "0102030405060708090a0b0c0d0e0f1011121314"
	raw := "magnet:?xt=urn:btih:" + hash40 + "&dn=example&tr=http%3A%2F%2Ftracker1%2F&tr=http%3A%2F%2Ftracker2%2F"
	m, err := ParseMagnet(raw)
	require.NoError(t, err)
	require.Equal(t, "example", m.DisplayName)
	require.Equal(t, []string{"http://tracker1/", "http://tracker2/"}, m.Trackers)
}

func TestParseMagnetRequiresPrefix(t *testing.T) {
	_, err := ParseMagnet("not-a-magnet")
	require.Error(t, err)
}
