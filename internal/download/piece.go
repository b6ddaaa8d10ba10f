package download

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matei-oltean/go-torrent-leech/internal/clientid"
	"github.com/matei-oltean/go-torrent-leech/internal/metainfo"
	"github.com/matei-oltean/go-torrent-leech/internal/session"
	"github.com/matei-oltean/go-torrent-leech/internal/workpool"
)

// Piece downloads a single piece of tf from the first peer in peers that
// both answers and has it, returning the verified piece bytes.
func Piece(ctx context.Context, cfg *clientid.Config, tf *metainfo.TorrentFile, peers []string, pieceIndex int, log *logrus.Entry) ([]byte, error) {
	if pieceIndex < 0 || pieceIndex >= tf.Info.NumPieces() {
		return nil, errors.Errorf("download: piece index %d out of range", pieceIndex)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	lengths := make([]int64, tf.Info.NumPieces())
	for i := range lengths {
		if i == pieceIndex {
			lengths[i] = tf.Info.PieceLen(i)
		}
	}
	pool := workpool.New(lengths)
	hashOf := func(i int) [20]byte { return tf.Info.Pieces[i] }

	var result []byte
	onPiece := func(index int, data []byte) {
		if index == pieceIndex {
			result = data
		}
	}

	var lastErr error
	for _, addr := range peers {
		if pool.IsDone() {
			break
		}
		sess, err := session.Dial(ctx, addr, tf.Info.Hash, cfg, log)
		if err != nil {
			lastErr = err
			continue
		}
		if !sess.HasPiece(pieceIndex) {
			sess.Close()
			continue
		}
		err = sess.Run(ctx, pool, hashOf, onPiece)
		sess.Close()
		if err != nil {
			lastErr = err
			continue
		}
	}

	if !pool.IsDone() {
		if lastErr != nil {
			return nil, errors.Wrap(lastErr, "download: could not fetch piece from any peer")
		}
		return nil, errors.New("download: no peer had the requested piece")
	}
	return result, nil
}
