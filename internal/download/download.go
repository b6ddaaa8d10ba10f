// Package download orchestrates a whole-torrent download: it builds the
// shared workpool, spawns one session per peer (respawning on transient
// failure), and assembles completed pieces into the output file.
package download

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/matei-oltean/go-torrent-leech/internal/clientid"
	"github.com/matei-oltean/go-torrent-leech/internal/metainfo"
	"github.com/matei-oltean/go-torrent-leech/internal/session"
	"github.com/matei-oltean/go-torrent-leech/internal/workpool"
)

// maxAttemptsPerPeer bounds how many sessions (dial plus download, the first
// attempt included) we start against a single peer address before giving up
// on it for this run.
const maxAttemptsPerPeer = 3

// progressLogInterval throttles progress log lines.
const progressLogInterval = 2 * time.Second

// Run downloads every piece of tf from peers, writing the assembled file to
// outputPath, and returns once the pool is fully downloaded or ctx is
// cancelled.
func Run(ctx context.Context, cfg *clientid.Config, tf *metainfo.TorrentFile, peers []string, outputPath string, log *logrus.Entry) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("session", cfg.SessionID.String())

	if cfg.OutputDir != "" && !filepath.IsAbs(outputPath) {
		outputPath = filepath.Join(cfg.OutputDir, outputPath)
	}

	pieceLengths := make([]int64, tf.Info.NumPieces())
	for i := range pieceLengths {
		pieceLengths[i] = tf.Info.PieceLen(i)
	}
	pool := workpool.New(pieceLengths)

	if err := os.MkdirAll(filepath.Dir(outputPath), os.ModePerm); err != nil {
		return errors.Wrap(err, "download: create output directory")
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return errors.Wrap(err, "download: create output file")
	}
	defer out.Close()
	if err := out.Truncate(tf.Info.Length); err != nil {
		return errors.Wrap(err, "download: preallocate output file")
	}

	hashOf := func(pieceIndex int) [20]byte {
		return tf.Info.Pieces[pieceIndex]
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)
	for _, addr := range peers {
		addr := addr
		group.Go(func() error {
			runPeerUntilDoneOrExhausted(gctx, cfg, tf, addr, pool, hashOf, out, log)
			return nil // a single peer's exhaustion is not fatal to the group
		})
	}

	progressDone := make(chan struct{})
	go logProgress(ctx, pool, log, progressDone)

	waitErr := group.Wait()
	cancel()
	<-progressDone

	if waitErr != nil {
		return waitErr
	}
	if !pool.IsDone() {
		return errors.New("download: exhausted all peers before the torrent finished")
	}
	return nil
}

func runPeerUntilDoneOrExhausted(ctx context.Context, cfg *clientid.Config, tf *metainfo.TorrentFile, addr string, pool *workpool.Pool, hashOf session.PieceHash, out *os.File, log *logrus.Entry) {
	writeAt := func(pieceIndex int, data []byte) {
		offset := int64(pieceIndex) * tf.Info.PieceLength
		if _, err := out.WriteAt(data, offset); err != nil {
			log.WithError(err).WithField("piece", pieceIndex).Error("download: failed to write piece to disk")
		}
	}

	for attempt := 0; attempt < maxAttemptsPerPeer; attempt++ {
		if ctx.Err() != nil || pool.IsDone() {
			return
		}

		sess, err := session.Dial(ctx, addr, tf.Info.Hash, cfg, log)
		if err != nil {
			log.WithError(err).WithField("peer", addr).Debug("download: dial failed")
			continue
		}

		err = sess.Run(ctx, pool, hashOf, writeAt)
		sess.Close()
		if err == nil {
			return
		}
		log.WithError(err).WithField("peer", addr).WithField("attempt", attempt+1).Debug("download: session ended")
	}
}

func logProgress(ctx context.Context, pool *workpool.Pool, log *logrus.Entry, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(progressLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d, total := pool.Progress()
			log.WithField("blocks", d).WithField("total", total).Info("download: progress")
			if d == total {
				return
			}
		}
	}
}
