package session

import (
	"context"
	"crypto/sha1"
	"time"

	"github.com/pkg/errors"

	"github.com/matei-oltean/go-torrent-leech/internal/peerwire"
	"github.com/matei-oltean/go-torrent-leech/internal/workpool"
)

// PieceHash resolves the expected SHA-1 hash of a piece index, used to
// verify a piece immediately after every block of it has arrived.
type PieceHash func(pieceIndex int) [20]byte

// PieceDone is invoked once per successfully verified piece.
type PieceDone func(pieceIndex int, data []byte)

type readResult struct {
	msg *peerwire.Message
	err error
}

// Run drives the session's pipelined download loop against pool until the
// pool is fully downloaded, the context is cancelled, or the peer
// misbehaves. It collapses the reference client's one-writer-task-per-slot
// design into a single writer loop gated by a semaphore of capacity
// Window: functionally equivalent, without Window goroutines contending
// for the same connection.
func (s *Session) Run(ctx context.Context, pool *workpool.Pool, hashOf PieceHash, onPiece PieceDone) error {
	reads := make(chan readResult, 1)
	go s.readLoop(ctx, reads)

	inFlight := make(map[workpool.Block]bool)
	slots := Window

	for {
		if pool.IsDone() {
			return nil
		}

		for slots > 0 && !s.peerChoked {
			block, ok := pool.GetRequest(s.addr)
			if !ok {
				break
			}
			if err := s.requestLimiter.Wait(ctx); err != nil {
				pool.ReturnInQueue(s.addr, block)
				return ctx.Err()
			}
			if err := s.writer.Write(peerwire.Request(block.PieceIndex, block.Begin, block.Length)); err != nil {
				pool.ReturnInQueue(s.addr, block)
				return errors.Wrap(err, "session: send request")
			}
			inFlight[block] = true
			slots--
		}

		select {
		case <-ctx.Done():
			pool.ReturnAllInQueue(s.addr)
			return ctx.Err()

		case res := <-reads:
			if res.err != nil {
				pool.ReturnAllInQueue(s.addr)
				return errors.Wrap(res.err, "session: connection lost")
			}
			slots += s.handleMessage(res.msg, pool, inFlight, hashOf, onPiece)
			if slots > Window {
				slots = Window
			}
		}
	}
}

// handleMessage applies one incoming message to session/pool state and
// returns how many pipelining slots were freed.
func (s *Session) handleMessage(msg *peerwire.Message, pool *workpool.Pool, inFlight map[workpool.Block]bool, hashOf PieceHash, onPiece PieceDone) int {
	switch msg.Type {
	case peerwire.MsgChoke:
		s.peerChoked = true
		return 0
	case peerwire.MsgUnchoke:
		s.peerChoked = false
		return 0
	case peerwire.MsgHave:
		index, err := peerwire.ParseHave(msg.Payload)
		if err == nil {
			s.setHave(index)
		}
		return 0
	case peerwire.MsgPiece:
		return s.handlePiece(msg.Payload, pool, inFlight, hashOf, onPiece)
	default:
		return 0
	}
}

func (s *Session) handlePiece(payload []byte, pool *workpool.Pool, inFlight map[workpool.Block]bool, hashOf PieceHash, onPiece PieceDone) int {
	index, begin, block, err := peerwire.ParsePiece(payload)
	if err != nil {
		return 0
	}

	var matched workpool.Block
	found := false
	for b := range inFlight {
		if b.PieceIndex == index && b.Begin == begin {
			matched = b
			found = true
			break
		}
	}
	if !found {
		return 0
	}
	delete(inFlight, matched)

	assembled, pieceDone, err := pool.PutProcessed(s.addr, matched, block)
	if err != nil {
		s.log.WithError(err).Warn("session: rejected piece report")
		return 1
	}
	if !pieceDone {
		return 1
	}

	if hashOf != nil {
		want := hashOf(index)
		got := sha1.Sum(assembled)
		if got != want {
			s.log.WithField("piece", index).Warn("session: piece failed hash verification, will be re-requested")
			pool.Invalidate(index)
			return 1
		}
	}

	if onPiece != nil {
		onPiece(index, assembled)
	}
	if err := s.writer.Write(peerwire.Have(index)); err != nil {
		s.log.WithError(err).Debug("session: failed to announce have")
	}
	return 1
}

func (s *Session) setHave(index int) {
	byteIdx := index / 8
	for len(s.bitfield) <= byteIdx {
		s.bitfield = append(s.bitfield, 0)
	}
	s.bitfield[byteIdx] |= 1 << (7 - uint(index%8))
}

func (s *Session) readLoop(ctx context.Context, out chan<- readResult) {
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.requestTimeout))
		msg, err := peerwire.ReadMessage(s.reader)
		select {
		case out <- readResult{msg, err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}
