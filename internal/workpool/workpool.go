// Package workpool hands out block-sized download tasks to concurrently
// running peer sessions and reassembles completed pieces, generalizing the
// single-piece block queue of the reference client to a whole torrent.
package workpool

import (
	"sync"

	"github.com/pkg/errors"
)

// BlockSize is the size in bytes of a single requested block (16 KiB is
// the conventional BitTorrent request size).
const BlockSize = 16384

// Block identifies one pipelined block request.
type Block struct {
	PieceIndex int
	BlockIndex int
	Begin      int
	Length     int
}

type blockKey struct {
	piece, block int
}

// pieceState tracks the completed blocks of a single piece; in-flight
// claims are tracked per peer in Pool.inProgress.
type pieceState struct {
	length     int64
	numBlocks  int
	blocks     map[int][]byte // blockIndex -> data
}

// Pool is the shared, concurrency-safe work queue handed to every peer
// session: each session pulls a Block, downloads it, and reports success
// or failure back to the pool.
type Pool struct {
	mu sync.Mutex

	queue           []Block
	pieces          map[int]*pieceState
	inProgress      map[string]map[blockKey]bool // peer id -> blocks it currently holds
	completedPieces map[int][]byte

	totalBlocks int
	doneBlocks  int
}

// New builds a Pool for a torrent whose pieces have the given lengths
// (pieceLengths[i] is the length in bytes of piece i, already accounting
// for a shorter final piece).
func New(pieceLengths []int64) *Pool {
	p := &Pool{
		pieces:          make(map[int]*pieceState, len(pieceLengths)),
		inProgress:      make(map[string]map[blockKey]bool),
		completedPieces: make(map[int][]byte),
	}

	for pieceIndex, length := range pieceLengths {
		numBlocks := int((length + BlockSize - 1) / BlockSize)
		p.pieces[pieceIndex] = &pieceState{
			length:    length,
			numBlocks: numBlocks,
			blocks:    make(map[int][]byte, numBlocks),
		}
		for b := 0; b < numBlocks; b++ {
			begin := b * BlockSize
			blockLen := BlockSize
			if remaining := int(length) - begin; remaining < BlockSize {
				blockLen = remaining
			}
			p.queue = append(p.queue, Block{
				PieceIndex: pieceIndex,
				BlockIndex: b,
				Begin:      begin,
				Length:     blockLen,
			})
		}
	}
	p.totalBlocks = len(p.queue)
	return p
}

// GetRequest pops the next pending block and claims it for peerID, who may
// hold several claimed blocks at once to fill its pipelining window. It
// returns ok=false when the queue is currently empty (the caller should
// wait for a Return from another peer, or exit if IsDone).
func (p *Pool) GetRequest(peerID string) (Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return Block{}, false
	}

	block := p.queue[0]
	p.queue = p.queue[1:]
	claims := p.inProgress[peerID]
	if claims == nil {
		claims = make(map[blockKey]bool)
		p.inProgress[peerID] = claims
	}
	claims[blockKey{block.PieceIndex, block.BlockIndex}] = true
	return block, true
}

// PutProcessed records a successfully downloaded block for peerID. It
// returns the completed piece's bytes and true when this was the last
// outstanding block of its piece.
func (p *Pool) PutProcessed(peerID string, block Block, data []byte) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := blockKey{block.PieceIndex, block.BlockIndex}
	claims := p.inProgress[peerID]
	if !claims[key] {
		return nil, false, errors.Errorf("workpool: peer %s reported a block it did not claim", peerID)
	}
	delete(claims, key)

	piece, ok := p.pieces[block.PieceIndex]
	if !ok {
		return nil, false, errors.Errorf("workpool: unknown piece %d", block.PieceIndex)
	}
	if _, exists := piece.blocks[block.BlockIndex]; exists {
		return nil, false, nil
	}
	piece.blocks[block.BlockIndex] = data
	p.doneBlocks++

	if len(piece.blocks) != piece.numBlocks {
		return nil, false, nil
	}

	assembled := assemblePiece(piece)
	p.completedPieces[block.PieceIndex] = assembled
	return assembled, true, nil
}

func assemblePiece(piece *pieceState) []byte {
	out := make([]byte, 0, piece.length)
	for b := 0; b < piece.numBlocks; b++ {
		out = append(out, piece.blocks[b]...)
	}
	return out
}

// ReturnInQueue puts one specific block peerID had claimed back at the
// front of the queue, e.g. after a single request times out.
func (p *Pool) ReturnInQueue(peerID string, block Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := blockKey{block.PieceIndex, block.BlockIndex}
	if claims := p.inProgress[peerID]; claims != nil {
		delete(claims, key)
	}
	p.queue = append([]Block{block}, p.queue...)
}

// ReturnAllInQueue returns every block currently claimed by peerID, e.g.
// after the peer's connection drops.
func (p *Pool) ReturnAllInQueue(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	claims := p.inProgress[peerID]
	if len(claims) == 0 {
		return
	}
	delete(p.inProgress, peerID)

	for key := range claims {
		piece := p.pieces[key.piece]
		begin := key.block * BlockSize
		blockLen := BlockSize
		if remaining := int(piece.length) - begin; remaining < BlockSize {
			blockLen = remaining
		}
		p.queue = append(p.queue, Block{PieceIndex: key.piece, BlockIndex: key.block, Begin: begin, Length: blockLen})
	}
}

// Invalidate discards a piece's assembled data and re-queues all of its
// blocks, used when post-assembly hash verification fails.
func (p *Pool) Invalidate(pieceIndex int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	piece, ok := p.pieces[pieceIndex]
	if !ok {
		return
	}
	delete(p.completedPieces, pieceIndex)
	p.doneBlocks -= len(piece.blocks)

	for b := 0; b < piece.numBlocks; b++ {
		begin := b * BlockSize
		blockLen := BlockSize
		if remaining := int(piece.length) - begin; remaining < BlockSize {
			blockLen = remaining
		}
		p.queue = append(p.queue, Block{PieceIndex: pieceIndex, BlockIndex: b, Begin: begin, Length: blockLen})
	}
	piece.blocks = make(map[int][]byte, piece.numBlocks)
}

// IsDone reports whether every block of every piece has been downloaded.
func (p *Pool) IsDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneBlocks == p.totalBlocks
}

// Progress returns (completed blocks, total blocks).
func (p *Pool) Progress() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneBlocks, p.totalBlocks
}

// CompletedPieces returns a copy of the index -> assembled-bytes map for
// every piece finished so far.
func (p *Pool) CompletedPieces() map[int][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int][]byte, len(p.completedPieces))
	for k, v := range p.completedPieces {
		out[k] = v
	}
	return out
}
