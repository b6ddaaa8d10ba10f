package workpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSplitsBlocksPerPiece(t *testing.T) {
	p := New([]int64{BlockSize*2 + 100, BlockSize})
	done, total := p.Progress()
	require.Equal(t, 0, done)
	require.Equal(t, 4, total) // 3 blocks for the first piece, 1 for the second
}

func TestGetRequestThenPutProcessedCompletesPiece(t *testing.T) {
	p := New([]int64{BlockSize})

	block, ok := p.GetRequest("peerA")
	require.True(t, ok)
	require.Equal(t, 0, block.PieceIndex)

	data := make([]byte, block.Length)
	assembled, done, err := p.PutProcessed("peerA", block, data)
	require.NoError(t, err)
	require.True(t, done)
	require.Len(t, assembled, BlockSize)
	require.True(t, p.IsDone())
}

func TestPutProcessedRejectsUnclaimedBlock(t *testing.T) {
	p := New([]int64{BlockSize})
	block := Block{PieceIndex: 0, BlockIndex: 0, Begin: 0, Length: BlockSize}
	_, _, err := p.PutProcessed("peerA", block, make([]byte, BlockSize))
	require.Error(t, err)
}

func TestReturnInQueueRequeuesBlock(t *testing.T) {
	p := New([]int64{BlockSize})

	block, ok := p.GetRequest("peerA")
	require.True(t, ok)
	p.ReturnInQueue("peerA", block)

	block2, ok := p.GetRequest("peerB")
	require.True(t, ok)
	require.Equal(t, block.PieceIndex, block2.PieceIndex)
	require.Equal(t, block.BlockIndex, block2.BlockIndex)
}

func TestReturnAllInQueueRequeuesEveryClaim(t *testing.T) {
	p := New([]int64{BlockSize * 3})

	b1, _ := p.GetRequest("peerA")
	b2, _ := p.GetRequest("peerA")
	p.ReturnAllInQueue("peerA")

	seen := map[int]bool{}
	for {
		b, ok := p.GetRequest("peerB")
		if !ok {
			break
		}
		seen[b.BlockIndex] = true
	}
	require.True(t, seen[b1.BlockIndex])
	require.True(t, seen[b2.BlockIndex])
}

func TestInvalidateRequeuesPiece(t *testing.T) {
	p := New([]int64{BlockSize})

	block, _ := p.GetRequest("peerA")
	_, done, err := p.PutProcessed("peerA", block, make([]byte, block.Length))
	require.NoError(t, err)
	require.True(t, done)
	require.True(t, p.IsDone())

	p.Invalidate(0)
	require.False(t, p.IsDone())

	block2, ok := p.GetRequest("peerB")
	require.True(t, ok)
	require.Equal(t, 0, block2.PieceIndex)
}

func TestGetRequestEmptyQueue(t *testing.T) {
	p := New([]int64{BlockSize})
	_, ok := p.GetRequest("peerA")
	require.True(t, ok)
	_, ok = p.GetRequest("peerB")
	require.False(t, ok)
}

func TestMultiplePiecesCompleteIndependently(t *testing.T) {
	p := New([]int64{BlockSize, BlockSize})

	b1, _ := p.GetRequest("peerA")
	b2, _ := p.GetRequest("peerB")
	require.NotEqual(t, b1.PieceIndex, b2.PieceIndex)

	_, done1, err := p.PutProcessed("peerA", b1, make([]byte, b1.Length))
	require.NoError(t, err)
	require.True(t, done1)
	require.False(t, p.IsDone())

	_, done2, err := p.PutProcessed("peerB", b2, make([]byte, b2.Length))
	require.NoError(t, err)
	require.True(t, done2)
	require.True(t, p.IsDone())
}
