package txpool

import (
	"container/heap"

	"github.com/eth2030/devchain/core/types"
)

// senderCursor walks one sender's Ready run.
type senderCursor struct {
	txs []*types.PendingTransaction
	pos int
}

func (c *senderCursor) head() *types.PendingTransaction { return c.txs[c.pos] }

// cursorHeap orders sender heads by effective tip (descending) and then by
// arrival (ascending). With fifo set only arrival counts. Seq is unique, so
// the order is total.
type cursorHeap struct {
	cursors []*senderCursor
	fifo    bool
}

func (h *cursorHeap) Len() int { return len(h.cursors) }

func (h *cursorHeap) Less(i, j int) bool {
	a, b := h.cursors[i].head(), h.cursors[j].head()
	if !h.fifo {
		if c := a.Tip.Cmp(b.Tip); c != 0 {
			return c > 0
		}
	}
	return a.Seq < b.Seq
}

func (h *cursorHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }

func (h *cursorHeap) Push(x any) { h.cursors = append(h.cursors, x.(*senderCursor)) }

func (h *cursorHeap) Pop() any {
	old := h.cursors
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	h.cursors = old[:n-1]
	return c
}

// DrainReady returns the next block's batch without removing it. Each
// sender's transactions come in nonce order; across senders the best head
// goes first. Packing uses declared gas limits and stops at the first
// transaction that would overflow gasLimit. A sender whose head can never
// fit gasLimit, or cannot pay the base fee, is skipped.
func (pool *TxPool) DrainReady(gasLimit uint64) []*types.PendingTransaction {
	pool.mu.RLock()
	defer pool.mu.RUnlock()

	h := &cursorHeap{
		cursors: make([]*senderCursor, 0, len(pool.ready)),
		fifo:    pool.config.Order == OrderFIFO,
	}
	for _, list := range pool.ready {
		if list.Len() > 0 {
			h.cursors = append(h.cursors, &senderCursor{txs: list.items})
		}
	}
	heap.Init(h)

	var (
		batch []*types.PendingTransaction
		used  uint64
	)
	for h.Len() > 0 {
		cur := h.cursors[0]
		ptx := cur.head()
		if ptx.Gas() > gasLimit || !pool.affordsBaseFee(ptx) {
			heap.Pop(h)
			continue
		}
		if used+ptx.Gas() > gasLimit {
			break
		}
		batch = append(batch, ptx)
		used += ptx.Gas()
		if cur.pos++; cur.pos < len(cur.txs) {
			heap.Fix(h, 0)
		} else {
			heap.Pop(h)
		}
	}
	return batch
}

func (pool *TxPool) affordsBaseFee(ptx *types.PendingTransaction) bool {
	return pool.baseFee == nil || !types.BigToU256(ptx.Tx.GasFeeCap()).Lt(pool.baseFee)
}
