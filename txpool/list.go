package txpool

import (
	"sort"

	"github.com/eth2030/devchain/core/types"
)

// txSortedList keeps one sender's transactions ordered by nonce.
type txSortedList struct {
	items []*types.PendingTransaction
}

// Add inserts ptx, replacing any transaction with the same nonce. The
// replaced transaction is returned.
func (l *txSortedList) Add(ptx *types.PendingTransaction) *types.PendingTransaction {
	idx := l.search(ptx.Nonce())
	if idx < len(l.items) && l.items[idx].Nonce() == ptx.Nonce() {
		old := l.items[idx]
		l.items[idx] = ptx
		return old
	}
	l.items = append(l.items, nil)
	copy(l.items[idx+1:], l.items[idx:])
	l.items[idx] = ptx
	return nil
}

func (l *txSortedList) search(nonce uint64) int {
	return sort.Search(len(l.items), func(i int) bool {
		return l.items[i].Nonce() >= nonce
	})
}

// Remove deletes the transaction with the given nonce.
func (l *txSortedList) Remove(nonce uint64) *types.PendingTransaction {
	idx := l.search(nonce)
	if idx < len(l.items) && l.items[idx].Nonce() == nonce {
		old := l.items[idx]
		l.items = append(l.items[:idx], l.items[idx+1:]...)
		return old
	}
	return nil
}

func (l *txSortedList) Get(nonce uint64) *types.PendingTransaction {
	idx := l.search(nonce)
	if idx < len(l.items) && l.items[idx].Nonce() == nonce {
		return l.items[idx]
	}
	return nil
}

func (l *txSortedList) Len() int { return len(l.items) }

// Forward removes and returns every transaction with a nonce below threshold.
func (l *txSortedList) Forward(threshold uint64) []*types.PendingTransaction {
	idx := l.search(threshold)
	removed := append([]*types.PendingTransaction(nil), l.items[:idx]...)
	l.items = append(l.items[:0], l.items[idx:]...)
	return removed
}

// Ready returns the contiguous run of transactions starting at baseNonce.
func (l *txSortedList) Ready(baseNonce uint64) []*types.PendingTransaction {
	var ready []*types.PendingTransaction
	expected := baseNonce
	for _, ptx := range l.items[l.search(baseNonce):] {
		if ptx.Nonce() != expected {
			break
		}
		ready = append(ready, ptx)
		expected++
	}
	return ready
}

// Flatten returns a copy of the list.
func (l *txSortedList) Flatten() []*types.PendingTransaction {
	return append([]*types.PendingTransaction(nil), l.items...)
}
