package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// journalEntry is a revertible change to the ledger's local accounts.
type journalEntry interface {
	revert(s *ChainState)
}

// journal records changes while at least one snapshot is live. Snapshots
// hold offsets into entries.
type journal struct {
	entries []journalEntry
}

func (j *journal) append(entry journalEntry) {
	j.entries = append(j.entries, entry)
}

func (j *journal) length() int {
	return len(j.entries)
}

// revertTo undoes entries newer than mark in reverse order.
func (j *journal) revertTo(mark int, s *ChainState) {
	for i := len(j.entries) - 1; i >= mark; i-- {
		j.entries[i].revert(s)
	}
	j.entries = j.entries[:mark]
}

func (j *journal) reset() {
	j.entries = nil
}

// --- Concrete journal entries ---

type createAccountChange struct {
	addr common.Address
}

func (ch createAccountChange) revert(s *ChainState) {
	delete(s.accounts, ch.addr)
}

type balanceChange struct {
	addr common.Address
	prev *uint256.Int // nil if the balance was not written locally
}

func (ch balanceChange) revert(s *ChainState) {
	if acc := s.accounts[ch.addr]; acc != nil {
		acc.balance = ch.prev
	}
}

type nonceChange struct {
	addr common.Address
	prev *uint64
}

func (ch nonceChange) revert(s *ChainState) {
	if acc := s.accounts[ch.addr]; acc != nil {
		acc.nonce = ch.prev
	}
}

type codeChange struct {
	addr    common.Address
	prev    []byte
	prevSet bool
}

func (ch codeChange) revert(s *ChainState) {
	if acc := s.accounts[ch.addr]; acc != nil {
		acc.code = ch.prev
		acc.codeSet = ch.prevSet
	}
}

type storageChange struct {
	addr       common.Address
	slot       common.Hash
	prev       common.Hash
	prevExists bool
}

func (ch storageChange) revert(s *ChainState) {
	acc := s.accounts[ch.addr]
	if acc == nil {
		return
	}
	if ch.prevExists {
		acc.storage[ch.slot] = ch.prev
	} else {
		// Removing the slot makes the remote value visible again.
		delete(acc.storage, ch.slot)
	}
}

type storageResetChange struct {
	addr      common.Address
	prev      map[common.Hash]common.Hash
	prevFresh bool
}

func (ch storageResetChange) revert(s *ChainState) {
	if acc := s.accounts[ch.addr]; acc != nil {
		acc.storage = ch.prev
		acc.fresh = ch.prevFresh
	}
}
