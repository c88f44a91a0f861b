package state

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/eth2030/devchain/core/types"
)

// Overlay is a scratch view over a Reader used while building a block. All
// writes stay in the overlay; Diff returns them for ChainState.Commit.
//
// The accessor methods have no error return so they can back an opaque
// interpreter. The first read failure is recorded and reported by Error;
// subsequent reads return zero values.
type Overlay struct {
	// ctx bounds remote reads made on behalf of the interpreter.
	ctx    context.Context
	reader Reader

	reads  map[common.Address]*account
	writes map[common.Address]*pendingAccount

	journal []overlayChange
	logs    []*gethtypes.Log
	refund  uint64
	err     error
}

type pendingAccount struct {
	balance *uint256.Int
	nonce   *uint64
	code    []byte
	codeSet bool
	storage map[common.Hash]common.Hash
	created bool
}

// NewOverlay returns an empty overlay reading through reader.
func NewOverlay(ctx context.Context, reader Reader) *Overlay {
	return &Overlay{
		ctx:    ctx,
		reader: reader,
		reads:  make(map[common.Address]*account),
		writes: make(map[common.Address]*pendingAccount),
	}
}

// Error returns the first read failure, if any.
func (o *Overlay) Error() error { return o.err }

func (o *Overlay) fail(err error) {
	if o.err == nil {
		o.err = err
	}
}

func (o *Overlay) read(addr common.Address) *account {
	acc := o.reads[addr]
	if acc == nil {
		acc = newAccount()
		o.reads[addr] = acc
	}
	return acc
}

func (o *Overlay) pending(addr common.Address) *pendingAccount {
	p := o.writes[addr]
	if p == nil {
		p = &pendingAccount{storage: make(map[common.Hash]common.Hash)}
		o.writes[addr] = p
		o.journal = append(o.journal, pendingCreated{addr: addr})
	}
	return p
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (o *Overlay) GetBalance(addr common.Address) *uint256.Int {
	if p := o.writes[addr]; p != nil && p.balance != nil {
		return new(uint256.Int).Set(p.balance)
	}
	acc := o.read(addr)
	if acc.balance == nil {
		if o.err != nil {
			return new(uint256.Int)
		}
		v, err := o.reader.Balance(o.ctx, addr)
		if err != nil {
			o.fail(err)
			return new(uint256.Int)
		}
		acc.balance = v
	}
	return new(uint256.Int).Set(acc.balance)
}

func (o *Overlay) GetNonce(addr common.Address) uint64 {
	if p := o.writes[addr]; p != nil && p.nonce != nil {
		return *p.nonce
	}
	acc := o.read(addr)
	if acc.nonce == nil {
		if o.err != nil {
			return 0
		}
		v, err := o.reader.Nonce(o.ctx, addr)
		if err != nil {
			o.fail(err)
			return 0
		}
		acc.nonce = &v
	}
	return *acc.nonce
}

func (o *Overlay) GetCode(addr common.Address) []byte {
	if p := o.writes[addr]; p != nil && p.codeSet {
		return p.code
	}
	acc := o.read(addr)
	if !acc.codeSet {
		if o.err != nil {
			return nil
		}
		v, err := o.reader.Code(o.ctx, addr)
		if err != nil {
			o.fail(err)
			return nil
		}
		acc.code, acc.codeSet = v, true
	}
	return acc.code
}

func (o *Overlay) GetCodeHash(addr common.Address) common.Hash {
	code := o.GetCode(addr)
	if len(code) == 0 {
		return gethtypes.EmptyCodeHash
	}
	return crypto.Keccak256Hash(code)
}

func (o *Overlay) GetState(addr common.Address, slot common.Hash) common.Hash {
	if p := o.writes[addr]; p != nil {
		if v, ok := p.storage[slot]; ok {
			return v
		}
		if p.created {
			return common.Hash{}
		}
	}
	acc := o.read(addr)
	v, ok := acc.storage[slot]
	if !ok {
		if o.err != nil {
			return common.Hash{}
		}
		var err error
		v, err = o.reader.Storage(o.ctx, addr, slot)
		if err != nil {
			o.fail(err)
			return common.Hash{}
		}
		acc.storage[slot] = v
	}
	return v
}

// Exist reports whether addr has a non-zero nonce, balance or code.
func (o *Overlay) Exist(addr common.Address) bool {
	if p := o.writes[addr]; p != nil && p.created {
		return true
	}
	return o.GetNonce(addr) != 0 || !o.GetBalance(addr).IsZero() || len(o.GetCode(addr)) != 0
}

// ---------------------------------------------------------------------------
// Mutators
// ---------------------------------------------------------------------------

func (o *Overlay) SetBalance(addr common.Address, v *uint256.Int) {
	p := o.pending(addr)
	o.journal = append(o.journal, pendingBalance{addr: addr, prev: p.balance})
	p.balance = new(uint256.Int).Set(v)
}

func (o *Overlay) AddBalance(addr common.Address, amount *uint256.Int) {
	o.SetBalance(addr, new(uint256.Int).Add(o.GetBalance(addr), amount))
}

func (o *Overlay) SubBalance(addr common.Address, amount *uint256.Int) {
	o.SetBalance(addr, new(uint256.Int).Sub(o.GetBalance(addr), amount))
}

func (o *Overlay) SetNonce(addr common.Address, n uint64) {
	p := o.pending(addr)
	o.journal = append(o.journal, pendingNonce{addr: addr, prev: p.nonce})
	p.nonce = &n
}

func (o *Overlay) SetCode(addr common.Address, code []byte) {
	p := o.pending(addr)
	o.journal = append(o.journal, pendingCode{addr: addr, prev: p.code, prevSet: p.codeSet})
	p.code = common.CopyBytes(code)
	p.codeSet = true
}

func (o *Overlay) SetState(addr common.Address, slot, value common.Hash) {
	p := o.pending(addr)
	prev, existed := p.storage[slot]
	o.journal = append(o.journal, pendingStorage{addr: addr, slot: slot, prev: prev, prevExists: existed})
	p.storage[slot] = value
}

// CreateAccount marks addr as newly created: its storage reads as empty,
// including slots written earlier in the block.
func (o *Overlay) CreateAccount(addr common.Address) {
	p := o.pending(addr)
	o.journal = append(o.journal, pendingFresh{addr: addr, prev: p.created, prevStorage: p.storage})
	p.storage = make(map[common.Hash]common.Hash)
	p.created = true
}

func (o *Overlay) AddLog(l *gethtypes.Log) {
	o.journal = append(o.journal, logAdded{prevLen: len(o.logs)})
	o.logs = append(o.logs, l)
}

func (o *Overlay) AddRefund(gas uint64) {
	o.journal = append(o.journal, refundChange{prev: o.refund})
	o.refund += gas
}

func (o *Overlay) SubRefund(gas uint64) {
	o.journal = append(o.journal, refundChange{prev: o.refund})
	if gas > o.refund {
		o.refund = 0
		return
	}
	o.refund -= gas
}

func (o *Overlay) GetRefund() uint64 { return o.refund }

// Snapshot returns a revision id for RevertToSnapshot.
func (o *Overlay) Snapshot() int { return len(o.journal) }

// RevertToSnapshot undoes every write made after revision id.
func (o *Overlay) RevertToSnapshot(id int) {
	for i := len(o.journal) - 1; i >= id; i-- {
		o.journal[i].undo(o)
	}
	o.journal = o.journal[:id]
}

// BeginTx resets the per-transaction journal, logs and refund counter.
func (o *Overlay) BeginTx() {
	o.journal = o.journal[:0]
	o.logs = nil
	o.refund = 0
}

// Logs returns the logs emitted by the current transaction.
func (o *Overlay) Logs() []*gethtypes.Log { return o.logs }

// Diff returns the accumulated writes.
func (o *Overlay) Diff() types.StateDiff {
	diff := make(types.StateDiff, len(o.writes))
	for addr, p := range o.writes {
		d := diff.Account(addr)
		d.Created = p.created
		if p.balance != nil {
			d.SetBalance(p.balance)
		}
		if p.nonce != nil {
			d.SetNonce(*p.nonce)
		}
		if p.codeSet {
			d.SetCode(p.code)
		}
		for k, v := range p.storage {
			d.SetState(k, v)
		}
	}
	return diff
}

// ---------------------------------------------------------------------------
// Overlay journal
// ---------------------------------------------------------------------------

type overlayChange interface {
	undo(o *Overlay)
}

type pendingCreated struct{ addr common.Address }

func (ch pendingCreated) undo(o *Overlay) { delete(o.writes, ch.addr) }

type pendingBalance struct {
	addr common.Address
	prev *uint256.Int
}

func (ch pendingBalance) undo(o *Overlay) {
	if p := o.writes[ch.addr]; p != nil {
		p.balance = ch.prev
	}
}

type pendingNonce struct {
	addr common.Address
	prev *uint64
}

func (ch pendingNonce) undo(o *Overlay) {
	if p := o.writes[ch.addr]; p != nil {
		p.nonce = ch.prev
	}
}

type pendingCode struct {
	addr    common.Address
	prev    []byte
	prevSet bool
}

func (ch pendingCode) undo(o *Overlay) {
	if p := o.writes[ch.addr]; p != nil {
		p.code, p.codeSet = ch.prev, ch.prevSet
	}
}

type pendingStorage struct {
	addr       common.Address
	slot       common.Hash
	prev       common.Hash
	prevExists bool
}

func (ch pendingStorage) undo(o *Overlay) {
	p := o.writes[ch.addr]
	if p == nil {
		return
	}
	if ch.prevExists {
		p.storage[ch.slot] = ch.prev
	} else {
		delete(p.storage, ch.slot)
	}
}

type pendingFresh struct {
	addr        common.Address
	prev        bool
	prevStorage map[common.Hash]common.Hash
}

func (ch pendingFresh) undo(o *Overlay) {
	if p := o.writes[ch.addr]; p != nil {
		p.created = ch.prev
		p.storage = ch.prevStorage
	}
}

type logAdded struct{ prevLen int }

func (ch logAdded) undo(o *Overlay) { o.logs = o.logs[:ch.prevLen] }

type refundChange struct{ prev uint64 }

func (ch refundChange) undo(o *Overlay) { o.refund = ch.prev }
