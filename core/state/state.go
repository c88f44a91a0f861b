// Package state implements the authoritative ledger of the dev chain: the
// committed block sequence, local account writes, a memo of values read
// from a forked remote chain, and journal-backed snapshots.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/eth2030/devchain/core/types"
	"github.com/eth2030/devchain/log"
)

var (
	ErrUnknownSnapshot = errors.New("unknown snapshot")
	ErrInvalidBlock    = errors.New("invalid block")
	ErrUnknownBlock    = errors.New("unknown block")
	// ErrNotCached is matched by every *MissError.
	ErrNotCached = errors.New("state not cached")
)

// Field names one piece of account state.
type Field uint8

const (
	FieldBalance Field = iota
	FieldNonce
	FieldCode
	FieldStorage
)

func (f Field) String() string {
	switch f {
	case FieldBalance:
		return "balance"
	case FieldNonce:
		return "nonce"
	case FieldCode:
		return "code"
	case FieldStorage:
		return "storage"
	}
	return fmt.Sprintf("field(%d)", uint8(f))
}

// MissError is returned by the cached reader when a value is known neither
// locally nor in the remote memo. Fetch resolves it.
type MissError struct {
	Field Field
	Addr  common.Address
	// Slot is set for FieldStorage.
	Slot common.Hash
}

func (e *MissError) Error() string {
	if e.Field == FieldStorage {
		return fmt.Sprintf("%v: %s of %s slot %s", ErrNotCached, e.Field, e.Addr, e.Slot)
	}
	return fmt.Sprintf("%v: %s of %s", ErrNotCached, e.Field, e.Addr)
}

func (e *MissError) Is(target error) bool { return target == ErrNotCached }

// prefetchParallelism bounds concurrent remote reads issued by Prefetch.
const prefetchParallelism = 16

// Reader exposes account state. Reads may block on a remote fetch in fork
// mode and fail with the fetch error.
type Reader interface {
	Balance(ctx context.Context, addr common.Address) (*uint256.Int, error)
	Nonce(ctx context.Context, addr common.Address) (uint64, error)
	Code(ctx context.Context, addr common.Address) ([]byte, error)
	Storage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error)
}

// Source supplies state and history of a forked remote chain at its pin.
// *fork.Backend implements it.
type Source interface {
	Reader
	HeaderByNumber(ctx context.Context, number uint64) (*gethtypes.Header, error)
}

// Alloc seeds accounts at genesis.
type Alloc map[common.Address]*types.Account

// account holds locally known fields; nil fields fall through to the
// remote memo or the source.
type account struct {
	balance *uint256.Int
	nonce   *uint64
	code    []byte
	codeSet bool
	storage map[common.Hash]common.Hash
	// fresh hides memoized and remote storage: the account was created
	// locally, so unwritten slots are zero.
	fresh bool
}

func newAccount() *account {
	return &account{storage: make(map[common.Hash]common.Hash)}
}

type txLookup struct {
	block *types.Block
	index int
}

type snapshot struct {
	id      uint64
	head    uint64
	journal int
}

// ChainState is the single owned ledger of the node.
type ChainState struct {
	source Source
	log    *log.Logger

	mu       sync.RWMutex
	accounts map[common.Address]*account
	// memo caches remote reads. It is not journaled and survives reverts.
	memo map[common.Address]*account

	blocks []*types.Block
	base   uint64
	byHash map[common.Hash]*types.Block
	txs    map[common.Hash]txLookup

	journal      journal
	snapshots    []snapshot
	nextSnapshot uint64
}

// New creates a ledger whose head is genesis. A nil source disables fork
// mode: unknown accounts read as empty.
func New(genesis *types.Block, alloc Alloc, source Source, logger *log.Logger) *ChainState {
	s := &ChainState{
		source:   source,
		log:      log.OrDefault(logger).Module("state"),
		accounts: make(map[common.Address]*account),
		memo:     make(map[common.Address]*account),
		base:     genesis.Number(),
		byHash:   make(map[common.Hash]*types.Block),
		txs:      make(map[common.Hash]txLookup),
	}
	s.appendBlock(genesis)
	for addr, acc := range alloc {
		s.writeAccountLocked(addr, acc)
	}
	return s
}

// Forked reports whether unknown state is read from a remote chain.
func (s *ChainState) Forked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source != nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// lookup serves a field from local writes, then the remote memo. ok is
// also set when there is no source, with the zero value.
func lookup[T any](s *ChainState, addr common.Address, get func(*account) (T, bool), zero func() T) (v T, ok bool, src Source) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if acc := s.accounts[addr]; acc != nil {
		if v, ok := get(acc); ok {
			return v, true, nil
		}
	}
	if acc := s.memo[addr]; acc != nil {
		if v, ok := get(acc); ok {
			return v, true, nil
		}
	}
	if s.source == nil {
		return zero(), true, nil
	}
	return v, false, s.source
}

// read serves a field through lookup, falling back to the source. The
// source is consulted without holding the lock. With fetch unset a miss
// returns a *MissError for key instead.
func read[T any](ctx context.Context, s *ChainState, key MissError, fetch bool,
	get func(*account) (T, bool),
	remote func(context.Context, Source) (T, error),
	put func(*account, T),
	zero func() T,
) (T, error) {
	v, ok, src := lookup(s, key.Addr, get, zero)
	if ok {
		return v, nil
	}
	if !fetch {
		miss := key
		return zero(), &miss
	}
	v, err := remote(ctx, src)
	if err != nil {
		var none T
		return none, err
	}

	s.mu.Lock()
	if s.source != src {
		// Reset swapped the source while the read was in flight.
		s.mu.Unlock()
		return v, nil
	}
	acc := s.memo[key.Addr]
	if acc == nil {
		acc = newAccount()
		s.memo[key.Addr] = acc
	}
	if _, ok := get(acc); !ok {
		put(acc, v)
	}
	s.mu.Unlock()
	return v, nil
}

func (s *ChainState) balance(ctx context.Context, addr common.Address, fetch bool) (*uint256.Int, error) {
	return read(ctx, s, MissError{Field: FieldBalance, Addr: addr}, fetch,
		func(a *account) (*uint256.Int, bool) {
			if a.balance == nil {
				return nil, false
			}
			return new(uint256.Int).Set(a.balance), true
		},
		func(ctx context.Context, src Source) (*uint256.Int, error) { return src.Balance(ctx, addr) },
		func(a *account, v *uint256.Int) { a.balance = new(uint256.Int).Set(v) },
		func() *uint256.Int { return new(uint256.Int) },
	)
}

func (s *ChainState) nonce(ctx context.Context, addr common.Address, fetch bool) (uint64, error) {
	return read(ctx, s, MissError{Field: FieldNonce, Addr: addr}, fetch,
		func(a *account) (uint64, bool) {
			if a.nonce == nil {
				return 0, false
			}
			return *a.nonce, true
		},
		func(ctx context.Context, src Source) (uint64, error) { return src.Nonce(ctx, addr) },
		func(a *account, v uint64) { a.nonce = &v },
		func() uint64 { return 0 },
	)
}

func (s *ChainState) code(ctx context.Context, addr common.Address, fetch bool) ([]byte, error) {
	return read(ctx, s, MissError{Field: FieldCode, Addr: addr}, fetch,
		func(a *account) ([]byte, bool) {
			if !a.codeSet {
				return nil, false
			}
			return common.CopyBytes(a.code), true
		},
		func(ctx context.Context, src Source) ([]byte, error) { return src.Code(ctx, addr) },
		func(a *account, v []byte) {
			a.code = common.CopyBytes(v)
			a.codeSet = true
		},
		func() []byte { return nil },
	)
}

func (s *ChainState) storage(ctx context.Context, addr common.Address, slot common.Hash, fetch bool) (common.Hash, error) {
	return read(ctx, s, MissError{Field: FieldStorage, Addr: addr, Slot: slot}, fetch,
		func(a *account) (common.Hash, bool) {
			if v, ok := a.storage[slot]; ok {
				return v, true
			}
			return common.Hash{}, a.fresh
		},
		func(ctx context.Context, src Source) (common.Hash, error) { return src.Storage(ctx, addr, slot) },
		func(a *account, v common.Hash) { a.storage[slot] = v },
		func() common.Hash { return common.Hash{} },
	)
}

// Balance returns the balance of addr.
func (s *ChainState) Balance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	return s.balance(ctx, addr, true)
}

// Nonce returns the nonce of addr.
func (s *ChainState) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	return s.nonce(ctx, addr, true)
}

// Code returns the code of addr.
func (s *ChainState) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	return s.code(ctx, addr, true)
}

// Storage returns one storage word of addr.
func (s *ChainState) Storage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	return s.storage(ctx, addr, slot, true)
}

// Cached returns a Reader over local writes and the remote memo only. A value
// that would need the source fails with a *MissError, so the reader never
// blocks on remote I/O.
func (s *ChainState) Cached() Reader { return cachedReader{s} }

type cachedReader struct{ s *ChainState }

func (r cachedReader) Balance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	return r.s.balance(ctx, addr, false)
}

func (r cachedReader) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	return r.s.nonce(ctx, addr, false)
}

func (r cachedReader) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	return r.s.code(ctx, addr, false)
}

func (r cachedReader) Storage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	return r.s.storage(ctx, addr, slot, false)
}

// Fetch reads the value miss names through the source, memoizing it.
func (s *ChainState) Fetch(ctx context.Context, miss *MissError) error {
	var err error
	switch miss.Field {
	case FieldBalance:
		_, err = s.Balance(ctx, miss.Addr)
	case FieldNonce:
		_, err = s.Nonce(ctx, miss.Addr)
	case FieldCode:
		_, err = s.Code(ctx, miss.Addr)
	case FieldStorage:
		_, err = s.Storage(ctx, miss.Addr, miss.Slot)
	default:
		err = fmt.Errorf("state: unknown field %s", miss.Field)
	}
	return err
}

// Account returns the full account value of addr. Storage is limited to
// slots that were written or read.
func (s *ChainState) Account(ctx context.Context, addr common.Address) (*types.Account, error) {
	bal, err := s.Balance(ctx, addr)
	if err != nil {
		return nil, err
	}
	nonce, err := s.Nonce(ctx, addr)
	if err != nil {
		return nil, err
	}
	code, err := s.Code(ctx, addr)
	if err != nil {
		return nil, err
	}
	acc := &types.Account{Balance: bal, Nonce: nonce, Code: code, Storage: make(map[common.Hash]common.Hash)}
	s.mu.RLock()
	defer s.mu.RUnlock()
	l := s.accounts[addr]
	if m := s.memo[addr]; m != nil && (l == nil || !l.fresh) {
		for k, v := range m.storage {
			acc.Storage[k] = v
		}
	}
	if l != nil {
		for k, v := range l.storage {
			acc.Storage[k] = v
		}
	}
	return acc, nil
}

// Prefetch warms the remote memo for addrs concurrently. It is a no-op
// outside fork mode.
func (s *ChainState) Prefetch(ctx context.Context, addrs []common.Address) error {
	if !s.Forked() || len(addrs) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchParallelism)
	for _, addr := range addrs {
		addr := addr // per-iteration copy; go.mod targets go 1.21 loop semantics
		g.Go(func() error {
			_, err := s.Account(gctx, addr)
			return err
		})
	}
	return g.Wait()
}

// ---------------------------------------------------------------------------
// Blocks
// ---------------------------------------------------------------------------

func (s *ChainState) head() *types.Block { return s.blocks[len(s.blocks)-1] }

func (s *ChainState) appendBlock(b *types.Block) {
	s.blocks = append(s.blocks, b)
	s.byHash[b.Hash()] = b
	for i, tx := range b.Transactions() {
		s.txs[tx.Hash()] = txLookup{block: b, index: i}
	}
}

// Head returns the latest committed block.
func (s *ChainState) Head() *types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head()
}

// Genesis returns the first local block (the fork pin in fork mode).
func (s *ChainState) Genesis() *types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocks[0]
}

// BlockByNumber returns the block at number. Heights below the local
// genesis are served as header-only blocks from the fork source.
func (s *ChainState) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	s.mu.RLock()
	if number >= s.base && number-s.base < uint64(len(s.blocks)) {
		b := s.blocks[number-s.base]
		s.mu.RUnlock()
		return b, nil
	}
	src := s.source
	below := number < s.base
	s.mu.RUnlock()

	if below && src != nil {
		h, err := src.HeaderByNumber(ctx, number)
		if err != nil {
			return nil, err
		}
		return types.NewBlockFromHeader(h), nil
	}
	return nil, fmt.Errorf("%w: number %d", ErrUnknownBlock, number)
}

// BlockByHash returns a local block by hash.
func (s *ChainState) BlockByHash(hash common.Hash) (*types.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byHash[hash]
	return b, ok
}

// Receipt returns the receipt of an included transaction and its block.
func (s *ChainState) Receipt(txHash common.Hash) (*gethtypes.Receipt, *types.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.txs[txHash]
	if !ok {
		return nil, nil, false
	}
	return l.block.Receipts()[l.index], l.block, true
}

// Transaction returns an included transaction by hash.
func (s *ChainState) Transaction(txHash common.Hash) (*gethtypes.Transaction, *types.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.txs[txHash]
	if !ok {
		return nil, nil, false
	}
	return l.block.Transactions()[l.index], l.block, true
}

// Root returns the state commitment of the head block: the digest chained
// over every committed diff (see types.StateDiff.Digest). Cheats do not
// change it until the next block commits.
func (s *ChainState) Root() common.Hash {
	return s.Head().Root()
}

// ---------------------------------------------------------------------------
// Mutation
// ---------------------------------------------------------------------------

func (s *ChainState) record(entry journalEntry) {
	if len(s.snapshots) > 0 {
		s.journal.append(entry)
	}
}

func (s *ChainState) local(addr common.Address) *account {
	acc := s.accounts[addr]
	if acc == nil {
		acc = newAccount()
		s.accounts[addr] = acc
		s.record(createAccountChange{addr: addr})
	}
	return acc
}

func (s *ChainState) setBalanceLocked(addr common.Address, v *uint256.Int) {
	acc := s.local(addr)
	s.record(balanceChange{addr: addr, prev: acc.balance})
	acc.balance = new(uint256.Int).Set(v)
}

func (s *ChainState) setNonceLocked(addr common.Address, n uint64) {
	acc := s.local(addr)
	s.record(nonceChange{addr: addr, prev: acc.nonce})
	acc.nonce = &n
}

func (s *ChainState) setCodeLocked(addr common.Address, code []byte) {
	acc := s.local(addr)
	s.record(codeChange{addr: addr, prev: acc.code, prevSet: acc.codeSet})
	acc.code = common.CopyBytes(code)
	acc.codeSet = true
}

func (s *ChainState) setStorageLocked(addr common.Address, slot, value common.Hash) {
	acc := s.local(addr)
	prev, existed := acc.storage[slot]
	s.record(storageChange{addr: addr, slot: slot, prev: prev, prevExists: existed})
	acc.storage[slot] = value
}

// clearStorageLocked drops every slot of addr and hides memoized and remote
// storage behind it.
func (s *ChainState) clearStorageLocked(addr common.Address) {
	acc := s.local(addr)
	s.record(storageResetChange{addr: addr, prev: acc.storage, prevFresh: acc.fresh})
	acc.storage = make(map[common.Hash]common.Hash)
	acc.fresh = true
}

func (s *ChainState) writeAccountLocked(addr common.Address, acc *types.Account) {
	bal := acc.Balance
	if bal == nil {
		bal = new(uint256.Int)
	}
	s.setBalanceLocked(addr, bal)
	s.setNonceLocked(addr, acc.Nonce)
	s.setCodeLocked(addr, acc.Code)
	for k, v := range acc.Storage {
		s.setStorageLocked(addr, k, v)
	}
}

func validateChild(parent, block *types.Block) error {
	switch {
	case block.Number() != parent.Number()+1:
		return fmt.Errorf("%w: number %d, want %d", ErrInvalidBlock, block.Number(), parent.Number()+1)
	case block.ParentHash() != parent.Hash():
		return fmt.Errorf("%w: parent %s, want %s", ErrInvalidBlock, block.ParentHash(), parent.Hash())
	case block.Time() < parent.Time():
		return fmt.Errorf("%w: timestamp %d below parent %d", ErrInvalidBlock, block.Time(), parent.Time())
	case block.GasUsed() > block.GasLimit():
		return fmt.Errorf("%w: gas used %d exceeds limit %d", ErrInvalidBlock, block.GasUsed(), block.GasLimit())
	case len(block.Receipts()) != len(block.Transactions()):
		return fmt.Errorf("%w: %d receipts for %d transactions", ErrInvalidBlock, len(block.Receipts()), len(block.Transactions()))
	}
	return nil
}

// Commit appends block and applies diff as one atomic step. Readers observe
// either the state before or after, never a mix. A structurally invalid
// block leaves the ledger untouched and returns ErrInvalidBlock.
func (s *ChainState) Commit(block *types.Block, diff types.StateDiff) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateChild(s.head(), block); err != nil {
		return err
	}
	for _, addr := range diff.Addresses() {
		d := diff[addr]
		if d.Created {
			s.clearStorageLocked(addr)
		}
		if d.Balance != nil {
			s.setBalanceLocked(addr, d.Balance)
		}
		if d.Nonce != nil {
			s.setNonceLocked(addr, *d.Nonce)
		}
		if d.CodeSet {
			s.setCodeLocked(addr, d.Code)
		}
		for k, v := range d.Storage {
			s.setStorageLocked(addr, k, v)
		}
	}
	s.appendBlock(block)
	s.log.Debug("Committed block", "number", block.Number(), "hash", block.Hash(), "txs", len(block.Transactions()), "accounts", len(diff))
	return nil
}

// SetBalance overwrites the balance of addr without producing a block.
func (s *ChainState) SetBalance(addr common.Address, v *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setBalanceLocked(addr, v)
}

// SetNonce overwrites the nonce of addr without producing a block.
func (s *ChainState) SetNonce(addr common.Address, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setNonceLocked(addr, n)
}

// SetCode overwrites the code of addr without producing a block.
func (s *ChainState) SetCode(addr common.Address, code []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCodeLocked(addr, code)
}

// SetStorage overwrites one storage word of addr without producing a block.
func (s *ChainState) SetStorage(addr common.Address, slot, value common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStorageLocked(addr, slot, value)
}

// Reset discards every block, account, memoized read and snapshot, and
// restarts the ledger at genesis seeded with alloc. A nil source leaves fork
// mode. Snapshot ids keep increasing across resets.
func (s *ChainState) Reset(genesis *types.Block, alloc Alloc, source Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
	s.accounts = make(map[common.Address]*account)
	s.memo = make(map[common.Address]*account)
	s.blocks = nil
	s.base = genesis.Number()
	s.byHash = make(map[common.Hash]*types.Block)
	s.txs = make(map[common.Hash]txLookup)
	s.snapshots = nil
	s.journal.reset()
	s.appendBlock(genesis)
	for addr, acc := range alloc {
		s.writeAccountLocked(addr, acc)
	}
	s.log.Info("Reset chain", "number", genesis.Number(), "hash", genesis.Hash(), "forked", source != nil)
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// Snapshot captures the current head and journal position.
func (s *ChainState) Snapshot() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSnapshot++
	id := s.nextSnapshot
	s.snapshots = append(s.snapshots, snapshot{id: id, head: s.head().Number(), journal: s.journal.length()})
	return id
}

// Snapshots lists the live snapshot ids in creation order.
func (s *ChainState) Snapshots() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint64, len(s.snapshots))
	for i, snap := range s.snapshots {
		ids[i] = snap.id
	}
	return ids
}

// Revert restores the ledger to snapshot id and returns the restored head.
// The snapshot and every later one are consumed. Remote reads memoized in
// the meantime are kept.
func (s *ChainState) Revert(id uint64) (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, snap := range s.snapshots {
		if snap.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSnapshot, id)
	}
	snap := s.snapshots[idx]
	s.journal.revertTo(snap.journal, s)
	s.truncate(snap.head)
	s.snapshots = s.snapshots[:idx]
	if len(s.snapshots) == 0 {
		s.journal.reset()
	}
	head := s.head()
	s.log.Info("Reverted to snapshot", "id", id, "head", head.Number())
	return head, nil
}

// truncate drops every block above number.
func (s *ChainState) truncate(number uint64) {
	keep := int(number-s.base) + 1
	for _, b := range s.blocks[keep:] {
		delete(s.byHash, b.Hash())
		for _, tx := range b.Transactions() {
			delete(s.txs, tx.Hash())
		}
	}
	for i := keep; i < len(s.blocks); i++ {
		s.blocks[i] = nil
	}
	s.blocks = s.blocks[:keep]
}
