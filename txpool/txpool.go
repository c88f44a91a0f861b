// Package txpool holds submitted transactions until the miner includes them.
//
// Each sender's transactions are split in two partitions. Ready holds the
// contiguous nonce run starting at the sender's account nonce; those
// transactions can execute in the next block. Pending (the queue) holds
// transactions stuck behind a nonce gap until the gap closes.
package txpool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/eth2030/devchain/core"
	"github.com/eth2030/devchain/core/types"
	"github.com/eth2030/devchain/log"
	"github.com/eth2030/devchain/metrics"
)

// Error codes for transaction admission.
var (
	ErrInvalidSender          = errors.New("invalid sender")
	ErrAlreadyKnown           = errors.New("already known")
	ErrNonceTooLow            = errors.New("nonce too low")
	ErrGasLimit               = errors.New("exceeds block gas limit")
	ErrInsufficientFunds      = errors.New("insufficient funds for gas * price + value")
	ErrIntrinsicGas           = errors.New("intrinsic gas too low")
	ErrPoolFull               = errors.New("transaction pool is full")
	ErrOversizedData          = errors.New("oversized data")
	ErrUnderpriced            = errors.New("transaction underpriced")
	ErrReplacementUnderpriced = errors.New("replacement transaction underpriced")
	ErrFeeCapBelowTip         = errors.New("max fee per gas less than max priority fee per gas")
	ErrTxTypeNotSupported     = errors.New("transaction type not supported")
)

// rejectReasons maps admission errors to metric labels.
var rejectReasons = []struct {
	err   error
	label string
}{
	{ErrInvalidSender, "sender"},
	{ErrAlreadyKnown, "known"},
	{ErrNonceTooLow, "nonce"},
	{ErrGasLimit, "gas_limit"},
	{ErrInsufficientFunds, "funds"},
	{ErrIntrinsicGas, "intrinsic_gas"},
	{ErrPoolFull, "full"},
	{ErrOversizedData, "size"},
	{ErrUnderpriced, "underpriced"},
	{ErrReplacementUnderpriced, "replacement"},
	{ErrFeeCapBelowTip, "fee_cap"},
	{ErrTxTypeNotSupported, "type"},
}

// StateReader provides the account state used for admission and resync.
type StateReader interface {
	Balance(ctx context.Context, addr common.Address) (*uint256.Int, error)
	Nonce(ctx context.Context, addr common.Address) (uint64, error)
}

// TxPool implements a transaction pool with Ready and Pending partitions.
type TxPool struct {
	config  Config
	signer  gethtypes.Signer
	state   StateReader
	log     *log.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	baseFee *uint256.Int
	seq     uint64
	nonces  map[common.Address]uint64                  // account nonce per tracked sender
	ready   map[common.Address]*txSortedList            // executable transactions
	queue   map[common.Address]*txSortedList            // transactions behind a nonce gap
	all     map[common.Hash]*types.PendingTransaction // hash -> tx

	readyCh chan struct{}
}

// New creates a new transaction pool. Senders are recovered with the latest
// signer for chainID; tips are computed against baseFee.
func New(config Config, chainID *big.Int, state StateReader, baseFee *uint256.Int, logger *log.Logger, m *metrics.Metrics) *TxPool {
	if config.PriceBump == 0 {
		config.PriceBump = PriceBump
	}
	if config.Order == "" {
		config.Order = OrderFees
	}
	pool := &TxPool{
		config:  config,
		signer:  gethtypes.LatestSignerForChainID(chainID),
		state:   state,
		log:     log.OrDefault(logger).Module("txpool"),
		metrics: metrics.OrNop(m),
		nonces:  make(map[common.Address]uint64),
		ready:   make(map[common.Address]*txSortedList),
		queue:   make(map[common.Address]*txSortedList),
		all:     make(map[common.Hash]*types.PendingTransaction),
		readyCh: make(chan struct{}, 1),
	}
	if baseFee != nil {
		pool.baseFee = new(uint256.Int).Set(baseFee)
	}
	return pool
}

// Signer returns the signer used for sender recovery.
func (pool *TxPool) Signer() gethtypes.Signer { return pool.signer }

// Insert validates a signed transaction and admits it to the pool.
func (pool *TxPool) Insert(ctx context.Context, tx *gethtypes.Transaction) (*types.PendingTransaction, error) {
	from, err := gethtypes.Sender(pool.signer, tx)
	if err != nil {
		return nil, pool.reject(fmt.Errorf("%w: %v", ErrInvalidSender, err))
	}
	return pool.InsertFrom(ctx, tx, from)
}

// InsertFrom admits tx as sent by from without checking its signature. It
// backs impersonated senders.
func (pool *TxPool) InsertFrom(ctx context.Context, tx *gethtypes.Transaction, from common.Address) (*types.PendingTransaction, error) {
	if err := pool.validateTx(tx); err != nil {
		return nil, pool.reject(err)
	}
	if pool.Has(tx.Hash()) {
		return nil, pool.reject(ErrAlreadyKnown)
	}

	// State reads may hit the fork backend; never hold the pool lock across them.
	nonce, err := pool.state.Nonce(ctx, from)
	if err != nil {
		return nil, err
	}
	balance, err := pool.state.Balance(ctx, from)
	if err != nil {
		return nil, err
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	ptx, err := pool.add(tx, from, nonce, balance)
	if err != nil {
		return nil, pool.reject(err)
	}
	pool.metrics.PoolAdded.Inc()
	pool.updateGauges()
	if pool.isReady(ptx) {
		pool.notify()
	}
	pool.log.Debug("Transaction admitted", "hash", ptx.Hash, "from", from, "nonce", ptx.Nonce(), "ready", pool.isReady(ptx))
	return ptx, nil
}

func (pool *TxPool) reject(err error) error {
	label := "other"
	for _, r := range rejectReasons {
		if errors.Is(err, r.err) {
			label = r.label
			break
		}
	}
	pool.metrics.PoolRejected.WithLabelValues(label).Inc()
	return err
}

// validateTx performs the state-independent checks.
func (pool *TxPool) validateTx(tx *gethtypes.Transaction) error {
	if tx.Type() == gethtypes.BlobTxType {
		return ErrTxTypeNotSupported
	}
	if tx.Size() > MaxTxSize {
		return ErrOversizedData
	}
	pool.mu.RLock()
	gasLimit, minTip := pool.config.BlockGasLimit, pool.config.MinPriorityFee
	pool.mu.RUnlock()
	if tx.Gas() > gasLimit {
		return fmt.Errorf("%w: gas %d, limit %d", ErrGasLimit, tx.Gas(), gasLimit)
	}
	if igas := core.IntrinsicGas(tx.Data(), tx.AccessList(), tx.To() == nil); tx.Gas() < igas {
		return fmt.Errorf("%w: have %d, want %d", ErrIntrinsicGas, tx.Gas(), igas)
	}
	if tx.GasFeeCapIntCmp(tx.GasTipCap()) < 0 {
		return ErrFeeCapBelowTip
	}
	if types.BigToU256(tx.GasTipCap()).CmpUint64(minTip) < 0 {
		return fmt.Errorf("%w: tip %s, minimum %d", ErrUnderpriced, tx.GasTipCap(), minTip)
	}
	return nil
}

// add admits tx under the write lock. nonce and balance were read from state
// before the lock was taken.
func (pool *TxPool) add(tx *gethtypes.Transaction, from common.Address, nonce uint64, balance *uint256.Int) (*types.PendingTransaction, error) {
	hash := tx.Hash()
	if pool.all[hash] != nil {
		return nil, ErrAlreadyKnown
	}

	// A prune may have advanced the tracked nonce after our read.
	known, tracked := pool.nonces[from]
	switch {
	case !tracked || nonce > known:
		pool.resyncLocked(from, nonce, balance)
	default:
		nonce = known
	}
	if tx.Nonce() < nonce {
		return nil, fmt.Errorf("%w: address %v, tx nonce %d, state nonce %d", ErrNonceTooLow, from, tx.Nonce(), nonce)
	}
	if cost, overflow := types.MaxCost(tx); overflow || balance.Lt(cost) {
		return nil, fmt.Errorf("%w: address %v have %v want %v", ErrInsufficientFunds, from, balance, cost)
	}

	ptx := types.NewPendingTransaction(tx, from, pool.seq+1, pool.baseFee)
	old := pool.lookupNonce(from, tx.Nonce())
	if old != nil && !pool.hasSufficientBump(old, ptx) {
		return nil, ErrReplacementUnderpriced
	}
	if old == nil && len(pool.all) >= pool.config.Capacity {
		victim := pool.lowest(ptx)
		if victim == ptx {
			return nil, ErrPoolFull
		}
		pool.log.Debug("Evicting transaction", "hash", victim.Hash, "tip", victim.Tip)
		pool.removeTx(victim, metrics.DropEvicted)
	}
	pool.seq++
	pool.all[hash] = ptx
	pool.nonces[from] = nonce

	if old != nil {
		// Replace in place; the partition is unchanged.
		delete(pool.all, old.Hash)
		if list := pool.ready[from]; list != nil && list.Get(tx.Nonce()) == old {
			list.Add(ptx)
		} else {
			pool.queue[from].Add(ptx)
		}
		pool.metrics.PoolDropped.WithLabelValues(metrics.DropReplaced).Inc()
		return ptx, nil
	}

	if tx.Nonce() == nonce+uint64(listLen(pool.ready[from])) {
		pool.addReady(from, ptx)
	} else {
		pool.addQueue(from, ptx)
	}
	pool.promoteQueue(from)
	return ptx, nil
}

func listLen(l *txSortedList) int {
	if l == nil {
		return 0
	}
	return l.Len()
}

func (pool *TxPool) lookupNonce(from common.Address, nonce uint64) *types.PendingTransaction {
	if list := pool.ready[from]; list != nil {
		if ptx := list.Get(nonce); ptx != nil {
			return ptx
		}
	}
	if list := pool.queue[from]; list != nil {
		return list.Get(nonce)
	}
	return nil
}

// hasSufficientBump checks that both the fee cap and the tip cap of newTx are
// at least PriceBump percent above oldTx's.
func (pool *TxPool) hasSufficientBump(oldTx, newTx *types.PendingTransaction) bool {
	bumped := func(old *big.Int) *uint256.Int {
		v := new(uint256.Int).Mul(types.BigToU256(old), uint256.NewInt(100+pool.config.PriceBump))
		return v.Div(v, uint256.NewInt(100))
	}
	if types.BigToU256(newTx.Tx.GasFeeCap()).Lt(bumped(oldTx.Tx.GasFeeCap())) {
		return false
	}
	return !types.BigToU256(newTx.Tx.GasTipCap()).Lt(bumped(oldTx.Tx.GasTipCap()))
}

// lowest returns the eviction victim among the pool and the newcomer: the
// lowest effective tip, newest arrival first among equals.
func (pool *TxPool) lowest(newcomer *types.PendingTransaction) *types.PendingTransaction {
	victim := newcomer
	for _, ptx := range pool.all {
		switch c := ptx.Tip.Cmp(victim.Tip); {
		case c < 0, c == 0 && ptx.Seq > victim.Seq:
			victim = ptx
		}
	}
	return victim
}

func (pool *TxPool) addReady(from common.Address, ptx *types.PendingTransaction) {
	list, ok := pool.ready[from]
	if !ok {
		list = &txSortedList{}
		pool.ready[from] = list
	}
	list.Add(ptx)
}

func (pool *TxPool) addQueue(from common.Address, ptx *types.PendingTransaction) {
	list, ok := pool.queue[from]
	if !ok {
		list = &txSortedList{}
		pool.queue[from] = list
	}
	list.Add(ptx)
}

// promoteQueue moves queued transactions into Ready once their nonce joins
// the contiguous run.
func (pool *TxPool) promoteQueue(from common.Address) {
	queueList, ok := pool.queue[from]
	if !ok || queueList.Len() == 0 {
		delete(pool.queue, from)
		return
	}
	next := pool.nonces[from] + uint64(listLen(pool.ready[from]))
	for _, ptx := range queueList.Ready(next) {
		pool.addReady(from, ptx)
		queueList.Remove(ptx.Nonce())
	}
	if queueList.Len() == 0 {
		delete(pool.queue, from)
	}
}

// removeTx deletes ptx. Ready transactions of the same sender above it lose
// contiguity and are demoted to the queue.
func (pool *TxPool) removeTx(ptx *types.PendingTransaction, reason string) {
	if pool.all[ptx.Hash] != ptx {
		return
	}
	delete(pool.all, ptx.Hash)
	from := ptx.From

	if list := pool.ready[from]; list != nil && list.Get(ptx.Nonce()) == ptx {
		list.Remove(ptx.Nonce())
		for _, later := range list.Flatten() {
			if later.Nonce() > ptx.Nonce() {
				list.Remove(later.Nonce())
				pool.addQueue(from, later)
			}
		}
		if list.Len() == 0 {
			delete(pool.ready, from)
		}
	} else if list := pool.queue[from]; list != nil {
		list.Remove(ptx.Nonce())
		if list.Len() == 0 {
			delete(pool.queue, from)
		}
	}
	pool.forgetIfEmpty(from)
	pool.metrics.PoolDropped.WithLabelValues(reason).Inc()
}

func (pool *TxPool) forgetIfEmpty(from common.Address) {
	if listLen(pool.ready[from]) == 0 && listLen(pool.queue[from]) == 0 {
		delete(pool.ready, from)
		delete(pool.queue, from)
		delete(pool.nonces, from)
	}
}

// resyncLocked re-classifies from's transactions against its account nonce
// and balance. Stale nonces and unaffordable transactions are dropped.
func (pool *TxPool) resyncLocked(from common.Address, nonce uint64, balance *uint256.Int) {
	merged := &txSortedList{}
	if list := pool.ready[from]; list != nil {
		merged.items = list.Flatten()
	}
	if list := pool.queue[from]; list != nil {
		for _, ptx := range list.items {
			merged.Add(ptx)
		}
	}
	delete(pool.ready, from)
	delete(pool.queue, from)
	pool.nonces[from] = nonce

	for _, ptx := range merged.Forward(nonce) {
		delete(pool.all, ptx.Hash)
		pool.metrics.PoolDropped.WithLabelValues(metrics.DropStale).Inc()
	}
	for _, ptx := range merged.Flatten() {
		if cost, overflow := ptx.Cost(); balance != nil && (overflow || balance.Lt(cost)) {
			merged.Remove(ptx.Nonce())
			delete(pool.all, ptx.Hash)
			pool.metrics.PoolDropped.WithLabelValues(metrics.DropFunds).Inc()
			pool.log.Debug("Dropping unaffordable transaction", "hash", ptx.Hash, "from", from)
		}
	}
	for _, ptx := range merged.Ready(nonce) {
		merged.Remove(ptx.Nonce())
		pool.addReady(from, ptx)
	}
	if merged.Len() > 0 {
		pool.queue[from] = merged
	}
	pool.forgetIfEmpty(from)
}

// ---------------------------------------------------------------------------
// Post-commit maintenance
// ---------------------------------------------------------------------------

// Prune removes the included and stale transactions, then resyncs their
// senders against the post-commit state.
func (pool *TxPool) Prune(ctx context.Context, included, stale []common.Hash) error {
	return pool.Resync(ctx, pool.Remove(included, stale))
}

// Remove drops the included and stale transactions without touching state
// and returns their senders. Callers follow up with Resync.
func (pool *TxPool) Remove(included, stale []common.Hash) []common.Address {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	senders := make(map[common.Address]struct{})
	for _, hash := range included {
		if ptx := pool.all[hash]; ptx != nil {
			pool.removeTx(ptx, metrics.DropIncluded)
			senders[ptx.From] = struct{}{}
		}
	}
	for _, hash := range stale {
		if ptx := pool.all[hash]; ptx != nil {
			pool.removeTx(ptx, metrics.DropStale)
			senders[ptx.From] = struct{}{}
		}
	}
	pool.updateGauges()
	addrs := make([]common.Address, 0, len(senders))
	for addr := range senders {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Resync reloads nonce and balance for addrs: stale nonces and now
// unaffordable transactions are dropped, and queued transactions whose gap
// closed are promoted to Ready.
func (pool *TxPool) Resync(ctx context.Context, addrs []common.Address) error {
	return pool.resync(ctx, addrs)
}

// Reset resyncs every tracked sender. It follows state changes not produced
// by a block: revert, load and account cheats.
func (pool *TxPool) Reset(ctx context.Context) error {
	pool.mu.RLock()
	addrs := make([]common.Address, 0, len(pool.nonces))
	for addr := range pool.nonces {
		addrs = append(addrs, addr)
	}
	pool.mu.RUnlock()
	return pool.resync(ctx, addrs)
}

type accountSnapshot struct {
	nonce   uint64
	balance *uint256.Int
}

func (pool *TxPool) resync(ctx context.Context, addrs []common.Address) error {
	if len(addrs) == 0 {
		pool.mu.Lock()
		pool.updateGauges()
		pool.mu.Unlock()
		return nil
	}
	accounts := make(map[common.Address]accountSnapshot, len(addrs))
	for _, addr := range addrs {
		nonce, err := pool.state.Nonce(ctx, addr)
		if err != nil {
			return err
		}
		balance, err := pool.state.Balance(ctx, addr)
		if err != nil {
			return err
		}
		accounts[addr] = accountSnapshot{nonce: nonce, balance: balance}
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()
	hadReady := pool.readyLen() > 0
	for addr, acc := range accounts {
		// Senders with nothing left are forgotten.
		if _, ok := pool.nonces[addr]; !ok {
			continue
		}
		pool.resyncLocked(addr, acc.nonce, acc.balance)
	}
	pool.updateGauges()
	if !hadReady && pool.readyLen() > 0 {
		pool.notify()
	}
	return nil
}

// Drop removes a transaction on request. It reports whether it was present.
func (pool *TxPool) Drop(hash common.Hash) bool {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	ptx := pool.all[hash]
	if ptx == nil {
		return false
	}
	pool.removeTx(ptx, metrics.DropManual)
	pool.updateGauges()
	return true
}

// Clear removes every transaction.
func (pool *TxPool) Clear() {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if n := len(pool.all); n > 0 {
		pool.metrics.PoolDropped.WithLabelValues(metrics.DropManual).Add(float64(n))
	}
	pool.nonces = make(map[common.Address]uint64)
	pool.ready = make(map[common.Address]*txSortedList)
	pool.queue = make(map[common.Address]*txSortedList)
	pool.all = make(map[common.Hash]*types.PendingTransaction)
	pool.updateGauges()
}

// SetBaseFee recomputes every effective tip against fee. Pooled entries are
// replaced, never modified, so values already handed out stay unchanged.
func (pool *TxPool) SetBaseFee(fee *uint256.Int) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if fee == nil {
		pool.baseFee = nil
	} else {
		pool.baseFee = new(uint256.Int).Set(fee)
	}
	for hash, ptx := range pool.all {
		next := *ptx
		next.Tip = types.EffectiveTip(ptx.Tx, pool.baseFee)
		pool.all[hash] = &next
		if list := pool.ready[ptx.From]; list != nil && list.Get(ptx.Nonce()) == ptx {
			list.Add(&next)
		} else if list := pool.queue[ptx.From]; list != nil && list.Get(ptx.Nonce()) == ptx {
			list.Add(&next)
		}
	}
}

// SetBlockGasLimit updates the admission gas bound.
func (pool *TxPool) SetBlockGasLimit(limit uint64) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	pool.config.BlockGasLimit = limit
}

// SetMinPriorityFee changes the minimum tip cap accepted by Insert. Pooled
// transactions are kept.
func (pool *TxPool) SetMinPriorityFee(fee uint64) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	pool.config.MinPriorityFee = fee
}

// MinPriorityFee returns the minimum accepted tip cap.
func (pool *TxPool) MinPriorityFee() uint64 {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	return pool.config.MinPriorityFee
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Get retrieves a transaction by hash.
func (pool *TxPool) Get(hash common.Hash) *types.PendingTransaction {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	return pool.all[hash]
}

// Has reports whether hash is pooled.
func (pool *TxPool) Has(hash common.Hash) bool {
	return pool.Get(hash) != nil
}

// Len returns the total number of transactions in the pool.
func (pool *TxPool) Len() int {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	return len(pool.all)
}

// Stats returns the number of Ready and Pending transactions.
func (pool *TxPool) Stats() (ready, pending int) {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	return pool.readyLen(), len(pool.all) - pool.readyLen()
}

// ReadyLen returns the number of Ready transactions.
func (pool *TxPool) ReadyLen() int {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	return pool.readyLen()
}

// PendingNonce returns the next nonce for from given its account nonce,
// counting the sender's Ready run.
func (pool *TxPool) PendingNonce(from common.Address, stateNonce uint64) uint64 {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	known, ok := pool.nonces[from]
	if !ok {
		return stateNonce
	}
	return max(stateNonce, known+uint64(listLen(pool.ready[from])))
}

// Content returns both partitions grouped by sender in nonce order.
func (pool *TxPool) Content() (ready, pending map[common.Address][]*types.PendingTransaction) {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	ready = make(map[common.Address][]*types.PendingTransaction, len(pool.ready))
	for addr, list := range pool.ready {
		ready[addr] = list.Flatten()
	}
	pending = make(map[common.Address][]*types.PendingTransaction, len(pool.queue))
	for addr, list := range pool.queue {
		pending[addr] = list.Flatten()
	}
	return ready, pending
}

// Ready returns a channel signalled when transactions become Ready. Signals
// coalesce; receivers should drain the pool until ReadyLen is zero.
func (pool *TxPool) Ready() <-chan struct{} { return pool.readyCh }

func (pool *TxPool) notify() {
	select {
	case pool.readyCh <- struct{}{}:
	default:
	}
}

func (pool *TxPool) isReady(ptx *types.PendingTransaction) bool {
	list := pool.ready[ptx.From]
	return list != nil && list.Get(ptx.Nonce()) == ptx
}

func (pool *TxPool) readyLen() int {
	n := 0
	for _, list := range pool.ready {
		n += list.Len()
	}
	return n
}

func (pool *TxPool) updateGauges() {
	ready := pool.readyLen()
	pool.metrics.PoolReady.Set(float64(ready))
	pool.metrics.PoolPending.Set(float64(len(pool.all) - ready))
}
