package node

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/eth2030/devchain/core"
	"github.com/eth2030/devchain/core/state"
	"github.com/eth2030/devchain/core/types"
	"github.com/eth2030/devchain/fork"
	"github.com/eth2030/devchain/miner"
)

// ErrUnknownAccount is returned when sending from an address that is
// neither a dev account nor impersonated.
var ErrUnknownAccount = errors.New("node: unknown account")

// TransactionArgs are the fields of an unsigned transaction request. Unset
// fields are filled from chain and pool state.
type TransactionArgs struct {
	From common.Address
	To   *common.Address
	Gas  *uint64
	// GasPrice selects a legacy transaction.
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Value                *big.Int
	Data                 []byte
	Nonce                *uint64
	AccessList           gethtypes.AccessList
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

// Accounts returns the dev account addresses in index order.
func (n *Node) Accounts() []common.Address {
	return append([]common.Address(nil), n.accounts...)
}

// SendTransaction fills in args, signs it with the dev key of args.From (or
// admits it unsigned for an impersonated sender) and inserts it in the pool.
func (n *Node) SendTransaction(ctx context.Context, args TransactionArgs) (common.Hash, error) {
	key, dev := n.keys[args.From]
	if !dev && !n.IsImpersonated(args.From) {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownAccount, args.From)
	}
	tx, err := n.toTransaction(ctx, args)
	if err != nil {
		return common.Hash{}, err
	}
	if dev {
		signed, err := gethtypes.SignTx(tx, n.pool.Signer(), key)
		if err != nil {
			return common.Hash{}, fmt.Errorf("node: sign: %w", err)
		}
		if _, err := n.pool.Insert(ctx, signed); err != nil {
			return common.Hash{}, err
		}
		return signed.Hash(), nil
	}
	if _, err := n.pool.InsertFrom(ctx, tx, args.From); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// SendRawTransaction decodes a signed transaction envelope and inserts it.
func (n *Node) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(gethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("node: decode transaction: %w", err)
	}
	if _, err := n.pool.Insert(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (n *Node) toTransaction(ctx context.Context, args TransactionArgs) (*gethtypes.Transaction, error) {
	var nonce uint64
	if args.Nonce != nil {
		nonce = *args.Nonce
	} else {
		stateNonce, err := n.chain.Nonce(ctx, args.From)
		if err != nil {
			return nil, err
		}
		nonce = n.pool.PendingNonce(args.From, stateNonce)
	}
	value := args.Value
	if value == nil {
		value = new(big.Int)
	}
	gas := uint64(0)
	if args.Gas != nil {
		gas = *args.Gas
	} else {
		est, err := n.EstimateGas(ctx, args)
		if err != nil {
			return nil, err
		}
		gas = est
	}

	if args.GasPrice != nil {
		return gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: args.GasPrice,
			Gas:      gas,
			To:       args.To,
			Value:    value,
			Data:     args.Data,
		}), nil
	}
	tip := args.MaxPriorityFeePerGas
	if tip == nil {
		tip = new(big.Int).SetUint64(max(params.GWei, n.pool.MinPriorityFee()))
	}
	feeCap := args.MaxFeePerGas
	if feeCap == nil {
		feeCap = new(big.Int).Set(tip)
		if fee := n.miner.BaseFee(); fee != nil {
			feeCap.Add(feeCap, new(big.Int).Mul(fee.ToBig(), big.NewInt(2)))
		}
	}
	return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:    n.chainID,
		Nonce:      nonce,
		GasTipCap:  tip,
		GasFeeCap:  feeCap,
		Gas:        gas,
		To:         args.To,
		Value:      value,
		Data:       args.Data,
		AccessList: args.AccessList,
	}), nil
}

// DropTransaction removes a pooled transaction.
func (n *Node) DropTransaction(hash common.Hash) bool {
	return n.pool.Drop(hash)
}

// DropAllTransactions empties the pool.
func (n *Node) DropAllTransactions() {
	n.pool.Clear()
}

// Impersonate lets SendTransaction send from addr without its key.
func (n *Node) Impersonate(addr common.Address) {
	n.impMu.Lock()
	n.impersonated[addr] = struct{}{}
	n.impMu.Unlock()
}

// StopImpersonating reverses Impersonate.
func (n *Node) StopImpersonating(addr common.Address) {
	n.impMu.Lock()
	delete(n.impersonated, addr)
	n.impMu.Unlock()
}

// IsImpersonated reports whether addr is impersonated.
func (n *Node) IsImpersonated(addr common.Address) bool {
	n.impMu.RLock()
	defer n.impMu.RUnlock()
	_, ok := n.impersonated[addr]
	return ok
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// nextEnv is the environment of the block the miner would build next.
func (n *Node) nextEnv() core.BlockEnv {
	head := n.chain.Head()
	return core.BlockEnv{
		ChainID:    n.chainID.Uint64(),
		Number:     head.Number() + 1,
		ParentHash: head.Hash(),
		ParentRoot: head.Root(),
		Time:       n.time.NextTimestamp(),
		Coinbase:   n.miner.Coinbase(),
		GasLimit:   n.miner.GasLimit(),
		BaseFee:    n.miner.BaseFee(),
	}
}

func (n *Node) toMessage(args TransactionArgs) *core.Message {
	msg := &core.Message{
		From:       args.From,
		To:         args.To,
		Data:       args.Data,
		AccessList: args.AccessList,
	}
	if args.Value != nil {
		msg.Value = types.BigToU256(args.Value)
	}
	if args.Gas != nil {
		msg.GasLimit = *args.Gas
	}
	return msg
}

// Call executes args against the latest state without committing anything.
// A reverted or failed execution is reported in the result, not as an error.
func (n *Node) Call(ctx context.Context, args TransactionArgs) (*core.ExecutionResult, error) {
	return n.exec.Simulate(ctx, n.chain, n.toMessage(args), n.nextEnv())
}

// EstimateGas returns the gas args consumes against the latest state.
func (n *Node) EstimateGas(ctx context.Context, args TransactionArgs) (uint64, error) {
	if args.To != nil && len(args.Data) == 0 && len(args.AccessList) == 0 {
		code, err := n.chain.Code(ctx, *args.To)
		if err != nil {
			return 0, err
		}
		if len(code) == 0 {
			return params.TxGas, nil
		}
	}
	trial := args
	trial.Gas = nil
	res, err := n.Call(ctx, trial)
	if err != nil {
		return 0, err
	}
	if res.Failed() {
		return 0, fmt.Errorf("node: gas estimation: %w", res.Err)
	}
	return res.UsedGas, nil
}

func (n *Node) Balance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	return n.chain.Balance(ctx, addr)
}

func (n *Node) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	return n.chain.Nonce(ctx, addr)
}

func (n *Node) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	return n.chain.Code(ctx, addr)
}

func (n *Node) StorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	return n.chain.Storage(ctx, addr, slot)
}

// BlockNumber returns the head block number.
func (n *Node) BlockNumber() uint64 { return n.chain.Head().Number() }

// BlockByNumber returns a local block, or a remote header at or below the
// fork pin.
func (n *Node) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	return n.chain.BlockByNumber(ctx, number)
}

func (n *Node) BlockByHash(hash common.Hash) (*types.Block, bool) {
	return n.chain.BlockByHash(hash)
}

// Receipt returns the receipt of a mined transaction and its block.
func (n *Node) Receipt(hash common.Hash) (*gethtypes.Receipt, *types.Block, bool) {
	return n.chain.Receipt(hash)
}

// Transaction looks hash up in the chain, then in the pool. The block is
// nil for a pooled transaction.
func (n *Node) Transaction(hash common.Hash) (*gethtypes.Transaction, *types.Block, bool) {
	if tx, block, ok := n.chain.Transaction(hash); ok {
		return tx, block, true
	}
	if ptx := n.pool.Get(hash); ptx != nil {
		return ptx.Tx, nil, true
	}
	return nil, nil, false
}

// PoolStatus returns the number of Ready and Pending transactions.
func (n *Node) PoolStatus() (ready, pending int) { return n.pool.Stats() }

// PoolContent returns the pooled transactions grouped by sender.
func (n *Node) PoolContent() (ready, pending map[common.Address][]*types.PendingTransaction) {
	return n.pool.Content()
}

// ---------------------------------------------------------------------------
// Mining
// ---------------------------------------------------------------------------

// Mine produces count blocks (at least one). A non-nil timestamp applies to
// the first block.
func (n *Node) Mine(ctx context.Context, count uint64, timestamp *uint64) ([]*types.Block, error) {
	return n.miner.Mine(ctx, miner.MineOptions{Blocks: count, Timestamp: timestamp})
}

// SetMiningMode switches between auto, manual and interval mining.
func (n *Node) SetMiningMode(mode miner.Mode) error {
	return n.miner.SetMode(mode)
}

// SetAutomine toggles between auto and manual mining.
func (n *Node) SetAutomine(enabled bool) error {
	if enabled {
		return n.miner.SetMode(miner.Auto())
	}
	return n.miner.SetMode(miner.Manual())
}

// SetIntervalMining mines a block every secs seconds. Zero selects manual
// mining.
func (n *Node) SetIntervalMining(secs uint64) error {
	if secs == 0 {
		return n.miner.SetMode(miner.Manual())
	}
	return n.miner.SetMode(miner.Interval(time.Duration(secs) * time.Second))
}

// SetBlockGasLimit changes the gas limit of subsequent blocks.
func (n *Node) SetBlockGasLimit(limit uint64) error {
	if limit < params.TxGas {
		return fmt.Errorf("node: gas limit %d below %d", limit, params.TxGas)
	}
	n.miner.SetGasLimit(limit)
	n.pool.SetBlockGasLimit(limit)
	return nil
}

// SetNextBlockBaseFee overrides the base fee of the next block.
func (n *Node) SetNextBlockBaseFee(fee *uint256.Int) error {
	if fee == nil {
		return errors.New("node: nil base fee")
	}
	return n.miner.Exclusive(func() error {
		n.miner.SetNextBaseFee(fee)
		return nil
	})
}

// SetCoinbase changes the fee recipient of subsequent blocks.
func (n *Node) SetCoinbase(addr common.Address) {
	n.miner.SetCoinbase(addr)
}

// SetMinPriorityFee changes the minimum tip cap the pool accepts.
func (n *Node) SetMinPriorityFee(fee uint64) {
	n.pool.SetMinPriorityFee(fee)
}

// ---------------------------------------------------------------------------
// Reset
// ---------------------------------------------------------------------------

// Reset discards the chain and starts over from genesis: a new local genesis,
// or the same remote re-pinned at forkBlock (nil keeps the configured pin).
// Pool, snapshots and any pinned timestamp are cleared. The chain id never
// changes, so a remote reporting another id is rejected.
func (n *Node) Reset(ctx context.Context, forkBlock *uint64) error {
	n.mu.Lock()
	stopped := n.stopped
	n.mu.Unlock()
	if stopped {
		return ErrNodeStopped
	}
	alloc, err := n.genesisAlloc()
	if err != nil {
		return err
	}

	var (
		backend *fork.Backend
		source  state.Source
	)
	switch {
	case n.remote != nil:
		cfg := n.config.Fork
		if forkBlock != nil {
			cfg.BlockNumber = *forkBlock
		}
		backend, err = fork.New(ctx, n.remote, cfg, n.logger, n.metrics)
		if err != nil {
			return err
		}
		if id := backend.ChainID(); id != n.chainID.Uint64() {
			_ = backend.Close()
			return fmt.Errorf("%w: remote chain id %d, node %s", ErrChainIDChanged, id, n.chainID)
		}
		source = backend
	case forkBlock != nil:
		return ErrNotForked
	}
	genesis, baseFee := n.genesis(backend, alloc, n.time.Clock())

	var old *fork.Backend
	_ = n.miner.Exclusive(func() error {
		n.chain.Reset(genesis, alloc, source)
		n.time.Reset(genesis.Time())
		n.miner.SetNextBaseFee(baseFee)
		clear(n.snapFees)
		n.pool.Clear()
		n.forkMu.Lock()
		old, n.backend = n.backend, backend
		n.forkMu.Unlock()
		return nil
	})
	n.metrics.ChainHeight.Set(float64(genesis.Number()))
	if old != nil {
		if err := old.Close(); err != nil {
			n.log.Warn("Closing previous fork backend failed", "err", err)
		}
	}
	n.log.Info("Chain reset", "head", genesis.Number(), "hash", genesis.Hash(), "forked", backend != nil)
	return nil
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// Snapshot captures the chain and returns its id.
func (n *Node) Snapshot() uint64 {
	var id uint64
	_ = n.miner.Exclusive(func() error {
		id = n.chain.Snapshot()
		if fee := n.miner.NextBaseFee(); fee != nil {
			n.snapFees[id] = fee
		}
		return nil
	})
	return id
}

// Revert restores the chain to snapshot id, consuming it and every later
// snapshot. Block time, the next base fee and the pool follow the restored
// head.
func (n *Node) Revert(ctx context.Context, id uint64) error {
	err := n.miner.Exclusive(func() error {
		head, err := n.chain.Revert(id)
		if err != nil {
			return err
		}
		n.time.Reset(head.Time())
		if fee, ok := n.snapFees[id]; ok {
			n.miner.SetNextBaseFee(fee)
		}
		for sid := range n.snapFees {
			if sid >= id {
				delete(n.snapFees, sid)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	n.metrics.Reverts.Inc()
	return n.pool.Reset(ctx)
}

// ---------------------------------------------------------------------------
// Time
// ---------------------------------------------------------------------------

// IncreaseTime shifts block time forward and returns the total offset.
func (n *Node) IncreaseTime(secs uint64) int64 { return n.time.IncreaseTime(secs) }

// SetTime moves block time to ts and returns the new offset.
func (n *Node) SetTime(ts uint64) int64 { return n.time.SetTime(ts) }

// SetNextBlockTimestamp pins the next block's timestamp.
func (n *Node) SetNextBlockTimestamp(ts uint64) error { return n.time.SetNextTimestamp(ts) }

// SetBlockTimestampInterval spaces consecutive blocks by secs. Zero removes
// the interval.
func (n *Node) SetBlockTimestampInterval(secs uint64) {
	if secs == 0 {
		n.time.RemoveInterval()
		return
	}
	n.time.SetInterval(secs)
}

// ---------------------------------------------------------------------------
// Cheats
// ---------------------------------------------------------------------------

// cheat runs fn inside the mutation section, then re-validates the pool
// against the changed state.
func (n *Node) cheat(ctx context.Context, fn func()) error {
	_ = n.miner.Exclusive(func() error {
		fn()
		return nil
	})
	return n.pool.Reset(ctx)
}

func (n *Node) SetBalance(ctx context.Context, addr common.Address, balance *uint256.Int) error {
	return n.cheat(ctx, func() { n.chain.SetBalance(addr, balance) })
}

func (n *Node) SetNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	return n.cheat(ctx, func() { n.chain.SetNonce(addr, nonce) })
}

func (n *Node) SetCode(ctx context.Context, addr common.Address, code []byte) error {
	return n.cheat(ctx, func() { n.chain.SetCode(addr, code) })
}

func (n *Node) SetStorageAt(ctx context.Context, addr common.Address, slot, value common.Hash) error {
	return n.cheat(ctx, func() { n.chain.SetStorage(addr, slot, value) })
}

// DumpState serializes every known account.
func (n *Node) DumpState() ([]byte, error) {
	var data []byte
	err := n.miner.Exclusive(func() error {
		var err error
		data, err = n.chain.DumpBytes()
		return err
	})
	return data, err
}

// LoadState merges a DumpState blob into the current state.
func (n *Node) LoadState(ctx context.Context, data []byte) error {
	err := n.miner.Exclusive(func() error {
		return n.chain.LoadBytes(data)
	})
	if err != nil {
		return err
	}
	return n.pool.Reset(ctx)
}
