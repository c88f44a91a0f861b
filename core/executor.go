package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/eth2030/devchain/core/state"
	"github.com/eth2030/devchain/core/types"
	"github.com/eth2030/devchain/log"
)

// InvalidTx is a transaction excluded from a block because it could not
// execute against the state it met.
type InvalidTx struct {
	Tx  *types.PendingTransaction
	Err error
}

// Result is the outcome of building one block.
type Result struct {
	Block    *types.Block
	Diff     types.StateDiff
	Included []*types.PendingTransaction
	// Outcomes holds one execution result per included transaction.
	Outcomes []*ExecutionResult
	Invalid  []InvalidTx
	// Deferred transactions did not fit the remaining block gas, or follow
	// an excluded transaction of the same sender. They stay in the pool.
	Deferred []*types.PendingTransaction
}

// Executor sequences transactions into a block on top of a state reader.
type Executor struct {
	transition StateTransition
	log        *log.Logger
}

// NewExecutor returns an executor applying transactions with transition.
func NewExecutor(transition StateTransition, logger *log.Logger) *Executor {
	if transition == nil {
		transition = NewTransition(nil)
	}
	return &Executor{transition: transition, log: log.OrDefault(logger).Module("executor")}
}

// Apply executes txs in order against reader and seals the result into a
// block described by env. Reader is never written; the returned diff holds
// every change. A state read failure aborts the whole block.
func (e *Executor) Apply(ctx context.Context, reader state.Reader, txs []*types.PendingTransaction, env BlockEnv) (*Result, error) {
	var (
		db         = state.NewOverlay(ctx, reader)
		gp         = new(GasPool).AddGas(env.GasLimit)
		res        = new(Result)
		blocked    = make(map[common.Address]bool)
		included   []*gethtypes.Transaction
		receipts   []*gethtypes.Receipt
		cumulative uint64
	)
	for _, ptx := range txs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if blocked[ptx.From] {
			res.Deferred = append(res.Deferred, ptx)
			continue
		}
		if ptx.Gas() > gp.Gas() {
			e.log.Warn("Transaction exceeds remaining block gas", "hash", ptx.Hash, "gas", ptx.Gas(), "remaining", gp.Gas())
			res.Deferred = append(res.Deferred, ptx)
			blocked[ptx.From] = true
			continue
		}

		db.BeginTx()
		msg := TransactionToMessage(ptx, env.BaseFee)
		snapshot := db.Snapshot()
		result, err := e.transition.Apply(db, &env, msg, gp)
		if rerr := db.Error(); rerr != nil {
			return nil, fmt.Errorf("core: executing %s: %w", ptx.Hash, rerr)
		}
		if err != nil {
			db.RevertToSnapshot(snapshot)
			if !errors.Is(err, ErrInvalidPreState) {
				err = fmt.Errorf("%w: %w", ErrInvalidPreState, err)
			}
			e.log.Debug("Excluding invalid transaction", "hash", ptx.Hash, "err", err)
			res.Invalid = append(res.Invalid, InvalidTx{Tx: ptx, Err: err})
			blocked[ptx.From] = true
			continue
		}

		cumulative += result.UsedGas
		receipt := &gethtypes.Receipt{
			Type:              ptx.Tx.Type(),
			Status:            gethtypes.ReceiptStatusSuccessful,
			CumulativeGasUsed: cumulative,
			Logs:              db.Logs(),
			TxHash:            ptx.Hash,
			ContractAddress:   result.ContractAddress,
			GasUsed:           result.UsedGas,
			EffectiveGasPrice: msg.GasPrice.ToBig(),
		}
		if result.Failed() {
			receipt.Status = gethtypes.ReceiptStatusFailed
			e.log.Debug("Transaction failed", "hash", ptx.Hash, "err", result.Err)
		}
		if receipt.Logs == nil {
			receipt.Logs = []*gethtypes.Log{}
		}
		for _, l := range receipt.Logs {
			l.TxHash = ptx.Hash
		}
		included = append(included, ptx.Tx)
		receipts = append(receipts, receipt)
		res.Included = append(res.Included, ptx)
		res.Outcomes = append(res.Outcomes, result)
	}

	res.Diff = db.Diff()
	header := &gethtypes.Header{
		ParentHash: env.ParentHash,
		UncleHash:  gethtypes.EmptyUncleHash,
		Coinbase:   env.Coinbase,
		Root:       res.Diff.Digest(env.ParentRoot),
		Number:     new(big.Int).SetUint64(env.Number),
		GasLimit:   env.GasLimit,
		GasUsed:    cumulative,
		Time:       env.Time,
		MixDigest:  env.PrevRandao,
		Difficulty: new(big.Int),
	}
	if env.BaseFee != nil {
		header.BaseFee = env.BaseFee.ToBig()
	}
	res.Block = types.NewBlock(header, included, receipts)
	return res, nil
}

// Simulate executes msg on a throwaway overlay, as eth_call does. Nonce and
// fee checks are skipped; gas defaults to the block gas limit.
func (e *Executor) Simulate(ctx context.Context, reader state.Reader, msg *Message, env BlockEnv) (*ExecutionResult, error) {
	sim := *msg
	sim.SkipNonceChecks = true
	sim.SkipFeeChecks = true
	if sim.GasLimit == 0 {
		sim.GasLimit = env.GasLimit
	}
	if sim.Value == nil {
		sim.Value = new(uint256.Int)
	}
	if sim.GasPrice == nil {
		sim.GasPrice = new(uint256.Int)
	}
	db := state.NewOverlay(ctx, reader)
	// Simulated calls run at the sender's current nonce.
	sim.Nonce = db.GetNonce(sim.From)
	gp := new(GasPool).AddGas(sim.GasLimit)
	result, err := e.transition.Apply(db, &env, &sim, gp)
	if rerr := db.Error(); rerr != nil {
		return nil, rerr
	}
	return result, err
}
