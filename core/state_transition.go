package core

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
)

// maxRefundQuotient caps refunds at gasUsed/5 (EIP-3529).
const maxRefundQuotient = 5

// StateTransition applies one message to a StateDB. A returned error means
// the message was invalid against the pre-state and left db and gp
// untouched; execution failures are reported in the result instead.
type StateTransition interface {
	Apply(db StateDB, env *BlockEnv, msg *Message, gp *GasPool) (*ExecutionResult, error)
}

// Transition is the default StateTransition. Calls into code and contract
// creations are delegated to Interpreter; plain transfers are native.
type Transition struct {
	Interpreter Interpreter
}

// NewTransition returns a transition running code on interp. A nil interp
// fails every call into code with ErrNoInterpreter.
func NewTransition(interp Interpreter) *Transition {
	return &Transition{Interpreter: interp}
}

// IntrinsicGas computes the gas charged before execution starts.
func IntrinsicGas(data []byte, accessList gethtypes.AccessList, isCreate bool) uint64 {
	gas := params.TxGas
	if isCreate {
		gas = params.TxGasContractCreation
	}
	if len(data) > 0 {
		var nz uint64
		for _, b := range data {
			if b != 0 {
				nz++
			}
		}
		z := uint64(len(data)) - nz
		gas += nz * params.TxDataNonZeroGasEIP2028
		gas += z * params.TxDataZeroGas
		if isCreate {
			words := (uint64(len(data)) + 31) / 32
			gas += words * params.InitCodeWordGas
		}
	}
	for _, tuple := range accessList {
		gas += params.TxAccessListAddressGas
		gas += uint64(len(tuple.StorageKeys)) * params.TxAccessListStorageKeyGas
	}
	return gas
}

// preCheck validates msg against the pre-state without mutating anything.
func (t *Transition) preCheck(db StateDB, env *BlockEnv, msg *Message) error {
	if !msg.SkipNonceChecks {
		stateNonce := db.GetNonce(msg.From)
		if msg.Nonce < stateNonce {
			return invalid(ErrNonceTooLow, "address %v, tx nonce: %d, state nonce: %d", msg.From, msg.Nonce, stateNonce)
		}
		if msg.Nonce > stateNonce {
			return invalid(ErrNonceTooHigh, "address %v, tx nonce: %d, state nonce: %d", msg.From, msg.Nonce, stateNonce)
		}
	}
	if !msg.SkipFeeChecks && env.BaseFee != nil && msg.GasFeeCap != nil && msg.GasFeeCap.Lt(env.BaseFee) {
		return invalid(ErrFeeCapTooLow, "address %v, maxFeePerGas: %s, baseFee: %s", msg.From, msg.GasFeeCap, env.BaseFee)
	}
	if igas := IntrinsicGas(msg.Data, msg.AccessList, msg.To == nil); igas > msg.GasLimit {
		return invalid(ErrIntrinsicGas, "have %d, want %d", msg.GasLimit, igas)
	}

	// The sender must cover the worst case: gas at the fee cap plus value.
	price := msg.GasPrice
	if !msg.SkipFeeChecks && msg.GasFeeCap != nil {
		price = msg.GasFeeCap
	}
	need, mulOverflow := new(uint256.Int).MulOverflow(price, uint256.NewInt(msg.GasLimit))
	need, addOverflow := need.AddOverflow(need, msg.Value)
	if mulOverflow || addOverflow {
		return invalid(ErrInsufficientFunds, "address %v, cost exceeds 256 bits", msg.From)
	}
	if have := db.GetBalance(msg.From); have.Lt(need) {
		return invalid(ErrInsufficientFunds, "address %v have %v want %v", msg.From, have, need)
	}
	return nil
}

// Apply executes msg: buy gas, bump nonce, run, refund, pay the coinbase.
func (t *Transition) Apply(db StateDB, env *BlockEnv, msg *Message, gp *GasPool) (*ExecutionResult, error) {
	if err := t.preCheck(db, env, msg); err != nil {
		return nil, err
	}
	if err := gp.SubGas(msg.GasLimit); err != nil {
		return nil, fmt.Errorf("%w: have %d, want %d", err, gp.Gas(), msg.GasLimit)
	}

	gasPrice := msg.GasPrice
	db.SubBalance(msg.From, new(uint256.Int).Mul(gasPrice, uint256.NewInt(msg.GasLimit)))

	isCreate := msg.To == nil
	gasLeft := msg.GasLimit - IntrinsicGas(msg.Data, msg.AccessList, isCreate)
	execGas := gasLeft
	db.SetNonce(msg.From, msg.Nonce+1)

	var (
		execErr      error
		returnData   []byte
		contractAddr = msg.To
		snapshot     = db.Snapshot()
	)
	switch {
	case isCreate:
		addr := crypto.CreateAddress(msg.From, msg.Nonce)
		contractAddr = &addr
		if t.Interpreter == nil {
			execErr, gasLeft = ErrNoInterpreter, 0
			break
		}
		db.CreateAccount(addr)
		db.SetNonce(addr, 1)
		transfer(db, msg.From, addr, msg.Value)
		returnData, gasLeft, execErr = t.Interpreter.Run(db, env, &Frame{
			Origin: msg.From, Caller: msg.From, Address: addr,
			Input: msg.Data, Value: msg.Value, Gas: gasLeft, GasPrice: gasPrice, Create: true,
		})
		if execErr == nil {
			db.SetCode(addr, returnData)
		}
	case len(db.GetCode(*msg.To)) > 0:
		if t.Interpreter == nil {
			execErr, gasLeft = ErrNoInterpreter, 0
			break
		}
		transfer(db, msg.From, *msg.To, msg.Value)
		returnData, gasLeft, execErr = t.Interpreter.Run(db, env, &Frame{
			Origin: msg.From, Caller: msg.From, Address: *msg.To,
			Input: msg.Data, Value: msg.Value, Gas: gasLeft, GasPrice: gasPrice,
		})
	default:
		// Simple value transfer (no code at destination)
		transfer(db, msg.From, *msg.To, msg.Value)
	}
	if gasLeft > execGas {
		gasLeft = execGas
	}
	if execErr != nil {
		db.RevertToSnapshot(snapshot)
		if !errors.Is(execErr, ErrReverted) {
			gasLeft = 0
		}
	}

	gasUsed := msg.GasLimit - gasLeft
	refund := db.GetRefund()
	if maxRefund := gasUsed / maxRefundQuotient; refund > maxRefund {
		refund = maxRefund
	}
	if execErr != nil {
		refund = 0
	}
	gasUsed -= refund

	remaining := msg.GasLimit - gasUsed
	if remaining > 0 {
		db.AddBalance(msg.From, new(uint256.Int).Mul(gasPrice, uint256.NewInt(remaining)))
	}
	gp.AddGas(remaining)

	tip := new(uint256.Int).Set(gasPrice)
	if env.BaseFee != nil {
		if gasPrice.Lt(env.BaseFee) {
			tip.Clear()
		} else {
			tip.Sub(gasPrice, env.BaseFee)
		}
	}
	if fee := tip.Mul(tip, uint256.NewInt(gasUsed)); !fee.IsZero() {
		db.AddBalance(env.Coinbase, fee)
	}

	result := &ExecutionResult{
		UsedGas:    gasUsed,
		Err:        execErr,
		ReturnData: returnData,
	}
	if isCreate && contractAddr != nil {
		result.ContractAddress = *contractAddr
	}
	return result, nil
}

func transfer(db StateDB, from, to common.Address, value *uint256.Int) {
	if value == nil || value.IsZero() {
		return
	}
	db.SubBalance(from, value)
	db.AddBalance(to, value)
}
