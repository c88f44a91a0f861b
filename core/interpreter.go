package core

import (
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// StateDB is the state surface handed to an Interpreter. *state.Overlay
// implements it.
type StateDB interface {
	GetBalance(addr common.Address) *uint256.Int
	AddBalance(addr common.Address, amount *uint256.Int)
	SubBalance(addr common.Address, amount *uint256.Int)
	GetNonce(addr common.Address) uint64
	SetNonce(addr common.Address, nonce uint64)
	GetCode(addr common.Address) []byte
	GetCodeHash(addr common.Address) common.Hash
	SetCode(addr common.Address, code []byte)
	GetState(addr common.Address, slot common.Hash) common.Hash
	SetState(addr common.Address, slot, value common.Hash)
	CreateAccount(addr common.Address)
	Exist(addr common.Address) bool
	AddLog(l *gethtypes.Log)
	AddRefund(gas uint64)
	SubRefund(gas uint64)
	GetRefund() uint64
	Snapshot() int
	RevertToSnapshot(id int)
}

// BlockEnv describes the block a transaction executes in.
type BlockEnv struct {
	ChainID    uint64
	Number     uint64
	ParentHash common.Hash
	ParentRoot common.Hash
	Time       uint64
	Coinbase   common.Address
	GasLimit   uint64
	BaseFee    *uint256.Int
	PrevRandao common.Hash
}

// Frame is one top-level message handed to the interpreter. Value has
// already been transferred from Caller to Address.
type Frame struct {
	Origin   common.Address
	Caller   common.Address
	Address  common.Address
	Input    []byte
	Value    *uint256.Int
	Gas      uint64
	GasPrice *uint256.Int
	// Create is set for contract deployment; Input is then the init code and
	// the returned bytes become the deployed code.
	Create bool
}

// Interpreter executes contract code. It returns the output, the gas left
// and an error; a *RevertError keeps the remaining gas, any other error
// consumes it all.
type Interpreter interface {
	Run(db StateDB, env *BlockEnv, frame *Frame) (ret []byte, gasLeft uint64, err error)
}

// InterpreterFunc adapts a function to the Interpreter interface.
type InterpreterFunc func(db StateDB, env *BlockEnv, frame *Frame) ([]byte, uint64, error)

func (f InterpreterFunc) Run(db StateDB, env *BlockEnv, frame *Frame) ([]byte, uint64, error) {
	return f(db, env, frame)
}
