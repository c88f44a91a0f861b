package core

import (
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/eth2030/devchain/core/types"
)

// Message represents a transaction message prepared for execution.
type Message struct {
	From       common.Address
	To         *common.Address // nil for contract creation
	Nonce      uint64
	Value      *uint256.Int
	GasLimit   uint64
	GasPrice   *uint256.Int // effective price paid per gas
	GasFeeCap  *uint256.Int
	GasTipCap  *uint256.Int
	Data       []byte
	AccessList gethtypes.AccessList

	// SkipNonceChecks and SkipFeeChecks relax pre-state validation for
	// simulated calls.
	SkipNonceChecks bool
	SkipFeeChecks   bool
}

// TransactionToMessage converts a pooled transaction into a Message priced
// at baseFee.
func TransactionToMessage(ptx *types.PendingTransaction, baseFee *uint256.Int) *Message {
	tx := ptx.Tx
	msg := &Message{
		From:       ptx.From,
		Nonce:      tx.Nonce(),
		Value:      types.BigToU256(tx.Value()),
		GasLimit:   tx.Gas(),
		GasPrice:   types.EffectiveGasPrice(tx, baseFee),
		GasFeeCap:  types.BigToU256(tx.GasFeeCap()),
		GasTipCap:  types.BigToU256(tx.GasTipCap()),
		Data:       tx.Data(),
		AccessList: tx.AccessList(),
	}
	if to := tx.To(); to != nil {
		addr := *to
		msg.To = &addr
	}
	return msg
}
