package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// PendingTransaction is a signed transaction admitted to the pool, annotated
// with its recovered sender and arrival order.
type PendingTransaction struct {
	Tx   *gethtypes.Transaction
	From common.Address
	Hash common.Hash
	// Seq is the pool-wide arrival sequence number.
	Seq uint64
	// Tip is the effective priority fee at the pool's current base fee.
	Tip *uint256.Int
}

// NewPendingTransaction wraps tx sent by from.
func NewPendingTransaction(tx *gethtypes.Transaction, from common.Address, seq uint64, baseFee *uint256.Int) *PendingTransaction {
	return &PendingTransaction{
		Tx:   tx,
		From: from,
		Hash: tx.Hash(),
		Seq:  seq,
		Tip:  EffectiveTip(tx, baseFee),
	}
}

func (p *PendingTransaction) Nonce() uint64 { return p.Tx.Nonce() }
func (p *PendingTransaction) Gas() uint64   { return p.Tx.Gas() }

// Cost is the most the transaction can charge its sender: gas * fee cap +
// value. overflow is set when that exceeds 256 bits.
func (p *PendingTransaction) Cost() (cost *uint256.Int, overflow bool) { return MaxCost(p.Tx) }

// MaxCost returns gas * fee cap + value for tx. A cost that does not fit in
// 256 bits reports overflow; no balance can cover it.
func MaxCost(tx *gethtypes.Transaction) (*uint256.Int, bool) {
	feeCap, capOverflow := uint256.FromBig(tx.GasFeeCap())
	value, valueOverflow := uint256.FromBig(tx.Value())
	cost, mulOverflow := new(uint256.Int).MulOverflow(feeCap, uint256.NewInt(tx.Gas()))
	cost, addOverflow := cost.AddOverflow(cost, value)
	return cost, capOverflow || valueOverflow || mulOverflow || addOverflow
}

// EffectiveTip returns min(tip cap, fee cap - base fee). A fee cap below the
// base fee yields zero. A nil base fee yields the tip cap.
func EffectiveTip(tx *gethtypes.Transaction, baseFee *uint256.Int) *uint256.Int {
	tipCap := BigToU256(tx.GasTipCap())
	if baseFee == nil {
		return tipCap
	}
	feeCap := BigToU256(tx.GasFeeCap())
	if feeCap.Lt(baseFee) {
		return new(uint256.Int)
	}
	room := new(uint256.Int).Sub(feeCap, baseFee)
	if room.Lt(tipCap) {
		return room
	}
	return tipCap
}

// EffectiveGasPrice returns base fee + effective tip, capped by the fee cap.
func EffectiveGasPrice(tx *gethtypes.Transaction, baseFee *uint256.Int) *uint256.Int {
	if baseFee == nil {
		return BigToU256(tx.GasFeeCap())
	}
	return new(uint256.Int).Add(baseFee, EffectiveTip(tx, baseFee))
}

// BigToU256 converts a non-negative big integer, saturating on overflow and
// mapping nil to zero.
func BigToU256(b *big.Int) *uint256.Int {
	if b == nil || b.Sign() <= 0 {
		return new(uint256.Int)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return v
}
