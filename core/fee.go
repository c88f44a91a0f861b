package core

import "github.com/holiman/uint256"

// EIP-1559 constants.
const (
	// InitialBaseFee is the default genesis base fee (1 Gwei).
	InitialBaseFee = 1_000_000_000

	// MinBaseFee is the floor a positive base fee never decays below.
	MinBaseFee = 7

	ElasticityMultiplier     = 2
	BaseFeeChangeDenominator = 8
)

// CalcBaseFee calculates the base fee of the block following a parent with
// the given gas limit, gas used and base fee, following EIP-1559 rules.
//
// Rules:
//   - If parent gas used == target (limit/2): base fee unchanged
//   - If parent gas used > target: increase proportionally (max 12.5%)
//   - If parent gas used < target: decrease proportionally (max 12.5%)
//   - A zero base fee stays zero; a positive one never drops below 7 wei
func CalcBaseFee(parentGasLimit, parentGasUsed uint64, parentBaseFee *uint256.Int) *uint256.Int {
	if parentBaseFee == nil {
		return uint256.NewInt(InitialBaseFee)
	}
	if parentBaseFee.IsZero() {
		return new(uint256.Int)
	}
	target := parentGasLimit / ElasticityMultiplier
	if target == 0 || parentGasUsed == target {
		return new(uint256.Int).Set(parentBaseFee)
	}

	if parentGasUsed > target {
		delta := new(uint256.Int).Mul(parentBaseFee, uint256.NewInt(parentGasUsed-target))
		delta.Div(delta, uint256.NewInt(target))
		delta.Div(delta, uint256.NewInt(BaseFeeChangeDenominator))
		// Ensure minimum increase of 1.
		if delta.IsZero() {
			delta.SetOne()
		}
		return delta.Add(delta, parentBaseFee)
	}

	delta := new(uint256.Int).Mul(parentBaseFee, uint256.NewInt(target-parentGasUsed))
	delta.Div(delta, uint256.NewInt(target))
	delta.Div(delta, uint256.NewInt(BaseFeeChangeDenominator))
	fee := new(uint256.Int).Sub(parentBaseFee, delta)
	if fee.Lt(uint256.NewInt(MinBaseFee)) {
		fee.SetUint64(MinBaseFee)
	}
	return fee
}
