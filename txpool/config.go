package txpool

import (
	"errors"
	"fmt"
)

// Ordering modes for DrainReady.
const (
	// OrderFees offers the highest effective priority fee first, breaking
	// ties by arrival.
	OrderFees = "fees"
	// OrderFIFO offers transactions strictly by arrival.
	OrderFIFO = "fifo"
)

const (
	// PriceBump is the minimum fee bump percentage for a same-nonce
	// replacement.
	PriceBump = 10

	// MaxTxSize is the maximum accepted encoded transaction size (128KB).
	MaxTxSize = 128 * 1024
)

// Config holds TxPool configuration.
type Config struct {
	// Capacity bounds the number of transactions held (Ready and Pending).
	Capacity int `toml:"capacity"`
	// MinPriorityFee is the minimum accepted tip cap in wei.
	MinPriorityFee uint64 `toml:"min_priority_fee"`
	// PriceBump is the replacement bump percentage.
	PriceBump uint64 `toml:"price_bump"`
	// Order selects the cross-sender drain order: "fees" or "fifo".
	Order string `toml:"order"`
	// BlockGasLimit rejects transactions that can never fit a block.
	BlockGasLimit uint64 `toml:"-"`
}

// DefaultConfig returns sensible defaults for the pool.
func DefaultConfig() Config {
	return Config{
		Capacity:      4096,
		PriceBump:     PriceBump,
		Order:         OrderFees,
		BlockGasLimit: 30_000_000,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Capacity <= 0 {
		return errors.New("txpool: capacity must be positive")
	}
	switch c.Order {
	case OrderFees, OrderFIFO:
	default:
		return fmt.Errorf("txpool: unknown order %q", c.Order)
	}
	if c.BlockGasLimit == 0 {
		return errors.New("txpool: block gas limit must be set")
	}
	return nil
}
