// Package node wires the devchain components into a running chain and
// exposes the control surface used by RPC front ends and tests.
package node

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/pelletier/go-toml/v2"

	"github.com/eth2030/devchain/core/state"
	"github.com/eth2030/devchain/core/types"
	"github.com/eth2030/devchain/fork"
	"github.com/eth2030/devchain/log"
	"github.com/eth2030/devchain/miner"
	"github.com/eth2030/devchain/txpool"
)

// DefaultChainID is the chain id of a local (non-forked) chain.
const DefaultChainID = 31337

// Config holds all configuration for a devchain node.
type Config struct {
	// ChainID of a local chain. A forked chain adopts the remote id.
	ChainID uint64 `toml:"chain_id"`

	Genesis GenesisConfig `toml:"genesis"`
	Fork    fork.Config   `toml:"fork"`
	Mining  MiningConfig  `toml:"mining"`
	Pool    txpool.Config `toml:"pool"`
	Log     log.Config    `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
}

// GenesisConfig describes the first block and its prefunded accounts.
type GenesisConfig struct {
	// Timestamp of the genesis block. Zero uses the wall clock.
	Timestamp uint64 `toml:"timestamp"`
	// Accounts is the number of deterministic dev accounts.
	Accounts int `toml:"accounts"`
	// Balance of every dev account in wei, decimal or 0x-prefixed hex.
	Balance string `toml:"balance"`
	// Alloc prefunds arbitrary addresses.
	Alloc map[string]GenesisAccount `toml:"alloc"`
}

// GenesisAccount is one entry of GenesisConfig.Alloc.
type GenesisAccount struct {
	Balance string            `toml:"balance"`
	Nonce   uint64            `toml:"nonce"`
	Code    string            `toml:"code"`
	Storage map[string]string `toml:"storage"`
}

// MiningConfig controls block production.
type MiningConfig struct {
	// Mode is one of "auto", "manual" or "interval".
	Mode string `toml:"mode"`
	// BlockTime is the interval mode period in seconds.
	BlockTime uint64         `toml:"block_time"`
	Coinbase  common.Address `toml:"coinbase"`
	GasLimit  uint64         `toml:"gas_limit"`
	// BaseFee of the first block in wei. Unset derives it from the fork
	// pin or uses the initial base fee.
	BaseFee *uint64 `toml:"base_fee"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ChainID: DefaultChainID,
		Genesis: GenesisConfig{
			Accounts: 10,
			Balance:  "10000000000000000000000", // 10000 ether
		},
		Fork: fork.DefaultConfig(),
		Mining: MiningConfig{
			Mode:      "auto",
			BlockTime: 12,
			GasLimit:  30_000_000,
		},
		Pool: txpool.DefaultConfig(),
		Log:  log.DefaultConfig(),
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9090",
		},
	}
}

// LoadConfig reads a TOML file over DefaultConfig. Unknown keys are errors.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			keys := make([]string, len(strict.Errors))
			for i, e := range strict.Errors {
				keys[i] = strings.Join(e.Key(), ".")
			}
			return cfg, fmt.Errorf("config: %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.ChainID == 0 && !c.Fork.Enabled() {
		return errors.New("config: chain_id must be positive")
	}
	if c.Genesis.Accounts < 0 {
		return errors.New("config: genesis.accounts must not be negative")
	}
	if _, err := parseWei(c.Genesis.Balance); err != nil {
		return fmt.Errorf("config: genesis.balance: %w", err)
	}
	if _, err := c.Genesis.alloc(); err != nil {
		return err
	}
	if err := c.Fork.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.mode(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Mining.GasLimit == 0 {
		return errors.New("config: mining.gas_limit must be positive")
	}
	pool := c.poolConfig()
	if err := pool.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("config: metrics.addr must not be empty")
	}
	return nil
}

func (c *Config) mode() (miner.Mode, error) {
	return miner.ParseMode(c.Mining.Mode, time.Duration(c.Mining.BlockTime)*time.Second)
}

func (c *Config) poolConfig() txpool.Config {
	pool := c.Pool
	pool.BlockGasLimit = c.Mining.GasLimit
	return pool
}

// alloc parses the configured genesis allocation.
func (g *GenesisConfig) alloc() (state.Alloc, error) {
	out := make(state.Alloc, len(g.Alloc))
	for key, entry := range g.Alloc {
		if !common.IsHexAddress(key) {
			return nil, fmt.Errorf("config: genesis.alloc: invalid address %q", key)
		}
		acc := types.NewAccount()
		if entry.Balance != "" {
			bal, err := parseWei(entry.Balance)
			if err != nil {
				return nil, fmt.Errorf("config: genesis.alloc %s: balance: %w", key, err)
			}
			acc.Balance = bal
		}
		acc.Nonce = entry.Nonce
		if entry.Code != "" {
			code, err := hexutil.Decode(entry.Code)
			if err != nil {
				return nil, fmt.Errorf("config: genesis.alloc %s: code: %w", key, err)
			}
			acc.Code = code
		}
		for slot, value := range entry.Storage {
			acc.Storage[common.HexToHash(slot)] = common.HexToHash(value)
		}
		out[common.HexToAddress(key)] = acc
	}
	return out, nil
}

// parseWei accepts a decimal or 0x-prefixed hex amount.
func parseWei(s string) (*uint256.Int, error) {
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("amount %q overflows 256 bits", s)
	}
	return u, nil
}
