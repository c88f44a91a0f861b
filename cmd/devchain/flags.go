package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/eth2030/devchain/node"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "TOML configuration file",
	}
	chainIDFlag = &cli.Uint64Flag{
		Name:  "chain-id",
		Usage: "chain id of a local chain",
		Value: node.DefaultChainID,
	}

	// Genesis
	accountsFlag = &cli.IntFlag{
		Name:  "accounts",
		Usage: "number of prefunded dev accounts",
		Value: 10,
	}
	balanceFlag = &cli.StringFlag{
		Name:  "balance",
		Usage: "dev account balance in wei",
	}
	timestampFlag = &cli.Uint64Flag{
		Name:  "timestamp",
		Usage: "genesis timestamp (default: now)",
	}

	// Fork
	forkURLFlag = &cli.StringFlag{
		Name:    "fork-url",
		Aliases: []string{"f"},
		Usage:   "JSON-RPC endpoint of the chain to fork",
		EnvVars: []string{"DEVCHAIN_FORK_URL"},
	}
	forkBlockFlag = &cli.Uint64Flag{
		Name:  "fork-block-number",
		Usage: "block to fork from (default: remote head)",
	}
	forkCacheFlag = &cli.StringFlag{
		Name:  "fork-cache-dir",
		Usage: "directory persisting fetched remote state",
	}
	forkRetriesFlag = &cli.Uint64Flag{
		Name:  "fork-retries",
		Usage: "retry attempts per remote read",
	}
	forkTimeoutFlag = &cli.Uint64Flag{
		Name:  "fork-timeout",
		Usage: "timeout of one remote read in seconds",
	}

	// Mining
	modeFlag = &cli.StringFlag{
		Name:  "mode",
		Usage: "mining mode: auto, manual or interval",
	}
	blockTimeFlag = &cli.Uint64Flag{
		Name:    "block-time",
		Aliases: []string{"b"},
		Usage:   "mine a block every N seconds (implies --mode interval)",
	}
	gasLimitFlag = &cli.Uint64Flag{
		Name:  "gas-limit",
		Usage: "block gas limit",
	}
	baseFeeFlag = &cli.Uint64Flag{
		Name:  "base-fee",
		Usage: "base fee of the first block in wei",
	}
	coinbaseFlag = &cli.StringFlag{
		Name:  "coinbase",
		Usage: "fee recipient address",
	}

	// Pool
	minPriorityFeeFlag = &cli.Uint64Flag{
		Name:  "min-priority-fee",
		Usage: "minimum accepted priority fee in wei",
	}
	poolCapacityFlag = &cli.IntFlag{
		Name:  "pool-capacity",
		Usage: "maximum number of pooled transactions",
	}
	orderFlag = &cli.StringFlag{
		Name:  "order",
		Usage: "cross-sender transaction order: fees or fifo",
	}

	// Logging and metrics
	logLevelFlag = &cli.StringFlag{
		Name:  "log.level",
		Usage: "log level: debug, info, warn or error",
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log.format",
		Usage: "log format: text or json",
	}
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "serve Prometheus metrics",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "listen address of the metrics endpoint",
	}
)

var appFlags = []cli.Flag{
	configFlag,
	chainIDFlag,
	accountsFlag,
	balanceFlag,
	timestampFlag,
	forkURLFlag,
	forkBlockFlag,
	forkCacheFlag,
	forkRetriesFlag,
	forkTimeoutFlag,
	modeFlag,
	blockTimeFlag,
	gasLimitFlag,
	baseFeeFlag,
	coinbaseFlag,
	minPriorityFeeFlag,
	poolCapacityFlag,
	orderFlag,
	logLevelFlag,
	logFormatFlag,
	metricsFlag,
	metricsAddrFlag,
}

// resolveConfig loads the configuration file, if any, and applies the flags
// set on the command line over it.
func resolveConfig(c *cli.Context) (node.Config, error) {
	cfg := node.DefaultConfig()
	if path := c.String(configFlag.Name); path != "" {
		loaded, err := node.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := applyFlags(c, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyFlags(c *cli.Context, cfg *node.Config) error {
	if c.IsSet(chainIDFlag.Name) {
		cfg.ChainID = c.Uint64(chainIDFlag.Name)
	}
	if c.IsSet(accountsFlag.Name) {
		cfg.Genesis.Accounts = c.Int(accountsFlag.Name)
	}
	if c.IsSet(balanceFlag.Name) {
		cfg.Genesis.Balance = c.String(balanceFlag.Name)
	}
	if c.IsSet(timestampFlag.Name) {
		cfg.Genesis.Timestamp = c.Uint64(timestampFlag.Name)
	}

	if c.IsSet(forkURLFlag.Name) {
		cfg.Fork.URL = c.String(forkURLFlag.Name)
	}
	if c.IsSet(forkBlockFlag.Name) {
		cfg.Fork.BlockNumber = c.Uint64(forkBlockFlag.Name)
	}
	if c.IsSet(forkCacheFlag.Name) {
		cfg.Fork.CacheDir = c.String(forkCacheFlag.Name)
	}
	if c.IsSet(forkRetriesFlag.Name) {
		cfg.Fork.Retries = c.Uint64(forkRetriesFlag.Name)
	}
	if c.IsSet(forkTimeoutFlag.Name) {
		cfg.Fork.TimeoutSecs = c.Uint64(forkTimeoutFlag.Name)
	}

	if c.IsSet(modeFlag.Name) {
		cfg.Mining.Mode = c.String(modeFlag.Name)
	}
	if c.IsSet(blockTimeFlag.Name) {
		cfg.Mining.BlockTime = c.Uint64(blockTimeFlag.Name)
		if !c.IsSet(modeFlag.Name) {
			cfg.Mining.Mode = "interval"
		}
	}
	if c.IsSet(gasLimitFlag.Name) {
		cfg.Mining.GasLimit = c.Uint64(gasLimitFlag.Name)
	}
	if c.IsSet(baseFeeFlag.Name) {
		fee := c.Uint64(baseFeeFlag.Name)
		cfg.Mining.BaseFee = &fee
	}
	if c.IsSet(coinbaseFlag.Name) {
		addr := c.String(coinbaseFlag.Name)
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid --%s %q", coinbaseFlag.Name, addr)
		}
		cfg.Mining.Coinbase = common.HexToAddress(addr)
	}

	if c.IsSet(minPriorityFeeFlag.Name) {
		cfg.Pool.MinPriorityFee = c.Uint64(minPriorityFeeFlag.Name)
	}
	if c.IsSet(poolCapacityFlag.Name) {
		cfg.Pool.Capacity = c.Int(poolCapacityFlag.Name)
	}
	if c.IsSet(orderFlag.Name) {
		cfg.Pool.Order = c.String(orderFlag.Name)
	}

	if c.IsSet(logLevelFlag.Name) {
		cfg.Log.Level = c.String(logLevelFlag.Name)
	}
	if c.IsSet(logFormatFlag.Name) {
		cfg.Log.Format = c.String(logFormatFlag.Name)
	}
	if c.IsSet(metricsFlag.Name) {
		cfg.Metrics.Enabled = c.Bool(metricsFlag.Name)
	}
	if c.IsSet(metricsAddrFlag.Name) {
		cfg.Metrics.Addr = c.String(metricsAddrFlag.Name)
	}
	return nil
}
