// Package miner turns Ready pool transactions into committed blocks. All
// chain mutations run inside one section guarded by the miner, so block
// production, cheats and reverts never interleave.
package miner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/eth2030/devchain/chaintime"
	"github.com/eth2030/devchain/core"
	"github.com/eth2030/devchain/core/state"
	"github.com/eth2030/devchain/core/types"
	"github.com/eth2030/devchain/log"
	"github.com/eth2030/devchain/metrics"
)

// Pool is the view of the transaction pool the miner needs.
type Pool interface {
	DrainReady(gasLimit uint64) []*types.PendingTransaction
	// Remove must not read state; it runs inside the mutation section.
	Remove(included, stale []common.Hash) []common.Address
	Resync(ctx context.Context, addrs []common.Address) error
	SetBaseFee(fee *uint256.Int)
	ReadyLen() int
	Ready() <-chan struct{}
}

// Config holds the block production parameters.
type Config struct {
	ChainID  *big.Int
	Coinbase common.Address
	GasLimit uint64
	// BaseFee is the base fee of the first mined block.
	BaseFee *uint256.Int
	Mode    Mode
}

// MineOptions controls an explicit Mine request.
type MineOptions struct {
	// Blocks is the number of blocks to mine; zero means one.
	Blocks uint64
	// Timestamp, if set, is the timestamp of the first block.
	Timestamp *uint64
}

// Miner produces blocks.
type Miner struct {
	chainID *big.Int
	chain   *state.ChainState
	pool    Pool
	exec    *core.Executor
	time    *chaintime.Controller
	log     *log.Logger
	metrics *metrics.Metrics

	gasLimit atomic.Uint64
	coinbase atomic.Pointer[common.Address]

	// mu is the mutation section. Nothing inside it waits on the fork
	// remote: blocks are built from cached state only.
	mu      sync.Mutex
	baseFee *uint256.Int

	modeMu      sync.Mutex
	mode        Mode
	modeChanged chan struct{}
}

// New returns a miner building on chain from pool.
func New(cfg Config, chain *state.ChainState, pool Pool, exec *core.Executor, tc *chaintime.Controller, logger *log.Logger, m *metrics.Metrics) *Miner {
	miner := &Miner{
		chainID:     cfg.ChainID,
		chain:       chain,
		pool:        pool,
		exec:        exec,
		time:        tc,
		log:         log.OrDefault(logger).Module("miner"),
		metrics:     metrics.OrNop(m),
		mode:        cfg.Mode,
		modeChanged: make(chan struct{}, 1),
	}
	miner.gasLimit.Store(cfg.GasLimit)
	miner.SetCoinbase(cfg.Coinbase)
	if cfg.BaseFee != nil {
		miner.baseFee = new(uint256.Int).Set(cfg.BaseFee)
	}
	pool.SetBaseFee(miner.baseFee)
	miner.metrics.ChainHeight.Set(float64(chain.Head().Number()))
	return miner
}

// Exclusive runs fn inside the mutation section.
func (m *Miner) Exclusive(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

// Mine produces opts.Blocks blocks (at least one) and returns them.
func (m *Miner) Mine(ctx context.Context, opts MineOptions) ([]*types.Block, error) {
	n := max(opts.Blocks, 1)
	blocks := make([]*types.Block, 0, n)
	for i := uint64(0); i < n; i++ {
		var ts *uint64
		if i == 0 {
			ts = opts.Timestamp
		}
		block, err := m.mineOne(ctx, ts)
		if err != nil {
			return blocks, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// mineOne builds and commits a single block. Fork state the block needs but
// the cache lacks is fetched with the section released, then the block is
// rebuilt from scratch.
func (m *Miner) mineOne(ctx context.Context, ts *uint64) (*types.Block, error) {
	if err := m.warm(ctx, ts); err != nil {
		return nil, err
	}
	for {
		res, senders, err := m.commit(ctx, ts)
		var miss *state.MissError
		if errors.As(err, &miss) {
			m.log.Debug("Fetching fork state", "field", miss.Field, "address", miss.Addr)
			if err := m.chain.Fetch(ctx, miss); err != nil {
				return nil, fmt.Errorf("miner: fetching fork state: %w", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := m.pool.Resync(ctx, senders); err != nil {
			m.log.Warn("Pool resync failed", "number", res.Block.Number(), "err", err)
		}
		m.report(res)
		return res.Block, nil
	}
}

// warm runs the likely batch once against the fetching reader, outside the
// section, so the committed build usually finds everything cached.
func (m *Miner) warm(ctx context.Context, ts *uint64) error {
	if !m.chain.Forked() {
		return nil
	}
	env := m.env(m.chain.Head(), m.BaseFee())
	if ts != nil {
		env.Time = *ts
	}
	batch := m.pool.DrainReady(env.GasLimit)
	addrs := make([]common.Address, 0, 2*len(batch)+1)
	addrs = append(addrs, env.Coinbase)
	for _, ptx := range batch {
		addrs = append(addrs, ptx.From)
		if to := ptx.Tx.To(); to != nil {
			addrs = append(addrs, *to)
		}
	}
	// Accounts load concurrently; storage and calls need the execution.
	if err := m.chain.Prefetch(ctx, addrs); err != nil {
		return fmt.Errorf("miner: loading fork state: %w", err)
	}
	if _, err := m.exec.Apply(ctx, m.chain, batch, env); err != nil {
		return fmt.Errorf("miner: loading fork state: %w", err)
	}
	return nil
}

func (m *Miner) env(head *types.Block, baseFee *uint256.Int) core.BlockEnv {
	return core.BlockEnv{
		ChainID:    m.chainID.Uint64(),
		Number:     head.Number() + 1,
		ParentHash: head.Hash(),
		ParentRoot: head.Root(),
		Time:       m.time.NextTimestamp(),
		Coinbase:   m.Coinbase(),
		GasLimit:   m.gasLimit.Load(),
		PrevRandao: crypto.Keccak256Hash(head.Hash().Bytes()),
		BaseFee:    baseFee,
	}
}

// commit builds the next block from cached state and commits it. Included
// and invalid transactions leave the pool; their senders are returned for a
// resync outside the section. Neither the chain nor the clock changes unless
// the block commits.
func (m *Miner) commit(ctx context.Context, ts *uint64) (*core.Result, []common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	env := m.env(m.chain.Head(), m.NextBaseFee())
	if ts != nil {
		if err := m.time.CheckTimestamp(*ts); err != nil {
			return nil, nil, err
		}
		env.Time = *ts
	}

	batch := m.pool.DrainReady(env.GasLimit)
	res, err := m.exec.Apply(ctx, m.chain.Cached(), batch, env)
	if err != nil {
		return nil, nil, fmt.Errorf("miner: building block %d: %w", env.Number, err)
	}
	if err := m.chain.Commit(res.Block, res.Diff); err != nil {
		// Packing guarantees a valid child; anything else is a bug.
		panic(fmt.Sprintf("miner: commit of block %d failed: %v", env.Number, err))
	}
	if ts != nil {
		m.time.RecordExact(env.Time)
	} else {
		m.time.Record(env.Time)
	}

	block := res.Block
	if m.baseFee != nil {
		m.baseFee = core.CalcBaseFee(block.GasLimit(), block.GasUsed(), m.baseFee)
		m.pool.SetBaseFee(m.baseFee)
	}

	included := make([]common.Hash, len(res.Included))
	for i, ptx := range res.Included {
		included[i] = ptx.Hash
	}
	stale := make([]common.Hash, len(res.Invalid))
	for i, inv := range res.Invalid {
		stale[i] = inv.Tx.Hash
		m.log.Info("Dropping invalid transaction", "hash", inv.Tx.Hash, "err", inv.Err)
	}
	return res, m.pool.Remove(included, stale), nil
}

func (m *Miner) report(res *core.Result) {
	block := res.Block
	m.metrics.BlocksMined.Inc()
	m.metrics.ChainHeight.Set(float64(block.Number()))
	m.metrics.BlockGasUsed.Observe(float64(block.GasUsed()))
	m.metrics.TxIncluded.Add(float64(len(res.Included)))
	m.metrics.TxInvalid.Add(float64(len(res.Invalid)))
	m.log.Info("Mined block", "number", block.Number(), "hash", block.Hash(), "txs", len(res.Included),
		"gas", block.GasUsed(), "time", block.Time(), "deferred", len(res.Deferred))
}

// ---------------------------------------------------------------------------
// Parameters
// ---------------------------------------------------------------------------

// BaseFee returns the base fee of the next block.
func (m *Miner) BaseFee() *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseFee == nil {
		return nil
	}
	return new(uint256.Int).Set(m.baseFee)
}

// NextBaseFee is BaseFee for callers inside Exclusive.
func (m *Miner) NextBaseFee() *uint256.Int {
	if m.baseFee == nil {
		return nil
	}
	return new(uint256.Int).Set(m.baseFee)
}

// SetNextBaseFee overrides the base fee of the next block. Must be called
// inside Exclusive.
func (m *Miner) SetNextBaseFee(fee *uint256.Int) {
	m.baseFee = new(uint256.Int).Set(fee)
	m.pool.SetBaseFee(m.baseFee)
}

// GasLimit returns the gas limit of the next block.
func (m *Miner) GasLimit() uint64 { return m.gasLimit.Load() }

// SetGasLimit changes the gas limit of subsequent blocks.
func (m *Miner) SetGasLimit(limit uint64) { m.gasLimit.Store(limit) }

// Coinbase returns the fee recipient.
func (m *Miner) Coinbase() common.Address { return *m.coinbase.Load() }

// SetCoinbase changes the fee recipient of subsequent blocks.
func (m *Miner) SetCoinbase(addr common.Address) { m.coinbase.Store(&addr) }

// Mode returns the current mining mode.
func (m *Miner) Mode() Mode {
	m.modeMu.Lock()
	defer m.modeMu.Unlock()
	return m.mode
}

// SetMode switches the mining mode. The run loop picks it up.
func (m *Miner) SetMode(mode Mode) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	m.modeMu.Lock()
	m.mode = mode
	m.modeMu.Unlock()
	select {
	case m.modeChanged <- struct{}{}:
	default:
	}
	return nil
}

// ---------------------------------------------------------------------------
// Scheduling
// ---------------------------------------------------------------------------

// Run drives automatic block production until ctx is done.
func (m *Miner) Run(ctx context.Context) error {
	var (
		ticker *clock.Ticker
		tick   <-chan time.Time
	)
	stop := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
	start := func(d time.Duration) {
		stop()
		ticker = m.time.Clock().Ticker(d)
		tick = ticker.C
	}
	apply := func(from, to Mode) {
		switch transition(from, to) {
		case tickerStart, tickerRestart:
			start(to.Interval)
		case tickerStop:
			stop()
		}
		m.log.Info("Mining mode", "mode", to)
	}
	defer stop()

	mode := m.Mode()
	apply(Manual(), mode)
	if mode.Kind == ModeAuto {
		m.mineReady(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.modeChanged:
			next := m.Mode()
			apply(mode, next)
			mode = next
			if mode.Kind == ModeAuto {
				m.mineReady(ctx)
			}
		case <-tick:
			if _, err := m.Mine(ctx, MineOptions{}); err != nil {
				m.log.Error("Interval mining failed", "err", err)
			}
		case <-m.pool.Ready():
			if mode.Kind == ModeAuto {
				m.mineReady(ctx)
			}
		}
	}
}

// mineReady mines while the pool holds Ready transactions that make it into
// blocks.
func (m *Miner) mineReady(ctx context.Context) {
	for m.pool.ReadyLen() > 0 && ctx.Err() == nil {
		blocks, err := m.Mine(ctx, MineOptions{})
		if err != nil {
			m.log.Error("Auto mining failed", "err", err)
			return
		}
		// Nothing drainable, e.g. every head is below the base fee.
		if len(blocks) == 0 || len(blocks[0].Transactions()) == 0 {
			return
		}
	}
}
