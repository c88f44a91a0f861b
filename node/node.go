package node

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eth2030/devchain/chaintime"
	"github.com/eth2030/devchain/core"
	"github.com/eth2030/devchain/core/state"
	"github.com/eth2030/devchain/core/types"
	"github.com/eth2030/devchain/fork"
	"github.com/eth2030/devchain/log"
	"github.com/eth2030/devchain/metrics"
	"github.com/eth2030/devchain/miner"
	"github.com/eth2030/devchain/txpool"
)

var (
	ErrNodeRunning    = errors.New("node: already running")
	ErrNodeStopped    = errors.New("node: stopped")
	ErrNotForked      = errors.New("node: not forked")
	ErrChainIDChanged = errors.New("node: chain id changed")
)

// Options carries the collaborators a Node can be built with. Zero values
// select the production defaults.
type Options struct {
	// Logger defaults to a logger built from Config.Log on stderr.
	Logger *log.Logger
	// Registerer receives the node's collectors. Nil disables registration.
	Registerer prometheus.Registerer
	// Clock drives block timestamps and interval mining.
	Clock clock.Clock
	// Remote replaces the JSON-RPC client dialed for fork mode.
	Remote fork.Remote
	// Interpreter runs contract code. Nil executes transfers only.
	Interpreter core.Interpreter
}

// Node is a running devchain: one ledger, one pool and one miner.
type Node struct {
	config  Config
	chainID *big.Int
	logger  *log.Logger
	log     *log.Logger
	metrics *metrics.Metrics

	remote fork.Remote // nil unless forked
	chain  *state.ChainState
	pool   *txpool.TxPool
	exec   *core.Executor
	time   *chaintime.Controller
	miner  *miner.Miner

	accounts []common.Address
	keys     map[common.Address]*ecdsa.PrivateKey

	impMu        sync.RWMutex
	impersonated map[common.Address]struct{}

	// snapFees holds the next base fee at each live snapshot. Guarded by
	// the miner's mutation section.
	snapFees map[uint64]*uint256.Int

	forkMu  sync.Mutex
	backend *fork.Backend // nil unless forked

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a node from config. In fork mode it dials the remote (or uses
// opts.Remote) and pins the genesis to the remote block.
func New(ctx context.Context, config Config, opts Options) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewFromConfig(os.Stderr, config.Log)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	n := &Node{
		config:       config,
		logger:       logger,
		log:          logger.Module("node"),
		metrics:      metrics.New(opts.Registerer),
		impersonated: make(map[common.Address]struct{}),
		snapFees:     make(map[uint64]*uint256.Int),
	}

	var err error
	n.accounts, n.keys, err = devAccounts(config.Genesis.Accounts)
	if err != nil {
		return nil, err
	}
	alloc, err := n.genesisAlloc()
	if err != nil {
		return nil, err
	}

	var source state.Source
	if config.Fork.Enabled() {
		n.remote = opts.Remote
		if n.remote == nil {
			client, err := fork.Dial(ctx, config.Fork.URL)
			if err != nil {
				return nil, fmt.Errorf("node: dial fork: %w", err)
			}
			n.remote = client
		}
		backend, err := fork.New(ctx, n.remote, config.Fork, logger, n.metrics)
		if err != nil {
			return nil, err
		}
		n.backend = backend
		source = backend
		n.chainID = new(big.Int).SetUint64(backend.ChainID())
	} else {
		n.chainID = new(big.Int).SetUint64(config.ChainID)
	}
	genesis, baseFee := n.genesis(n.backend, alloc, clk)

	n.chain = state.New(genesis, alloc, source, logger)
	n.pool = txpool.New(config.poolConfig(), n.chainID, n.chain, baseFee, logger, n.metrics)
	n.exec = core.NewExecutor(core.NewTransition(opts.Interpreter), logger)
	n.time = chaintime.New(clk, genesis.Time())

	mode, err := config.mode()
	if err != nil {
		return nil, err
	}
	n.miner = miner.New(miner.Config{
		ChainID:  n.chainID,
		Coinbase: config.Mining.Coinbase,
		GasLimit: config.Mining.GasLimit,
		BaseFee:  baseFee,
		Mode:     mode,
	}, n.chain, n.pool, n.exec, n.time, logger, n.metrics)
	return n, nil
}

// genesisAlloc returns the configured allocation plus every dev account
// not named in it, funded with the genesis balance.
func (n *Node) genesisAlloc() (state.Alloc, error) {
	alloc, err := n.config.Genesis.alloc()
	if err != nil {
		return nil, err
	}
	devBalance, err := parseWei(n.config.Genesis.Balance)
	if err != nil {
		return nil, fmt.Errorf("config: genesis.balance: %w", err)
	}
	for _, addr := range n.accounts {
		if _, ok := alloc[addr]; ok {
			continue
		}
		acc := types.NewAccount()
		acc.Balance.Set(devBalance)
		alloc[addr] = acc
	}
	return alloc, nil
}

// genesis returns block zero and the base fee of the first mined block: the
// pinned remote header when backend is set, else a local block over alloc.
func (n *Node) genesis(backend *fork.Backend, alloc state.Alloc, clk clock.Clock) (*types.Block, *uint256.Int) {
	var baseFee *uint256.Int
	if n.config.Mining.BaseFee != nil {
		baseFee = uint256.NewInt(*n.config.Mining.BaseFee)
	}
	if backend != nil {
		pinned := backend.PinnedHeader()
		switch {
		case baseFee != nil:
		case pinned.BaseFee != nil:
			baseFee = core.CalcBaseFee(pinned.GasLimit, pinned.GasUsed, types.BigToU256(pinned.BaseFee))
		default:
			baseFee = uint256.NewInt(core.InitialBaseFee)
		}
		return types.NewBlockFromHeader(pinned), baseFee
	}
	if baseFee == nil {
		baseFee = uint256.NewInt(core.InitialBaseFee)
	}
	ts := n.config.Genesis.Timestamp
	if ts == 0 {
		ts = uint64(clk.Now().Unix())
	}
	return localGenesis(ts, n.config.Mining, baseFee, alloc), baseFee
}

// localGenesis builds block zero committing to alloc.
func localGenesis(ts uint64, mining MiningConfig, baseFee *uint256.Int, alloc state.Alloc) *types.Block {
	diff := make(types.StateDiff, len(alloc))
	for addr, acc := range alloc {
		d := diff.Account(addr)
		if acc.Balance != nil {
			d.SetBalance(acc.Balance)
		}
		d.SetNonce(acc.Nonce)
		if len(acc.Code) > 0 {
			d.SetCode(acc.Code)
		}
		for k, v := range acc.Storage {
			d.SetState(k, v)
		}
	}
	header := &gethtypes.Header{
		UncleHash:   gethtypes.EmptyUncleHash,
		Coinbase:    mining.Coinbase,
		Root:        diff.Digest(common.Hash{}),
		TxHash:      gethtypes.EmptyTxsHash,
		ReceiptHash: gethtypes.EmptyReceiptsHash,
		Difficulty:  new(big.Int),
		Number:      new(big.Int),
		GasLimit:    mining.GasLimit,
		Time:        ts,
	}
	if baseFee != nil {
		header.BaseFee = baseFee.ToBig()
	}
	return types.NewBlockFromHeader(header)
}

// Start launches the mining loop.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case n.stopped:
		return ErrNodeStopped
	case n.running:
		return ErrNodeRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := n.miner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.log.Error("Mining loop exited", "err", err)
		}
	}(n.done)
	n.running = true

	head := n.chain.Head()
	n.log.Info("Devchain started", "chain", n.chainID, "head", head.Number(), "hash", head.Hash(),
		"accounts", len(n.accounts), "mode", n.miner.Mode(), "forked", n.Fork() != nil)
	return nil
}

// Stop halts the mining loop and flushes the fork cache. A stopped node
// cannot be restarted.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrNodeStopped
	}
	n.stopped = true
	if n.running {
		n.cancel()
		<-n.done
		n.running = false
	}
	n.log.Info("Devchain stopped", "head", n.chain.Head().Number())
	if backend := n.Fork(); backend != nil {
		return backend.Close()
	}
	return nil
}

// Running reports whether the mining loop is active.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Config returns the configuration the node was built with.
func (n *Node) Config() Config { return n.config }

// ChainID returns the chain id transactions are signed for.
func (n *Node) ChainID() *big.Int { return new(big.Int).Set(n.chainID) }

// Chain returns the ledger.
func (n *Node) Chain() *state.ChainState { return n.chain }

// TxPool returns the transaction pool.
func (n *Node) TxPool() *txpool.TxPool { return n.pool }

// Miner returns the block producer.
func (n *Node) Miner() *miner.Miner { return n.miner }

// Fork returns the fork backend, or nil for a local chain.
func (n *Node) Fork() *fork.Backend {
	n.forkMu.Lock()
	defer n.forkMu.Unlock()
	return n.backend
}
