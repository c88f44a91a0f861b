// Package fork mirrors a live remote chain at a pinned block height. Reads
// go through an append-only cache; concurrent misses for the same key share
// a single remote request.
package fork

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/eth2030/devchain/log"
	"github.com/eth2030/devchain/metrics"
)

var (
	// ErrForkUnavailable is returned when the remote cannot be reached
	// within the retry budget.
	ErrForkUnavailable = errors.New("fork backend unavailable")
	// ErrBlockNotFound is returned for heights the remote does not know or
	// that lie above the fork pin.
	ErrBlockNotFound = errors.New("fork block not found")
	// ErrCacheCorrupt marks a persisted cache that was discarded on load.
	ErrCacheCorrupt = errors.New("fork cache corrupt")
)

// Config configures the fork backend.
type Config struct {
	// URL of the remote JSON-RPC endpoint. Empty disables fork mode.
	URL string `toml:"url"`
	// BlockNumber is the pin height. Zero pins the remote head at startup.
	BlockNumber uint64 `toml:"block_number"`
	// CacheDir persists fetched state between runs. Empty disables it.
	CacheDir string `toml:"cache_dir"`
	// Retries bounds the retry attempts per remote read.
	Retries uint64 `toml:"retries"`
	// TimeoutSecs bounds each remote attempt.
	TimeoutSecs uint64 `toml:"timeout_secs"`
	// BackoffMillis is the initial retry interval.
	BackoffMillis uint64 `toml:"backoff_ms"`
}

// DefaultConfig returns the default fork settings with fork mode disabled.
func DefaultConfig() Config {
	return Config{
		Retries:       5,
		TimeoutSecs:   45,
		BackoffMillis: 200,
	}
}

// Enabled reports whether a remote endpoint is configured.
func (c Config) Enabled() bool { return c.URL != "" }

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.TimeoutSecs == 0 {
		return errors.New("fork: timeout must be positive")
	}
	return nil
}

// Backend serves remote state at the pinned height.
type Backend struct {
	remote  Remote
	cfg     Config
	log     *log.Logger
	metrics *metrics.Metrics

	chainID uint64
	pin     uint64
	pinned  *gethtypes.Header

	mu      sync.RWMutex
	cache   map[Key]Value
	headers map[uint64]*gethtypes.Header
	dirty   bool

	group singleflight.Group

	// Flights run on the backend's own context so one waiter giving up does
	// not fail the others.
	ctx    context.Context
	cancel context.CancelFunc

	remoteCalls atomic.Uint64
}

// New resolves the chain id and pin height against remote and loads any
// persisted cache for that pair.
func New(ctx context.Context, remote Remote, cfg Config, logger *log.Logger, m *metrics.Metrics) (*Backend, error) {
	bctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		remote:  remote,
		cfg:     cfg,
		log:     log.OrDefault(logger).Module("fork"),
		metrics: metrics.OrNop(m),
		cache:   make(map[Key]Value),
		headers: make(map[uint64]*gethtypes.Header),
		ctx:     bctx,
		cancel:  cancel,
	}

	id, err := retry(ctx, b, func(ctx context.Context) (*big.Int, error) {
		return remote.ChainID(ctx)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fork: chain id: %w", err)
	}
	b.chainID = id.Uint64()

	var number *big.Int
	if cfg.BlockNumber != 0 {
		number = new(big.Int).SetUint64(cfg.BlockNumber)
	}
	header, err := retry(ctx, b, func(ctx context.Context) (*gethtypes.Header, error) {
		return remote.HeaderByNumber(ctx, number)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fork: pin header: %w", err)
	}
	b.pinned = header
	b.pin = header.Number.Uint64()
	b.headers[b.pin] = header

	if cfg.CacheDir != "" {
		n, err := b.loadCache()
		switch {
		case err != nil:
			b.log.Warn("Discarding fork cache", "path", b.cachePath(), "err", err)
		case n > 0:
			b.log.Info("Loaded fork cache", "path", b.cachePath(), "entries", n)
		}
	}
	b.log.Info("Forked remote chain", "chain", b.chainID, "block", b.pin, "hash", header.Hash())
	return b, nil
}

// ChainID returns the remote chain id.
func (b *Backend) ChainID() uint64 { return b.chainID }

// PinnedBlock returns the pin height.
func (b *Backend) PinnedBlock() uint64 { return b.pin }

// PinnedHeader returns a copy of the header at the pin height.
func (b *Backend) PinnedHeader() *gethtypes.Header { return gethtypes.CopyHeader(b.pinned) }

// RemoteCalls returns the number of completed remote state fetches.
func (b *Backend) RemoteCalls() uint64 { return b.remoteCalls.Load() }

// Len returns the number of cached entries.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.cache)
}

// Close cancels outstanding flights and flushes the cache to disk.
func (b *Backend) Close() error {
	b.cancel()
	return b.Flush()
}

func (b *Backend) lookup(key Key) (Value, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.cache[key]
	return v, ok
}

// store inserts v unless key is already present; entries are never mutated.
func (b *Backend) store(key Key, v Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.cache[key]; ok {
		return
	}
	b.cache[key] = v
	b.dirty = true
}

// Fetch returns the value for key, issuing at most one remote request per
// key across all concurrent callers. A caller whose ctx ends stops waiting;
// the shared request keeps running for the others.
func (b *Backend) Fetch(ctx context.Context, key Key) (Value, error) {
	if key.Block > b.pin {
		return Value{}, fmt.Errorf("%w: block %d above fork pin %d", ErrBlockNotFound, key.Block, b.pin)
	}
	if v, ok := b.lookup(key); ok {
		b.metrics.ForkCacheHits.Inc()
		return v, nil
	}
	ch := b.group.DoChan(key.String(), func() (any, error) {
		if v, ok := b.lookup(key); ok {
			return v, nil
		}
		v, err := b.fetchRemote(key)
		if err != nil {
			return nil, err
		}
		b.store(key, v)
		return v, nil
	})
	select {
	case <-ctx.Done():
		return Value{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Value{}, res.Err
		}
		return res.Val.(Value), nil
	}
}

func (b *Backend) fetchRemote(key Key) (Value, error) {
	number := new(big.Int).SetUint64(key.Block)
	b.metrics.ForkFetches.WithLabelValues(key.Selector.String()).Inc()
	v, err := retry(b.ctx, b, func(ctx context.Context) (Value, error) {
		switch key.Selector {
		case SelectBalance:
			bal, err := b.remote.BalanceAt(ctx, key.Address, number)
			if err != nil {
				return Value{}, err
			}
			u, overflow := uint256.FromBig(bal)
			if overflow {
				return Value{}, backoff.Permanent(fmt.Errorf("fork: balance of %s overflows 256 bits", key.Address))
			}
			return Value{Balance: u}, nil
		case SelectNonce:
			n, err := b.remote.NonceAt(ctx, key.Address, number)
			return Value{Nonce: n}, err
		case SelectCode:
			code, err := b.remote.CodeAt(ctx, key.Address, number)
			return Value{Code: code}, err
		case SelectStorage:
			word, err := b.remote.StorageAt(ctx, key.Address, key.Slot, number)
			return Value{Word: common.BytesToHash(word)}, err
		default:
			return Value{}, backoff.Permanent(fmt.Errorf("fork: unknown selector %d", key.Selector))
		}
	})
	if err != nil {
		b.log.Debug("Remote fetch failed", "key", key, "err", err)
		return Value{}, err
	}
	b.remoteCalls.Add(1)
	return v, nil
}

// retry runs op with exponential backoff bounded by the configured attempts.
// Not-found answers are permanent; exhausted budgets become ErrForkUnavailable.
func retry[T any](ctx context.Context, b *Backend, op func(context.Context) (T, error)) (T, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Duration(b.cfg.BackoffMillis) * time.Millisecond
	if expo.InitialInterval == 0 {
		expo.InitialInterval = 50 * time.Millisecond
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, b.cfg.Retries), ctx)

	timeout := time.Duration(b.cfg.TimeoutSecs) * time.Second
	attempt := func() (T, error) {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()
		v, err := op(actx)
		if errors.Is(err, ethereum.NotFound) {
			return v, backoff.Permanent(ErrBlockNotFound)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		b.metrics.ForkRetries.Inc()
		b.log.Debug("Retrying remote read", "err", err, "wait", wait)
	}
	v, err := backoff.RetryNotifyWithData(attempt, policy, notify)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, ErrBlockNotFound) || errors.Is(err, context.Canceled) {
		return v, err
	}
	return v, fmt.Errorf("%w: %v", ErrForkUnavailable, err)
}

// ---------------------------------------------------------------------------
// Typed reads at the pin height
// ---------------------------------------------------------------------------

// Balance returns the balance of addr at the pin.
func (b *Backend) Balance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	v, err := b.Fetch(ctx, Key{Block: b.pin, Address: addr, Selector: SelectBalance})
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(v.Balance), nil
}

// Nonce returns the nonce of addr at the pin.
func (b *Backend) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	v, err := b.Fetch(ctx, Key{Block: b.pin, Address: addr, Selector: SelectNonce})
	return v.Nonce, err
}

// Code returns the code of addr at the pin.
func (b *Backend) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	v, err := b.Fetch(ctx, Key{Block: b.pin, Address: addr, Selector: SelectCode})
	if err != nil {
		return nil, err
	}
	return common.CopyBytes(v.Code), nil
}

// Storage returns one storage word of addr at the pin.
func (b *Backend) Storage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	v, err := b.Fetch(ctx, Key{Block: b.pin, Address: addr, Selector: SelectStorage, Slot: slot})
	return v.Word, err
}

// Account fetches balance, nonce and code of addr concurrently.
func (b *Backend) Account(ctx context.Context, addr common.Address) (balance *uint256.Int, nonce uint64, code []byte, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		balance, err = b.Balance(gctx, addr)
		return err
	})
	g.Go(func() (err error) {
		nonce, err = b.Nonce(gctx, addr)
		return err
	})
	g.Go(func() (err error) {
		code, err = b.Code(gctx, addr)
		return err
	})
	if err = g.Wait(); err != nil {
		return nil, 0, nil, err
	}
	return balance, nonce, code, nil
}

// HeaderByNumber returns the remote header at number, which must not exceed
// the pin.
func (b *Backend) HeaderByNumber(ctx context.Context, number uint64) (*gethtypes.Header, error) {
	if number > b.pin {
		return nil, fmt.Errorf("%w: block %d above fork pin %d", ErrBlockNotFound, number, b.pin)
	}
	b.mu.RLock()
	h, ok := b.headers[number]
	b.mu.RUnlock()
	if ok {
		return gethtypes.CopyHeader(h), nil
	}
	ch := b.group.DoChan(fmt.Sprintf("header/%d", number), func() (any, error) {
		return retry(b.ctx, b, func(ctx context.Context) (*gethtypes.Header, error) {
			return b.remote.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		})
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		h := res.Val.(*gethtypes.Header)
		b.mu.Lock()
		b.headers[number] = h
		b.mu.Unlock()
		return gethtypes.CopyHeader(h), nil
	}
}
