package fork

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/devchain/log"
	"github.com/eth2030/devchain/metrics"
)

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

// fakeRemote is an in-memory Remote that counts state reads.
type fakeRemote struct {
	mu       sync.Mutex
	chainID  int64
	head     uint64
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	codes    map[common.Address][]byte
	storage  map[common.Address]map[common.Hash]common.Hash
	calls    map[string]int
	failures int

	// When gate is set, BalanceAt signals started and blocks until gate closes.
	gate    chan struct{}
	started chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		chainID:  1,
		head:     100,
		balances: map[common.Address]*big.Int{addrA: big.NewInt(1_000_000)},
		nonces:   map[common.Address]uint64{addrA: 7},
		codes:    map[common.Address][]byte{addrB: {0x60, 0x00}},
		storage: map[common.Address]map[common.Hash]common.Hash{
			addrB: {common.Hash{1}: common.Hash{0x2a}},
		},
		calls: make(map[string]int),
	}
}

func (r *fakeRemote) count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

func (r *fakeRemote) enter(method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[method]++
	if r.failures > 0 {
		r.failures--
		return errors.New("connection refused")
	}
	return nil
}

func (r *fakeRemote) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(r.chainID), nil
}

func (r *fakeRemote) HeaderByNumber(_ context.Context, number *big.Int) (*gethtypes.Header, error) {
	n := r.head
	if number != nil {
		n = number.Uint64()
	}
	if n > r.head {
		return nil, ethereum.NotFound
	}
	return &gethtypes.Header{
		Number:     new(big.Int).SetUint64(n),
		Time:       1_700_000_000 + n*12,
		GasLimit:   30_000_000,
		BaseFee:    big.NewInt(1_000_000_000),
		Difficulty: new(big.Int),
	}, nil
}

func (r *fakeRemote) BalanceAt(ctx context.Context, addr common.Address, _ *big.Int) (*big.Int, error) {
	if r.gate != nil {
		r.started <- struct{}{}
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := r.enter("balance"); err != nil {
		return nil, err
	}
	if b, ok := r.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (r *fakeRemote) NonceAt(_ context.Context, addr common.Address, _ *big.Int) (uint64, error) {
	if err := r.enter("nonce"); err != nil {
		return 0, err
	}
	return r.nonces[addr], nil
}

func (r *fakeRemote) CodeAt(_ context.Context, addr common.Address, _ *big.Int) ([]byte, error) {
	if err := r.enter("code"); err != nil {
		return nil, err
	}
	return r.codes[addr], nil
}

func (r *fakeRemote) StorageAt(_ context.Context, addr common.Address, slot common.Hash, _ *big.Int) ([]byte, error) {
	if err := r.enter("storage"); err != nil {
		return nil, err
	}
	w := r.storage[addr][slot]
	return w[:], nil
}

func testConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.URL = "http://fake"
	cfg.BlockNumber = 90
	cfg.Retries = 3
	cfg.BackoffMillis = 1
	cfg.CacheDir = dir
	return cfg
}

func newTestBackend(t *testing.T, r *fakeRemote, cfg Config) *Backend {
	t.Helper()
	b, err := New(context.Background(), r, cfg, log.Discard(), metrics.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { b.cancel() })
	return b
}

func TestNew_PinsHeader(t *testing.T) {
	b := newTestBackend(t, newFakeRemote(), testConfig(""))
	require.Equal(t, uint64(1), b.ChainID())
	require.Equal(t, uint64(90), b.PinnedBlock())
	require.Equal(t, uint64(90), b.PinnedHeader().Number.Uint64())

	cfg := testConfig("")
	cfg.BlockNumber = 0
	head := newTestBackend(t, newFakeRemote(), cfg)
	require.Equal(t, uint64(100), head.PinnedBlock())
}

func TestNew_PinAboveHead(t *testing.T) {
	cfg := testConfig("")
	cfg.BlockNumber = 500
	_, err := New(context.Background(), newFakeRemote(), cfg, log.Discard(), nil)
	require.ErrorIs(t, err, ErrBlockNotFound)
}

func TestFetch_ConcurrentCallersShareOneRequest(t *testing.T) {
	r := newFakeRemote()
	r.gate = make(chan struct{})
	r.started = make(chan struct{}, 8)
	b := newTestBackend(t, r, testConfig(""))

	const callers = 3
	var wg sync.WaitGroup
	results := make([]uint64, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bal, err := b.Balance(context.Background(), addrA)
			errs[i] = err
			if err == nil {
				results[i] = bal.Uint64()
			}
		}(i)
	}
	<-r.started
	close(r.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, uint64(1_000_000), results[i])
	}
	require.Equal(t, 1, r.count("balance"))
	require.Equal(t, uint64(1), b.RemoteCalls())

	// Later reads are served from cache.
	_, err := b.Balance(context.Background(), addrA)
	require.NoError(t, err)
	require.Equal(t, 1, r.count("balance"))
}

func TestFetch_WaiterCancelDoesNotFailOthers(t *testing.T) {
	r := newFakeRemote()
	r.gate = make(chan struct{})
	r.started = make(chan struct{}, 8)
	b := newTestBackend(t, r, testConfig(""))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := b.Balance(ctx, addrA)
		first <- err
	}()
	<-r.started

	second := make(chan error, 1)
	go func() {
		_, err := b.Balance(context.Background(), addrA)
		second <- err
	}()

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(r.gate)
	require.NoError(t, <-second)
	require.Equal(t, 1, r.count("balance"))
}

func TestFetch_RetriesTransientErrors(t *testing.T) {
	r := newFakeRemote()
	r.failures = 2
	b := newTestBackend(t, r, testConfig(""))

	n, err := b.Nonce(context.Background(), addrA)
	require.NoError(t, err)
	require.Equal(t, uint64(7), n)
	require.Equal(t, 3, r.count("nonce"))
}

func TestFetch_ExhaustedRetries(t *testing.T) {
	r := newFakeRemote()
	r.failures = 100
	b := newTestBackend(t, r, testConfig(""))

	_, err := b.Code(context.Background(), addrB)
	require.ErrorIs(t, err, ErrForkUnavailable)
	require.Equal(t, 4, r.count("code")) // first attempt + 3 retries
	require.Zero(t, b.Len())
}

func TestFetch_AbovePin(t *testing.T) {
	b := newTestBackend(t, newFakeRemote(), testConfig(""))
	_, err := b.Fetch(context.Background(), Key{Block: 91, Address: addrA, Selector: SelectBalance})
	require.ErrorIs(t, err, ErrBlockNotFound)

	_, err = b.HeaderByNumber(context.Background(), 95)
	require.ErrorIs(t, err, ErrBlockNotFound)

	h, err := b.HeaderByNumber(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, uint64(42), h.Number.Uint64())
}

func TestAccount(t *testing.T) {
	b := newTestBackend(t, newFakeRemote(), testConfig(""))
	bal, nonce, code, err := b.Account(context.Background(), addrB)
	require.NoError(t, err)
	require.True(t, bal.IsZero())
	require.Zero(t, nonce)
	require.Equal(t, []byte{0x60, 0x00}, code)

	word, err := b.Storage(context.Background(), addrB, common.Hash{1})
	require.NoError(t, err)
	require.Equal(t, common.Hash{0x2a}, word)
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func TestCache_FlushAndReload(t *testing.T) {
	dir := t.TempDir()
	r := newFakeRemote()
	b := newTestBackend(t, r, testConfig(dir))

	_, _, _, err := b.Account(context.Background(), addrA)
	require.NoError(t, err)
	_, err = b.Storage(context.Background(), addrB, common.Hash{1})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	path := filepath.Join(dir, "1", "90", "storage.json")
	require.FileExists(t, path)

	r2 := newFakeRemote()
	b2 := newTestBackend(t, r2, testConfig(dir))
	require.Equal(t, 4, b2.Len())

	bal, nonce, _, err := b2.Account(context.Background(), addrA)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), bal.Uint64())
	require.Equal(t, uint64(7), nonce)
	word, err := b2.Storage(context.Background(), addrB, common.Hash{1})
	require.NoError(t, err)
	require.Equal(t, common.Hash{0x2a}, word)
	require.Zero(t, b2.RemoteCalls())
}

func TestCache_CorruptFileDiscarded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1", "90", "storage.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	r := newFakeRemote()
	b := newTestBackend(t, r, testConfig(dir))
	require.Zero(t, b.Len())

	n, err := b.loadCache()
	require.ErrorIs(t, err, ErrCacheCorrupt)
	require.Zero(t, n)

	// Still fully functional against the remote.
	_, err = b.Balance(context.Background(), addrA)
	require.NoError(t, err)
	require.Equal(t, 1, r.count("balance"))
}

func TestCache_MismatchedMetaDiscarded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1", "90", "storage.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	body := `{"meta":{"chainId":5,"blockNumber":90},"accounts":{},"storage":{}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	b := newTestBackend(t, newFakeRemote(), testConfig(dir))
	_, err := b.loadCache()
	require.ErrorIs(t, err, ErrCacheCorrupt)
	require.Zero(t, b.Len())
}

func TestCache_CodeHash(t *testing.T) {
	dir := t.TempDir()
	b := newTestBackend(t, newFakeRemote(), testConfig(dir))
	_, err := b.Code(context.Background(), addrB)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	path := filepath.Join(dir, "1", "90", "storage.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var file cacheFile
	require.NoError(t, json.Unmarshal(data, &file))
	acc := file.Accounts[addrB]
	require.NotNil(t, acc)
	require.NotNil(t, acc.CodeHash)
	require.Equal(t, crypto.Keccak256Hash([]byte{0x60, 0x00}), *acc.CodeHash)

	// Code that no longer matches its hash invalidates the file.
	tampered := []byte{0x60, 0x01}
	acc.Code = (*hexutil.Bytes)(&tampered)
	data, err = json.Marshal(&file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	again := newTestBackend(t, newFakeRemote(), testConfig(dir))
	require.Zero(t, again.Len())
	_, err = again.loadCache()
	require.ErrorIs(t, err, ErrCacheCorrupt)
}

func TestFlush_NoopWhenClean(t *testing.T) {
	dir := t.TempDir()
	b := newTestBackend(t, newFakeRemote(), testConfig(dir))
	require.NoError(t, b.Flush())
	_, err := os.Stat(filepath.Join(dir, "1"))
	require.True(t, os.IsNotExist(err))
}
