package txpool

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/eth2030/devchain/core/types"
	"github.com/eth2030/devchain/log"
	"github.com/eth2030/devchain/metrics"
)

const gwei = 1_000_000_000

var testChainID = big.NewInt(31337)

// mockState implements StateReader for testing. Unknown accounts are rich.
type mockState struct {
	mu       sync.Mutex
	nonces   map[common.Address]uint64
	balances map[common.Address]*uint256.Int
}

func newMockState() *mockState {
	return &mockState{
		nonces:   make(map[common.Address]uint64),
		balances: make(map[common.Address]*uint256.Int),
	}
}

func (s *mockState) Nonce(_ context.Context, addr common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[addr], nil
}

func (s *mockState) Balance(_ context.Context, addr common.Address) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bal, ok := s.balances[addr]; ok {
		return new(uint256.Int).Set(bal), nil
	}
	return new(uint256.Int).Mul(uint256.NewInt(1e18), uint256.NewInt(1000)), nil
}

func (s *mockState) setNonce(addr common.Address, n uint64) {
	s.mu.Lock()
	s.nonces[addr] = n
	s.mu.Unlock()
}

func (s *mockState) setBalance(addr common.Address, v uint64) {
	s.mu.Lock()
	s.balances[addr] = uint256.NewInt(v)
	s.mu.Unlock()
}

var (
	alice = common.HexToAddress("0xa11ce00000000000000000000000000000000000")
	bob   = common.HexToAddress("0xb0b0000000000000000000000000000000000000")
	carol = common.HexToAddress("0xca201000000000000000000000000000000000000")
)

func newTestPool(state *mockState, mutate func(*Config)) *TxPool {
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, testChainID, state, uint256.NewInt(gwei), log.Discard(), metrics.Nop())
}

// makeTx builds an unsigned dynamic fee transfer. The recipient is the
// sender itself so equal parameters from different senders hash apart.
func makeTx(from common.Address, nonce uint64, tipGwei int64, gas uint64) *gethtypes.Transaction {
	return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   testChainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(tipGwei * gwei),
		GasFeeCap: big.NewInt(100 * gwei),
		Gas:       gas,
		To:        &from,
		Value:     big.NewInt(0),
	})
}

func mustInsert(t *testing.T, pool *TxPool, from common.Address, tx *gethtypes.Transaction) *types.PendingTransaction {
	t.Helper()
	ptx, err := pool.InsertFrom(context.Background(), tx, from)
	if err != nil {
		t.Fatalf("InsertFrom(nonce %d): %v", tx.Nonce(), err)
	}
	return ptx
}

func nonces(batch []*types.PendingTransaction) []uint64 {
	out := make([]uint64, len(batch))
	for i, ptx := range batch {
		out[i] = ptx.Nonce()
	}
	return out
}

// ---------------------------------------------------------------------------
// Admission
// ---------------------------------------------------------------------------

func TestInsertReady(t *testing.T) {
	pool := newTestPool(newMockState(), nil)
	ptx := mustInsert(t, pool, alice, makeTx(alice, 0, 2, 21000))

	if pool.Len() != 1 {
		t.Errorf("Len = %d, want 1", pool.Len())
	}
	ready, pending := pool.Stats()
	if ready != 1 || pending != 0 {
		t.Errorf("Stats = %d/%d, want 1/0", ready, pending)
	}
	if ptx.Seq != 1 {
		t.Errorf("Seq = %d, want 1", ptx.Seq)
	}
	if ptx.Tip.Uint64() != 2*gwei {
		t.Errorf("Tip = %s, want %d", ptx.Tip, 2*gwei)
	}
}

func TestInsertSigned(t *testing.T) {
	key, _ := crypto.GenerateKey()
	from := crypto.PubkeyToAddress(key.PublicKey)
	pool := newTestPool(newMockState(), nil)

	tx, err := gethtypes.SignTx(makeTx(bob, 0, 2, 21000), pool.Signer(), key)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	ptx, err := pool.Insert(context.Background(), tx)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if ptx.From != from {
		t.Errorf("From = %s, want %s", ptx.From, from)
	}
}

func TestInsertInvalidSender(t *testing.T) {
	key, _ := crypto.GenerateKey()
	pool := newTestPool(newMockState(), nil)

	other := gethtypes.LatestSignerForChainID(big.NewInt(1))
	tx, err := gethtypes.SignTx(gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID: big.NewInt(1), GasTipCap: big.NewInt(gwei), GasFeeCap: big.NewInt(100 * gwei),
		Gas: 21000, To: &bob, Value: big.NewInt(0),
	}), other, key)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	if _, err := pool.Insert(context.Background(), tx); !errors.Is(err, ErrInvalidSender) {
		t.Fatalf("expected ErrInvalidSender, got: %v", err)
	}
}

func TestInsertDuplicate(t *testing.T) {
	pool := newTestPool(newMockState(), nil)
	tx := makeTx(alice, 0, 2, 21000)
	mustInsert(t, pool, alice, tx)

	if _, err := pool.InsertFrom(context.Background(), tx, alice); !errors.Is(err, ErrAlreadyKnown) {
		t.Errorf("expected ErrAlreadyKnown, got: %v", err)
	}
}

func TestInsertNonceTooLow(t *testing.T) {
	state := newMockState()
	state.setNonce(alice, 5)
	pool := newTestPool(state, nil)

	if _, err := pool.InsertFrom(context.Background(), makeTx(alice, 3, 2, 21000), alice); !errors.Is(err, ErrNonceTooLow) {
		t.Errorf("expected ErrNonceTooLow, got: %v", err)
	}
}

func TestInsertInsufficientFunds(t *testing.T) {
	state := newMockState()
	state.setBalance(alice, 1e15) // below 21000 * 100 gwei
	m := metrics.Nop()
	pool := New(DefaultConfig(), testChainID, state, uint256.NewInt(gwei), log.Discard(), m)

	_, err := pool.InsertFrom(context.Background(), makeTx(alice, 0, 2, 21000), alice)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got: %v", err)
	}
	if pool.Len() != 0 {
		t.Errorf("Len = %d, want 0", pool.Len())
	}
	if got := testutil.ToFloat64(m.PoolRejected.WithLabelValues("funds")); got != 1 {
		t.Errorf("rejected{funds} = %v, want 1", got)
	}
}

func TestInsertCostOverflow(t *testing.T) {
	state := newMockState()
	state.setBalance(alice, 0)
	pool := newTestPool(state, nil)

	// fee cap * gas wraps to a tiny value modulo 2^256.
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   testChainID,
		GasTipCap: big.NewInt(gwei),
		GasFeeCap: new(big.Int).Lsh(big.NewInt(1), 255),
		Gas:       21000,
		To:        &bob,
		Value:     big.NewInt(0),
	})
	if _, err := pool.InsertFrom(context.Background(), tx, alice); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got: %v", err)
	}
	if pool.Len() != 0 {
		t.Errorf("Len = %d, want 0", pool.Len())
	}
}

func TestInsertStatelessChecks(t *testing.T) {
	pool := newTestPool(newMockState(), func(c *Config) {
		c.MinPriorityFee = gwei
		c.BlockGasLimit = 100_000
	})
	tests := []struct {
		name string
		tx   *gethtypes.Transaction
		want error
	}{
		{"gas limit", makeTx(alice, 0, 2, 100_001), ErrGasLimit},
		{"intrinsic", makeTx(alice, 0, 2, 20_999), ErrIntrinsicGas},
		{"underpriced", gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID: testChainID, GasTipCap: big.NewInt(gwei - 1), GasFeeCap: big.NewInt(100 * gwei),
			Gas: 21000, To: &bob, Value: big.NewInt(0),
		}), ErrUnderpriced},
		{"fee cap below tip", gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID: testChainID, GasTipCap: big.NewInt(3 * gwei), GasFeeCap: big.NewInt(2 * gwei),
			Gas: 21000, To: &bob, Value: big.NewInt(0),
		}), ErrFeeCapBelowTip},
		{"oversized", gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID: testChainID, GasTipCap: big.NewInt(2 * gwei), GasFeeCap: big.NewInt(100 * gwei),
			Gas: 90_000, To: &bob, Value: big.NewInt(0), Data: make([]byte, MaxTxSize+1),
		}), ErrOversizedData},
	}
	for _, tt := range tests {
		if _, err := pool.InsertFrom(context.Background(), tt.tx, alice); !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
	if pool.Len() != 0 {
		t.Errorf("Len = %d, want 0", pool.Len())
	}
}

func TestSetMinPriorityFee(t *testing.T) {
	pool := newTestPool(newMockState(), nil)
	kept := mustInsert(t, pool, alice, makeTx(alice, 0, 1, 21000))

	pool.SetMinPriorityFee(2 * gwei)
	if got := pool.MinPriorityFee(); got != 2*gwei {
		t.Fatalf("MinPriorityFee = %d, want %d", got, 2*gwei)
	}
	if _, err := pool.InsertFrom(context.Background(), makeTx(bob, 0, 1, 21000), bob); !errors.Is(err, ErrUnderpriced) {
		t.Fatalf("expected ErrUnderpriced, got: %v", err)
	}
	mustInsert(t, pool, bob, makeTx(bob, 0, 2, 21000))
	if !pool.Has(kept.Hash) {
		t.Error("raising the minimum must not evict pooled transactions")
	}
}

func TestInsertQueuedThenPromoted(t *testing.T) {
	pool := newTestPool(newMockState(), nil)

	mustInsert(t, pool, alice, makeTx(alice, 1, 2, 21000))
	if ready, pending := pool.Stats(); ready != 0 || pending != 1 {
		t.Fatalf("after nonce 1: Stats = %d/%d, want 0/1", ready, pending)
	}
	mustInsert(t, pool, alice, makeTx(alice, 0, 2, 21000))
	if ready, pending := pool.Stats(); ready != 2 || pending != 0 {
		t.Fatalf("after nonce 0: Stats = %d/%d, want 2/0", ready, pending)
	}
	batch := pool.DrainReady(30_000_000)
	if got := nonces(batch); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("drained nonces = %v, want [0 1]", got)
	}
}

func TestNonceConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		state := newMockState()
		base := uint64(rng.Intn(5))
		state.setNonce(alice, base)
		pool := newTestPool(state, nil)

		inserted := make(map[uint64]bool)
		for _, i := range rng.Perm(10) {
			n := base + uint64(i)
			mustInsert(t, pool, alice, makeTx(alice, n, 2, 21000))
			inserted[n] = true

			want := 0
			for inserted[base+uint64(want)] {
				want++
			}
			if got := pool.ReadyLen(); got != want {
				t.Fatalf("round %d: ReadyLen = %d, want %d", round, got, want)
			}
		}
		if ready, pending := pool.Stats(); ready != 10 || pending != 0 {
			t.Fatalf("round %d: Stats = %d/%d, want 10/0", round, ready, pending)
		}
	}
}

func TestReplacement(t *testing.T) {
	pool := newTestPool(newMockState(), nil)
	old := mustInsert(t, pool, alice, makeTx(alice, 0, 10, 21000))

	weak := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID: testChainID, GasTipCap: big.NewInt(10*gwei + 1), GasFeeCap: big.NewInt(105 * gwei),
		Gas: 21000, To: &alice, Value: big.NewInt(0),
	})
	if _, err := pool.InsertFrom(context.Background(), weak, alice); !errors.Is(err, ErrReplacementUnderpriced) {
		t.Fatalf("expected ErrReplacementUnderpriced, got: %v", err)
	}

	strong := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID: testChainID, GasTipCap: big.NewInt(11 * gwei), GasFeeCap: big.NewInt(110 * gwei),
		Gas: 21000, To: &alice, Value: big.NewInt(0),
	})
	ptx := mustInsert(t, pool, alice, strong)
	if pool.Len() != 1 || pool.Has(old.Hash) {
		t.Fatalf("replacement left the old transaction behind")
	}
	if got := pool.DrainReady(30_000_000); len(got) != 1 || got[0] != ptx {
		t.Errorf("drain did not return the replacement")
	}
}

// ---------------------------------------------------------------------------
// DrainReady
// ---------------------------------------------------------------------------

func TestDrainOrdersByTip(t *testing.T) {
	pool := newTestPool(newMockState(), nil)
	low := mustInsert(t, pool, alice, makeTx(alice, 0, 5, 21000))
	high := mustInsert(t, pool, bob, makeTx(bob, 0, 10, 21000))

	batch := pool.DrainReady(30_000_000)
	if len(batch) != 2 || batch[0] != high || batch[1] != low {
		t.Fatalf("expected fee-10 transaction first")
	}
	if pool.Len() != 2 {
		t.Errorf("DrainReady removed transactions: Len = %d", pool.Len())
	}
}

func TestDrainTieBreaksByArrival(t *testing.T) {
	pool := newTestPool(newMockState(), nil)
	first := mustInsert(t, pool, bob, makeTx(bob, 0, 5, 21000))
	second := mustInsert(t, pool, alice, makeTx(alice, 0, 5, 21000))
	third := mustInsert(t, pool, carol, makeTx(carol, 0, 5, 21000))

	for i := 0; i < 5; i++ {
		batch := pool.DrainReady(30_000_000)
		if len(batch) != 3 || batch[0] != first || batch[1] != second || batch[2] != third {
			t.Fatalf("drain %d: order not stable by arrival", i)
		}
	}
}

func TestDrainKeepsSenderNonceOrder(t *testing.T) {
	pool := newTestPool(newMockState(), nil)
	// Alice's later nonce pays more, but cannot jump her own nonce 0.
	mustInsert(t, pool, alice, makeTx(alice, 0, 1, 21000))
	mustInsert(t, pool, alice, makeTx(alice, 1, 20, 21000))
	mustInsert(t, pool, bob, makeTx(bob, 0, 5, 21000))

	batch := pool.DrainReady(30_000_000)
	if len(batch) != 3 {
		t.Fatalf("batch = %d, want 3", len(batch))
	}
	if batch[0].From != bob || batch[1].From != alice || batch[1].Nonce() != 0 || batch[2].Nonce() != 1 {
		t.Errorf("unexpected order: %s/%d %s/%d %s/%d",
			batch[0].From, batch[0].Nonce(), batch[1].From, batch[1].Nonce(), batch[2].From, batch[2].Nonce())
	}
}

func TestDrainFIFO(t *testing.T) {
	pool := newTestPool(newMockState(), func(c *Config) { c.Order = OrderFIFO })
	first := mustInsert(t, pool, alice, makeTx(alice, 0, 1, 21000))
	second := mustInsert(t, pool, bob, makeTx(bob, 0, 50, 21000))

	batch := pool.DrainReady(30_000_000)
	if len(batch) != 2 || batch[0] != first || batch[1] != second {
		t.Fatalf("fifo order not respected")
	}
}

func TestDrainRespectsGasLimit(t *testing.T) {
	pool := newTestPool(newMockState(), nil)
	for n := uint64(0); n < 3; n++ {
		mustInsert(t, pool, alice, makeTx(alice, n, 2, 21000))
	}
	batch := pool.DrainReady(42_000)
	if got := nonces(batch); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("drained nonces = %v, want [0 1]", got)
	}
}

func TestDrainSkipsUnfittableSender(t *testing.T) {
	pool := newTestPool(newMockState(), nil)
	mustInsert(t, pool, alice, makeTx(alice, 0, 50, 60_000))
	small := mustInsert(t, pool, bob, makeTx(bob, 0, 1, 21000))

	batch := pool.DrainReady(30_000)
	if len(batch) != 1 || batch[0] != small {
		t.Fatalf("expected only the transaction that fits")
	}
}

func TestDrainSkipsBelowBaseFee(t *testing.T) {
	pool := newTestPool(newMockState(), nil)
	mustInsert(t, pool, alice, makeTx(alice, 0, 2, 21000))
	pool.SetBaseFee(uint256.NewInt(200 * gwei))

	if batch := pool.DrainReady(30_000_000); len(batch) != 0 {
		t.Fatalf("batch = %d, want 0", len(batch))
	}
	if pool.Len() != 1 {
		t.Errorf("Len = %d, want 1", pool.Len())
	}
}

func TestSetBaseFeeRecomputesTips(t *testing.T) {
	pool := newTestPool(newMockState(), nil)
	ptx := mustInsert(t, pool, alice, makeTx(alice, 0, 10, 21000))

	pool.SetBaseFee(uint256.NewInt(95 * gwei))
	if got := pool.Get(ptx.Hash).Tip.Uint64(); got != 5*gwei {
		t.Errorf("Tip = %d, want %d", got, 5*gwei)
	}
	// Values handed out earlier are never modified.
	if got := ptx.Tip.Uint64(); got != 10*gwei {
		t.Errorf("earlier Tip = %d, want %d", got, 10*gwei)
	}
	batch := pool.DrainReady(30_000_000)
	if len(batch) != 1 || batch[0].Tip.Uint64() != 5*gwei {
		t.Fatalf("drained %d transactions with stale tips", len(batch))
	}
}

func TestSetBaseFeeConcurrentReaders(t *testing.T) {
	pool := newTestPool(newMockState(), nil)
	ptx := mustInsert(t, pool, alice, makeTx(alice, 0, 10, 21000))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			pool.SetBaseFee(uint256.NewInt(uint64(90+i%10) * gwei))
		}
	}()
	for i := 0; i < 100; i++ {
		if got := pool.Get(ptx.Hash); got == nil || got.Tip == nil {
			t.Fatal("transaction lost")
		}
		_ = ptx.Tip.Uint64()
	}
	wg.Wait()
}

// ---------------------------------------------------------------------------
// Prune / Reset / eviction
// ---------------------------------------------------------------------------

func TestPruneIncluded(t *testing.T) {
	state := newMockState()
	pool := newTestPool(state, nil)
	tx0 := mustInsert(t, pool, alice, makeTx(alice, 0, 2, 21000))
	mustInsert(t, pool, alice, makeTx(alice, 1, 2, 21000))
	mustInsert(t, pool, alice, makeTx(alice, 3, 2, 21000))

	state.setNonce(alice, 1)
	if err := pool.Prune(context.Background(), []common.Hash{tx0.Hash}, nil); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if ready, pending := pool.Stats(); ready != 1 || pending != 1 {
		t.Fatalf("Stats = %d/%d, want 1/1", ready, pending)
	}
	// Closing the gap promotes nonce 3.
	mustInsert(t, pool, alice, makeTx(alice, 2, 2, 21000))
	if ready := pool.ReadyLen(); ready != 3 {
		t.Errorf("ReadyLen = %d, want 3", ready)
	}
}

func TestPruneStaleDemotes(t *testing.T) {
	state := newMockState()
	pool := newTestPool(state, nil)
	mustInsert(t, pool, alice, makeTx(alice, 0, 2, 21000))
	stale := mustInsert(t, pool, alice, makeTx(alice, 1, 2, 21000))
	mustInsert(t, pool, alice, makeTx(alice, 2, 2, 21000))

	// Nonce 0 landed through another path; nonce 1 failed at execution.
	state.setNonce(alice, 1)
	if err := pool.Prune(context.Background(), nil, []common.Hash{stale.Hash}); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	ready, pending := pool.Stats()
	if ready != 0 || pending != 1 {
		t.Fatalf("Stats = %d/%d, want 0/1", ready, pending)
	}
}

func TestPruneDropsUnaffordable(t *testing.T) {
	state := newMockState()
	pool := newTestPool(state, nil)
	tx0 := mustInsert(t, pool, alice, makeTx(alice, 0, 2, 21000))
	mustInsert(t, pool, alice, makeTx(alice, 1, 2, 21000))

	state.setNonce(alice, 1)
	state.setBalance(alice, 1)
	if err := pool.Prune(context.Background(), []common.Hash{tx0.Hash}, nil); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if pool.Len() != 0 {
		t.Errorf("Len = %d, want 0", pool.Len())
	}
}

func TestResetFollowsStateNonce(t *testing.T) {
	state := newMockState()
	state.setNonce(alice, 1)
	pool := newTestPool(state, nil)
	mustInsert(t, pool, alice, makeTx(alice, 2, 2, 21000))
	if pool.ReadyLen() != 0 {
		t.Fatalf("nonce 2 should wait for nonce 1")
	}

	state.setNonce(alice, 2)
	if err := pool.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if pool.ReadyLen() != 1 {
		t.Errorf("ReadyLen = %d, want 1", pool.ReadyLen())
	}
}

func TestEviction(t *testing.T) {
	m := metrics.Nop()
	cfg := DefaultConfig()
	cfg.Capacity = 2
	pool := New(cfg, testChainID, newMockState(), uint256.NewInt(gwei), log.Discard(), m)

	mustInsert(t, pool, alice, makeTx(alice, 0, 5, 21000))
	cheap := mustInsert(t, pool, bob, makeTx(bob, 0, 3, 21000))

	mustInsert(t, pool, carol, makeTx(carol, 0, 4, 21000))
	if pool.Has(cheap.Hash) || pool.Len() != 2 {
		t.Fatalf("lowest tip was not evicted")
	}
	if got := testutil.ToFloat64(m.PoolDropped.WithLabelValues(metrics.DropEvicted)); got != 1 {
		t.Errorf("dropped{evicted} = %v, want 1", got)
	}

	// A newcomer tied with the lowest is the newest, so it is the victim.
	if _, err := pool.InsertFrom(context.Background(), makeTx(bob, 0, 4, 21000), bob); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("expected ErrPoolFull, got: %v", err)
	}
}

func TestEvictionDemotesLaterNonces(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 3
	pool := New(cfg, testChainID, newMockState(), nil, log.Discard(), nil)

	mustInsert(t, pool, alice, makeTx(alice, 0, 1, 21000))
	mustInsert(t, pool, alice, makeTx(alice, 1, 9, 21000))
	mustInsert(t, pool, bob, makeTx(bob, 0, 9, 21000))
	mustInsert(t, pool, carol, makeTx(carol, 0, 9, 21000))

	ready, pending := pool.Stats()
	if ready != 2 || pending != 1 {
		t.Fatalf("Stats = %d/%d, want 2/1", ready, pending)
	}
}

// ---------------------------------------------------------------------------
// Misc
// ---------------------------------------------------------------------------

func TestReadyNotification(t *testing.T) {
	pool := newTestPool(newMockState(), nil)

	mustInsert(t, pool, alice, makeTx(alice, 1, 2, 21000))
	select {
	case <-pool.Ready():
		t.Fatal("queued insert must not signal")
	default:
	}

	mustInsert(t, pool, alice, makeTx(alice, 0, 2, 21000))
	select {
	case <-pool.Ready():
	default:
		t.Fatal("ready insert did not signal")
	}
}

func TestDropAndClear(t *testing.T) {
	pool := newTestPool(newMockState(), nil)
	tx0 := mustInsert(t, pool, alice, makeTx(alice, 0, 2, 21000))
	mustInsert(t, pool, alice, makeTx(alice, 1, 2, 21000))
	mustInsert(t, pool, bob, makeTx(bob, 0, 2, 21000))

	if !pool.Drop(tx0.Hash) {
		t.Fatal("Drop returned false")
	}
	if pool.Drop(tx0.Hash) {
		t.Fatal("second Drop returned true")
	}
	ready, pending := pool.Content()
	if len(ready[alice]) != 0 || len(pending[alice]) != 1 || len(ready[bob]) != 1 {
		t.Fatalf("unexpected content after drop: ready=%d pending=%d", len(ready[alice]), len(pending[alice]))
	}

	pool.Clear()
	if pool.Len() != 0 {
		t.Errorf("Len = %d, want 0", pool.Len())
	}
}

func TestConcurrentInsert(t *testing.T) {
	pool := newTestPool(newMockState(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		from := common.BigToAddress(big.NewInt(int64(i + 1)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := uint64(0); n < 8; n++ {
				if _, err := pool.InsertFrom(context.Background(), makeTx(from, n, 2, 21000), from); err != nil {
					t.Errorf("InsertFrom: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if ready := pool.ReadyLen(); ready != 128 {
		t.Fatalf("ReadyLen = %d, want 128", ready)
	}
	seen := make(map[uint64]bool)
	for _, ptx := range pool.DrainReady(1 << 40) {
		if seen[ptx.Seq] {
			t.Fatalf("duplicate seq %d", ptx.Seq)
		}
		seen[ptx.Seq] = true
	}
}

func TestPendingNonce(t *testing.T) {
	state := newMockState()
	state.setNonce(alice, 3)
	pool := newTestPool(state, nil)

	if got := pool.PendingNonce(alice, 3); got != 3 {
		t.Fatalf("untracked PendingNonce = %d, want 3", got)
	}
	mustInsert(t, pool, alice, makeTx(alice, 3, 2, 21000))
	mustInsert(t, pool, alice, makeTx(alice, 4, 2, 21000))
	mustInsert(t, pool, alice, makeTx(alice, 6, 2, 21000))

	// The gapped nonce 6 does not count.
	if got := pool.PendingNonce(alice, 3); got != 5 {
		t.Fatalf("PendingNonce = %d, want 5", got)
	}
}
