package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/klauspost/compress/gzip"

	"github.com/eth2030/devchain/core/types"
)

// Dump is a serializable view of every account the ledger knows about,
// local writes layered over memoized remote reads.
type Dump struct {
	Block     hexutil.Uint64                 `json:"block"`
	Timestamp hexutil.Uint64                 `json:"timestamp"`
	Accounts  map[common.Address]DumpAccount `json:"accounts"`
}

// DumpAccount is one account in a Dump.
type DumpAccount struct {
	Balance *hexutil.Big                `json:"balance"`
	Nonce   hexutil.Uint64              `json:"nonce"`
	Code    hexutil.Bytes               `json:"code,omitempty"`
	Storage map[common.Hash]common.Hash `json:"storage,omitempty"`
}

// Dump captures the current accounts.
func (s *ChainState) Dump() *Dump {
	s.mu.RLock()
	defer s.mu.RUnlock()

	head := s.head()
	d := &Dump{
		Block:     hexutil.Uint64(head.Number()),
		Timestamp: hexutil.Uint64(head.Time()),
		Accounts:  make(map[common.Address]DumpAccount),
	}
	addrs := make(map[common.Address]struct{}, len(s.accounts)+len(s.memo))
	for addr := range s.memo {
		addrs[addr] = struct{}{}
	}
	for addr := range s.accounts {
		addrs[addr] = struct{}{}
	}
	for addr := range addrs {
		bal := new(uint256.Int)
		var out DumpAccount
		local := s.accounts[addr]
		for _, layer := range []*account{s.memo[addr], local} {
			if layer == nil {
				continue
			}
			storage := layer.storage
			if layer != local && local != nil && local.fresh {
				storage = nil
			}
			if layer.balance != nil {
				bal.Set(layer.balance)
			}
			if layer.nonce != nil {
				out.Nonce = hexutil.Uint64(*layer.nonce)
			}
			if layer.codeSet {
				out.Code = common.CopyBytes(layer.code)
			}
			for k, v := range storage {
				if out.Storage == nil {
					out.Storage = make(map[common.Hash]common.Hash)
				}
				out.Storage[k] = v
			}
		}
		out.Balance = (*hexutil.Big)(bal.ToBig())
		d.Accounts[addr] = out
	}
	return d
}

// Load writes every account of d into the ledger as cheat writes. Existing
// blocks are kept; the writes are journaled like any other cheat.
func (s *ChainState) Load(d *Dump) error {
	accounts := make(map[common.Address]*types.Account, len(d.Accounts))
	for addr, in := range d.Accounts {
		acc := &types.Account{Nonce: uint64(in.Nonce), Code: in.Code, Storage: in.Storage}
		acc.Balance = new(uint256.Int)
		if in.Balance != nil {
			bal, overflow := uint256.FromBig(in.Balance.ToInt())
			if overflow || in.Balance.ToInt().Sign() < 0 {
				return fmt.Errorf("state: invalid balance for %s", addr)
			}
			acc.Balance = bal
		}
		accounts[addr] = acc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, acc := range accounts {
		s.writeAccountLocked(addr, acc)
	}
	s.log.Info("Loaded state", "accounts", len(accounts))
	return nil
}

// DumpBytes serializes Dump as gzip-compressed JSON.
func (s *ChainState) DumpBytes() ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(s.Dump()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LoadBytes loads a state produced by DumpBytes. Plain JSON is accepted too.
func (s *ChainState) LoadBytes(data []byte) error {
	var r io.Reader = bytes.NewReader(data)
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("state: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	var d Dump
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return fmt.Errorf("state: decode dump: %w", err)
	}
	return s.Load(&d)
}
