package fork

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const cacheFileName = "storage.json"

// cacheFile is the on-disk layout of a persisted fork cache. Only entries at
// the pin height are stored.
type cacheFile struct {
	Meta     cacheMeta                                      `json:"meta"`
	Accounts map[common.Address]*cachedAccount              `json:"accounts"`
	Storage  map[common.Address]map[common.Hash]common.Hash `json:"storage"`
}

type cacheMeta struct {
	ChainID     uint64 `json:"chainId"`
	BlockNumber uint64 `json:"blockNumber"`
}

type cachedAccount struct {
	Balance  *hexutil.Big    `json:"balance,omitempty"`
	Nonce    *hexutil.Uint64 `json:"nonce,omitempty"`
	Code     *hexutil.Bytes  `json:"code,omitempty"`
	CodeHash *common.Hash    `json:"codeHash,omitempty"`
}

func (b *Backend) cachePath() string {
	return filepath.Join(b.cfg.CacheDir,
		strconv.FormatUint(b.chainID, 10),
		strconv.FormatUint(b.pin, 10),
		cacheFileName)
}

// loadCache reads the persisted cache for (chain id, pin). A missing file is
// not an error. Malformed or mismatched files yield ErrCacheCorrupt and leave
// the in-memory cache empty.
func (b *Backend) loadCache() (int, error) {
	data, err := os.ReadFile(b.cachePath())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var file cacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCacheCorrupt, err)
	}
	if file.Meta.ChainID != b.chainID || file.Meta.BlockNumber != b.pin {
		return 0, fmt.Errorf("%w: cache is for chain %d block %d, want chain %d block %d",
			ErrCacheCorrupt, file.Meta.ChainID, file.Meta.BlockNumber, b.chainID, b.pin)
	}

	entries := make(map[Key]Value)
	for addr, acc := range file.Accounts {
		if acc == nil {
			continue
		}
		if acc.Balance != nil {
			bal, overflow := uint256.FromBig(acc.Balance.ToInt())
			if overflow || acc.Balance.ToInt().Sign() < 0 {
				return 0, fmt.Errorf("%w: bad balance for %s", ErrCacheCorrupt, addr)
			}
			entries[Key{Block: b.pin, Address: addr, Selector: SelectBalance}] = Value{Balance: bal}
		}
		if acc.Nonce != nil {
			entries[Key{Block: b.pin, Address: addr, Selector: SelectNonce}] = Value{Nonce: uint64(*acc.Nonce)}
		}
		if acc.Code != nil {
			if acc.CodeHash != nil && crypto.Keccak256Hash(*acc.Code) != *acc.CodeHash {
				return 0, fmt.Errorf("%w: code hash mismatch for %s", ErrCacheCorrupt, addr)
			}
			entries[Key{Block: b.pin, Address: addr, Selector: SelectCode}] = Value{Code: common.CopyBytes(*acc.Code)}
		}
	}
	for addr, slots := range file.Storage {
		for slot, word := range slots {
			entries[Key{Block: b.pin, Address: addr, Selector: SelectStorage, Slot: slot}] = Value{Word: word}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range entries {
		if _, ok := b.cache[k]; !ok {
			b.cache[k] = v
		}
	}
	return len(entries), nil
}

// Flush writes the cache to disk if it changed since the last flush. The
// file is replaced atomically.
func (b *Backend) Flush() error {
	if b.cfg.CacheDir == "" {
		return nil
	}
	b.mu.Lock()
	if !b.dirty {
		b.mu.Unlock()
		return nil
	}
	file := cacheFile{
		Meta:     cacheMeta{ChainID: b.chainID, BlockNumber: b.pin},
		Accounts: make(map[common.Address]*cachedAccount),
		Storage:  make(map[common.Address]map[common.Hash]common.Hash),
	}
	account := func(addr common.Address) *cachedAccount {
		acc, ok := file.Accounts[addr]
		if !ok {
			acc = new(cachedAccount)
			file.Accounts[addr] = acc
		}
		return acc
	}
	for k, v := range b.cache {
		if k.Block != b.pin {
			continue
		}
		switch k.Selector {
		case SelectBalance:
			account(k.Address).Balance = (*hexutil.Big)(v.Balance.ToBig())
		case SelectNonce:
			n := hexutil.Uint64(v.Nonce)
			account(k.Address).Nonce = &n
		case SelectCode:
			code := hexutil.Bytes(common.CopyBytes(v.Code))
			hash := crypto.Keccak256Hash(code)
			acc := account(k.Address)
			acc.Code, acc.CodeHash = &code, &hash
		case SelectStorage:
			slots, ok := file.Storage[k.Address]
			if !ok {
				slots = make(map[common.Hash]common.Hash)
				file.Storage[k.Address] = slots
			}
			slots[k.Slot] = v.Word
		}
	}
	b.dirty = false
	b.mu.Unlock()

	data, err := json.Marshal(&file)
	if err != nil {
		return err
	}
	path := b.cachePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	b.log.Debug("Flushed fork cache", "path", path, "accounts", len(file.Accounts))
	return nil
}
