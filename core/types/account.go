package types

import (
	"encoding/binary"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// Account is a full account value.
type Account struct {
	Balance *uint256.Int
	Nonce   uint64
	Code    []byte
	Storage map[common.Hash]common.Hash
}

// NewAccount returns an empty account.
func NewAccount() *Account {
	return &Account{Balance: new(uint256.Int), Storage: make(map[common.Hash]common.Hash)}
}

// Copy returns a deep copy of a.
func (a *Account) Copy() *Account {
	cp := &Account{
		Balance: new(uint256.Int),
		Nonce:   a.Nonce,
		Code:    common.CopyBytes(a.Code),
		Storage: make(map[common.Hash]common.Hash, len(a.Storage)),
	}
	if a.Balance != nil {
		cp.Balance.Set(a.Balance)
	}
	for k, v := range a.Storage {
		cp.Storage[k] = v
	}
	return cp
}

// AccountDiff is the set of writes a block makes to one account. Nil fields
// are untouched.
type AccountDiff struct {
	Balance *uint256.Int
	Nonce   *uint64
	Code    []byte
	CodeSet bool
	Storage map[common.Hash]common.Hash
	Created bool
}

// SetBalance records a balance write.
func (d *AccountDiff) SetBalance(v *uint256.Int) { d.Balance = new(uint256.Int).Set(v) }

// SetNonce records a nonce write.
func (d *AccountDiff) SetNonce(n uint64) { d.Nonce = &n }

// SetCode records a code write.
func (d *AccountDiff) SetCode(code []byte) {
	d.Code = common.CopyBytes(code)
	d.CodeSet = true
}

// SetState records a storage write.
func (d *AccountDiff) SetState(slot, value common.Hash) {
	if d.Storage == nil {
		d.Storage = make(map[common.Hash]common.Hash)
	}
	d.Storage[slot] = value
}

// StateDiff maps every touched address to its writes. It is produced by the
// executor and applied atomically by ChainState.Commit.
type StateDiff map[common.Address]*AccountDiff

// Account returns the diff for addr, creating it on first use.
func (d StateDiff) Account(addr common.Address) *AccountDiff {
	acc, ok := d[addr]
	if !ok {
		acc = new(AccountDiff)
		d[addr] = acc
	}
	return acc
}

// Addresses returns the touched addresses in ascending byte order.
func (d StateDiff) Addresses() []common.Address {
	out := make([]common.Address, 0, len(d))
	for addr := range d {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Digest chains the diff onto parent into a deterministic commitment, used
// as the header state root of devchain blocks.
func (d StateDiff) Digest(parent common.Hash) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(parent[:])
	for _, addr := range d.Addresses() {
		acc := d[addr]
		h.Write(addr[:])
		if acc.Balance != nil {
			b := acc.Balance.Bytes32()
			h.Write([]byte{'b'})
			h.Write(b[:])
		}
		if acc.Created {
			h.Write([]byte{'x'})
		}
		if acc.Nonce != nil {
			var n [8]byte
			binary.BigEndian.PutUint64(n[:], *acc.Nonce)
			h.Write([]byte{'n'})
			h.Write(n[:])
		}
		if acc.CodeSet {
			var size [8]byte
			binary.BigEndian.PutUint64(size[:], uint64(len(acc.Code)))
			h.Write([]byte{'c'})
			h.Write(size[:])
			h.Write(acc.Code)
		}
		slots := make([]common.Hash, 0, len(acc.Storage))
		for k := range acc.Storage {
			slots = append(slots, k)
		}
		sort.Slice(slots, func(i, j int) bool { return slots[i].Cmp(slots[j]) < 0 })
		for _, k := range slots {
			v := acc.Storage[k]
			h.Write([]byte{'s'})
			h.Write(k[:])
			h.Write(v[:])
		}
	}
	var out common.Hash
	h.Sum(out[:0])
	return out
}
