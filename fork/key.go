package fork

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Selector names the account field a Key addresses.
type Selector uint8

const (
	SelectBalance Selector = iota
	SelectNonce
	SelectCode
	SelectStorage
)

func (s Selector) String() string {
	switch s {
	case SelectBalance:
		return "balance"
	case SelectNonce:
		return "nonce"
	case SelectCode:
		return "code"
	case SelectStorage:
		return "storage"
	default:
		return fmt.Sprintf("selector(%d)", uint8(s))
	}
}

// Key identifies one remote datum. Slot is only meaningful for SelectStorage.
type Key struct {
	Block    uint64
	Address  common.Address
	Selector Selector
	Slot     common.Hash
}

func (k Key) String() string {
	if k.Selector == SelectStorage {
		return fmt.Sprintf("%d/%s/%s/%s", k.Block, k.Address.Hex(), k.Selector, k.Slot.Hex())
	}
	return fmt.Sprintf("%d/%s/%s", k.Block, k.Address.Hex(), k.Selector)
}

// Value holds the datum for a Key. Only the field matching the key's
// selector is set.
type Value struct {
	Balance *uint256.Int
	Nonce   uint64
	Code    []byte
	Word    common.Hash
}
