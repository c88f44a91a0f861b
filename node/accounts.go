package node

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// devKeySeed prefixes the preimage of every dev account key.
var devKeySeed = []byte("devchain dev account")

// DevKey returns the private key of the i-th dev account. Keys are
// deterministic so addresses are stable across restarts.
func DevKey(i int) (*ecdsa.PrivateKey, error) {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(i))
	key, err := crypto.ToECDSA(crypto.Keccak256(devKeySeed, idx[:]))
	if err != nil {
		return nil, fmt.Errorf("node: dev key %d: %w", i, err)
	}
	return key, nil
}

// devAccounts derives n dev accounts in index order.
func devAccounts(n int) ([]common.Address, map[common.Address]*ecdsa.PrivateKey, error) {
	addrs := make([]common.Address, 0, n)
	keys := make(map[common.Address]*ecdsa.PrivateKey, n)
	for i := 0; i < n; i++ {
		key, err := DevKey(i)
		if err != nil {
			return nil, nil, err
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		addrs = append(addrs, addr)
		keys[addr] = key
	}
	return addrs, keys, nil
}
