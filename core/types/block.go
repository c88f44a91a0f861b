// Package types holds the records shared by the devchain components: sealed
// blocks, account values, state diffs and pool entries. Consensus objects
// (headers, transactions, receipts, logs) are go-ethereum's own types.
package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Block is a sealed block: a header together with its ordered transactions
// and their receipts. Blocks are immutable once committed.
type Block struct {
	header       *gethtypes.Header
	transactions []*gethtypes.Transaction
	receipts     []*gethtypes.Receipt
	hash         common.Hash
}

// NewBlock seals header over txs and receipts. The header's TxHash is set
// from the transaction list before the block hash is computed, and the
// receipts' inclusion fields are derived from the resulting hash.
func NewBlock(header *gethtypes.Header, txs []*gethtypes.Transaction, receipts []*gethtypes.Receipt) *Block {
	h := gethtypes.CopyHeader(header)
	h.TxHash = TxListHash(txs)
	b := &Block{
		header:       h,
		transactions: append([]*gethtypes.Transaction(nil), txs...),
		receipts:     append([]*gethtypes.Receipt(nil), receipts...),
	}
	b.hash = h.Hash()
	DeriveReceiptFields(b.receipts, b.hash, h.Number.Uint64(), b.transactions)
	return b
}

// NewBlockFromHeader wraps a header fetched from a remote chain. The header is
// trusted as-is; its transactions are not retrieved.
func NewBlockFromHeader(header *gethtypes.Header) *Block {
	h := gethtypes.CopyHeader(header)
	return &Block{header: h, hash: h.Hash()}
}

// Header returns a copy of the block header.
func (b *Block) Header() *gethtypes.Header { return gethtypes.CopyHeader(b.header) }

func (b *Block) Transactions() []*gethtypes.Transaction { return b.transactions }
func (b *Block) Receipts() []*gethtypes.Receipt         { return b.receipts }

func (b *Block) Hash() common.Hash       { return b.hash }
func (b *Block) ParentHash() common.Hash { return b.header.ParentHash }
func (b *Block) Number() uint64          { return b.header.Number.Uint64() }
func (b *Block) Time() uint64            { return b.header.Time }
func (b *Block) GasLimit() uint64        { return b.header.GasLimit }
func (b *Block) GasUsed() uint64         { return b.header.GasUsed }
func (b *Block) Coinbase() common.Address {
	return b.header.Coinbase
}
func (b *Block) Root() common.Hash { return b.header.Root }

// BaseFee returns the base fee of the block (nil if pre-EIP-1559).
func (b *Block) BaseFee() *big.Int {
	if b.header.BaseFee == nil {
		return nil
	}
	return new(big.Int).Set(b.header.BaseFee)
}

// TxHashes lists the hashes of the included transactions in block order.
func (b *Block) TxHashes() []common.Hash {
	out := make([]common.Hash, len(b.transactions))
	for i, tx := range b.transactions {
		out[i] = tx.Hash()
	}
	return out
}

// TxListHash commits to the ordered transaction hashes. It is not a Merkle
// Patricia root; devchain blocks are never validated by another client.
func TxListHash(txs []*gethtypes.Transaction) common.Hash {
	if len(txs) == 0 {
		return gethtypes.EmptyTxsHash
	}
	buf := make([]byte, 0, len(txs)*common.HashLength)
	for _, tx := range txs {
		h := tx.Hash()
		buf = append(buf, h[:]...)
	}
	return crypto.Keccak256Hash(buf)
}

// DeriveReceiptFields populates the inclusion fields on a list of receipts
// once the enclosing block hash is known, and assigns block-wide log indices.
func DeriveReceiptFields(receipts []*gethtypes.Receipt, blockHash common.Hash, number uint64, txs []*gethtypes.Transaction) {
	var logIndex uint
	for i, receipt := range receipts {
		receipt.BlockHash = blockHash
		receipt.BlockNumber = new(big.Int).SetUint64(number)
		receipt.TransactionIndex = uint(i)
		if i < len(txs) {
			receipt.TxHash = txs[i].Hash()
		}
		for _, l := range receipt.Logs {
			l.BlockHash = blockHash
			l.BlockNumber = number
			l.TxIndex = uint(i)
			l.TxHash = receipt.TxHash
			l.Index = logIndex
			logIndex++
		}
	}
}
