package chain

import (
	"github.com/libsv/go-bt/v2/chainhash"
)

// BlockInfo describes a chain tip update.
type BlockInfo struct {
	Height uint32
	Hash   chainhash.Hash
}

// UTXO is the view of an unspent output as needed by collateral checks.
type UTXO struct {
	Value         uint64
	LockingScript []byte

	// Height is the height of the block the output was created in, 0 when
	// still in the mempool.
	Height uint32
}

// View is the read-only window onto the base chain the coordination layer
// depends on. Implementations are provided by the surrounding node; the
// in-memory Mock in this package backs the tests.
type View interface {
	// BestHeight returns the current tip height.
	BestHeight() uint32

	// BestBlockHash returns the current tip hash.
	BestBlockHash() chainhash.Hash

	// BlockHash returns the hash of the block at the given height, or an
	// error when the height is unknown locally.
	BlockHash(height uint32) (chainhash.Hash, error)

	// BlockHeight returns the height of the given block hash.
	BlockHeight(hash chainhash.Hash) (uint32, bool)

	// BlockTime returns the timestamp of the block at the given height.
	BlockTime(height uint32) (int64, error)

	// GetUTXO looks up an unspent transaction output. The second return is
	// false when the output does not exist or was spent.
	GetUTXO(txid chainhash.Hash, vout uint32) (UTXO, bool)

	// IsInitialBlockDownload reports whether the node is still in IBD.
	IsInitialBlockDownload() bool

	// IsSynced reports whether headers are at the network tip.
	IsSynced() bool

	// Subscribe returns a channel delivering tip updates. The channel is
	// never closed by the implementation.
	Subscribe() <-chan BlockInfo
}
