package chain

import (
	"encoding/binary"
	"sync"

	"github.com/libsv/go-bt/v2/chainhash"
	"github.com/mazanetwork/maza/errors"
)

type utxoKey struct {
	txid chainhash.Hash
	vout uint32
}

// Mock is an in-memory chain view for tests. Blocks are synthesized hashes;
// UTXOs are added and spent explicitly.
type Mock struct {
	mu          sync.Mutex
	hashes      []chainhash.Hash
	heights     map[chainhash.Hash]uint32
	times       map[uint32]int64
	utxos       map[utxoKey]UTXO
	ibd         bool
	synced      bool
	subscribers []chan BlockInfo
}

func NewMock() *Mock {
	m := &Mock{
		heights: make(map[chainhash.Hash]uint32),
		times:   make(map[uint32]int64),
		utxos:   make(map[utxoKey]UTXO),
		synced:  true,
	}

	// genesis
	m.appendBlock(0)

	return m
}

func (m *Mock) appendBlock(t int64) {
	height := uint32(len(m.hashes))

	var b [8]byte
	binary.LittleEndian.PutUint32(b[:4], height)
	hash := chainhash.DoubleHashH(b[:])

	m.hashes = append(m.hashes, hash)
	m.heights[hash] = height
	m.times[height] = t
}

// ExtendTo mines synthetic blocks up to the given height, notifying
// subscribers once with the final tip.
func (m *Mock) ExtendTo(height uint32, blockTime int64) {
	m.mu.Lock()
	for uint32(len(m.hashes)) <= height {
		m.appendBlock(blockTime)
	}
	tip := BlockInfo{Height: uint32(len(m.hashes)) - 1, Hash: m.hashes[len(m.hashes)-1]}
	subs := append([]chan BlockInfo(nil), m.subscribers...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- tip:
		default:
		}
	}
}

// AddUTXO registers an unspent output.
func (m *Mock) AddUTXO(txid chainhash.Hash, vout uint32, u UTXO) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utxos[utxoKey{txid, vout}] = u
}

// SpendUTXO removes an output, simulating its spend.
func (m *Mock) SpendUTXO(txid chainhash.Hash, vout uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.utxos, utxoKey{txid, vout})
}

// SetIBD flips the initial-block-download flag.
func (m *Mock) SetIBD(ibd bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ibd = ibd
}

// SetSynced flips the headers-at-tip flag.
func (m *Mock) SetSynced(synced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced = synced
}

func (m *Mock) BestHeight() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.hashes)) - 1
}

func (m *Mock) BestBlockHash() chainhash.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hashes[len(m.hashes)-1]
}

func (m *Mock) BlockHash(height uint32) (chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if height >= uint32(len(m.hashes)) {
		return chainhash.Hash{}, errors.NewNotFoundError("no block at height %d", height)
	}
	return m.hashes[height], nil
}

func (m *Mock) BlockHeight(hash chainhash.Hash) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.heights[hash]
	return h, ok
}

func (m *Mock) BlockTime(height uint32) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.times[height]
	if !ok {
		return 0, errors.NewNotFoundError("no block at height %d", height)
	}
	return t, nil
}

func (m *Mock) GetUTXO(txid chainhash.Hash, vout uint32) (UTXO, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.utxos[utxoKey{txid, vout}]
	return u, ok
}

func (m *Mock) IsInitialBlockDownload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ibd
}

func (m *Mock) IsSynced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.synced
}

func (m *Mock) Subscribe() <-chan BlockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan BlockInfo, 16)
	m.subscribers = append(m.subscribers, ch)
	return ch
}
