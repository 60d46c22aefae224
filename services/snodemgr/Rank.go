package snodemgr

import (
	"bytes"
	"sort"

	"github.com/libsv/go-bt/v2/chainhash"
	"github.com/mazanetwork/maza/chaincfg"
	"github.com/mazanetwork/maza/errors"
	"github.com/mazanetwork/maza/services/snode"
)

// RankedSnode is one row of a deterministic ranking.
type RankedSnode struct {
	Rank int
	Info snode.Info
}

type scoredSnode struct {
	score [32]byte
	sn    *snode.Snode
}

// scoredSnodes computes the deterministic scores of every rankable entry
// against the block hash, sorted descending. PoSe-banned entries never rank.
// Caller holds mu.
func (m *Manager) scoredSnodes(blockHash chainhash.Hash, minProto uint32) []scoredSnode {
	scores := make([]scoredSnode, 0, len(m.snodes))

	for _, sn := range m.snodes {
		if sn.ProtocolVersion < minProto {
			continue
		}
		if sn.IsPoSeBanned() {
			continue
		}
		scores = append(scores, scoredSnode{score: sn.CalculateScore(blockHash), sn: sn})
	}

	sort.Slice(scores, func(i, j int) bool {
		if c := bytes.Compare(scores[i].score[:], scores[j].score[:]); c != 0 {
			return c > 0
		}
		return scores[i].sn.Outpoint.Less(scores[j].sn.Outpoint)
	})

	return scores
}

// GetRanks returns the full deterministic ranking for the block hash at the
// given height. Ranks are 1-based.
func (m *Manager) GetRanks(height uint32) ([]RankedSnode, error) {
	if !m.synced.Load() {
		return nil, errors.NewServiceError("snode registry not synced")
	}

	blockHash, err := m.chain.BlockHash(height)
	if err != nil {
		return nil, errors.NewNotFoundError("no block hash at height %d", height, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	scores := m.scoredSnodes(blockHash, chaincfg.MinSnodePaymentProtoVersion)

	ranks := make([]RankedSnode, 0, len(scores))
	for i, s := range scores {
		ranks = append(ranks, RankedSnode{Rank: i + 1, Info: s.sn.GetInfo()})
	}
	return ranks, nil
}

// GetRank returns the 1-based rank of the outpoint for the block hash at the
// given height, or -1 when the block hash is unknown locally or the entry
// does not rank.
func (m *Manager) GetRank(outpoint snode.Outpoint, height uint32) int {
	if !m.synced.Load() {
		return -1
	}

	blockHash, err := m.chain.BlockHash(height)
	if err != nil {
		return -1
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, s := range m.scoredSnodes(blockHash, chaincfg.MinSnodePaymentProtoVersion) {
		if s.sn.Outpoint == outpoint {
			return i + 1
		}
	}
	return -1
}

// NextToPay selects the entry due the payment at targetHeight: the highest
// scoring node among the oldest tenth by last payment. The returned count is
// the number of payment-eligible entries considered.
func (m *Manager) NextToPay(targetHeight uint32, filterSigTime bool) (snode.Info, int, bool) {
	if !m.synced.Load() {
		// without a synced winners list the election is not reliable
		return snode.Info{}, 0, false
	}

	blockHash, err := m.chain.BlockHash(targetHeight - chaincfg.PaymentsRankOffset)
	if err != nil {
		m.logger.Errorf("[SnodeMgr] NextToPay: no block hash at height %d: %v", targetHeight-chaincfg.PaymentsRankOffset, err)
		return snode.Info{}, 0, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.nextToPay(targetHeight, blockHash, filterSigTime)
}

// nextToPay holds the selection logic so the sig-time filter can retry
// without re-taking the lock. Caller holds mu.
func (m *Manager) nextToPay(targetHeight uint32, blockHash chainhash.Hash, filterSigTime bool) (snode.Info, int, bool) {
	count := len(m.snodes)
	now := m.now().Unix()
	tip := m.cachedHeight.Load()

	candidates := make([]*snode.Snode, 0, count)

	for _, sn := range m.snodes {
		if !sn.IsValidForPayment() {
			continue
		}

		if sn.ProtocolVersion < chaincfg.MinSnodePaymentProtoVersion {
			continue
		}

		// already due a payment a few blocks ahead, skip it
		if m.payments != nil && m.payments.IsScheduled(sn.PayeeScript(), targetHeight) {
			continue
		}

		// too new, wait for a cycle
		if filterSigTime && sn.SigTime+int64(count)*chaincfg.PaymentGraceSecondsPerNode > now {
			continue
		}

		// must have at least as many confirmations as there are snodes
		utxo, ok := m.chain.GetUTXO(sn.Outpoint.TxID, sn.Outpoint.Vout)
		if !ok || utxo.Height == 0 {
			continue
		}
		if confirmations := int(tip) - int(utxo.Height) + 1; confirmations < count {
			continue
		}

		candidates = append(candidates, sn)
	}

	// when the network is in the process of upgrading, don't penalize nodes
	// that recently restarted
	if filterSigTime && len(candidates) < count/3 {
		return m.nextToPay(targetHeight, blockHash, false)
	}

	if len(candidates) == 0 {
		return snode.Info{}, 0, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastPaidBlock != candidates[j].LastPaidBlock {
			return candidates[i].LastPaidBlock < candidates[j].LastPaidBlock
		}
		return candidates[i].Outpoint.Less(candidates[j].Outpoint)
	})

	// look at the oldest tenth by last payment and pick the best score
	tenth := count / 10
	if tenth < 1 {
		tenth = 1
	}

	var best *snode.Snode
	var bestScore [32]byte
	for i, sn := range candidates {
		if i >= tenth {
			break
		}
		score := sn.CalculateScore(blockHash)
		if best == nil || bytes.Compare(score[:], bestScore[:]) > 0 {
			best = sn
			bestScore = score
		}
	}

	return best.GetInfo(), len(candidates), true
}
