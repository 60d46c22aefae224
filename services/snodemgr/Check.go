package snodemgr

import (
	"bytes"
	"context"
	"time"

	"github.com/libsv/go-bt/v2/bscript"
	"github.com/libsv/go-bt/v2/chainhash"
	"github.com/mazanetwork/maza/chaincfg"
	"github.com/mazanetwork/maza/errors"
	"github.com/mazanetwork/maza/services/p2p"
	"github.com/mazanetwork/maza/services/snode"
)

// ProcessBroadcast validates a broadcast and adds or updates the registry
// entry. isRecovery marks broadcasts replayed from a recovery quorum, which
// bypass the seen filter and the replacement equality check. The returned
// ban score is applied to the sending peer by the caller.
func (m *Manager) ProcessBroadcast(from p2p.Peer, b *snode.Broadcast, isRecovery bool) (banScore int, err error) {
	hash := b.Hash()
	now := m.now().Unix()

	m.mu.Lock()

	if sb, seen := m.seenBroadcasts[hash]; seen && !isRecovery {
		// less than two pings left before this snode goes into a
		// non-recoverable state, refresh the seen time so sync sees progress
		if now-sb.firstSeen > chaincfg.SnodeNewStartRequiredSeconds-chaincfg.SnodeMinPingSeconds*2 {
			sb.firstSeen = now
			m.updates.Inc()
		}
		sb.lastSeen = now

		m.absorbRecoveryReply(from, hash, b)
		m.mu.Unlock()
		return 0, nil
	}

	m.seenBroadcasts[hash] = &seenBroadcast{broadcast: b, firstSeen: now, lastSeen: now}

	if score, err := b.SimpleCheck(m.settings.ChainParams, m.now()); err != nil {
		m.mu.Unlock()
		prometheusBroadcastsRejected.Inc()
		return score, err
	}

	if existing, ok := m.snodes[b.Outpoint]; ok {
		score, err := m.updateFromBroadcast(existing, b, hash, isRecovery)
		m.mu.Unlock()
		if err != nil {
			prometheusBroadcastsRejected.Inc()
			return score, err
		}
		prometheusBroadcastsAccepted.Inc()
		return 0, nil
	}

	m.mu.Unlock()

	// collateral checks read the chain without the registry lock held
	minConfHash, minConfTime, score, retryable, err := m.checkOutpoint(b)
	if err != nil {
		m.mu.Lock()
		// not enough confirmations is retryable: allow this same broadcast
		// to be checked again later
		if retryable {
			delete(m.seenBroadcasts, hash)
		}
		m.mu.Unlock()
		prometheusBroadcastsRejected.Inc()
		return score, err
	}

	m.mu.Lock()
	sn := snode.NewSnodeFromBroadcast(b)
	sn.CollateralMinConfBlockHash = minConfHash
	sn.CollateralMinConfBlockTime = minConfTime
	m.add(sn)
	sn.Check(m.checkEnv(), true)
	m.mu.Unlock()

	prometheusBroadcastsAccepted.Inc()
	m.connman.RelayInv(p2p.Inv{Type: p2p.InvTypeSnodeBroadcast, Hash: hash})

	return 0, nil
}

// absorbRecoveryReply buffers a broadcast arriving from a peer we asked
// during quorum recovery. Caller holds mu.
func (m *Manager) absorbRecoveryReply(from p2p.Peer, hash chainhash.Hash, b *snode.Broadcast) {
	if from == nil {
		return
	}

	req, ok := m.recoveryRequests[hash]
	if !ok || m.now().Unix() >= req.expiresAt {
		return
	}

	if !req.addrs[from.Addr()] {
		return
	}

	// do not allow a node to reply multiple times in recovery mode
	delete(req.addrs, from.Addr())

	prev, seen := m.seenBroadcasts[hash]
	if !seen || b.LastPing.SigTime <= prev.broadcast.LastPing.SigTime {
		return
	}

	// simulate Check on a throwaway entry; only replies that would come up
	// startable count towards the quorum
	tmp := snode.NewSnodeFromBroadcast(b)
	tmp.Check(m.checkEnv(), true)
	if tmp.IsEnabled() || tmp.IsPreEnabled() || tmp.IsExpired() || tmp.IsSentinelExpired() {
		m.recoveryGoodReplies[hash] = append(m.recoveryGoodReplies[hash], b)
	}
}

// checkOutpoint validates the collateral UTXO and pins the block at which it
// reached minimum depth. Called without mu held. retryable marks failures
// that may resolve with more blocks.
func (m *Manager) checkOutpoint(b *snode.Broadcast) (minConfHash chainhash.Hash, minConfTime int64, banScore int, retryable bool, err error) {
	params := m.settings.ChainParams

	utxo, ok := m.chain.GetUTXO(b.Outpoint.TxID, b.Outpoint.Vout)
	if !ok {
		return chainhash.Hash{}, 0, 0, false, errors.NewCollateralError("collateral UTXO not found, snode=%s", b.Outpoint.ShortString())
	}

	if utxo.Value != params.SnodeCollateral {
		return chainhash.Hash{}, 0, 33, false, errors.NewCollateralError("collateral UTXO has wrong value %d, snode=%s", utxo.Value, b.Outpoint.ShortString())
	}

	collateralScript, scriptErr := bscript.NewP2PKHFromPubKeyBytes(b.CollateralPubKey)
	if scriptErr != nil || !bytes.Equal(utxo.LockingScript, []byte(*collateralScript)) {
		return chainhash.Hash{}, 0, 33, false, errors.NewCollateralError("collateral UTXO does not pay to the collateral key, snode=%s", b.Outpoint.ShortString())
	}

	tip := m.chain.BestHeight()
	if utxo.Height == 0 || int(tip)-int(utxo.Height)+1 < params.SnodeMinimumConfirmations {
		return chainhash.Hash{}, 0, 0, true, errors.NewCollateralError("collateral UTXO needs %d confirmations, snode=%s",
			params.SnodeMinimumConfirmations, b.Outpoint.ShortString())
	}

	// the block where the collateral reached minimum depth
	minConfHeight := utxo.Height + uint32(params.SnodeMinimumConfirmations) - 1
	minConfHash, err = m.chain.BlockHash(minConfHeight)
	if err != nil {
		return chainhash.Hash{}, 0, 0, false, errors.NewCollateralError("no block hash at collateral depth height %d", minConfHeight, err)
	}

	minConfTime, err = m.chain.BlockTime(minConfHeight)
	if err != nil {
		return chainhash.Hash{}, 0, 0, false, errors.NewCollateralError("no block time at collateral depth height %d", minConfHeight, err)
	}

	// the signature cannot predate the block that made the collateral valid
	if minConfTime > b.SigTime {
		return chainhash.Hash{}, 0, 0, false, errors.NewCollateralError("broadcast sigTime %d predates collateral depth block at %d, snode=%s",
			b.SigTime, minConfTime, b.Outpoint.ShortString())
	}

	if !b.CheckSignature() {
		return chainhash.Hash{}, 0, 100, false, errors.NewSignatureError("broadcast signature invalid, snode=%s", b.Outpoint.ShortString())
	}

	return minConfHash, minConfTime, 0, false, nil
}

// updateFromBroadcast applies the replacement rules against an existing
// entry. Caller holds mu.
func (m *Manager) updateFromBroadcast(existing *snode.Snode, b *snode.Broadcast, hash chainhash.Hash, isRecovery bool) (int, error) {
	if existing.SigTime == b.SigTime && !isRecovery {
		// legit duplicate, the seen filter usually catches these
		return 0, errors.NewProcessingError("duplicate broadcast, snode=%s", b.Outpoint.ShortString())
	}

	if existing.SigTime > b.SigTime {
		return 0, errors.NewProcessingError("broadcast older than registry entry, snode=%s", b.Outpoint.ShortString())
	}

	existing.Check(m.checkEnv(), true)

	if existing.IsPoSeBanned() {
		return 0, errors.NewProcessingError("snode %s is banned by PoSe", b.Outpoint.ShortString())
	}

	// the collateral key is validated against the UTXO once at registration,
	// after that it just needs to match
	if !bytes.Equal(existing.CollateralPubKey, b.CollateralPubKey) {
		return 33, errors.NewProcessingError("mismatched collateral pubkey for outpoint, snode=%s", b.Outpoint.ShortString())
	}

	if !b.CheckSignature() {
		return 100, errors.NewSignatureError("broadcast signature invalid, snode=%s", b.Outpoint.ShortString())
	}

	// take the newest entry
	now := m.now().Unix()
	relay := !existing.IsBroadcastedWithin(chaincfg.SnodeMinBroadcastSeconds, now) || isRecovery

	oldHash := m.broadcastHashFor(existing)

	existing.Addr = b.Addr
	existing.OperatorPubKey = append([]byte(nil), b.OperatorPubKey...)
	existing.SigTime = b.SigTime
	existing.ProtocolVersion = b.ProtocolVersion
	if b.LastPing.SigTime > existing.LastPing.SigTime {
		existing.LastPing = b.LastPing
	}
	existing.Check(m.checkEnv(), true)

	if oldHash != hash {
		delete(m.seenBroadcasts, oldHash)
	}

	m.updates.Inc()
	if relay {
		m.connman.RelayInv(p2p.Inv{Type: p2p.InvTypeSnodeBroadcast, Hash: hash})
	}

	return 0, nil
}

// ProcessPing validates a ping and absorbs it into the matching entry.
func (m *Manager) ProcessPing(from p2p.Peer, ping *snode.Ping) (banScore int, err error) {
	hash := ping.Hash()

	m.mu.Lock()
	if _, seen := m.seenPings.Get(hash); seen {
		m.mu.Unlock()
		return 0, nil
	}
	m.seenPings.Set(hash, ping)
	m.mu.Unlock()

	if err := ping.SimpleCheck(m.now()); err != nil {
		prometheusPingsRejected.Inc()
		return 1, err
	}

	m.mu.Lock()
	sn, ok := m.snodes[ping.Outpoint]
	m.mu.Unlock()

	if !ok {
		// ask the sender for the broadcast; missing dependency, no penalty
		if from != nil {
			m.AskForSnode(from, ping.Outpoint)
		}
		prometheusPingsRejected.Inc()
		return 0, errors.NewNotFoundError("ping for unknown snode %s", ping.Outpoint.ShortString())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sn = m.snodes[ping.Outpoint]
	if sn == nil {
		return 0, errors.NewNotFoundError("ping for unknown snode %s", ping.Outpoint.ShortString())
	}

	if sn.IsNewStartRequired() {
		prometheusPingsRejected.Inc()
		return 0, errors.NewProcessingError("snode %s requires a new start, ping ignored", ping.Outpoint.ShortString())
	}

	// rate limit: the previous ping must be at least MinPing-60 older
	if sn.IsPingedWithin(chaincfg.SnodeMinPingSeconds-60, ping.SigTime) {
		prometheusPingsRejected.Inc()
		return 0, errors.NewRateLimitError("ping too early, snode=%s", ping.Outpoint.ShortString())
	}

	if !ping.CheckSignature(sn.OperatorPubKey) {
		prometheusPingsRejected.Inc()
		return 33, errors.NewSignatureError("ping signature invalid, snode=%s", ping.Outpoint.ShortString())
	}

	// the embedded block hash must be known and close to the tip
	pingHeight, known := m.chain.BlockHeight(ping.BlockHash)
	if !known {
		prometheusPingsRejected.Inc()
		return 0, errors.NewNotFoundError("ping block hash %s unknown, snode=%s", ping.BlockHash.String(), ping.Outpoint.ShortString())
	}
	if tip := m.cachedHeight.Load(); pingHeight+snode.MaxPingBlockAge < tip {
		prometheusPingsRejected.Inc()
		return 0, errors.NewProcessingError("ping block hash %d blocks behind tip, snode=%s", tip-pingHeight, ping.Outpoint.ShortString())
	}

	sn.LastPing = *ping
	if ping.SentinelIsCurrent {
		m.lastSentinelPingTime = m.now().Unix()
	}

	// keep the inlined ping of the seen broadcast current
	if sb, ok := m.seenBroadcasts[m.broadcastHashFor(sn)]; ok {
		sb.broadcast.LastPing = *ping
	}

	sn.Check(m.checkEnv(), true)
	m.updates.Inc()
	prometheusPingsAccepted.Inc()

	if sn.IsEnabled() || sn.IsExpired() || sn.IsSentinelExpired() {
		m.connman.RelayInv(p2p.Inv{Type: p2p.InvTypeSnodePing, Hash: hash})
	}

	return 0, nil
}

// AskForSnode requests a single entry's broadcast from the peer, at most
// once per DSEG window per peer.
func (m *Manager) AskForSnode(peer p2p.Peer, outpoint snode.Outpoint) {
	if peer == nil {
		return
	}

	m.mu.Lock()
	asked := m.weAskedForEntry[outpoint]
	now := m.now().Unix()
	if expiry, ok := asked[peer.Addr()]; ok && expiry > now {
		m.mu.Unlock()
		return
	}
	if asked == nil {
		asked = make(map[string]int64)
		m.weAskedForEntry[outpoint] = asked
	}
	asked[peer.Addr()] = now + chaincfg.DsegUpdateSeconds
	m.mu.Unlock()

	m.logger.Debugf("[SnodeMgr] asking %s for snode %s", peer.Addr(), outpoint.ShortString())
	peer.PushMessage(p2p.CmdDseg, dsegPayload(&outpoint))
}

// CheckAndRemove is the periodic sweep: re-checks every entry, reaps spent
// collaterals, initiates quorum recovery for entries in NEW_START_REQUIRED
// and expires bookkeeping.
func (m *Manager) CheckAndRemove(ctx context.Context) {
	if !m.synced.Load() {
		return
	}

	type recoveryAsk struct {
		addr string
		hash chainhash.Hash
	}
	var asks []recoveryAsk

	m.mu.Lock()

	env := m.checkEnv()
	for _, sn := range m.snodes {
		sn.Check(env, false)
	}

	now := m.now().Unix()

	// reap spent collaterals, schedule recovery for the rest
	askBudget := chaincfg.RecoveryMaxAskEntries
	var ranked []RankedSnode

	for outpoint, sn := range m.snodes {
		hash := m.broadcastHashFor(sn)

		if sn.IsOutpointSpent() {
			m.logger.Debugf("[SnodeMgr] removing snode %s, state=%s", outpoint.ShortString(), sn.State)
			delete(m.seenBroadcasts, hash)
			delete(m.weAskedForEntry, outpoint)
			delete(m.snodes, outpoint)
			m.updates.Inc()
			prometheusEntriesRemoved.Inc()
			continue
		}

		_, recovering := m.recoveryRequests[hash]
		if askBudget <= 0 || !sn.IsNewStartRequired() || recovering {
			continue
		}
		if retryAt, ok := m.askedForRecovery[outpoint]; ok && now < retryAt {
			continue
		}

		// rank at a random past height to randomize quorum composition
		if ranked == nil {
			randomHeight := uint32(m.rand.Int63n(int64(m.cachedHeight.Load()) + 1))
			blockHash, err := m.chain.BlockHash(randomHeight)
			if err != nil {
				continue
			}
			for _, s := range m.scoredSnodes(blockHash, 0) {
				ranked = append(ranked, RankedSnode{Info: s.sn.GetInfo()})
			}
		}

		req := &recoveryRequest{
			expiresAt: now + chaincfg.RecoveryWaitSeconds,
			addrs:     make(map[string]bool),
		}
		for _, r := range ranked {
			if len(req.addrs) >= chaincfg.RecoveryQuorumTotal {
				break
			}
			if asked, ok := m.weAskedForEntry[outpoint]; ok && asked[r.Info.Addr] > now {
				// avoid banning
				continue
			}
			req.addrs[r.Info.Addr] = true
			asks = append(asks, recoveryAsk{addr: r.Info.Addr, hash: hash})
		}

		if len(req.addrs) > 0 {
			m.logger.Debugf("[SnodeMgr] recovery initiated, snode=%s peers=%d", outpoint.ShortString(), len(req.addrs))
			m.recoveryRequests[hash] = req
			m.askedForRecovery[outpoint] = now + chaincfg.RecoveryRetrySeconds
			askBudget--
			prometheusRecoveriesStarted.Inc()
		}
	}

	// tally recovery replies whose wait window has closed
	var reprocess []*snode.Broadcast
	for hash, replies := range m.recoveryGoodReplies {
		req, ok := m.recoveryRequests[hash]
		if ok && req.expiresAt >= now {
			continue
		}
		if len(replies) >= chaincfg.RecoveryQuorumRequired {
			// the quorum agrees this snode does not require a new broadcast
			reprocess = append(reprocess, replies[0])
		}
		delete(m.recoveryGoodReplies, hash)
	}

	// expire recovery requests after the retry window
	for hash, req := range m.recoveryRequests {
		if now-req.expiresAt > chaincfg.RecoveryRetrySeconds {
			delete(m.recoveryRequests, hash)
		}
	}

	// expire per-entry ask bookkeeping
	for outpoint, asked := range m.weAskedForEntry {
		for addr, expiry := range asked {
			if expiry < now {
				delete(asked, addr)
			}
		}
		if len(asked) == 0 {
			delete(m.weAskedForEntry, outpoint)
		}
	}

	prometheusSnodeCount.Set(float64(len(m.snodes)))

	m.mu.Unlock()

	for _, b := range reprocess {
		m.logger.Infof("[SnodeMgr] reprocessing broadcast from recovery quorum, snode=%s", b.Outpoint.ShortString())
		prometheusRecoveriesApplied.Inc()
		if _, err := m.ProcessBroadcast(nil, b, true); err != nil {
			m.logger.Warnf("[SnodeMgr] recovery reprocess failed: %v", err)
		}
	}

	// fire the direct recovery requests without any component lock held
	for _, ask := range asks {
		go func(addr string, hash chainhash.Hash) {
			connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()

			peer, err := m.connman.ConnectTo(connCtx, addr)
			if err != nil {
				m.logger.Debugf("[SnodeMgr] recovery connect to %s failed: %v", addr, err)
				return
			}

			m.mu.RLock()
			var outpoint *snode.Outpoint
			if sb, ok := m.seenBroadcasts[hash]; ok {
				o := sb.broadcast.Outpoint
				outpoint = &o
			}
			m.mu.RUnlock()

			if outpoint != nil {
				peer.PushMessage(p2p.CmdDseg, dsegPayload(outpoint))
			}
		}(ask.addr, ask.hash)
	}

	// expired verification requests
	m.sweepPendingVerifications()
}
