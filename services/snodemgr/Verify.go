package snodemgr

import (
	"context"
	"sort"
	"time"

	"github.com/libsv/go-bk/bec"
	"github.com/mazanetwork/maza/chaincfg"
	"github.com/mazanetwork/maza/errors"
	"github.com/mazanetwork/maza/services/p2p"
	"github.com/mazanetwork/maza/services/snode"
)

// pendingVerification tracks an outstanding proof-of-service probe to one
// address.
type pendingVerification struct {
	request   *snode.Verification
	expiresAt int64
}

// LocalIdentity is what the verification engine needs to know about this
// process when it runs as a service node.
type LocalIdentity struct {
	OperatorKey *bec.PrivateKey
	Addr        string
	Outpoint    snode.Outpoint
	Started     bool
}

// localIdentity is provided by the activator; nil while not running as a
// started snode.
func (m *Manager) localIdentity() *LocalIdentity {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return m.local
}

// SetLocalIdentity is called by the activator whenever the local snode state
// changes.
func (m *Manager) SetLocalIdentity(id *LocalIdentity) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	m.local = id
}

// DoVerificationStep probes a slice of the registry for address ownership.
// Only the top-ranked verifiers take part; targets are chosen by an ordered
// address scan offset by our own rank.
func (m *Manager) DoVerificationStep(ctx context.Context) {
	local := m.localIdentity()
	if local == nil || !local.Started {
		return
	}

	tip := m.cachedHeight.Load()
	if tip < 1 {
		return
	}

	// both the eligibility rank and the challenge itself use the previous
	// block, so testimony receivers recompute the same ranking
	height := tip - 1

	myRank := m.GetRank(local.Outpoint, height)
	if myRank < 1 || myRank > chaincfg.MaxPoSeRank {
		return
	}

	m.mu.RLock()
	byAddr := make([]*snode.Snode, 0, len(m.snodes))
	for _, sn := range m.snodes {
		if sn.ProtocolVersion < chaincfg.MinPoSeProtoVersion {
			continue
		}
		if sn.Addr == "" || sn.Addr == local.Addr {
			continue
		}
		byAddr = append(byAddr, sn)
	}
	sort.Slice(byAddr, func(i, j int) bool { return byAddr[i].Addr < byAddr[j].Addr })

	targets := make([]string, 0, chaincfg.MaxPoSeConnections)
	for i := myRank - 1; i < len(byAddr) && len(targets) < chaincfg.MaxPoSeConnections; i += chaincfg.MaxPoSeRank {
		targets = append(targets, byAddr[i].Addr)
	}
	m.mu.RUnlock()

	for _, addr := range targets {
		m.sendVerifyRequest(ctx, local, addr, height)
	}
}

// sendVerifyRequest opens a direct connection and challenges whoever answers
// at addr. Called without any component lock held.
func (m *Manager) sendVerifyRequest(ctx context.Context, local *LocalIdentity, addr string, height uint32) {
	now := m.now().Unix()

	m.pendingMu.Lock()
	if pv, ok := m.pendingRequests[addr]; ok && pv.expiresAt > now {
		m.pendingMu.Unlock()
		return
	}

	v := &snode.Verification{
		Addr:        local.Addr,
		Nonce:       m.rand.Uint32(),
		BlockHeight: height,
	}
	m.pendingRequests[addr] = &pendingVerification{
		request:   v,
		expiresAt: now + 15,
	}
	m.pendingMu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	peer, err := m.connman.ConnectTo(connCtx, addr)
	if err != nil {
		m.logger.Debugf("[SnodeMgr] verify connect to %s failed: %v", addr, err)
		return
	}

	peer.PushMessage(p2p.CmdSnodeVerify, v.Bytes())
	prometheusVerifySent.Inc()
	m.logger.Debugf("[SnodeMgr] verify request sent to %s, height=%d", addr, height)
}

// sweepPendingVerifications drops expired probes.
func (m *Manager) sweepPendingVerifications() {
	now := m.now().Unix()

	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	for addr, pv := range m.pendingRequests {
		if pv.expiresAt < now {
			delete(m.pendingRequests, addr)
		}
	}
}

// ProcessVerification dispatches the three shapes of MNVERIFY.
func (m *Manager) ProcessVerification(from p2p.Peer, v *snode.Verification) (int, error) {
	switch {
	case v.IsRequest():
		return m.processVerifyRequest(from, v)
	case v.IsReply():
		return m.processVerifyReply(from, v)
	default:
		return m.processVerifyTestimony(from, v)
	}
}

// processVerifyRequest answers a probe by proving we own our address.
func (m *Manager) processVerifyRequest(from p2p.Peer, v *snode.Verification) (int, error) {
	local := m.localIdentity()
	if local == nil || !local.Started {
		// only started snodes can answer
		return 0, nil
	}
	if from == nil {
		return 0, nil
	}

	blockHash, err := m.chain.BlockHash(v.BlockHeight)
	if err != nil {
		return 0, errors.NewNotFoundError("verify request for unknown height %d from %s", v.BlockHeight, from.Addr())
	}

	if err := v.SignReply(local.OperatorKey, blockHash, m.flags); err != nil {
		return 0, err
	}

	from.PushMessage(p2p.CmdSnodeVerify, v.Bytes())
	m.logger.Debugf("[SnodeMgr] verify reply sent to %s", from.Addr())
	return 0, nil
}

// processVerifyReply checks the answer against every entry sharing the
// probed address and publishes a double-signed testimony for the one that
// proves out.
func (m *Manager) processVerifyReply(from p2p.Peer, v *snode.Verification) (int, error) {
	local := m.localIdentity()
	if from == nil || local == nil {
		return 0, nil
	}

	now := m.now().Unix()

	m.pendingMu.Lock()
	pv, ok := m.pendingRequests[from.Addr()]
	if !ok || pv.expiresAt < now {
		m.pendingMu.Unlock()
		return 20, errors.NewProcessingError("unrequested verify reply from %s", from.Addr())
	}
	if pv.request.Nonce != v.Nonce || pv.request.BlockHeight != v.BlockHeight {
		m.pendingMu.Unlock()
		return 20, errors.NewProcessingError("verify reply nonce/height mismatch from %s", from.Addr())
	}
	delete(m.pendingRequests, from.Addr())
	m.pendingMu.Unlock()

	blockHash, err := m.chain.BlockHash(v.BlockHeight)
	if err != nil {
		return 0, errors.NewNotFoundError("verify reply for unknown height %d", v.BlockHeight)
	}

	m.mu.Lock()

	var real *snode.Snode
	var impostors []*snode.Snode
	for _, sn := range m.snodes {
		if sn.Addr != from.Addr() {
			continue
		}
		if real == nil && v.CheckReplySignature(sn.OperatorPubKey, blockHash) {
			real = sn
			continue
		}
		impostors = append(impostors, sn)
	}

	if real == nil {
		m.mu.Unlock()
		// nobody at this address could prove ownership
		return 20, errors.NewSignatureError("no registry entry verified for addr %s", from.Addr())
	}

	real.DecreasePoSeBanScore()

	for _, sn := range impostors {
		sn.IncreasePoSeBanScore()
		prometheusVerifyBans.Inc()
		m.logger.Infof("[SnodeMgr] PoSe score increased for impostor %s at addr %s", sn.Outpoint.ShortString(), sn.Addr)
	}

	v.ResponderOutpoint = real.Outpoint
	v.VerifierOutpoint = local.Outpoint
	m.mu.Unlock()

	if err := v.SignTestimony(local.OperatorKey, blockHash, m.flags); err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.seenVerifications.Set(v.Hash(), v)
	m.mu.Unlock()

	m.connman.RelayInv(p2p.Inv{Type: p2p.InvTypeSnodeVerify, Hash: v.Hash()})
	m.logger.Infof("[SnodeMgr] verified snode %s at addr %s", v.ResponderOutpoint.ShortString(), from.Addr())
	return 0, nil
}

// processVerifyTestimony validates a relayed double-signed testimony and
// applies the proof-of-service scores.
func (m *Manager) processVerifyTestimony(from p2p.Peer, v *snode.Verification) (int, error) {
	hash := v.Hash()

	m.mu.Lock()
	if _, seen := m.seenVerifications.Get(hash); seen {
		m.mu.Unlock()
		return 0, nil
	}
	m.seenVerifications.Set(hash, v)
	m.mu.Unlock()

	tip := m.cachedHeight.Load()
	if v.BlockHeight+chaincfg.MaxPoSeBlocks < tip {
		return 0, errors.NewProcessingError("verify testimony too old, height=%d tip=%d", v.BlockHeight, tip)
	}

	if v.ResponderOutpoint == v.VerifierOutpoint {
		// self-verification is a cryptographic offense
		return 100, errors.NewProcessingError("self-verifying testimony for %s", v.ResponderOutpoint.ShortString())
	}

	blockHash, err := m.chain.BlockHash(v.BlockHeight)
	if err != nil {
		return 0, errors.NewNotFoundError("verify testimony for unknown height %d", v.BlockHeight)
	}

	verifierRank := m.GetRank(v.VerifierOutpoint, v.BlockHeight)
	if verifierRank < 1 {
		return 0, errors.NewProcessingError("testimony verifier %s has no rank", v.VerifierOutpoint.ShortString())
	}
	if verifierRank > chaincfg.MaxPoSeRank {
		return 0, errors.NewProcessingError("testimony verifier %s rank %d too low", v.VerifierOutpoint.ShortString(), verifierRank)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	responder, ok := m.snodes[v.ResponderOutpoint]
	if !ok {
		return 0, errors.NewNotFoundError("testimony responder %s unknown", v.ResponderOutpoint.ShortString())
	}
	verifier, ok := m.snodes[v.VerifierOutpoint]
	if !ok {
		return 0, errors.NewNotFoundError("testimony verifier %s unknown", v.VerifierOutpoint.ShortString())
	}

	if !v.CheckReplySignature(responder.OperatorPubKey, blockHash) {
		return 100, errors.NewSignatureError("testimony responder signature invalid, snode=%s", v.ResponderOutpoint.ShortString())
	}
	if !v.CheckTestimonySignature(verifier.OperatorPubKey, blockHash) {
		return 100, errors.NewSignatureError("testimony verifier signature invalid, snode=%s", v.VerifierOutpoint.ShortString())
	}

	responder.DecreasePoSeBanScore()

	for _, sn := range m.snodes {
		if sn.Addr == responder.Addr && sn.Outpoint != responder.Outpoint {
			sn.IncreasePoSeBanScore()
			prometheusVerifyBans.Inc()
			m.logger.Infof("[SnodeMgr] PoSe score increased for %s sharing addr %s", sn.Outpoint.ShortString(), sn.Addr)
		}
	}

	m.connman.RelayInv(p2p.Inv{Type: p2p.InvTypeSnodeVerify, Hash: hash})

	return 0, nil
}
