package snodemgr

import (
	"bytes"

	"github.com/jellydator/ttlcache/v3"
	"github.com/libsv/go-bt/v2/chainhash"
	"github.com/mazanetwork/maza/chaincfg"
	"github.com/mazanetwork/maza/errors"
	"github.com/mazanetwork/maza/services/p2p"
	"github.com/mazanetwork/maza/services/snode"
)

// SyncAssetList is the asset id announced in SYNCSTATUSCOUNT replies to a
// full registry dump.
const SyncAssetList = int32(2)

// ProcessMessage dispatches a registry-bound wire message. The returned ban
// score is applied to the sending peer by the caller; errors are reported
// but never propagate across the component boundary.
func (m *Manager) ProcessMessage(from p2p.Peer, command string, payload []byte) (banScore int, err error) {
	switch command {
	case p2p.CmdSnodeAnnounce:
		b := &snode.Broadcast{}
		if err := b.Deserialize(bytes.NewReader(payload)); err != nil {
			return 100, errors.NewInvalidArgumentError("malformed snode broadcast", err)
		}
		return m.ProcessBroadcast(from, b, false)

	case p2p.CmdSnodePing:
		ping := &snode.Ping{}
		if err := ping.Deserialize(bytes.NewReader(payload)); err != nil {
			return 100, errors.NewInvalidArgumentError("malformed snode ping", err)
		}
		return m.ProcessPing(from, ping)

	case p2p.CmdDseg:
		return m.processDseg(from, payload)

	case p2p.CmdSnodeVerify:
		v := &snode.Verification{}
		if err := v.Deserialize(bytes.NewReader(payload)); err != nil {
			return 100, errors.NewInvalidArgumentError("malformed snode verification", err)
		}
		return m.ProcessVerification(from, v)
	}

	return 0, errors.NewUnknownError("unhandled registry command %q", command)
}

// dsegPayload encodes a DSEG request: empty for "dump all", a serialized
// outpoint for "resend one".
func dsegPayload(outpoint *snode.Outpoint) []byte {
	if outpoint == nil {
		return nil
	}
	return outpoint.Bytes()
}

// processDseg serves registry dumps. A trailing script/sequence after the
// outpoint (the legacy transaction-input wrapper) is tolerated and ignored.
func (m *Manager) processDseg(from p2p.Peer, payload []byte) (int, error) {
	if from == nil {
		return 0, nil
	}

	if len(payload) == 0 {
		return m.syncAll(from)
	}

	var outpoint snode.Outpoint
	if err := outpoint.Deserialize(bytes.NewReader(payload)); err != nil {
		return 100, errors.NewInvalidArgumentError("malformed dseg request", err)
	}

	return 0, m.syncSingle(from, outpoint)
}

// syncSingle pushes the broadcast and ping inventory of one entry.
func (m *Manager) syncSingle(peer p2p.Peer, outpoint snode.Outpoint) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sn, ok := m.snodes[outpoint]
	if !ok {
		return errors.NewNotFoundError("dseg for unknown snode %s", outpoint.ShortString())
	}

	m.pushEntryInvs(peer, sn)
	m.logger.Debugf("[SnodeMgr] sent single snode entry %s to %s", outpoint.ShortString(), peer.Addr())
	return nil
}

// syncAll pushes the whole registry, rate limited per peer.
func (m *Manager) syncAll(peer p2p.Peer) (int, error) {
	if !m.settings.ChainParams.AllowUnroutableAddrs {
		if m.theyAskedUsForList.Has(peer.Addr()) {
			return 20, errors.NewRateLimitError("peer %s already asked for the snode list", peer.Addr())
		}
		m.theyAskedUsForList.Set(peer.Addr(), true, ttlcache.DefaultTTL)
	}

	m.mu.RLock()

	count := 0
	for _, sn := range m.snodes {
		if sn.Addr == "" {
			continue
		}
		m.pushEntryInvs(peer, sn)
		count++
	}

	m.mu.RUnlock()

	peer.PushMessage(p2p.CmdSyncStatusCount, p2p.SyncStatusCountPayload(SyncAssetList, int32(count)))
	m.logger.Debugf("[SnodeMgr] sent snode list to %s, count=%d", peer.Addr(), count)
	return 0, nil
}

// pushEntryInvs announces the broadcast and last ping of one entry. Caller
// holds mu.
func (m *Manager) pushEntryInvs(peer p2p.Peer, sn *snode.Snode) {
	hash := m.broadcastHashFor(sn)
	peer.PushInv(p2p.Inv{Type: p2p.InvTypeSnodeBroadcast, Hash: hash})

	if sn.LastPing.SigTime != 0 {
		peer.PushInv(p2p.Inv{Type: p2p.InvTypeSnodePing, Hash: sn.LastPing.Hash()})
	}
}

// DsegUpdate requests the full registry from a peer, at most once per
// window.
func (m *Manager) DsegUpdate(peer p2p.Peer) {
	if peer == nil {
		return
	}

	if !m.settings.ChainParams.AllowUnroutableAddrs {
		if m.weAskedForList.Has(peer.Addr()) {
			m.logger.Debugf("[SnodeMgr] dseg to %s skipped, asked recently", peer.Addr())
			return
		}
	}
	m.weAskedForList.Set(peer.Addr(), true, ttlcache.DefaultTTL)

	peer.PushMessage(p2p.CmdDseg, dsegPayload(nil))
	m.logger.Debugf("[SnodeMgr] asked %s for the full snode list", peer.Addr())
}

// GetBroadcastByHash serves INV/GETDATA requests from the seen map.
func (m *Manager) GetBroadcastByHash(hash chainhash.Hash) (*snode.Broadcast, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sb, ok := m.seenBroadcasts[hash]
	if !ok {
		return nil, false
	}
	return sb.broadcast, true
}

// GetPingByHash serves INV/GETDATA requests from the seen map.
func (m *Manager) GetPingByHash(hash chainhash.Hash) (*snode.Ping, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.seenPings.Get(hash)
}

// GetVerificationByHash serves INV/GETDATA requests from the seen map.
func (m *Manager) GetVerificationByHash(hash chainhash.Hash) (*snode.Verification, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.seenVerifications.Get(hash)
}

// MinPaymentProto returns the minimum protocol version for the payment
// election.
func (m *Manager) MinPaymentProto() uint32 {
	return chaincfg.MinSnodePaymentProtoVersion
}
