package snodemgr

import (
	"context"
	"fmt"
	"testing"

	"github.com/libsv/go-bk/bec"
	"github.com/libsv/go-bt/v2/bscript"
	"github.com/mazanetwork/maza/chaincfg"
	"github.com/mazanetwork/maza/services/chain"
	"github.com/mazanetwork/maza/services/p2p"
	"github.com/mazanetwork/maza/services/snode"
	"github.com/mazanetwork/maza/settings"
	"github.com/mazanetwork/maza/ulogger"
	"github.com/mazanetwork/maza/util/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFlags = snode.StaticFlags{NewSignatures: true, PaymentEnforcement: true}

type fixture struct {
	t         *testing.T
	mgr       *Manager
	chain     *chain.Mock
	conn      *p2p.MockConnManager
	clock     *testutil.Clock
	nextTx    byte
	nextIP    byte
	tSettings *settings.Settings
}

type testSnode struct {
	broadcast     *snode.Broadcast
	collateralKey *bec.PrivateKey
	operatorKey   *bec.PrivateKey
}

func newFixture(t *testing.T, params *chaincfg.Params) *fixture {
	t.Helper()

	clock := testutil.NewClock()

	chainView := chain.NewMock()
	chainView.ExtendTo(1200, clock.Now().Unix()-1)

	conn := p2p.NewMockConnManager()

	tSettings := &settings.Settings{ChainParams: params}

	mgr := New(ulogger.TestLogger{}, tSettings, chainView, conn, testFlags, nil)
	mgr.SetClock(clock.Now)
	mgr.SetSynced(true)

	return &fixture{
		t:         t,
		mgr:       mgr,
		chain:     chainView,
		conn:      conn,
		clock:     clock,
		tSettings: tSettings,
	}
}

// newSnode creates a funded, signed broadcast with a fresh inlined ping.
func (f *fixture) newSnode() *testSnode {
	f.t.Helper()

	f.nextTx++
	f.nextIP++

	collateralKey, err := bec.NewPrivateKey(bec.S256())
	require.NoError(f.t, err)
	operatorKey, err := bec.NewPrivateKey(bec.S256())
	require.NoError(f.t, err)

	outpoint := snode.Outpoint{Vout: 1}
	outpoint.TxID[0] = f.nextTx

	port := uint16(13345)
	if f.tSettings.ChainParams.Name == "regtest" {
		port = 13355
	}
	addr := fmt.Sprintf("203.0.113.%d:%d", f.nextIP, port)

	// fund the collateral
	collateralScript, err := bscript.NewP2PKHFromPubKeyBytes(collateralKey.PubKey().SerialiseCompressed())
	require.NoError(f.t, err)
	f.chain.AddUTXO(outpoint.TxID, outpoint.Vout, chain.UTXO{
		Value:         f.tSettings.ChainParams.SnodeCollateral,
		LockingScript: []byte(*collateralScript),
		Height:        1,
	})

	pingHash, err := f.chain.BlockHash(f.chain.BestHeight() - snode.PingBlockDepth)
	require.NoError(f.t, err)

	ping := &snode.Ping{
		Outpoint:  outpoint,
		BlockHash: pingHash,
	}
	require.NoError(f.t, ping.Sign(operatorKey, testFlags, f.clock.Now()))

	b := &snode.Broadcast{
		Outpoint:         outpoint,
		Addr:             addr,
		CollateralPubKey: collateralKey.PubKey().SerialiseCompressed(),
		OperatorPubKey:   operatorKey.PubKey().SerialiseCompressed(),
		ProtocolVersion:  chaincfg.ProtocolVersion,
		LastPing:         *ping,
	}
	require.NoError(f.t, b.Sign(collateralKey, testFlags, f.clock.Now()))

	return &testSnode{broadcast: b, collateralKey: collateralKey, operatorKey: operatorKey}
}

// register processes the broadcast and asserts acceptance.
func (f *fixture) register(ts *testSnode) {
	f.t.Helper()

	score, err := f.mgr.ProcessBroadcast(nil, ts.broadcast, false)
	require.NoError(f.t, err)
	require.Equal(f.t, 0, score)
}

func TestProcessBroadcastAddsEntry(t *testing.T) {
	f := newFixture(t, &chaincfg.RegressionNetParams)
	ts := f.newSnode()

	f.register(ts)

	require.Equal(t, 1, f.mgr.Size())

	info, ok := f.mgr.GetInfo(ts.broadcast.Outpoint)
	require.True(t, ok)
	assert.Equal(t, ts.broadcast.Addr, info.Addr)
	assert.Equal(t, snode.StateEnabled, info.State)

	// accepted broadcasts are scheduled for relay
	require.Len(t, f.conn.Relayed, 1)
	assert.Equal(t, p2p.InvTypeSnodeBroadcast, f.conn.Relayed[0].Type)
}

func TestProcessBroadcastIdempotent(t *testing.T) {
	f := newFixture(t, &chaincfg.RegressionNetParams)
	ts := f.newSnode()

	f.register(ts)
	before, _ := f.mgr.GetInfo(ts.broadcast.Outpoint)

	// re-delivery refreshes the seen time only
	score, err := f.mgr.ProcessBroadcast(nil, ts.broadcast, false)
	require.NoError(t, err)
	require.Equal(t, 0, score)

	require.Equal(t, 1, f.mgr.Size())
	after, _ := f.mgr.GetInfo(ts.broadcast.Outpoint)
	assert.Equal(t, before, after)
}

func TestBroadcastRejectsBadSignature(t *testing.T) {
	f := newFixture(t, &chaincfg.RegressionNetParams)
	ts := f.newSnode()

	// re-sign with the wrong key
	wrongKey, err := bec.NewPrivateKey(bec.S256())
	require.NoError(t, err)
	require.NoError(t, ts.broadcast.Sign(wrongKey, testFlags, f.clock.Now()))

	score, err := f.mgr.ProcessBroadcast(nil, ts.broadcast, false)
	require.Error(t, err)
	assert.Equal(t, 100, score)
	assert.Equal(t, 0, f.mgr.Size())
}

func TestBroadcastRejectsMissingCollateral(t *testing.T) {
	f := newFixture(t, &chaincfg.RegressionNetParams)
	ts := f.newSnode()

	f.chain.SpendUTXO(ts.broadcast.Outpoint.TxID, ts.broadcast.Outpoint.Vout)

	_, err := f.mgr.ProcessBroadcast(nil, ts.broadcast, false)
	require.Error(t, err)
	assert.Equal(t, 0, f.mgr.Size())
}

func TestBroadcastReplacement(t *testing.T) {
	f := newFixture(t, &chaincfg.RegressionNetParams)
	ts := f.newSnode()
	f.register(ts)

	firstSigTime := ts.broadcast.SigTime

	// a newer broadcast with a different address wins
	f.clock.AdvanceSeconds(60)
	b2 := *ts.broadcast
	b2.Addr = "203.0.113.200:13355"
	require.NoError(t, b2.Sign(ts.collateralKey, testFlags, f.clock.Now()))

	score, err := f.mgr.ProcessBroadcast(nil, &b2, false)
	require.NoError(t, err)
	require.Equal(t, 0, score)

	info, _ := f.mgr.GetInfo(ts.broadcast.Outpoint)
	assert.Equal(t, b2.Addr, info.Addr)
	assert.Equal(t, firstSigTime+60, info.SigTime)

	// an older broadcast is rejected with no state change
	b3 := *ts.broadcast
	b3.Addr = "203.0.113.201:13355"
	b3.SigTime = firstSigTime - 10
	sig, err := snode.SignHash(ts.collateralKey, b3.SignatureHash())
	require.NoError(t, err)
	b3.Signature = sig

	_, err = f.mgr.ProcessBroadcast(nil, &b3, false)
	require.Error(t, err)

	info, _ = f.mgr.GetInfo(ts.broadcast.Outpoint)
	assert.Equal(t, b2.Addr, info.Addr)
}

func TestBroadcastCollateralKeyChangeScoresPeer(t *testing.T) {
	f := newFixture(t, &chaincfg.RegressionNetParams)
	ts := f.newSnode()
	f.register(ts)

	f.clock.AdvanceSeconds(60)

	otherKey, err := bec.NewPrivateKey(bec.S256())
	require.NoError(t, err)

	b2 := *ts.broadcast
	b2.CollateralPubKey = otherKey.PubKey().SerialiseCompressed()
	require.NoError(t, b2.Sign(otherKey, testFlags, f.clock.Now()))

	score, err := f.mgr.ProcessBroadcast(nil, &b2, false)
	require.Error(t, err)
	assert.Equal(t, 33, score)
}

func TestPingRateLimit(t *testing.T) {
	f := newFixture(t, &chaincfg.RegressionNetParams)
	ts := f.newSnode()
	f.register(ts)

	base := ts.broadcast.LastPing.SigTime

	newPing := func(offset int64) *snode.Ping {
		f.t.Helper()

		pingHash, err := f.chain.BlockHash(f.chain.BestHeight() - snode.PingBlockDepth)
		require.NoError(t, err)

		p := &snode.Ping{Outpoint: ts.broadcast.Outpoint, BlockHash: pingHash}
		require.NoError(t, p.Sign(ts.operatorKey, testFlags, f.clock.Now()))
		p.SigTime = base + offset
		sig, err := snode.SignHash(ts.operatorKey, p.SignatureHash())
		require.NoError(t, err)
		p.Signature = sig
		return p
	}

	// too early: MIN_PING - 90 after the previous one
	_, err := f.mgr.ProcessPing(nil, newPing(chaincfg.SnodeMinPingSeconds-90))
	require.Error(t, err)

	info, _ := f.mgr.GetInfo(ts.broadcast.Outpoint)
	assert.Equal(t, base, info.LastPingTime)

	// acceptable: MIN_PING + 1 after
	score, err := f.mgr.ProcessPing(nil, newPing(chaincfg.SnodeMinPingSeconds+1))
	require.NoError(t, err)
	require.Equal(t, 0, score)

	info, _ = f.mgr.GetInfo(ts.broadcast.Outpoint)
	assert.Equal(t, base+chaincfg.SnodeMinPingSeconds+1, info.LastPingTime)
}

func TestPingUnknownBlockHashRejected(t *testing.T) {
	f := newFixture(t, &chaincfg.RegressionNetParams)
	ts := f.newSnode()
	f.register(ts)

	f.clock.AdvanceSeconds(chaincfg.SnodeMinPingSeconds + 1)

	p := &snode.Ping{Outpoint: ts.broadcast.Outpoint}
	p.BlockHash[5] = 0xde
	require.NoError(t, p.Sign(ts.operatorKey, testFlags, f.clock.Now()))

	_, err := f.mgr.ProcessPing(nil, p)
	require.Error(t, err)
}

func TestPingForUnknownSnodeAsksSender(t *testing.T) {
	f := newFixture(t, &chaincfg.RegressionNetParams)
	ts := f.newSnode()

	peer := p2p.NewMockPeer(1, "203.0.113.77:13355", chaincfg.ProtocolVersion)

	_, err := f.mgr.ProcessPing(peer, &ts.broadcast.LastPing)
	require.Error(t, err)

	// the sender is asked for the missing broadcast
	assert.Equal(t, 1, peer.MessageCount(p2p.CmdDseg))
}

func TestCheckLifecycle(t *testing.T) {
	f := newFixture(t, &chaincfg.RegressionNetParams)
	ts := f.newSnode()
	f.register(ts)

	info, _ := f.mgr.GetInfo(ts.broadcast.Outpoint)
	require.Equal(t, snode.StateEnabled, info.State)

	// past the expiration window the entry ages to EXPIRED
	f.clock.AdvanceSeconds(chaincfg.SnodeExpirationSeconds + 10)
	f.mgr.Check()

	info, _ = f.mgr.GetInfo(ts.broadcast.Outpoint)
	assert.Equal(t, snode.StateExpired, info.State)

	// and finally to NEW_START_REQUIRED
	f.clock.AdvanceSeconds(chaincfg.SnodeNewStartRequiredSeconds)
	f.mgr.Check()

	info, _ = f.mgr.GetInfo(ts.broadcast.Outpoint)
	assert.Equal(t, snode.StateNewStartRequired, info.State)
}

func TestCheckSpentCollateral(t *testing.T) {
	f := newFixture(t, &chaincfg.RegressionNetParams)
	ts := f.newSnode()
	f.register(ts)

	f.chain.SpendUTXO(ts.broadcast.Outpoint.TxID, ts.broadcast.Outpoint.Vout)

	f.clock.AdvanceSeconds(chaincfg.SnodeCheckSeconds + 1)
	f.mgr.Check()

	info, _ := f.mgr.GetInfo(ts.broadcast.Outpoint)
	require.Equal(t, snode.StateOutpointSpent, info.State)

	// the sweep reaps it
	f.mgr.CheckAndRemove(context.Background())
	assert.Equal(t, 0, f.mgr.Size())
}

func TestRankDeterminism(t *testing.T) {
	f1 := newFixture(t, &chaincfg.RegressionNetParams)
	f2 := newFixture(t, &chaincfg.RegressionNetParams)

	// identical registries on both nodes
	for i := 0; i < 5; i++ {
		ts := f1.newSnode()
		f1.register(ts)

		// mirror chain funding on the second fixture
		utxo, ok := f1.chain.GetUTXO(ts.broadcast.Outpoint.TxID, ts.broadcast.Outpoint.Vout)
		require.True(t, ok)
		f2.chain.AddUTXO(ts.broadcast.Outpoint.TxID, ts.broadcast.Outpoint.Vout, utxo)

		score, err := f2.mgr.ProcessBroadcast(nil, ts.broadcast, false)
		require.NoError(t, err)
		require.Equal(t, 0, score)
	}

	height := f1.chain.BestHeight() - chaincfg.PaymentsRankOffset

	ranks1, err := f1.mgr.GetRanks(height)
	require.NoError(t, err)
	ranks2, err := f2.mgr.GetRanks(height)
	require.NoError(t, err)

	require.Len(t, ranks1, 5)
	require.Len(t, ranks2, 5)

	for i := range ranks1 {
		assert.Equal(t, ranks1[i].Rank, ranks2[i].Rank)
		assert.Equal(t, ranks1[i].Info.Outpoint, ranks2[i].Info.Outpoint)
	}

	// unknown block height yields no rank
	assert.Equal(t, -1, f1.mgr.GetRank(ranks1[0].Info.Outpoint, 1_000_000))
}

func TestNextToPayPrefersLeastRecentlyPaid(t *testing.T) {
	f := newFixture(t, &chaincfg.RegressionNetParams)

	var nodes []*testSnode
	for i := 0; i < 5; i++ {
		ts := f.newSnode()
		f.register(ts)
		nodes = append(nodes, ts)
	}

	// give everyone but one a recent payment
	for i, ts := range nodes {
		if i == 3 {
			continue
		}
		f.mgr.mu.Lock()
		f.mgr.snodes[ts.broadcast.Outpoint].LastPaidBlock = 1100 + uint32(i)
		f.mgr.mu.Unlock()
	}

	info, count, ok := f.mgr.NextToPay(f.chain.BestHeight()+10, false)
	require.True(t, ok)
	assert.Equal(t, 5, count)
	assert.Equal(t, nodes[3].broadcast.Outpoint, info.Outpoint)
}

func TestVerifyReplyScoresDoubleSigners(t *testing.T) {
	f := newFixture(t, &chaincfg.RegressionNetParams)

	real := f.newSnode()
	f.register(real)

	impostor := f.newSnode()
	impostor.broadcast.Addr = real.broadcast.Addr
	require.NoError(t, impostor.broadcast.Sign(impostor.collateralKey, testFlags, f.clock.Now()))
	f.register(impostor)

	// we are the verifier
	verifierKey, err := bec.NewPrivateKey(bec.S256())
	require.NoError(t, err)
	f.mgr.SetLocalIdentity(&LocalIdentity{
		OperatorKey: verifierKey,
		Addr:        "203.0.113.250:13355",
		Outpoint:    snode.Outpoint{Vout: 9},
		Started:     true,
	})

	height := f.chain.BestHeight()
	blockHash, err := f.chain.BlockHash(height)
	require.NoError(t, err)

	peer := p2p.NewMockPeer(5, real.broadcast.Addr, chaincfg.ProtocolVersion)

	for i := 0; i < chaincfg.SnodePoSeBanMaxScore; i++ {
		v := &snode.Verification{
			Addr:        "203.0.113.250:13355",
			Nonce:       uint32(1000 + i),
			BlockHeight: height,
		}

		f.mgr.pendingMu.Lock()
		f.mgr.pendingRequests[peer.Addr()] = &pendingVerification{
			request:   v,
			expiresAt: f.clock.Now().Unix() + 15,
		}
		f.mgr.pendingMu.Unlock()

		reply := *v
		require.NoError(t, reply.SignReply(real.operatorKey, blockHash, testFlags))

		score, err := f.mgr.ProcessVerification(peer, &reply)
		require.NoError(t, err)
		require.Equal(t, 0, score)
	}

	f.mgr.mu.RLock()
	realScore := f.mgr.snodes[real.broadcast.Outpoint].PoSeBanScore
	impostorScore := f.mgr.snodes[impostor.broadcast.Outpoint].PoSeBanScore
	f.mgr.mu.RUnlock()

	assert.Equal(t, int32(-chaincfg.SnodePoSeBanMaxScore), realScore)
	assert.Equal(t, int32(chaincfg.SnodePoSeBanMaxScore), impostorScore)

	// crossing the threshold bans the impostor for a full payment cycle
	f.clock.AdvanceSeconds(chaincfg.SnodeCheckSeconds + 1)
	f.mgr.Check()

	info, _ := f.mgr.GetInfo(impostor.broadcast.Outpoint)
	assert.Equal(t, snode.StatePoSeBan, info.State)
	assert.Equal(t, f.chain.BestHeight()+uint32(f.mgr.Size()), info.PoSeBanHeight)

	// ban hysteresis: still banned one check later
	f.clock.AdvanceSeconds(chaincfg.SnodeCheckSeconds + 1)
	f.mgr.Check()
	info, _ = f.mgr.GetInfo(impostor.broadcast.Outpoint)
	assert.Equal(t, snode.StatePoSeBan, info.State)
}

func TestSelfVerifyingTestimonyIsBanned(t *testing.T) {
	f := newFixture(t, &chaincfg.RegressionNetParams)
	ts := f.newSnode()
	f.register(ts)

	v := &snode.Verification{
		Addr:              "203.0.113.250:13355",
		Nonce:             1,
		BlockHeight:       f.chain.BestHeight(),
		ResponderOutpoint: ts.broadcast.Outpoint,
		VerifierOutpoint:  ts.broadcast.Outpoint,
		Sig1:              []byte{1},
		Sig2:              []byte{2},
	}

	score, err := f.mgr.ProcessVerification(nil, v)
	require.Error(t, err)
	assert.Equal(t, 100, score)
}

func runRecoveryRound(t *testing.T, goodReplies int) (f *fixture, target *testSnode) {
	t.Helper()

	f = newFixture(t, &chaincfg.RegressionNetParams)

	target = f.newSnode()
	f.register(target)

	for i := 0; i < 11; i++ {
		f.register(f.newSnode())
	}

	// age the target into NEW_START_REQUIRED while keeping the rest alive
	f.mgr.mu.Lock()
	f.mgr.snodes[target.broadcast.Outpoint].LastPing.SigTime -= chaincfg.SnodeNewStartRequiredSeconds + 100
	f.mgr.mu.Unlock()

	f.clock.AdvanceSeconds(chaincfg.SnodeCheckSeconds + 1)
	f.mgr.CheckAndRemove(context.Background())

	info, _ := f.mgr.GetInfo(target.broadcast.Outpoint)
	require.Equal(t, snode.StateNewStartRequired, info.State)

	hash := target.broadcast.Hash()

	f.mgr.mu.RLock()
	req, ok := f.mgr.recoveryRequests[hash]
	f.mgr.mu.RUnlock()
	require.True(t, ok, "recovery must have been initiated")
	require.GreaterOrEqual(t, len(req.addrs), chaincfg.RecoveryQuorumRequired)

	var askedAddrs []string
	for addr := range req.addrs {
		askedAddrs = append(askedAddrs, addr)
	}

	// replies carry the original broadcast with a fresh inlined ping
	pingHash, err := f.chain.BlockHash(f.chain.BestHeight() - snode.PingBlockDepth)
	require.NoError(t, err)

	for i := 0; i < goodReplies && i < len(askedAddrs); i++ {
		freshPing := &snode.Ping{Outpoint: target.broadcast.Outpoint, BlockHash: pingHash}
		require.NoError(t, freshPing.Sign(target.operatorKey, testFlags, f.clock.Now()))

		reply := *target.broadcast
		reply.LastPing = *freshPing

		peer := p2p.NewMockPeer(uint64(100+i), askedAddrs[i], chaincfg.ProtocolVersion)
		_, err := f.mgr.ProcessBroadcast(peer, &reply, false)
		require.NoError(t, err)
	}

	// close the reply window and tally
	f.clock.AdvanceSeconds(chaincfg.RecoveryWaitSeconds + 5)
	f.mgr.CheckAndRemove(context.Background())

	return f, target
}

func TestRecoveryQuorumNotMet(t *testing.T) {
	f, target := runRecoveryRound(t, chaincfg.RecoveryQuorumRequired-1)

	info, _ := f.mgr.GetInfo(target.broadcast.Outpoint)
	assert.Equal(t, snode.StateNewStartRequired, info.State)
}

func TestRecoveryQuorumMet(t *testing.T) {
	f, target := runRecoveryRound(t, chaincfg.RecoveryQuorumRequired)

	info, _ := f.mgr.GetInfo(target.broadcast.Outpoint)
	assert.Equal(t, snode.StateEnabled, info.State)
}

func TestDsegFullListRateLimited(t *testing.T) {
	f := newFixture(t, &chaincfg.TestNetParams)
	f.register(f.newSnode())

	peer := p2p.NewMockPeer(9, "203.0.113.99:13345", chaincfg.ProtocolVersion)

	score, err := f.mgr.ProcessMessage(peer, p2p.CmdDseg, nil)
	require.NoError(t, err)
	require.Equal(t, 0, score)
	assert.Equal(t, 1, peer.MessageCount(p2p.CmdSyncStatusCount))

	// an immediate repeat is a rate violation
	score, err = f.mgr.ProcessMessage(peer, p2p.CmdDseg, nil)
	require.Error(t, err)
	assert.Equal(t, 20, score)
}

func TestDsegSingleEntry(t *testing.T) {
	f := newFixture(t, &chaincfg.RegressionNetParams)
	ts := f.newSnode()
	f.register(ts)

	peer := p2p.NewMockPeer(9, "203.0.113.99:13355", chaincfg.ProtocolVersion)

	score, err := f.mgr.ProcessMessage(peer, p2p.CmdDseg, ts.broadcast.Outpoint.Bytes())
	require.NoError(t, err)
	require.Equal(t, 0, score)
	assert.Len(t, peer.Invs, 2) // broadcast + ping
}

func TestSentinelPingBookkeeping(t *testing.T) {
	f := newFixture(t, &chaincfg.RegressionNetParams)

	assert.False(t, f.mgr.IsSentinelPingActive())
	f.mgr.UpdateLastSentinelPingTime()
	assert.True(t, f.mgr.IsSentinelPingActive())

	f.clock.AdvanceSeconds(chaincfg.SnodeSentinelPingMaxSeconds + 1)
	assert.False(t, f.mgr.IsSentinelPingActive())
}
