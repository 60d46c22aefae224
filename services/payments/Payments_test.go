package payments

import (
	"context"
	"testing"

	"github.com/libsv/go-bk/bec"
	"github.com/libsv/go-bt/v2"
	"github.com/libsv/go-bt/v2/chainhash"
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

type fakeSnode struct {
	outpoint    snode.Outpoint
	operatorKey *bec.PrivateKey
	info        snode.Info
}

type fakeRegistry struct {
	snodes map[snode.Outpoint]*fakeSnode
	ranks  map[snode.Outpoint]int
	next   *fakeSnode
	asked  []snode.Outpoint

	lastPaidPayee  []byte
	lastPaidHeight uint32
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		snodes: make(map[snode.Outpoint]*fakeSnode),
		ranks:  make(map[snode.Outpoint]int),
	}
}

func (r *fakeRegistry) addSnode(t *testing.T, id byte, rank int) *fakeSnode {
	t.Helper()

	collateralKey, err := bec.NewPrivateKey(bec.S256())
	require.NoError(t, err)
	operatorKey, err := bec.NewPrivateKey(bec.S256())
	require.NoError(t, err)

	outpoint := snode.Outpoint{Vout: 1}
	outpoint.TxID[0] = id

	fs := &fakeSnode{
		outpoint:    outpoint,
		operatorKey: operatorKey,
		info: snode.Info{
			Outpoint:         outpoint,
			CollateralPubKey: collateralKey.PubKey().SerialiseCompressed(),
			OperatorPubKey:   operatorKey.PubKey().SerialiseCompressed(),
			ProtocolVersion:  chaincfg.ProtocolVersion,
			State:            snode.StateEnabled,
		},
	}

	r.snodes[outpoint] = fs
	r.ranks[outpoint] = rank
	return fs
}

func (r *fakeRegistry) Size() int { return len(r.snodes) }

func (r *fakeRegistry) GetInfo(outpoint snode.Outpoint) (snode.Info, bool) {
	fs, ok := r.snodes[outpoint]
	if !ok {
		return snode.Info{}, false
	}
	return fs.info, true
}

func (r *fakeRegistry) GetInfoByPayee(payee []byte) (snode.Info, bool) {
	for _, fs := range r.snodes {
		if string(payeeScriptOf(fs.info)) == string(payee) {
			return fs.info, true
		}
	}
	return snode.Info{}, false
}

func (r *fakeRegistry) GetRank(outpoint snode.Outpoint, _ uint32) int {
	rank, ok := r.ranks[outpoint]
	if !ok {
		return -1
	}
	return rank
}

func (r *fakeRegistry) NextToPay(_ uint32, _ bool) (snode.Info, int, bool) {
	if r.next == nil {
		return snode.Info{}, 0, false
	}
	return r.next.info, len(r.snodes), true
}

func (r *fakeRegistry) AskForSnode(_ p2p.Peer, outpoint snode.Outpoint) {
	r.asked = append(r.asked, outpoint)
}

func (r *fakeRegistry) UpdateLastPaid(payee []byte, height uint32, _ int64) {
	r.lastPaidPayee = append([]byte(nil), payee...)
	r.lastPaidHeight = height
}

type payFixture struct {
	t        *testing.T
	payments *Payments
	registry *fakeRegistry
	chain    *chain.Mock
	conn     *p2p.MockConnManager
	clock    *testutil.Clock
}

func newPayFixture(t *testing.T, tipHeight uint32) *payFixture {
	t.Helper()

	clock := testutil.NewClock()

	chainView := chain.NewMock()
	chainView.ExtendTo(tipHeight, clock.Now().Unix()-1)

	registry := newFakeRegistry()
	conn := p2p.NewMockConnManager()
	tSettings := &settings.Settings{ChainParams: &chaincfg.RegressionNetParams}

	p := New(ulogger.TestLogger{}, tSettings, chainView, conn, testFlags, registry, nil)
	p.SetClock(clock.Now)
	p.SetSynced(true)

	return &payFixture{
		t:        t,
		payments: p,
		registry: registry,
		chain:    chainView,
		conn:     conn,
		clock:    clock,
	}
}

func (f *payFixture) voteFor(voter *fakeSnode, target uint32, payee []byte) (int, error) {
	f.t.Helper()

	v := &Vote{
		VoterOutpoint: voter.outpoint,
		BlockHeight:   target,
		PayeeScript:   payee,
	}
	require.NoError(f.t, v.Sign(voter.operatorKey, testFlags))

	return f.payments.ProcessVote(nil, v)
}

func TestThreeNodeElection(t *testing.T) {
	f := newPayFixture(t, 1000)

	a := f.registry.addSnode(t, 1, 1)
	b := f.registry.addSnode(t, 2, 2)
	c := f.registry.addSnode(t, 3, 7)
	f.registry.next = c

	const target = 1010
	payeeC := payeeScriptOf(c.info)

	for _, voter := range []*fakeSnode{a, b} {
		score, err := f.voteFor(voter, target, payeeC)
		require.NoError(t, err)
		require.Equal(t, 0, score)
	}

	best, votes := f.payments.GetBestPayee(target)
	assert.Equal(t, payeeC, best)
	assert.Equal(t, 2, votes)

	// the miner filler pays C
	const reward = uint64(500 * 1e8)
	amount := SnodePaymentAmount(target, reward)

	coinbase := bt.NewTx()
	coinbase.Outputs = append(coinbase.Outputs, &bt.Output{
		Satoshis:      reward,
		LockingScript: bscriptFromBytes(payeeScriptOf(a.info)),
	})

	f.payments.FillBlockPayee(coinbase, target, reward)

	require.Len(t, coinbase.Outputs, 2)
	assert.Equal(t, reward-amount, coinbase.Outputs[0].Satoshis)
	assert.Equal(t, amount, coinbase.Outputs[1].Satoshis)
	assert.Equal(t, payeeC, []byte(*coinbase.Outputs[1].LockingScript))

	// with only 2 votes there is no quorum, so validation cannot reject
	assert.True(t, f.payments.IsBlockPayeeValid(coinbase, target, reward))
}

func TestCoinbaseValidationWithQuorum(t *testing.T) {
	f := newPayFixture(t, 1000)

	c := f.registry.addSnode(t, 99, 7)
	payeeC := payeeScriptOf(c.info)

	voters := make([]*fakeSnode, 0, chaincfg.PaymentsSignaturesRequired)
	for i := 0; i < chaincfg.PaymentsSignaturesRequired; i++ {
		voters = append(voters, f.registry.addSnode(t, byte(10+i), i+1))
	}

	const target = 1010
	for _, voter := range voters {
		score, err := f.voteFor(voter, target, payeeC)
		require.NoError(t, err)
		require.Equal(t, 0, score)
	}

	const reward = uint64(500 * 1e8)
	amount := SnodePaymentAmount(target, reward)

	valid := bt.NewTx()
	valid.Outputs = append(valid.Outputs,
		&bt.Output{Satoshis: reward - amount, LockingScript: bscriptFromBytes(payeeScriptOf(voters[0].info))},
		&bt.Output{Satoshis: amount, LockingScript: bscriptFromBytes(payeeC)},
	)
	assert.True(t, f.payments.IsBlockPayeeValid(valid, target, reward))

	// the same amount re-addressed elsewhere fails
	invalid := bt.NewTx()
	invalid.Outputs = append(invalid.Outputs,
		&bt.Output{Satoshis: reward - amount, LockingScript: bscriptFromBytes(payeeScriptOf(voters[0].info))},
		&bt.Output{Satoshis: amount, LockingScript: bscriptFromBytes(payeeScriptOf(voters[1].info))},
	)
	assert.False(t, f.payments.IsBlockPayeeValid(invalid, target, reward))
}

func TestAtMostOneVotePerVoterPerHeight(t *testing.T) {
	f := newPayFixture(t, 1000)

	voter := f.registry.addSnode(t, 1, 1)
	payee1 := f.registry.addSnode(t, 2, 8)
	payee2 := f.registry.addSnode(t, 3, 9)

	score, err := f.voteFor(voter, 1010, payeeScriptOf(payee1.info))
	require.NoError(t, err)
	require.Equal(t, 0, score)

	// a second vote from the same voter for the same height is a duplicate
	_, err = f.voteFor(voter, 1010, payeeScriptOf(payee2.info))
	require.Error(t, err)

	best, votes := f.payments.GetBestPayee(1010)
	assert.Equal(t, payeeScriptOf(payee1.info), best)
	assert.Equal(t, 1, votes)

	// a later height is fine
	score, err = f.voteFor(voter, 1011, payeeScriptOf(payee2.info))
	require.NoError(t, err)
	require.Equal(t, 0, score)
}

func TestVoteHeightWindow(t *testing.T) {
	f := newPayFixture(t, 1000)

	voter := f.registry.addSnode(t, 1, 1)
	payee := f.registry.addSnode(t, 2, 8)

	_, err := f.voteFor(voter, 1000+chaincfg.PaymentsFutureVoteBlocks+1, payeeScriptOf(payee.info))
	require.Error(t, err)
}

func TestVoteFromFarOutsideQuorumScoresPeer(t *testing.T) {
	f := newPayFixture(t, 1000)

	voter := f.registry.addSnode(t, 1, chaincfg.PaymentsSignaturesTotal*2+1)
	payee := f.registry.addSnode(t, 2, 1)

	score, err := f.voteFor(voter, 1010, payeeScriptOf(payee.info))
	require.Error(t, err)
	assert.Equal(t, 20, score)
}

func TestVoteFromUnknownVoterAsksSender(t *testing.T) {
	f := newPayFixture(t, 1000)

	orphanKey, err := bec.NewPrivateKey(bec.S256())
	require.NoError(t, err)

	unknown := snode.Outpoint{Vout: 1}
	unknown.TxID[0] = 0xaa

	v := &Vote{
		VoterOutpoint: unknown,
		BlockHeight:   1010,
		PayeeScript:   []byte{0x76, 0xa9},
	}
	require.NoError(t, v.Sign(orphanKey, testFlags))

	score, err := f.payments.ProcessVote(nil, v)
	require.Error(t, err)
	assert.Equal(t, 0, score)
	require.Len(t, f.registry.asked, 1)
	assert.Equal(t, unknown, f.registry.asked[0])
}

func TestVoteRoundTripAndIdempotence(t *testing.T) {
	f := newPayFixture(t, 1000)

	voter := f.registry.addSnode(t, 1, 1)
	payee := f.registry.addSnode(t, 2, 8)

	score, err := f.voteFor(voter, 1010, payeeScriptOf(payee.info))
	require.NoError(t, err)
	require.Equal(t, 0, score)

	countBefore := f.payments.VoteCount()

	// redeliver the identical vote over the wire
	v := &Vote{
		VoterOutpoint: voter.outpoint,
		BlockHeight:   1010,
		PayeeScript:   payeeScriptOf(payee.info),
	}
	require.NoError(t, v.Sign(voter.operatorKey, testFlags))

	score, err = f.payments.ProcessMessage(nil, p2p.CmdPaymentVote, v.Bytes())
	require.NoError(t, err)
	require.Equal(t, 0, score)
	assert.Equal(t, countBefore, f.payments.VoteCount())
}

func TestStorageBound(t *testing.T) {
	f := newPayFixture(t, 8000)

	voter := f.registry.addSnode(t, 1, 1)
	payee := f.registry.addSnode(t, 2, 8)

	old := &Vote{VoterOutpoint: voter.outpoint, BlockHeight: 500, PayeeScript: payeeScriptOf(payee.info)}
	require.NoError(t, old.Sign(voter.operatorKey, testFlags))
	fresh := &Vote{VoterOutpoint: voter.outpoint, BlockHeight: 7990, PayeeScript: payeeScriptOf(payee.info)}
	require.NoError(t, fresh.Sign(voter.operatorKey, testFlags))

	// bypass the acceptance window, the sweep is what's under test
	f.payments.insertVote(old)
	f.payments.insertVote(fresh)
	require.Equal(t, 2, f.payments.VoteCount())

	f.payments.CheckAndRemove(context.Background())

	assert.Equal(t, 1, f.payments.VoteCount())
	_, ok := f.payments.GetVoteByHash(old.Hash())
	assert.False(t, ok)
	_, ok = f.payments.GetVoteByHash(fresh.Hash())
	assert.True(t, ok)

	_, votes := f.payments.GetBestPayee(500)
	assert.Equal(t, 0, votes)
}

func TestSyncPushesHistory(t *testing.T) {
	f := newPayFixture(t, 1000)

	voter := f.registry.addSnode(t, 1, 1)
	payee := f.registry.addSnode(t, 2, 8)

	_, err := f.voteFor(voter, 1010, payeeScriptOf(payee.info))
	require.NoError(t, err)

	peer := p2p.NewMockPeer(3, "203.0.113.3:13355", chaincfg.ProtocolVersion)

	score, err := f.payments.ProcessMessage(peer, p2p.CmdPaymentSync, nil)
	require.NoError(t, err)
	require.Equal(t, 0, score)

	assert.Len(t, peer.Invs, 1)
	assert.Equal(t, 1, peer.MessageCount(p2p.CmdSyncStatusCount))
}

func TestLowDataRecoveryBatchesRequests(t *testing.T) {
	f := newPayFixture(t, 7000)
	f.registry.addSnode(t, 1, 1)

	peer := p2p.NewMockPeer(3, "203.0.113.3:13355", chaincfg.ProtocolVersion)

	f.payments.RequestLowDataPaymentBlocks(peer)

	// every retained height lacks a quorum, one inv per height
	require.NotEmpty(t, peer.Invs)
	assert.LessOrEqual(t, len(peer.Invs), p2p.MaxInvPerMsg)
	for _, inv := range peer.Invs {
		assert.Equal(t, p2p.InvTypePaymentBlock, inv.Type)
	}
}

func TestUpdatedBlockTipStampsLastPaid(t *testing.T) {
	f := newPayFixture(t, 1000)

	c := f.registry.addSnode(t, 9, 8)
	payeeC := payeeScriptOf(c.info)

	voters := make([]*fakeSnode, 0, chaincfg.PaymentsSignaturesRequired)
	for i := 0; i < chaincfg.PaymentsSignaturesRequired; i++ {
		voters = append(voters, f.registry.addSnode(t, byte(10+i), i+1))
	}

	const target = 1005
	for _, voter := range voters {
		_, err := f.voteFor(voter, target, payeeC)
		require.NoError(t, err)
	}

	f.chain.ExtendTo(target, f.clock.Now().Unix())
	f.payments.UpdatedBlockTip(chain.BlockInfo{Height: target})

	assert.Equal(t, payeeC, f.registry.lastPaidPayee)
	assert.Equal(t, uint32(target), f.registry.lastPaidHeight)
}

func TestVoteHashCanonical(t *testing.T) {
	v := &Vote{BlockHeight: 42, PayeeScript: []byte{0x76, 0xa9, 0x14}}
	v.VoterOutpoint.TxID = chainhash.DoubleHashH([]byte("x"))

	h1 := v.Hash()

	// the signature does not participate in the canonical hash
	v.Signature = []byte{1, 2, 3}
	assert.Equal(t, h1, v.Hash())
}
