package snodesync

import (
	"context"
	"testing"
	"time"

	"github.com/mazanetwork/maza/chaincfg"
	"github.com/mazanetwork/maza/services/chain"
	"github.com/mazanetwork/maza/services/p2p"
	"github.com/mazanetwork/maza/settings"
	"github.com/mazanetwork/maza/ulogger"
	"github.com/mazanetwork/maza/util/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRegistry struct {
	dsegRequests int
	counter      int64
	synced       bool
	size         int
}

func (s *stubRegistry) DsegUpdate(_ p2p.Peer)  { s.dsegRequests++ }
func (s *stubRegistry) UpdateCounter() int64   { return s.counter }
func (s *stubRegistry) SetSynced(synced bool)  { s.synced = synced }
func (s *stubRegistry) Size() int              { return s.size }

type stubPayments struct {
	counter int64
	votes   int
	tallies int
	synced  bool
}

func (s *stubPayments) UpdateCounter() int64  { return s.counter }
func (s *stubPayments) VoteCount() int        { return s.votes }
func (s *stubPayments) TallyCount() int       { return s.tallies }
func (s *stubPayments) StorageLimit() uint32  { return chaincfg.PaymentsStorageMinBlocks }
func (s *stubPayments) SetSynced(synced bool) { s.synced = synced }

type syncFixture struct {
	ctrl     *Controller
	chain    *chain.Mock
	conn     *p2p.MockConnManager
	registry *stubRegistry
	payments *stubPayments
	clock    *testutil.Clock
}

func newSyncFixture(t *testing.T, peers ...*p2p.MockPeer) *syncFixture {
	t.Helper()

	clock := testutil.NewClock()
	chainView := chain.NewMock()
	chainView.ExtendTo(100, clock.Now().Unix())

	conn := p2p.NewMockConnManager(peers...)
	registry := &stubRegistry{size: 10}
	payments := &stubPayments{}

	tSettings := &settings.Settings{ChainParams: &chaincfg.RegressionNetParams}

	ctrl := New(ulogger.TestLogger{}, tSettings, chainView, conn, registry, payments)
	ctrl.SetClock(clock.Now)

	return &syncFixture{
		ctrl:     ctrl,
		chain:    chainView,
		conn:     conn,
		registry: registry,
		payments: payments,
		clock:    clock,
	}
}

// tickPast runs one tick, then advances the clock past the per-state
// timeout.
func (f *syncFixture) tickPast() {
	f.ctrl.Tick(context.Background())
	f.clock.AdvanceSeconds(chaincfg.SyncTimeoutSeconds + 1)
}

func TestSyncHappyPath(t *testing.T) {
	peer := p2p.NewMockPeer(1, "203.0.113.1:13355", chaincfg.ProtocolVersion)
	f := newSyncFixture(t, peer)

	require.Equal(t, StateInitial, f.ctrl.State())

	// headers at tip, leaves INITIAL immediately
	f.ctrl.Tick(context.Background())
	require.Equal(t, StateWaiting, f.ctrl.State())

	// grace period expires
	f.clock.AdvanceSeconds(chaincfg.SyncTimeoutSeconds + 1)
	f.ctrl.Tick(context.Background())
	require.Equal(t, StateList, f.ctrl.State())

	// one productive request per tick
	f.ctrl.Tick(context.Background())
	assert.Equal(t, 1, f.registry.dsegRequests)

	for i := 0; i < 10 && !f.ctrl.IsSynced(); i++ {
		f.tickPast()
	}

	require.True(t, f.ctrl.IsSynced())
	assert.Equal(t, "SNODE_SYNC_FINISHED", f.ctrl.AssetName())
	assert.True(t, f.registry.synced)
	assert.True(t, f.payments.synced)

	// full-sync peers are disconnected to free slots
	assert.True(t, peer.Disconnected)
}

func TestSyncFailsWithoutPeers(t *testing.T) {
	f := newSyncFixture(t)

	f.ctrl.Tick(context.Background())
	require.Equal(t, StateWaiting, f.ctrl.State())

	f.tickPast()
	f.ctrl.Tick(context.Background())
	require.Equal(t, StateList, f.ctrl.State())

	// timeout with zero attempts is fatal
	f.clock.AdvanceSeconds(chaincfg.SyncTimeoutSeconds + 1)
	f.ctrl.Tick(context.Background())

	assert.True(t, f.ctrl.IsFailed())
	assert.False(t, f.registry.synced)
}

func TestSyncWaitsInIBD(t *testing.T) {
	f := newSyncFixture(t)
	f.chain.SetIBD(true)

	for i := 0; i < 3; i++ {
		f.tickPast()
	}

	assert.Equal(t, StateInitial, f.ctrl.State())
}

func TestSyncProgressDefersTimeout(t *testing.T) {
	peer := p2p.NewMockPeer(1, "203.0.113.1:13355", chaincfg.ProtocolVersion)
	f := newSyncFixture(t, peer)

	f.ctrl.Tick(context.Background())
	f.clock.AdvanceSeconds(chaincfg.SyncTimeoutSeconds + 1)
	f.ctrl.Tick(context.Background())
	require.Equal(t, StateList, f.ctrl.State())

	f.ctrl.Tick(context.Background())

	// registry inserts keep arriving: timeout never fires
	for i := 0; i < 5; i++ {
		f.registry.counter++
		f.clock.AdvanceSeconds(chaincfg.SyncTimeoutSeconds - 5)
		f.ctrl.Tick(context.Background())
		require.Equal(t, StateList, f.ctrl.State())
	}

	// silence now forces the transition
	f.clock.AdvanceSeconds(chaincfg.SyncTimeoutSeconds + 1)
	f.ctrl.Tick(context.Background())
	assert.Equal(t, StateVotes, f.ctrl.State())
}

func TestSyncResetsAfterHostSleep(t *testing.T) {
	peer := p2p.NewMockPeer(1, "203.0.113.1:13355", chaincfg.ProtocolVersion)
	f := newSyncFixture(t, peer)

	for i := 0; i < 10 && !f.ctrl.IsSynced(); i++ {
		f.tickPast()
	}
	require.True(t, f.ctrl.IsSynced())

	// host slept for over an hour without ticks
	f.clock.Advance(time.Hour + 100*time.Second)
	f.ctrl.Tick(context.Background())

	assert.Equal(t, StateInitial, f.ctrl.State())
	assert.False(t, f.registry.synced)

	// and the whole ladder walks again
	f.clock.AdvanceSeconds(10)
	for i := 0; i < 10 && !f.ctrl.IsSynced(); i++ {
		f.tickPast()
	}
	assert.True(t, f.ctrl.IsSynced())
}

func TestSyncVotesCompletionByData(t *testing.T) {
	peer := p2p.NewMockPeer(1, "203.0.113.1:13355", chaincfg.ProtocolVersion)
	f := newSyncFixture(t, peer)

	// walk to VOTES
	for i := 0; i < 10 && f.ctrl.State() != StateVotes; i++ {
		f.tickPast()
	}
	require.Equal(t, StateVotes, f.ctrl.State())

	// enough data completes the stage without waiting for the timeout
	limit := int(f.payments.StorageLimit())
	f.payments.tallies = limit + 1
	f.payments.votes = limit*(chaincfg.PaymentsSignaturesRequired+chaincfg.PaymentsSignaturesTotal)/2 + 1

	f.ctrl.Tick(context.Background())
	assert.NotEqual(t, StateVotes, f.ctrl.State())
	assert.True(t, f.payments.synced)
}

func TestSyncStatusCountBumps(t *testing.T) {
	peer := p2p.NewMockPeer(1, "203.0.113.1:13355", chaincfg.ProtocolVersion)
	f := newSyncFixture(t, peer)

	before := f.ctrl.lastBumpAt
	f.clock.AdvanceSeconds(10)

	score, err := f.ctrl.ProcessMessage(peer, p2p.CmdSyncStatusCount, p2p.SyncStatusCountPayload(2, 50))
	require.NoError(t, err)
	require.Equal(t, 0, score)

	assert.True(t, f.ctrl.lastBumpAt.After(before))

	// malformed payloads are a misbehavior
	score, _ = f.ctrl.ProcessMessage(peer, p2p.CmdSyncStatusCount, []byte{1, 2})
	assert.Equal(t, 20, score)
}
