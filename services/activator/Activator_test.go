package activator

import (
	"context"
	"fmt"
	"testing"

	"github.com/libsv/go-bk/bec"
	"github.com/libsv/go-bt/v2/bscript"
	"github.com/mazanetwork/maza/chaincfg"
	"github.com/mazanetwork/maza/services/chain"
	"github.com/mazanetwork/maza/services/p2p"
	"github.com/mazanetwork/maza/services/payments"
	"github.com/mazanetwork/maza/services/snode"
	"github.com/mazanetwork/maza/services/snodemgr"
	"github.com/mazanetwork/maza/services/snodesync"
	"github.com/mazanetwork/maza/settings"
	"github.com/mazanetwork/maza/ulogger"
	"github.com/mazanetwork/maza/util/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFlags = snode.StaticFlags{NewSignatures: true, PaymentEnforcement: true}

const selfAddr = "203.0.113.42:13355"

type actFixture struct {
	t         *testing.T
	activator *Activator
	registry  *snodemgr.Manager
	payments  *payments.Payments
	sync      *snodesync.Controller
	chain     *chain.Mock
	conn      *p2p.MockConnManager
	clock     *testutil.Clock
	settings  *settings.Settings
}

func newActFixture(t *testing.T) *actFixture {
	t.Helper()

	clock := testutil.NewClock()

	chainView := chain.NewMock()
	chainView.ExtendTo(1200, clock.Now().Unix()-1)

	operatorKey, err := bec.NewPrivateKey(bec.S256())
	require.NoError(t, err)

	tSettings := &settings.Settings{
		ChainParams: &chaincfg.RegressionNetParams,
		Snode: settings.SnodeSettings{
			Enabled:    true,
			PrivateKey: operatorKey,
			ExternalIP: selfAddr,
		},
	}

	selfPeer := p2p.NewMockPeer(1, selfAddr, chaincfg.ProtocolVersion)
	conn := p2p.NewMockConnManager(selfPeer)
	conn.ExternalAddr = selfAddr

	registry := snodemgr.New(ulogger.TestLogger{}, tSettings, chainView, conn, testFlags, nil)
	registry.SetClock(clock.Now)

	voter := payments.New(ulogger.TestLogger{}, tSettings, chainView, conn, testFlags, registry, nil)
	voter.SetClock(clock.Now)

	syncCtrl := snodesync.New(ulogger.TestLogger{}, tSettings, chainView, conn, registry, voter)
	syncCtrl.SetClock(clock.Now)

	act := New(ulogger.TestLogger{}, tSettings, chainView, conn, registry, voter, syncCtrl, testFlags)
	act.SetClock(clock.Now)

	return &actFixture{
		t:         t,
		activator: act,
		registry:  registry,
		payments:  voter,
		sync:      syncCtrl,
		chain:     chainView,
		conn:      conn,
		clock:     clock,
		settings:  tSettings,
	}
}

// registerSelf installs a registry entry matching our operator key.
func (f *actFixture) registerSelf() snode.Outpoint {
	f.t.Helper()

	collateralKey, err := bec.NewPrivateKey(bec.S256())
	require.NoError(f.t, err)

	outpoint := snode.Outpoint{Vout: 0}
	outpoint.TxID[0] = 0x42

	collateralScript, err := bscript.NewP2PKHFromPubKeyBytes(collateralKey.PubKey().SerialiseCompressed())
	require.NoError(f.t, err)
	f.chain.AddUTXO(outpoint.TxID, outpoint.Vout, chain.UTXO{
		Value:         f.settings.ChainParams.SnodeCollateral,
		LockingScript: []byte(*collateralScript),
		Height:        1,
	})

	pingHash, err := f.chain.BlockHash(f.chain.BestHeight() - snode.PingBlockDepth)
	require.NoError(f.t, err)

	ping := &snode.Ping{Outpoint: outpoint, BlockHash: pingHash}
	require.NoError(f.t, ping.Sign(f.settings.Snode.PrivateKey, testFlags, f.clock.Now()))

	b := &snode.Broadcast{
		Outpoint:         outpoint,
		Addr:             selfAddr,
		CollateralPubKey: collateralKey.PubKey().SerialiseCompressed(),
		OperatorPubKey:   f.settings.Snode.PrivateKey.PubKey().SerialiseCompressed(),
		ProtocolVersion:  chaincfg.ProtocolVersion,
		LastPing:         *ping,
	}
	require.NoError(f.t, b.Sign(collateralKey, testFlags, f.clock.Now()))

	score, err := f.registry.ProcessBroadcast(nil, b, false)
	require.NoError(f.t, err)
	require.Equal(f.t, 0, score)

	return outpoint
}

// finishSync walks the sync controller to FINISHED.
func (f *actFixture) finishSync() {
	f.t.Helper()

	for i := 0; i < 12 && !f.sync.IsSynced(); i++ {
		f.sync.Tick(context.Background())
		f.clock.AdvanceSeconds(31)
	}
	require.True(f.t, f.sync.IsSynced())
}

func TestActivatorWaitsForSync(t *testing.T) {
	f := newActFixture(t)
	f.registerSelf()

	f.activator.ManageState(context.Background())
	assert.Equal(t, StateSyncInProcess, f.activator.State())
}

func TestActivatorStartsAndPings(t *testing.T) {
	f := newActFixture(t)
	outpoint := f.registerSelf()
	f.finishSync()

	f.activator.ManageState(context.Background())

	require.Equal(t, StateStarted, f.activator.State())
	assert.Equal(t, "Service node successfully started", f.activator.Status())

	got, started := f.activator.Outpoint()
	require.True(t, started)
	assert.Equal(t, outpoint, got)

	// a ping was minted and relayed
	var pingRelayed bool
	for _, inv := range f.conn.Relayed {
		if inv.Type == p2p.InvTypeSnodePing {
			pingRelayed = true
		}
	}
	assert.True(t, pingRelayed)

	info, _ := f.registry.GetInfo(outpoint)
	assert.Equal(t, f.clock.Now().Unix(), info.LastPingTime)

	// the pinger is rate limited
	relayed := len(f.conn.Relayed)
	f.activator.ManageState(context.Background())
	assert.Len(t, f.conn.Relayed, relayed)

	// and fires again after the ping interval
	f.clock.AdvanceSeconds(chaincfg.SnodeMinPingSeconds + 1)
	f.activator.ManageState(context.Background())
	assert.Greater(t, len(f.conn.Relayed), relayed)
}

func TestSentinelStateStampedIntoPing(t *testing.T) {
	f := newActFixture(t)
	f.registerSelf()
	f.finishSync()

	require.False(t, f.registry.IsSentinelPingActive())

	f.activator.SetSentinelState(true, 0x010002)
	f.activator.ManageState(context.Background())

	require.Equal(t, StateStarted, f.activator.State())

	// the minted ping carried sentinel_is_current, so the watchdog now
	// counts as active network-wide
	assert.True(t, f.registry.IsSentinelPingActive())
}

func TestActivatorNotCapableWithoutListening(t *testing.T) {
	f := newActFixture(t)
	f.registerSelf()
	f.finishSync()

	f.conn.Listening = false

	f.activator.ManageState(context.Background())
	assert.Equal(t, StateNotCapable, f.activator.State())
}

func TestActivatorNotCapableWithoutRegistryEntry(t *testing.T) {
	f := newActFixture(t)
	f.finishSync()

	f.activator.ManageState(context.Background())
	assert.Equal(t, StateNotCapable, f.activator.State())
	assert.Contains(t, f.activator.Status(), "operator key")
}

func TestActivatorRejectsMainnetPortMismatch(t *testing.T) {
	f := newActFixture(t)
	f.registerSelf()
	f.finishSync()

	f.settings.Snode.ExternalIP = fmt.Sprintf("203.0.113.42:%d", chaincfg.MainNetParams.DefaultPort)

	f.activator.ManageState(context.Background())
	assert.Equal(t, StateNotCapable, f.activator.State())
}
