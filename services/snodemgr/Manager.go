package snodemgr

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/kpango/fastime"
	"github.com/libsv/go-bt/v2/chainhash"
	"github.com/mazanetwork/maza/chaincfg"
	"github.com/mazanetwork/maza/errors"
	"github.com/mazanetwork/maza/services/chain"
	"github.com/mazanetwork/maza/services/p2p"
	"github.com/mazanetwork/maza/services/snode"
	"github.com/mazanetwork/maza/settings"
	"github.com/mazanetwork/maza/stores/snodestore"
	"github.com/mazanetwork/maza/ulogger"
	"github.com/mazanetwork/maza/util"
	"github.com/ordishs/go-utils/expiringmap"
	"go.uber.org/atomic"
)

// PaymentsView is the slice of the payment voter the registry needs. It is
// injected after construction to break the registry/voter cycle.
type PaymentsView interface {
	// IsScheduled reports whether the payee script is already due a payment
	// within the look-ahead window above the given height.
	IsScheduled(payee []byte, height uint32) bool
}

type seenBroadcast struct {
	broadcast *snode.Broadcast
	firstSeen int64
	lastSeen  int64
}

type recoveryRequest struct {
	expiresAt int64
	addrs     map[string]bool
}

// Manager is the service node registry: a self-healing map of
// collateral-bound identities maintained by gossip. It also hosts the
// proof-of-service verification engine (Verify.go), which keeps its own
// pending-state lock.
type Manager struct {
	logger   ulogger.Logger
	settings *settings.Settings
	chain    chain.View
	connman  p2p.ConnManager
	flags    snode.FeatureFlags
	store    snodestore.Store
	payments PaymentsView

	now  func() time.Time
	rand *rand.Rand

	mu     sync.RWMutex
	snodes map[snode.Outpoint]*snode.Snode

	// seenBroadcasts is held until overwritten by an update or removed by
	// the sweep; seenPings and seenVerifications age out on their own.
	seenBroadcasts    map[chainhash.Hash]*seenBroadcast
	seenPings         *expiringmap.ExpiringMap[chainhash.Hash, *snode.Ping]
	seenVerifications *expiringmap.ExpiringMap[chainhash.Hash, *snode.Verification]

	// DSEG bookkeeping: who we asked, who asked us, and which single
	// entries we requested from whom.
	weAskedForList     *ttlcache.Cache[string, bool]
	theyAskedUsForList *ttlcache.Cache[string, bool]
	weAskedForEntry    map[snode.Outpoint]map[string]int64

	// broadcast recovery by quorum
	recoveryRequests   map[chainhash.Hash]*recoveryRequest
	recoveryGoodReplies map[chainhash.Hash][]*snode.Broadcast
	askedForRecovery   map[snode.Outpoint]int64

	lastSentinelPingTime int64
	lastQueueSeq         int64

	cachedHeight atomic.Uint32
	synced       atomic.Bool

	// updates is bumped on every accepted insert/update so the sync
	// controller can tell progress from silence.
	updates atomic.Int64

	// verification engine state, guarded by pendingMu (never taken with mu
	// held the other way around: mu then pendingMu is the legal order).
	pendingMu       sync.Mutex
	pendingRequests map[string]*pendingVerification
	local           *LocalIdentity
}

// New creates the registry. The payments view is wired afterwards via
// SetPayments.
func New(logger ulogger.Logger, tSettings *settings.Settings, chainView chain.View,
	connman p2p.ConnManager, flags snode.FeatureFlags, store snodestore.Store) *Manager {

	initPrometheusMetrics()

	m := &Manager{
		logger:   logger,
		settings: tSettings,
		chain:    chainView,
		connman:  connman,
		flags:    flags,
		store:    store,

		now:  func() time.Time { return fastime.Now() },
		rand: rand.New(rand.NewSource(fastime.UnixNanoNow())),

		snodes:            make(map[snode.Outpoint]*snode.Snode),
		seenBroadcasts:    make(map[chainhash.Hash]*seenBroadcast),
		seenPings:         expiringmap.New[chainhash.Hash, *snode.Ping](chaincfg.SnodeNewStartRequiredSeconds * time.Second),
		seenVerifications: expiringmap.New[chainhash.Hash, *snode.Verification](time.Hour),

		weAskedForList:     ttlcache.New[string, bool](ttlcache.WithTTL[string, bool](chaincfg.DsegUpdateSeconds * time.Second)),
		theyAskedUsForList: ttlcache.New[string, bool](ttlcache.WithTTL[string, bool](chaincfg.DsegUpdateSeconds * time.Second)),
		weAskedForEntry:    make(map[snode.Outpoint]map[string]int64),

		recoveryRequests:    make(map[chainhash.Hash]*recoveryRequest),
		recoveryGoodReplies: make(map[chainhash.Hash][]*snode.Broadcast),
		askedForRecovery:    make(map[snode.Outpoint]int64),

		pendingRequests: make(map[string]*pendingVerification),
	}

	m.cachedHeight.Store(chainView.BestHeight())

	return m
}

// SetPayments wires the payment voter view after construction.
func (m *Manager) SetPayments(p PaymentsView) {
	m.payments = p
}

// SetClock replaces the time source (tests only).
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Init loads the persisted registry cache. A version mismatch wipes the
// store and starts from nothing.
func (m *Manager) Init(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	dump, err := m.store.LoadRegistry(ctx)
	if err != nil {
		if errors.Is(err, snodestore.ErrWrongVersion) {
			m.logger.Warnf("[SnodeMgr] persisted registry has wrong version, wiping for resync")
			return m.store.WipeRegistry(ctx)
		}
		return err
	}
	if dump == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range dump.Broadcasts {
		b := dump.Broadcasts[i]
		sn := snode.NewSnodeFromBroadcast(b)
		sn.State = snode.State(dump.States[i])
		sn.CollateralMinConfBlockHash = dump.MinConfBlockHashes[i]
		sn.LastPaidBlock = dump.LastPaidBlocks[i]
		m.snodes[sn.Outpoint] = sn

		hash := b.Hash()
		m.seenBroadcasts[hash] = &seenBroadcast{broadcast: b, firstSeen: dump.SeenTimes[i], lastSeen: dump.SeenTimes[i]}
	}

	m.lastSentinelPingTime = dump.LastSentinelPingTime
	m.lastQueueSeq = dump.LastQueueSeq

	m.logger.Infof("[SnodeMgr] loaded %d snodes from persisted cache", len(m.snodes))
	return nil
}

// Start subscribes to chain tip updates.
func (m *Manager) Start(ctx context.Context) error {
	tipCh := m.chain.Subscribe()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tip := <-tipCh:
				m.UpdatedBlockTip(tip)
			}
		}
	}()

	go m.weAskedForList.Start()
	go m.theyAskedUsForList.Start()

	return nil
}

// Stop persists the registry cache.
func (m *Manager) Stop(ctx context.Context) error {
	m.weAskedForList.Stop()
	m.theyAskedUsForList.Stop()

	if m.store == nil {
		return nil
	}

	m.mu.RLock()
	dump := &snodestore.RegistryDump{
		LastSentinelPingTime: m.lastSentinelPingTime,
		LastQueueSeq:         m.lastQueueSeq,
	}
	for _, sb := range m.seenBroadcasts {
		sn, ok := m.snodes[sb.broadcast.Outpoint]
		if !ok {
			continue
		}
		dump.Broadcasts = append(dump.Broadcasts, sb.broadcast)
		dump.States = append(dump.States, int32(sn.State))
		dump.MinConfBlockHashes = append(dump.MinConfBlockHashes, sn.CollateralMinConfBlockHash)
		dump.LastPaidBlocks = append(dump.LastPaidBlocks, sn.LastPaidBlock)
		dump.SeenTimes = append(dump.SeenTimes, sb.firstSeen)
	}
	m.mu.RUnlock()

	return m.store.SaveRegistry(ctx, dump)
}

// UpdatedBlockTip refreshes the cached height and re-checks the registry.
func (m *Manager) UpdatedBlockTip(tip chain.BlockInfo) {
	m.cachedHeight.Store(tip.Height)
	prometheusSnodeHeight.Set(float64(tip.Height))
	m.Check()
}

// CachedHeight returns the last tip height this component has seen.
func (m *Manager) CachedHeight() uint32 {
	return m.cachedHeight.Load()
}

// SetSynced is flipped by the sync controller when the LIST stage finishes.
func (m *Manager) SetSynced(synced bool) {
	m.synced.Store(synced)
}

// UpdateCounter is monotonic over accepted inserts and updates; the sync
// controller uses it to detect progress.
func (m *Manager) UpdateCounter() int64 {
	return m.updates.Load()
}

// Size returns the number of registry entries.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snodes)
}

// CountEnabled returns the number of entries in ENABLED.
func (m *Manager) CountEnabled() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, sn := range m.snodes {
		if sn.IsEnabled() {
			n++
		}
	}
	return n
}

// CountByIP returns the number of entries sharing the given host.
func (m *Manager) CountByIP(host string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, sn := range m.snodes {
		h, _, err := util.SplitHostPort(sn.Addr)
		if err == nil && h == host {
			n++
		}
	}
	return n
}

// Has reports whether an entry exists for the outpoint.
func (m *Manager) Has(outpoint snode.Outpoint) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.snodes[outpoint]
	return ok
}

// GetInfo returns a value copy of the entry for the outpoint.
func (m *Manager) GetInfo(outpoint snode.Outpoint) (snode.Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sn, ok := m.snodes[outpoint]
	if !ok {
		return snode.Info{}, false
	}
	return sn.GetInfo(), true
}

// GetInfoByOperatorKey finds the entry whose operator public key matches.
func (m *Manager) GetInfoByOperatorKey(operatorPubKey []byte) (snode.Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sn := range m.snodes {
		if bytes.Equal(sn.OperatorPubKey, operatorPubKey) {
			return sn.GetInfo(), true
		}
	}
	return snode.Info{}, false
}

// GetInfoByPayee finds the entry whose collateral key pays to the script.
func (m *Manager) GetInfoByPayee(payee []byte) (snode.Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sn := range m.snodes {
		if bytes.Equal(sn.PayeeScript(), payee) {
			return sn.GetInfo(), true
		}
	}
	return snode.Info{}, false
}

// GetAllInfo returns value copies of every entry.
func (m *Manager) GetAllInfo() []snode.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]snode.Info, 0, len(m.snodes))
	for _, sn := range m.snodes {
		out = append(out, sn.GetInfo())
	}
	return out
}

// add inserts a new entry. Caller holds mu.
func (m *Manager) add(sn *snode.Snode) {
	if _, ok := m.snodes[sn.Outpoint]; ok {
		return
	}

	m.logger.Debugf("[SnodeMgr] adding snode %s, addr=%s", sn.Outpoint.ShortString(), sn.Addr)
	m.snodes[sn.Outpoint] = sn
	m.updates.Inc()
	prometheusSnodeCount.Set(float64(len(m.snodes)))
}

// PoSeBan bans the entry outright (cryptographic offense path).
func (m *Manager) PoSeBan(outpoint snode.Outpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sn, ok := m.snodes[outpoint]
	if !ok {
		return false
	}
	sn.PoSeBan()
	return true
}

// AllowMixing marks the entry as accepting mixing queue entries and bumps
// the monotonic queue sequence.
func (m *Manager) AllowMixing(outpoint snode.Outpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sn, ok := m.snodes[outpoint]
	if !ok {
		return false
	}

	m.lastQueueSeq++
	sn.AllowMixing = true
	sn.LastQueueSeq = m.lastQueueSeq
	return true
}

// DisallowMixing clears the mixing flag.
func (m *Manager) DisallowMixing(outpoint snode.Outpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sn, ok := m.snodes[outpoint]
	if !ok {
		return false
	}

	sn.AllowMixing = false
	return true
}

// AddGovernanceVote counts a governance vote for the entry.
func (m *Manager) AddGovernanceVote(outpoint snode.Outpoint, governanceObject chainhash.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sn, ok := m.snodes[outpoint]
	if !ok {
		return false
	}

	sn.GovernanceVotes[governanceObject]++
	return true
}

// RemoveGovernanceObject drops the object from every entry's bookkeeping.
func (m *Manager) RemoveGovernanceObject(governanceObject chainhash.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sn := range m.snodes {
		delete(sn.GovernanceVotes, governanceObject)
	}
}

// UpdateLastSentinelPingTime records that a sentinel-current ping was seen
// somewhere in the registry.
func (m *Manager) UpdateLastSentinelPingTime() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSentinelPingTime = m.now().Unix()
}

// IsSentinelPingActive reports whether the sentinel watchdog is considered
// active network-wide.
func (m *Manager) IsSentinelPingActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now().Unix()-m.lastSentinelPingTime <= chaincfg.SnodeSentinelPingMaxSeconds
}

// UpdateLastPaid stamps the entry paying to payee as paid at the given
// block.
func (m *Manager) UpdateLastPaid(payee []byte, height uint32, blockTime int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sn := range m.snodes {
		if bytes.Equal(sn.PayeeScript(), payee) {
			sn.LastPaidBlock = height
			sn.LastPaidTime = blockTime
			return
		}
	}
}

// IsSnodePingedWithin reports whether the entry's ping is less than seconds
// old at the given time.
func (m *Manager) IsSnodePingedWithin(outpoint snode.Outpoint, seconds int64, at int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sn, ok := m.snodes[outpoint]
	if !ok {
		return false
	}
	return sn.IsPingedWithin(seconds, at)
}

// SetSnodeLastPing installs a locally minted ping (activator path) and
// records it as seen.
func (m *Manager) SetSnodeLastPing(outpoint snode.Outpoint, ping *snode.Ping) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seenPings.Set(ping.Hash(), ping)

	sn, ok := m.snodes[outpoint]
	if !ok {
		return
	}

	sn.LastPing = *ping
	if ping.SentinelIsCurrent {
		m.lastSentinelPingTime = m.now().Unix()
	}

	if sb, ok := m.seenBroadcasts[m.broadcastHashFor(sn)]; ok {
		sb.broadcast.LastPing = *ping
	}
}

// broadcastHashFor rebuilds the dedup hash of the entry's original
// broadcast. Caller holds mu.
func (m *Manager) broadcastHashFor(sn *snode.Snode) chainhash.Hash {
	b := snode.Broadcast{
		Outpoint:         sn.Outpoint,
		CollateralPubKey: sn.CollateralPubKey,
		SigTime:          sn.SigTime,
	}
	return b.Hash()
}

// checkEnv builds the environment entry checks run against. Caller holds mu.
func (m *Manager) checkEnv() snode.CheckEnv {
	sentinelActive := m.now().Unix()-m.lastSentinelPingTime <= chaincfg.SnodeSentinelPingMaxSeconds

	return snode.CheckEnv{
		Params:         m.settings.ChainParams,
		Now:            m.now(),
		Height:         m.cachedHeight.Load(),
		RegistrySize:   len(m.snodes),
		SentinelActive: sentinelActive,
		RegistrySynced: m.synced.Load(),
		UTXOExists: func(o snode.Outpoint) bool {
			u, ok := m.chain.GetUTXO(o.TxID, o.Vout)
			if !ok {
				return false
			}
			return u.Value == m.settings.ChainParams.SnodeCollateral
		},
	}
}

// Check re-evaluates every entry.
func (m *Manager) Check() {
	m.mu.Lock()
	defer m.mu.Unlock()

	env := m.checkEnv()
	for _, sn := range m.snodes {
		sn.Check(env, false)
	}
}
