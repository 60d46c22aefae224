package snodesync

import (
	"context"
	"sync"
	"time"

	"github.com/kpango/fastime"
	"github.com/looplab/fsm"
	"github.com/mazanetwork/maza/chaincfg"
	"github.com/mazanetwork/maza/services/chain"
	"github.com/mazanetwork/maza/services/p2p"
	"github.com/mazanetwork/maza/settings"
	"github.com/mazanetwork/maza/ulogger"
)

// Sync states. The controller walks INITIAL → WAITING → LIST → VOTES →
// GOVERNANCE → FINISHED, with FAILED as a sink until the next reset.
const (
	StateInitial    = "initial"
	StateWaiting    = "waiting"
	StateList       = "list"
	StateVotes      = "votes"
	StateGovernance = "governance"
	StateFinished   = "finished"
	StateFailed     = "failed"
)

const (
	eventAdvance = "advance"
	eventFail    = "fail"
	eventReset   = "reset"
)

// maxSyncPeersPerState caps how many peers are asked per sync stage.
const maxSyncPeersPerState = 3

// RegistrySync is the registry surface the controller drives.
type RegistrySync interface {
	DsegUpdate(peer p2p.Peer)
	UpdateCounter() int64
	SetSynced(synced bool)
	Size() int
}

// PaymentsSync is the voter surface the controller drives.
type PaymentsSync interface {
	UpdateCounter() int64
	VoteCount() int
	TallyCount() int
	StorageLimit() uint32
	SetSynced(synced bool)
}

// GovernanceSync is the opaque governance surface. A nil implementation
// skips the stage.
type GovernanceSync interface {
	RequestSync(peer p2p.Peer)
	ObjectCount() int
	VoteCount() int
	ObjectsLeftToAsk() bool
}

// Controller drives the staged bootstrap from "no data" to "fully synced".
type Controller struct {
	logger     ulogger.Logger
	settings   *settings.Settings
	chain      chain.View
	connman    p2p.ConnManager
	registry   RegistrySync
	payments   PaymentsSync
	governance GovernanceSync

	now func() time.Time

	// onFinished runs once per successful sync (re-activates the local
	// snode, frees sync peers).
	onFinished func()

	mu  sync.Mutex
	fsm *fsm.FSM

	lastBumpAt time.Time
	lastTickAt time.Time

	// progress counters sampled at the previous tick
	lastRegistryCounter int64
	lastVotesCounter    int64
	lastGovVotes        int
	lastHeadersHeight   uint32

	// peers asked in the current state, and the peers used for any full
	// sync traffic (disconnected when finished)
	askedPeers map[uint64]bool
	syncPeers  map[uint64]bool

	attempts int
}

func New(logger ulogger.Logger, tSettings *settings.Settings, chainView chain.View,
	connman p2p.ConnManager, registry RegistrySync, payments PaymentsSync) *Controller {

	initPrometheusMetrics()

	c := &Controller{
		logger:   logger,
		settings: tSettings,
		chain:    chainView,
		connman:  connman,
		registry: registry,
		payments: payments,

		now: func() time.Time { return fastime.Now() },

		askedPeers: make(map[uint64]bool),
		syncPeers:  make(map[uint64]bool),
	}

	c.fsm = fsm.NewFSM(
		StateInitial,
		fsm.Events{
			{Name: eventAdvance, Src: []string{StateInitial}, Dst: StateWaiting},
			{Name: eventAdvance, Src: []string{StateWaiting}, Dst: StateList},
			{Name: eventAdvance, Src: []string{StateList}, Dst: StateVotes},
			{Name: eventAdvance, Src: []string{StateVotes}, Dst: StateGovernance},
			{Name: eventAdvance, Src: []string{StateGovernance}, Dst: StateFinished},
			{Name: eventFail, Src: []string{StateInitial, StateWaiting, StateList, StateVotes, StateGovernance}, Dst: StateFailed},
			{Name: eventReset, Src: []string{StateInitial, StateWaiting, StateList, StateVotes, StateGovernance, StateFinished, StateFailed}, Dst: StateInitial},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.logger.Infof("[SnodeSync] %s -> %s", e.Src, e.Dst)
				prometheusSyncState.Set(float64(stateOrdinal(e.Dst)))
			},
			"enter_" + StateFinished: func(_ context.Context, _ *fsm.Event) {
				c.finish()
			},
		},
	)

	return c
}

// SetGovernance wires the governance surface after construction.
func (c *Controller) SetGovernance(g GovernanceSync) {
	c.governance = g
}

// SetOnFinished registers the callback run once a sync completes.
func (c *Controller) SetOnFinished(f func()) {
	c.onFinished = f
}

// SetClock replaces the time source (tests only).
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

func stateOrdinal(state string) int {
	switch state {
	case StateInitial:
		return 0
	case StateWaiting:
		return 1
	case StateList:
		return 2
	case StateVotes:
		return 3
	case StateGovernance:
		return 4
	case StateFinished:
		return 5
	default:
		return -1
	}
}

// State returns the current sync state name.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.Current()
}

// AssetName is the user-visible name of what is being synced, surfaced to
// the admin API.
func (c *Controller) AssetName() string {
	switch c.State() {
	case StateInitial, StateWaiting:
		return "SNODE_SYNC_INITIAL"
	case StateList:
		return "SNODE_SYNC_LIST"
	case StateVotes:
		return "SNODE_SYNC_VOTES"
	case StateGovernance:
		return "SNODE_SYNC_GOVERNANCE"
	case StateFinished:
		return "SNODE_SYNC_FINISHED"
	default:
		return "SNODE_SYNC_FAILED"
	}
}

// IsSynced reports whether the full staged sync has completed.
func (c *Controller) IsSynced() bool {
	return c.State() == StateFinished
}

// IsFailed reports the failure sink.
func (c *Controller) IsFailed() bool {
	return c.State() == StateFailed
}

// Reset drops all progress and starts over.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// reset assumes mu is held.
func (c *Controller) reset() {
	_ = c.fsm.Event(context.Background(), eventReset)
	c.lastBumpAt = c.now()
	c.askedPeers = make(map[uint64]bool)
	c.syncPeers = make(map[uint64]bool)
	c.attempts = 0
	c.registry.SetSynced(false)
	c.payments.SetSynced(false)
}

// BumpLastProgress records that sync-relevant data moved; a noisy network
// defers the per-state timeout, a silent one forces it.
func (c *Controller) BumpLastProgress(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debugf("[SnodeSync] progress: %s", reason)
	c.lastBumpAt = c.now()
}

// ProcessMessage absorbs SYNCSTATUSCOUNT progress announcements.
func (c *Controller) ProcessMessage(from p2p.Peer, command string, payload []byte) (int, error) {
	if command != p2p.CmdSyncStatusCount {
		return 0, nil
	}

	assetID, count, err := p2p.ParseSyncStatusCount(payload)
	if err != nil {
		return 20, err
	}

	if from != nil {
		c.logger.Debugf("[SnodeSync] peer %s reports asset %d count %d", from.Addr(), assetID, count)
	}
	c.BumpLastProgress("syncstatuscount")
	return 0, nil
}

// advance moves to the next state and resets per-state bookkeeping. Caller
// holds mu.
func (c *Controller) advance() {
	_ = c.fsm.Event(context.Background(), eventAdvance)
	c.lastBumpAt = c.now()
	c.askedPeers = make(map[uint64]bool)
	c.attempts = 0
}

// fail drops into the failure sink. Caller holds mu.
func (c *Controller) fail(reason string) {
	c.logger.Errorf("[SnodeSync] sync failed: %s", reason)
	_ = c.fsm.Event(context.Background(), eventFail)
	c.registry.SetSynced(false)
	c.payments.SetSynced(false)
}

// finish runs the FINISHED entry actions.
func (c *Controller) finish() {
	c.registry.SetSynced(true)
	c.payments.SetSynced(true)

	// free the slots used by full-sync traffic
	for _, peer := range c.connman.ConnectedPeers() {
		if c.syncPeers[peer.ID()] {
			peer.Disconnect()
		}
	}
	c.syncPeers = make(map[uint64]bool)

	if c.onFinished != nil {
		go c.onFinished()
	}

	c.logger.Infof("[SnodeSync] sync finished, registry=%d votes=%d", c.registry.Size(), c.payments.VoteCount())
}

// timedOut reports whether the per-state timeout has expired since the last
// progress bump. Caller holds mu.
func (c *Controller) timedOut() bool {
	return c.now().Sub(c.lastBumpAt) > chaincfg.SyncTimeoutSeconds*time.Second
}

// sampleProgress bumps on counter movement. Caller holds mu.
func (c *Controller) sampleProgress() {
	if h := c.chain.BestHeight(); h != c.lastHeadersHeight {
		c.lastHeadersHeight = h
		c.lastBumpAt = c.now()
	}
	if r := c.registry.UpdateCounter(); r != c.lastRegistryCounter {
		c.lastRegistryCounter = r
		c.lastBumpAt = c.now()
	}
	if v := c.payments.UpdateCounter(); v != c.lastVotesCounter {
		c.lastVotesCounter = v
		c.lastBumpAt = c.now()
	}
}

// Tick fires every 6 seconds from the scheduler and drives at most one
// productive request per peer before returning.
func (c *Controller) Tick(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	// host slept; everything we believed about our peers is stale
	if !c.lastTickAt.IsZero() && now.Sub(c.lastTickAt) > chaincfg.SyncIdleResetAfter {
		c.logger.Warnf("[SnodeSync] no tick for %s, resetting sync", now.Sub(c.lastTickAt))
		c.reset()
		c.lastTickAt = now
		return
	}
	c.lastTickAt = now

	c.sampleProgress()

	switch c.fsm.Current() {
	case StateInitial:
		if c.chain.IsSynced() && !c.chain.IsInitialBlockDownload() {
			c.advance()
		}

	case StateWaiting:
		// grace period to avoid spurious next-state requests right after
		// headers reach the tip
		if c.timedOut() {
			c.advance()
		}

	case StateList:
		c.requestFromPeers(func(peer p2p.Peer) {
			c.registry.DsegUpdate(peer)
		})
		if c.timedOut() {
			if c.attempts == 0 {
				c.fail("no usable peers answered the snode list request")
				return
			}
			c.registry.SetSynced(true)
			c.advance()
		}

	case StateVotes:
		limit := int(c.payments.StorageLimit())
		enoughVotes := c.payments.VoteCount() > limit*(chaincfg.PaymentsSignaturesRequired+chaincfg.PaymentsSignaturesTotal)/2
		if c.payments.TallyCount() > limit && enoughVotes {
			c.payments.SetSynced(true)
			c.advance()
			return
		}
		c.requestFromPeers(func(peer p2p.Peer) {
			peer.PushMessage(p2p.CmdPaymentSync, nil)
		})
		if c.timedOut() {
			if c.attempts == 0 {
				c.fail("no usable peers answered the payment vote request")
				return
			}
			c.payments.SetSynced(true)
			c.advance()
		}

	case StateGovernance:
		if c.governance == nil {
			c.advance()
			return
		}

		inflow := c.governance.VoteCount() - c.lastGovVotes
		c.lastGovVotes = c.governance.VoteCount()

		maxInflow := c.governance.VoteCount() / 10000
		if maxInflow < 6 {
			maxInflow = 6
		}

		if c.timedOut() && !c.governance.ObjectsLeftToAsk() && inflow < maxInflow {
			c.advance()
			return
		}
		c.requestFromPeers(func(peer p2p.Peer) {
			c.governance.RequestSync(peer)
		})
	}
}

// requestFromPeers issues one request per not-yet-asked peer, up to the
// per-state cap. Caller holds mu.
func (c *Controller) requestFromPeers(request func(peer p2p.Peer)) {
	for _, peer := range c.connman.ConnectedPeers() {
		if len(c.askedPeers) >= maxSyncPeersPerState {
			return
		}
		if c.askedPeers[peer.ID()] {
			continue
		}
		if peer.ProtocolVersion() < int(chaincfg.MinSnodePaymentProtoVersion) {
			continue
		}

		c.askedPeers[peer.ID()] = true
		c.syncPeers[peer.ID()] = true
		c.attempts++

		request(peer)

		// one productive request per tick so other peers progress next tick
		return
	}
}
