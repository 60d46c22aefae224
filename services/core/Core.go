package core

import (
	"context"
	"time"

	"github.com/mazanetwork/maza/chaincfg"
	"github.com/mazanetwork/maza/errors"
	"github.com/mazanetwork/maza/services/activator"
	"github.com/mazanetwork/maza/services/chain"
	"github.com/mazanetwork/maza/services/p2p"
	"github.com/mazanetwork/maza/services/payments"
	"github.com/mazanetwork/maza/services/snode"
	"github.com/mazanetwork/maza/services/snodemgr"
	"github.com/mazanetwork/maza/services/snodesync"
	"github.com/mazanetwork/maza/settings"
	"github.com/mazanetwork/maza/stores/snodestore"
	"github.com/mazanetwork/maza/ulogger"
)

// Governance is the opaque governance subsystem: a sync target, a
// superblock validator and a message sink. All methods are optional via a
// nil Governance.
type Governance interface {
	snodesync.GovernanceSync
	payments.GovernanceView

	// HandleMessage absorbs MNGOVERNANCESYNC traffic.
	HandleMessage(from p2p.Peer, payload []byte) (int, error)
}

// SporkChannel answers GETSPORKS requests; the spork subsystem lives
// outside this module.
type SporkChannel interface {
	HandleGetSporks(from p2p.Peer)
}

// Core owns the five components of the coordination layer and is passed
// explicitly to transport and RPC callbacks. Tests instantiate multiple
// Cores in one process.
type Core struct {
	logger   ulogger.Logger
	settings *settings.Settings
	chain    chain.View
	connman  p2p.ConnManager
	flags    snode.FeatureFlags

	Registry  *snodemgr.Manager
	Payments  *payments.Payments
	Sync      *snodesync.Controller
	Activator *activator.Activator

	governance Governance
	sporks     SporkChannel

	shutdownRequested chan struct{}
}

// NewCore wires the components together. The registry/voter cycle is
// resolved through the view interfaces each implements for the other.
func NewCore(logger ulogger.Logger, tSettings *settings.Settings, chainView chain.View,
	connman p2p.ConnManager, flags snode.FeatureFlags, store snodestore.Store) *Core {

	registry := snodemgr.New(logger, tSettings, chainView, connman, flags, store)
	voter := payments.New(logger, tSettings, chainView, connman, flags, registry, store)
	registry.SetPayments(voter)

	syncController := snodesync.New(logger, tSettings, chainView, connman, registry, voter)
	act := activator.New(logger, tSettings, chainView, connman, registry, voter, syncController, flags)

	c := &Core{
		logger:   logger,
		settings: tSettings,
		chain:    chainView,
		connman:  connman,
		flags:    flags,

		Registry:  registry,
		Payments:  voter,
		Sync:      syncController,
		Activator: act,

		shutdownRequested: make(chan struct{}),
	}

	syncController.SetOnFinished(func() {
		// re-activate the local snode as soon as the network agrees on state
		act.ManageState(context.Background())
	})

	return c
}

// SetGovernance wires the governance subsystem after construction.
func (c *Core) SetGovernance(g Governance) {
	c.governance = g
	c.Sync.SetGovernance(g)
	c.Payments.SetGovernance(g)
}

// SetSporkChannel wires the spork responder after construction.
func (c *Core) SetSporkChannel(s SporkChannel) {
	c.sporks = s
}

// Init loads persisted caches.
func (c *Core) Init(ctx context.Context) error {
	if c.settings.LiteMode {
		c.logger.Infof("[Core] lite mode, snode coordination layer disabled")
		return nil
	}

	if err := c.Registry.Init(ctx); err != nil {
		return err
	}
	return c.Payments.Init(ctx)
}

// Start launches the tip subscriptions and the scheduler.
func (c *Core) Start(ctx context.Context) error {
	if c.settings.LiteMode {
		return nil
	}

	if err := c.Registry.Start(ctx); err != nil {
		return err
	}
	if err := c.Payments.Start(ctx); err != nil {
		return err
	}

	go c.scheduler(ctx)

	return nil
}

// Stop persists state and signals periodic work to cease.
func (c *Core) Stop(ctx context.Context) error {
	if c.settings.LiteMode {
		return nil
	}

	close(c.shutdownRequested)

	if err := c.Registry.Stop(ctx); err != nil {
		c.logger.Errorf("[Core] failed to persist registry: %v", err)
	}
	return c.Payments.Stop(ctx)
}

func (c *Core) shuttingDown() bool {
	select {
	case <-c.shutdownRequested:
		return true
	default:
		return false
	}
}

// scheduler runs all periodic work on one goroutine: sync ticks, registry
// checks and sweeps, voter pruning, proof-of-service probes and low-data
// vote recovery.
func (c *Core) scheduler(ctx context.Context) {
	syncTicker := time.NewTicker(chaincfg.SyncTickSeconds * time.Second)
	checkTicker := time.NewTicker(chaincfg.SnodeCheckSeconds * time.Second)
	sweepTicker := time.NewTicker(time.Minute)
	verifyTicker := time.NewTicker(time.Minute)
	lowDataTicker := time.NewTicker(2 * time.Minute)

	defer func() {
		syncTicker.Stop()
		checkTicker.Stop()
		sweepTicker.Stop()
		verifyTicker.Stop()
		lowDataTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdownRequested:
			return

		case <-syncTicker.C:
			if c.shuttingDown() {
				return
			}
			c.Sync.Tick(ctx)
			c.Activator.ManageState(ctx)

		case <-checkTicker.C:
			c.Registry.Check()

		case <-sweepTicker.C:
			if c.shuttingDown() {
				return
			}
			c.Registry.CheckAndRemove(ctx)
			c.Payments.CheckAndRemove(ctx)

		case <-verifyTicker.C:
			c.Registry.DoVerificationStep(ctx)

		case <-lowDataTicker.C:
			if !c.Sync.IsSynced() {
				continue
			}
			peers := c.connman.ConnectedPeers()
			if len(peers) > 0 {
				c.Payments.RequestLowDataPaymentBlocks(peers[0])
			}
		}
	}
}

// ProcessMessage is the transport's entry point into the coordination
// layer. Misbehavior scores are applied to the peer here; errors are logged
// and never propagate to the transport.
func (c *Core) ProcessMessage(from p2p.Peer, command string, payload []byte) {
	if c.settings.LiteMode {
		return
	}

	var banScore int
	var err error

	switch command {
	case p2p.CmdSnodeAnnounce, p2p.CmdSnodePing, p2p.CmdDseg, p2p.CmdSnodeVerify:
		banScore, err = c.Registry.ProcessMessage(from, command, payload)

	case p2p.CmdPaymentVote, p2p.CmdPaymentSync:
		banScore, err = c.Payments.ProcessMessage(from, command, payload)

	case p2p.CmdSyncStatusCount:
		banScore, err = c.Sync.ProcessMessage(from, command, payload)

	case p2p.CmdGovernanceSync:
		if c.governance != nil {
			banScore, err = c.governance.HandleMessage(from, payload)
		}

	case p2p.CmdGetSporks:
		if c.sporks != nil {
			c.sporks.HandleGetSporks(from)
		}

	default:
		err = errors.NewUnknownError("unhandled command %q", command)
	}

	if err != nil {
		c.logger.Debugf("[Core] %s from %v: %v", command, peerAddr(from), err)
	}
	if banScore > 0 && from != nil {
		c.connman.IncreaseBanScore(from.ID(), banScore, command)
	}
}

// ProcessGetData serves objects announced by our inventory messages.
func (c *Core) ProcessGetData(from p2p.Peer, inv p2p.Inv) {
	if c.settings.LiteMode || from == nil {
		return
	}

	switch inv.Type {
	case p2p.InvTypeSnodeBroadcast:
		if b, ok := c.Registry.GetBroadcastByHash(inv.Hash); ok {
			from.PushMessage(p2p.CmdSnodeAnnounce, b.Bytes())
		}

	case p2p.InvTypeSnodePing:
		if ping, ok := c.Registry.GetPingByHash(inv.Hash); ok {
			from.PushMessage(p2p.CmdSnodePing, ping.Bytes())
		}

	case p2p.InvTypePaymentVote:
		if v, ok := c.Payments.GetVoteByHash(inv.Hash); ok {
			from.PushMessage(p2p.CmdPaymentVote, v.Bytes())
		}

	case p2p.InvTypeSnodeVerify:
		if v, ok := c.Registry.GetVerificationByHash(inv.Hash); ok {
			from.PushMessage(p2p.CmdSnodeVerify, v.Bytes())
		}
	}
}

func peerAddr(p p2p.Peer) string {
	if p == nil {
		return "<local>"
	}
	return p.Addr()
}
