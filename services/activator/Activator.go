package activator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kpango/fastime"
	"github.com/looplab/fsm"
	"github.com/mazanetwork/maza/chaincfg"
	"github.com/mazanetwork/maza/errors"
	"github.com/mazanetwork/maza/services/chain"
	"github.com/mazanetwork/maza/services/p2p"
	"github.com/mazanetwork/maza/services/payments"
	"github.com/mazanetwork/maza/services/snode"
	"github.com/mazanetwork/maza/services/snodemgr"
	"github.com/mazanetwork/maza/services/snodesync"
	"github.com/mazanetwork/maza/settings"
	"github.com/mazanetwork/maza/ulogger"
	"github.com/mazanetwork/maza/util"
)

// Activator states.
const (
	StateInitial       = "initial"
	StateSyncInProcess = "sync_in_process"
	StateInputTooNew   = "input_too_new"
	StateNotCapable    = "not_capable"
	StateStarted       = "started"
)

const (
	eventSync       = "sync"
	eventTooNew     = "too_new"
	eventNotCapable = "not_capable"
	eventStart      = "start"
	eventReset      = "reset"
)

var allStates = []string{StateInitial, StateSyncInProcess, StateInputTooNew, StateNotCapable, StateStarted}

// Activator tracks whether this process is a live service node and emits
// its pings.
type Activator struct {
	logger   ulogger.Logger
	settings *settings.Settings
	chain    chain.View
	connman  p2p.ConnManager
	registry *snodemgr.Manager
	payments *payments.Payments
	sync     *snodesync.Controller
	flags    snode.FeatureFlags

	now func() time.Time

	// sentinel state as last reported via the watchdog channel
	sentinelMu      sync.Mutex
	sentinelCurrent bool
	sentinelVersion uint32

	mu            sync.Mutex
	fsm           *fsm.FSM
	statusMessage string
	addr          string
	outpoint      snode.Outpoint
	startedAt     int64
	lastPingAt    int64
}

func New(logger ulogger.Logger, tSettings *settings.Settings, chainView chain.View,
	connman p2p.ConnManager, registry *snodemgr.Manager, voter *payments.Payments,
	syncController *snodesync.Controller, flags snode.FeatureFlags) *Activator {

	a := &Activator{
		logger:   logger,
		settings: tSettings,
		chain:    chainView,
		connman:  connman,
		registry: registry,
		payments: voter,
		sync:     syncController,
		flags:    flags,

		now: func() time.Time { return fastime.Now() },
	}

	a.fsm = fsm.NewFSM(
		StateInitial,
		fsm.Events{
			{Name: eventSync, Src: allStates, Dst: StateSyncInProcess},
			{Name: eventTooNew, Src: allStates, Dst: StateInputTooNew},
			{Name: eventNotCapable, Src: allStates, Dst: StateNotCapable},
			{Name: eventStart, Src: allStates, Dst: StateStarted},
			{Name: eventReset, Src: allStates, Dst: StateInitial},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if e.Src != e.Dst {
					logger.Infof("[Activator] %s -> %s", e.Src, e.Dst)
				}
			},
		},
	)

	return a
}

// SetClock replaces the time source (tests only).
func (a *Activator) SetClock(now func() time.Time) {
	a.now = now
}

// SetSentinelState records the external watchdog's report, stamped into
// every subsequent ping.
func (a *Activator) SetSentinelState(current bool, version uint32) {
	a.sentinelMu.Lock()
	defer a.sentinelMu.Unlock()
	a.sentinelCurrent = current
	a.sentinelVersion = version
}

// State returns the current activator state name.
func (a *Activator) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fsm.Current()
}

// Status is the user-visible status line surfaced to the admin API.
func (a *Activator) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.fsm.Current() {
	case StateInitial:
		return "Node just started, not yet activated"
	case StateSyncInProcess:
		return "Waiting for sync to finish"
	case StateInputTooNew:
		return a.statusMessage
	case StateNotCapable:
		return fmt.Sprintf("Not capable service node: %s", a.statusMessage)
	case StateStarted:
		return "Service node successfully started"
	default:
		return "Unknown"
	}
}

// Outpoint returns the local snode's collateral outpoint once STARTED.
func (a *Activator) Outpoint() (snode.Outpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outpoint, a.fsm.Current() == StateStarted
}

// event drives the fsm, ignoring no-transition errors when the state does
// not change.
func (a *Activator) event(name string) {
	if err := a.fsm.Event(context.Background(), name); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			a.logger.Debugf("[Activator] fsm event %s: %v", name, err)
		}
	}
}

// ManageState is engaged on every sync-controller tick when the process was
// started in snode mode.
func (a *Activator) ManageState(ctx context.Context) {
	if !a.settings.Snode.Enabled || a.settings.LiteMode {
		return
	}

	if !a.sync.IsSynced() {
		a.mu.Lock()
		a.event(eventSync)
		a.mu.Unlock()
		return
	}

	addr, err := a.checkCapabilities(ctx)
	if err != nil {
		a.mu.Lock()
		a.statusMessage = err.Error()
		a.event(eventNotCapable)
		a.registry.SetLocalIdentity(nil)
		a.payments.SetVotingIdentity(nil, snode.Outpoint{}, false)
		a.mu.Unlock()
		a.logger.Warnf("[Activator] not capable: %v", err)
		return
	}

	operatorPubKey := a.settings.Snode.PrivateKey.PubKey().SerialiseCompressed()

	info, found := a.registry.GetInfoByOperatorKey(operatorPubKey)
	if !found {
		a.mu.Lock()
		a.statusMessage = "no registry entry matches our operator key, waiting for a broadcast"
		a.event(eventNotCapable)
		a.mu.Unlock()
		return
	}

	if info.Addr != addr {
		a.mu.Lock()
		a.statusMessage = fmt.Sprintf("registry entry addr %s does not match ours (%s)", info.Addr, addr)
		a.event(eventNotCapable)
		a.mu.Unlock()
		return
	}

	if info.ProtocolVersion != chaincfg.ProtocolVersion {
		a.mu.Lock()
		a.statusMessage = fmt.Sprintf("registry entry proto %d does not match ours (%d)", info.ProtocolVersion, chaincfg.ProtocolVersion)
		a.event(eventNotCapable)
		a.mu.Unlock()
		return
	}

	switch info.State {
	case snode.StateEnabled, snode.StatePreEnabled:
	default:
		a.mu.Lock()
		a.statusMessage = fmt.Sprintf("registry entry in state %s", info.State)
		a.event(eventNotCapable)
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	wasStarted := a.fsm.Current() == StateStarted
	a.addr = addr
	a.outpoint = info.Outpoint
	a.event(eventStart)
	if !wasStarted {
		a.startedAt = a.now().Unix()
	}
	a.mu.Unlock()

	a.registry.SetLocalIdentity(&snodemgr.LocalIdentity{
		OperatorKey: a.settings.Snode.PrivateKey,
		Addr:        addr,
		Outpoint:    info.Outpoint,
		Started:     true,
	})
	a.payments.SetVotingIdentity(a.settings.Snode.PrivateKey, info.Outpoint, true)

	a.SendPing()
}

// checkCapabilities validates that this process can act as a service node
// at all: a listening socket, a usable external endpoint with the right
// port, and a successful self-connect probe. The probe runs without any
// component lock held.
func (a *Activator) checkCapabilities(ctx context.Context) (string, error) {
	if !a.connman.IsListening() {
		return "", errors.NewServiceError("node is not listening for inbound connections")
	}

	addr := a.settings.Snode.ExternalIP
	if addr == "" {
		addr = a.connman.ExternalAddrCandidate()
	}
	if addr == "" {
		return "", errors.NewServiceError("can't detect valid external address, will retry; consider setting externalip")
	}

	_, port, err := util.SplitHostPort(addr)
	if err != nil {
		return "", errors.NewConfigurationError("invalid external address %q", addr, err)
	}

	mainnetPort := chaincfg.MainNetParams.DefaultPort
	if a.settings.ChainParams.IsMainNet() {
		if port != mainnetPort {
			return "", errors.NewConfigurationError("invalid port %d, only %d is supported on mainnet", port, mainnetPort)
		}
	} else if port == mainnetPort {
		return "", errors.NewConfigurationError("invalid port %d, %d is only supported on mainnet", port, mainnetPort)
	}

	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if _, err := a.connman.ConnectTo(probeCtx, addr); err != nil {
		return "", errors.NewServiceError("could not connect to our own address %s", addr, err)
	}

	return addr, nil
}

// SendPing mints, signs and relays a fresh ping for the local snode, at
// most once per ping interval.
func (a *Activator) SendPing() {
	a.mu.Lock()
	if a.fsm.Current() != StateStarted {
		a.mu.Unlock()
		return
	}

	now := a.now()
	if now.Unix()-a.lastPingAt < chaincfg.SnodeMinPingSeconds {
		a.mu.Unlock()
		return
	}
	outpoint := a.outpoint
	a.mu.Unlock()

	tip := a.chain.BestHeight()
	if tip < snode.PingBlockDepth {
		return
	}

	blockHash, err := a.chain.BlockHash(tip - snode.PingBlockDepth)
	if err != nil {
		a.logger.Errorf("[Activator] can't fetch ping block hash: %v", err)
		return
	}

	a.sentinelMu.Lock()
	sentinelCurrent := a.sentinelCurrent
	sentinelVersion := a.sentinelVersion
	a.sentinelMu.Unlock()

	ping := &snode.Ping{
		Outpoint:          outpoint,
		BlockHash:         blockHash,
		SentinelIsCurrent: sentinelCurrent,
		SentinelVersion:   sentinelVersion,
		DaemonVersion:     chaincfg.ProtocolVersion,
	}

	if err := ping.Sign(a.settings.Snode.PrivateKey, a.flags, now); err != nil {
		a.logger.Errorf("[Activator] failed to sign ping: %v", err)
		return
	}

	a.registry.SetSnodeLastPing(outpoint, ping)
	a.connman.RelayInv(p2p.Inv{Type: p2p.InvTypeSnodePing, Hash: ping.Hash()})

	a.mu.Lock()
	a.lastPingAt = now.Unix()
	a.mu.Unlock()

	a.logger.Debugf("[Activator] ping relayed for %s", outpoint.ShortString())
}
