package chaincfg

import (
	"time"

	"github.com/mazanetwork/maza/errors"
)

// COIN is the number of base units in one coin.
const COIN = uint64(100000000)

// Service node lifecycle timing. All values are seconds unless a
// time.Duration is used explicitly.
const (
	// SnodeCheckSeconds is how often an individual registry entry is
	// re-evaluated by Check.
	SnodeCheckSeconds = 5

	// SnodeMinBroadcastSeconds is the minimum age of a broadcast before a
	// fresh one for the same outpoint is relayed again.
	SnodeMinBroadcastSeconds = 5 * 60

	// SnodeMinPingSeconds is the minimum interval between pings from the
	// same service node.
	SnodeMinPingSeconds = 10 * 60

	// SnodeExpirationSeconds moves an entry to EXPIRED when no ping has been
	// seen for this long.
	SnodeExpirationSeconds = 65 * 60

	// SnodeSentinelPingMaxSeconds moves an entry to SENTINEL_PING_EXPIRED
	// when the sentinel watchdog is active network-wide and no
	// sentinel-current ping has been seen for this long.
	SnodeSentinelPingMaxSeconds = 120 * 60

	// SnodeNewStartRequiredSeconds moves an entry to NEW_START_REQUIRED when
	// no ping has been seen for this long. Recovery via quorum is the only
	// way back without a fresh start.
	SnodeNewStartRequiredSeconds = 180 * 60

	// SnodePoSeBanMaxScore is the proof-of-service score at which an entry
	// is banned.
	SnodePoSeBanMaxScore = 5
)

// Payment election.
const (
	// PaymentsSignaturesRequired is the number of agreeing votes that define
	// a payee.
	PaymentsSignaturesRequired = 6

	// PaymentsSignaturesTotal is the size of the voting quorum: the top
	// ranked nodes for height-101.
	PaymentsSignaturesTotal = 10

	// PaymentsRankOffset is how many blocks behind the target height the
	// ranking hash is taken.
	PaymentsRankOffset = 101

	// PaymentsFutureVoteBlocks is how far above the tip a vote height may
	// be before it is dropped.
	PaymentsFutureVoteBlocks = 20

	// PaymentsScheduledBlocks is the look-ahead window used to avoid
	// electing a node that is already scheduled for payment.
	PaymentsScheduledBlocks = 8

	// PaymentsVoteTargetOffset is how far above the tip this node votes.
	PaymentsVoteTargetOffset = 10

	// PaymentsStorageMinBlocks is the floor of the vote storage limit. The
	// effective limit is max(count*1.25, PaymentsStorageMinBlocks).
	PaymentsStorageMinBlocks = 6000

	// PaymentGraceSecondsPerNode is the per-node factor of the
	// newly-registered grace period. A node registered less than
	// count*PaymentGraceSecondsPerNode seconds ago is skipped by the
	// first-pass payment filter. Policy constant, not derived.
	PaymentGraceSecondsPerNode = 156
)

// Proof-of-service verification.
const (
	MaxPoSeConnections = 10
	MaxPoSeRank        = 10
	MaxPoSeBlocks      = 10
)

// Broadcast recovery quorum.
const (
	RecoveryQuorumTotal    = 10
	RecoveryQuorumRequired = 6
	RecoveryMaxAskEntries  = 10
	RecoveryWaitSeconds    = 60
	RecoveryRetrySeconds   = 3 * 60 * 60
)

// DsegUpdateSeconds is the minimum interval between full registry dump
// requests to the same peer, and the peer-side rate limit window.
const DsegUpdateSeconds = 3 * 60 * 60

// Sync controller cadence.
const (
	SyncTickSeconds    = 6
	SyncTimeoutSeconds = 30
	SyncIdleResetAfter = time.Hour
)

// Protocol versions.
const (
	// ProtocolVersion is the version this build speaks.
	ProtocolVersion = 70210

	// MinSnodePaymentProtoVersion is the minimum protocol version an entry
	// must advertise to take part in the payment election.
	MinSnodePaymentProtoVersion = 70210

	// MinPoSeProtoVersion is the minimum protocol version taking part in
	// proof-of-service verification.
	MinPoSeProtoVersion = 70203
)

// Params defines a network by its chain parameters.  These parameters may be
// used by maza applications to differentiate networks as well as addresses
// and keys for one network from those intended for use on another network.
type Params struct {
	// Name defines a human-readable identifier for the network.
	Name string

	// DefaultPort defines the default peer-to-peer port for the network.
	DefaultPort uint16

	// SnodeCollateral is the exact output value a collateral UTXO must
	// carry, in base units.
	SnodeCollateral uint64

	// SnodeMinimumConfirmations is the depth a collateral UTXO must reach
	// before a broadcast referencing it is accepted.
	SnodeMinimumConfirmations int

	// AllowUnroutableAddrs disables the routable-IPv4 requirement on
	// broadcasts (regression test networks only).
	AllowUnroutableAddrs bool

	// RequireDefaultPort records whether announced endpoints must use
	// DefaultPort (true on mainnet only). The port rules themselves are
	// applied through IsMainNet, which also rejects the mainnet port
	// off-mainnet; no code reads this field.
	RequireDefaultPort bool

	// SkipPreEnabledWait skips the PRE_ENABLED waiting state (regression
	// and development networks).
	SkipPreEnabledWait bool

	// TargetSpacing is the expected time between blocks.
	TargetSpacing time.Duration
}

// MainNetParams defines the network parameters for the main network.
var MainNetParams = Params{
	Name:                      "mainnet",
	DefaultPort:               13335,
	SnodeCollateral:           1000 * COIN,
	SnodeMinimumConfirmations: 15,
	AllowUnroutableAddrs:      false,
	RequireDefaultPort:        true,
	SkipPreEnabledWait:        false,
	TargetSpacing:             150 * time.Second,
}

// TestNetParams defines the network parameters for the test network.
var TestNetParams = Params{
	Name:                      "testnet",
	DefaultPort:               13345,
	SnodeCollateral:           1000 * COIN,
	SnodeMinimumConfirmations: 1,
	AllowUnroutableAddrs:      false,
	RequireDefaultPort:        false,
	SkipPreEnabledWait:        false,
	TargetSpacing:             150 * time.Second,
}

// RegressionNetParams defines the network parameters for the regression test
// network.
var RegressionNetParams = Params{
	Name:                      "regtest",
	DefaultPort:               13355,
	SnodeCollateral:           1000 * COIN,
	SnodeMinimumConfirmations: 1,
	AllowUnroutableAddrs:      true,
	RequireDefaultPort:        false,
	SkipPreEnabledWait:        true,
	TargetSpacing:             150 * time.Second,
}

// GetChainParams returns the Params for the named network.
func GetChainParams(network string) (*Params, error) {
	switch network {
	case "mainnet", "":
		return &MainNetParams, nil
	case "testnet":
		return &TestNetParams, nil
	case "regtest", "regression":
		return &RegressionNetParams, nil
	default:
		return nil, errors.NewConfigurationError("unknown network: %s", network)
	}
}

// IsMainNet reports whether p is the main network.
func (p *Params) IsMainNet() bool {
	return p.Name == MainNetParams.Name
}
