package snode

import (
	"bytes"
	"time"

	"github.com/libsv/go-bt/v2/bscript"
	"github.com/libsv/go-bt/v2/chainhash"
	"github.com/mazanetwork/maza/chaincfg"
)

// Snode is a registry entry: one collateral-bound identity and everything
// the network currently knows about it. All mutation happens under the
// registry lock; cross-component reads receive Info copies.
type Snode struct {
	Outpoint         Outpoint
	Addr             string
	CollateralPubKey []byte
	OperatorPubKey   []byte
	SigTime          int64
	ProtocolVersion  uint32
	LastPing         Ping

	// CollateralMinConfBlockHash is the hash of the block at which the
	// collateral reached the minimum confirmation depth, pinned at
	// registration. It feeds the deterministic score.
	CollateralMinConfBlockHash chainhash.Hash

	// CollateralMinConfBlockTime is the timestamp of that block.
	CollateralMinConfBlockTime int64

	State State

	PoSeBanScore  int32
	PoSeBanHeight uint32

	LastPaidBlock uint32
	LastPaidTime  int64

	AllowMixing  bool
	LastQueueSeq int64

	// GovernanceVotes counts cast votes per governance object.
	GovernanceVotes map[chainhash.Hash]int

	timeLastChecked time.Time
}

// NewSnodeFromBroadcast creates a fresh entry from a validated broadcast.
func NewSnodeFromBroadcast(b *Broadcast) *Snode {
	return &Snode{
		Outpoint:         b.Outpoint,
		Addr:             b.Addr,
		CollateralPubKey: append([]byte(nil), b.CollateralPubKey...),
		OperatorPubKey:   append([]byte(nil), b.OperatorPubKey...),
		SigTime:          b.SigTime,
		ProtocolVersion:  b.ProtocolVersion,
		LastPing:         b.LastPing,
		State:            StateEnabled,
		GovernanceVotes:  make(map[chainhash.Hash]int),
	}
}

// IsPingedWithin reports whether the entry's last ping is less than seconds
// old relative to at.
func (s *Snode) IsPingedWithin(seconds int64, at int64) bool {
	if s.LastPing.SigTime == 0 {
		return false
	}
	return at-s.LastPing.SigTime < seconds
}

// IsBroadcastedWithin reports whether the registration itself is less than
// seconds old relative to at.
func (s *Snode) IsBroadcastedWithin(seconds int64, at int64) bool {
	return at-s.SigTime < seconds
}

func (s *Snode) IsEnabled() bool           { return s.State == StateEnabled }
func (s *Snode) IsPreEnabled() bool        { return s.State == StatePreEnabled }
func (s *Snode) IsPoSeBanned() bool        { return s.State == StatePoSeBan }
func (s *Snode) IsNewStartRequired() bool  { return s.State == StateNewStartRequired }
func (s *Snode) IsOutpointSpent() bool     { return s.State == StateOutpointSpent }
func (s *Snode) IsUpdateRequired() bool    { return s.State == StateUpdateRequired }
func (s *Snode) IsExpired() bool           { return s.State == StateExpired }
func (s *Snode) IsSentinelExpired() bool   { return s.State == StateSentinelPingExpired }

// IsValidForPayment reports whether the entry may take part in the payment
// election at all.
func (s *Snode) IsValidForPayment() bool {
	if !s.IsEnabled() {
		return false
	}
	return s.PoSeBanScore <= chaincfg.SnodePoSeBanMaxScore
}

// CheckEnv carries the external state Check needs.
type CheckEnv struct {
	Params         *chaincfg.Params
	Now            time.Time
	Height         uint32
	RegistrySize   int
	SentinelActive bool

	// RegistrySynced is false while the registry sync stage is still
	// running; ping-age states are not applied then since the entry's pings
	// may simply not have arrived yet.
	RegistrySynced bool

	// UTXOExists reports whether the collateral outpoint is still unspent.
	UTXOExists func(Outpoint) bool
}

// Check re-evaluates the entry's state. Order matters; see the lifecycle
// rules. Returns true when the state changed.
func (s *Snode) Check(env CheckEnv, force bool) bool {
	if !force && env.Now.Sub(s.timeLastChecked) < chaincfg.SnodeCheckSeconds*time.Second {
		return false
	}
	s.timeLastChecked = env.Now

	// OUTPOINT_SPENT is terminal; the reaper removes the entry.
	if s.IsOutpointSpent() {
		return false
	}

	prevState := s.State
	now := env.Now.Unix()

	if env.UTXOExists != nil && !env.UTXOExists(s.Outpoint) {
		s.State = StateOutpointSpent
		return s.State != prevState
	}

	if s.IsPoSeBanned() {
		if env.Height < s.PoSeBanHeight {
			// still banned
			return false
		}
		// ban window expired, the score decays one step per re-check
		s.DecreasePoSeBanScore()
	}

	if s.PoSeBanScore >= chaincfg.SnodePoSeBanMaxScore {
		s.State = StatePoSeBan
		// ban for the whole payment cycle
		s.PoSeBanHeight = env.Height + uint32(env.RegistrySize)
		return s.State != prevState
	}

	if s.ProtocolVersion < chaincfg.MinSnodePaymentProtoVersion {
		s.State = StateUpdateRequired
		return s.State != prevState
	}

	waitForPing := !env.RegistrySynced
	if !waitForPing {
		if !s.IsPingedWithin(chaincfg.SnodeNewStartRequiredSeconds, now) {
			s.State = StateNewStartRequired
			return s.State != prevState
		}

		if !s.IsPingedWithin(chaincfg.SnodeExpirationSeconds, now) {
			s.State = StateExpired
			return s.State != prevState
		}

		if env.SentinelActive {
			sentinelCurrent := s.LastPing.SentinelIsCurrent &&
				s.IsPingedWithin(chaincfg.SnodeSentinelPingMaxSeconds, now)
			if !sentinelCurrent {
				s.State = StateSentinelPingExpired
				return s.State != prevState
			}
		}
	}

	if !env.Params.SkipPreEnabledWait && s.LastPing.SigTime-s.SigTime < chaincfg.SnodeMinPingSeconds {
		s.State = StatePreEnabled
		return s.State != prevState
	}

	s.State = StateEnabled
	return s.State != prevState
}

// CalculateScore computes the deterministic 256-bit score of this entry for
// the given block hash. Higher scores rank first; comparison is big-endian
// over the raw digest.
func (s *Snode) CalculateScore(blockHash chainhash.Hash) [32]byte {
	var buf bytes.Buffer
	_ = s.Outpoint.serialize(&buf)
	_ = writeHash(&buf, &s.CollateralMinConfBlockHash)
	_ = writeHash(&buf, &blockHash)
	return chainhash.DoubleHashH(buf.Bytes())
}

// IncreasePoSeBanScore raises the score by 1 up to the ban threshold.
func (s *Snode) IncreasePoSeBanScore() {
	if s.PoSeBanScore < chaincfg.SnodePoSeBanMaxScore {
		s.PoSeBanScore++
	}
}

// DecreasePoSeBanScore lowers the score by 1 down to -max.
func (s *Snode) DecreasePoSeBanScore() {
	if s.PoSeBanScore > -chaincfg.SnodePoSeBanMaxScore {
		s.PoSeBanScore--
	}
}

// PoSeBan bans the entry outright.
func (s *Snode) PoSeBan() {
	s.PoSeBanScore = chaincfg.SnodePoSeBanMaxScore
}

// PayeeScript derives the P2PKH script paid to the collateral key.
func (s *Snode) PayeeScript() []byte {
	script, err := bscript.NewP2PKHFromPubKeyBytes(s.CollateralPubKey)
	if err != nil {
		return nil
	}
	return []byte(*script)
}

// Info is the immutable value copy of an entry handed across component
// boundaries.
type Info struct {
	Outpoint         Outpoint
	Addr             string
	CollateralPubKey []byte
	OperatorPubKey   []byte
	SigTime          int64
	ProtocolVersion  uint32
	State            State
	LastPingTime     int64
	LastPaidBlock    uint32
	LastPaidTime     int64
	PoSeBanScore     int32
	PoSeBanHeight    uint32
}

// GetInfo returns a value copy of the entry.
func (s *Snode) GetInfo() Info {
	return Info{
		Outpoint:         s.Outpoint,
		Addr:             s.Addr,
		CollateralPubKey: append([]byte(nil), s.CollateralPubKey...),
		OperatorPubKey:   append([]byte(nil), s.OperatorPubKey...),
		SigTime:          s.SigTime,
		ProtocolVersion:  s.ProtocolVersion,
		State:            s.State,
		LastPingTime:     s.LastPing.SigTime,
		LastPaidBlock:    s.LastPaidBlock,
		LastPaidTime:     s.LastPaidTime,
		PoSeBanScore:     s.PoSeBanScore,
		PoSeBanHeight:    s.PoSeBanHeight,
	}
}
