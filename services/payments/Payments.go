package payments

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/kpango/fastime"
	"github.com/libsv/go-bk/bec"
	"github.com/libsv/go-bt/v2"
	"github.com/libsv/go-bt/v2/chainhash"
	"github.com/mazanetwork/maza/chaincfg"
	"github.com/mazanetwork/maza/errors"
	"github.com/mazanetwork/maza/services/chain"
	"github.com/mazanetwork/maza/services/p2p"
	"github.com/mazanetwork/maza/services/snode"
	"github.com/mazanetwork/maza/settings"
	"github.com/mazanetwork/maza/stores/snodestore"
	"github.com/mazanetwork/maza/ulogger"
	"go.uber.org/atomic"
)

// SyncAssetVotes is the asset id announced in SYNCSTATUSCOUNT replies to a
// payment history request.
const SyncAssetVotes = int32(3)

// RegistryView is the slice of the snode registry the payment voter needs.
type RegistryView interface {
	Size() int
	GetInfo(outpoint snode.Outpoint) (snode.Info, bool)
	GetInfoByPayee(payee []byte) (snode.Info, bool)
	GetRank(outpoint snode.Outpoint, height uint32) int
	NextToPay(targetHeight uint32, filterSigTime bool) (snode.Info, int, bool)
	AskForSnode(peer p2p.Peer, outpoint snode.Outpoint)
	UpdateLastPaid(payee []byte, height uint32, blockTime int64)
}

// GovernanceView lets block validation delegate superblock payments to the
// governance layer. A nil view means superblocks never trigger.
type GovernanceView interface {
	IsSuperblockTriggered(height uint32) bool
	IsValidSuperblockPayment(coinbase *bt.Tx, height uint32, blockReward uint64) bool
}

// Payments is the payment voter: it stores votes and tallies, emits this
// node's votes, fills block templates and validates coinbase payees.
type Payments struct {
	logger     ulogger.Logger
	settings   *settings.Settings
	chain      chain.View
	connman    p2p.ConnManager
	flags      snode.FeatureFlags
	registry   RegistryView
	governance GovernanceView
	store      snodestore.Store

	now func() time.Time

	// tallyMu guards tally; votesMu guards votes and lastVoteByVoter.
	// tallyMu is always taken before votesMu when both are needed.
	tallyMu sync.RWMutex
	tally   map[uint32]*BlockPayees

	votesMu         sync.RWMutex
	votes           map[chainhash.Hash]*Vote
	lastVoteByVoter map[snode.Outpoint]uint32

	// voting identity, set by the activator when the local snode starts
	identityMu  sync.Mutex
	operatorKey *bec.PrivateKey
	voterOut    snode.Outpoint
	votingOn    bool

	cachedHeight atomic.Uint32
	synced       atomic.Bool

	// updates is bumped on every accepted vote so the sync controller can
	// tell progress from silence.
	updates atomic.Int64
}

func New(logger ulogger.Logger, tSettings *settings.Settings, chainView chain.View,
	connman p2p.ConnManager, flags snode.FeatureFlags, registry RegistryView, store snodestore.Store) *Payments {

	initPrometheusMetrics()

	p := &Payments{
		logger:   logger,
		settings: tSettings,
		chain:    chainView,
		connman:  connman,
		flags:    flags,
		registry: registry,
		store:    store,

		now: func() time.Time { return fastime.Now() },

		tally:           make(map[uint32]*BlockPayees),
		votes:           make(map[chainhash.Hash]*Vote),
		lastVoteByVoter: make(map[snode.Outpoint]uint32),
	}

	p.cachedHeight.Store(chainView.BestHeight())

	return p
}

// SetGovernance wires the governance view after construction.
func (p *Payments) SetGovernance(g GovernanceView) {
	p.governance = g
}

// SetClock replaces the time source (tests only).
func (p *Payments) SetClock(now func() time.Time) {
	p.now = now
}

// SetVotingIdentity enables or disables vote emission for the local snode.
func (p *Payments) SetVotingIdentity(operatorKey *bec.PrivateKey, voter snode.Outpoint, active bool) {
	p.identityMu.Lock()
	defer p.identityMu.Unlock()

	p.operatorKey = operatorKey
	p.voterOut = voter
	p.votingOn = active
}

// SetSynced is flipped by the sync controller when the VOTES stage finishes.
func (p *Payments) SetSynced(synced bool) {
	p.synced.Store(synced)
}

// UpdateCounter is monotonic over accepted votes.
func (p *Payments) UpdateCounter() int64 {
	return p.updates.Load()
}

// VoteCount returns the number of stored votes.
func (p *Payments) VoteCount() int {
	p.votesMu.RLock()
	defer p.votesMu.RUnlock()
	return len(p.votes)
}

// TallyCount returns the number of tallied block heights.
func (p *Payments) TallyCount() int {
	p.tallyMu.RLock()
	defer p.tallyMu.RUnlock()
	return len(p.tally)
}

// StorageLimit is the number of historical blocks of voting data retained.
func (p *Payments) StorageLimit() uint32 {
	limit := uint32(float64(p.registry.Size()) * 1.25)
	if limit < chaincfg.PaymentsStorageMinBlocks {
		limit = chaincfg.PaymentsStorageMinBlocks
	}
	return limit
}

// Init loads the persisted vote history.
func (p *Payments) Init(ctx context.Context) error {
	if p.store == nil {
		return nil
	}

	dump, err := p.store.LoadVotes(ctx)
	if err != nil {
		if errors.Is(err, snodestore.ErrWrongVersion) {
			p.logger.Warnf("[Payments] persisted votes have wrong version, wiping for resync")
			return p.store.WipeVotes(ctx)
		}
		return err
	}
	if dump == nil {
		return nil
	}

	loaded := 0
	for _, raw := range dump.Votes {
		v := &Vote{}
		if err := v.Deserialize(bytes.NewReader(raw)); err != nil {
			p.logger.Warnf("[Payments] skipping corrupt persisted vote: %v", err)
			continue
		}
		p.insertVote(v)
		loaded++
	}

	p.logger.Infof("[Payments] loaded %d payment votes from persisted cache", loaded)
	return nil
}

// Start subscribes to chain tip updates.
func (p *Payments) Start(ctx context.Context) error {
	tipCh := p.chain.Subscribe()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tip := <-tipCh:
				p.UpdatedBlockTip(tip)
			}
		}
	}()

	return nil
}

// Stop persists the vote history.
func (p *Payments) Stop(ctx context.Context) error {
	if p.store == nil {
		return nil
	}

	dump := &snodestore.VotesDump{}

	p.votesMu.RLock()
	for _, v := range p.votes {
		dump.Votes = append(dump.Votes, v.Bytes())
	}
	p.votesMu.RUnlock()

	return p.store.SaveVotes(ctx, dump)
}

// UpdatedBlockTip advances the cached height, stamps last-paid bookkeeping
// and emits this node's vote for tip+10.
func (p *Payments) UpdatedBlockTip(tip chain.BlockInfo) {
	p.cachedHeight.Store(tip.Height)

	// stamp the registry with who the quorum paid at this height
	p.tallyMu.RLock()
	var paid []byte
	if bp, ok := p.tally[tip.Height]; ok {
		if best, votes := bp.Best(); votes >= chaincfg.PaymentsSignaturesRequired {
			paid = best.Script
		}
	}
	p.tallyMu.RUnlock()

	if paid != nil {
		if blockTime, err := p.chain.BlockTime(tip.Height); err == nil {
			p.registry.UpdateLastPaid(paid, tip.Height, blockTime)
		}
	}

	p.ProcessBlock(tip.Height + chaincfg.PaymentsVoteTargetOffset)
}

// ProcessBlock emits this node's vote for the target height when it sits in
// the voting quorum.
func (p *Payments) ProcessBlock(targetHeight uint32) {
	p.identityMu.Lock()
	votingOn := p.votingOn
	operatorKey := p.operatorKey
	voter := p.voterOut
	p.identityMu.Unlock()

	if !votingOn || operatorKey == nil || !p.synced.Load() {
		return
	}

	p.votesMu.RLock()
	alreadyVoted := p.lastVoteByVoter[voter] == targetHeight
	p.votesMu.RUnlock()
	if alreadyVoted {
		return
	}

	rank := p.registry.GetRank(voter, targetHeight-chaincfg.PaymentsRankOffset)
	if rank < 1 {
		p.logger.Debugf("[Payments] can't rank ourselves for height %d", targetHeight)
		return
	}
	if rank > chaincfg.PaymentsSignaturesTotal {
		p.logger.Debugf("[Payments] rank %d outside voting quorum for height %d", rank, targetHeight)
		return
	}

	info, _, ok := p.registry.NextToPay(targetHeight, true)
	if !ok {
		p.logger.Warnf("[Payments] no payable snode found for height %d", targetHeight)
		return
	}

	payee := payeeScriptOf(info)
	if payee == nil {
		return
	}

	vote := &Vote{
		VoterOutpoint: voter,
		BlockHeight:   targetHeight,
		PayeeScript:   payee,
	}

	if err := vote.Sign(operatorKey, p.flags); err != nil {
		p.logger.Errorf("[Payments] failed to sign payment vote: %v", err)
		return
	}

	if _, err := p.ProcessVote(nil, vote); err != nil {
		p.logger.Errorf("[Payments] own vote rejected: %v", err)
		return
	}

	prometheusVotesEmitted.Inc()
	p.logger.Infof("[Payments] voted for %s at height %d", info.Outpoint.ShortString(), targetHeight)
}

// ProcessMessage dispatches a payments-bound wire message.
func (p *Payments) ProcessMessage(from p2p.Peer, command string, payload []byte) (banScore int, err error) {
	switch command {
	case p2p.CmdPaymentVote:
		v := &Vote{}
		if err := v.Deserialize(bytes.NewReader(payload)); err != nil {
			return 100, errors.NewInvalidArgumentError("malformed payment vote", err)
		}
		return p.ProcessVote(from, v)

	case p2p.CmdPaymentSync:
		// the optional legacy storage-limit hint is ignored
		p.Sync(from)
		return 0, nil
	}

	return 0, errors.NewUnknownError("unhandled payments command %q", command)
}

// ProcessVote validates and stores a payment vote. A nil peer marks a
// locally emitted vote.
func (p *Payments) ProcessVote(from p2p.Peer, v *Vote) (int, error) {
	hash := v.Hash()
	tip := p.cachedHeight.Load()

	if !v.SimpleCheck(p.now()) {
		return 100, errors.NewInvalidArgumentError("malformed payment vote %s", hash.String())
	}

	// height window
	limit := p.StorageLimit()
	if v.BlockHeight+limit < tip || v.BlockHeight > tip+chaincfg.PaymentsFutureVoteBlocks {
		return 0, errors.NewProcessingError("payment vote for height %d outside window at tip %d", v.BlockHeight, tip)
	}

	p.votesMu.RLock()
	_, seen := p.votes[hash]
	p.votesMu.RUnlock()
	if seen {
		return 0, nil
	}

	voter, known := p.registry.GetInfo(v.VoterOutpoint)
	if !known {
		// missing dependency: ask the sender for the broadcast, no penalty
		p.registry.AskForSnode(from, v.VoterOutpoint)
		return 0, errors.NewNotFoundError("payment vote from unknown snode %s", v.VoterOutpoint.ShortString())
	}

	if voter.ProtocolVersion < chaincfg.MinSnodePaymentProtoVersion {
		return 0, errors.NewProcessingError("payment vote from outdated snode %s", v.VoterOutpoint.ShortString())
	}

	rank := p.registry.GetRank(v.VoterOutpoint, v.BlockHeight-chaincfg.PaymentsRankOffset)
	if rank < 1 {
		return 0, errors.NewProcessingError("can't rank voter %s for height %d", v.VoterOutpoint.ShortString(), v.BlockHeight)
	}
	if rank > chaincfg.PaymentsSignaturesTotal {
		// anyone claiming a seat far outside the quorum is probably hostile
		if rank > chaincfg.PaymentsSignaturesTotal*2 {
			return 20, errors.NewProcessingError("payment vote from rank %d, snode=%s", rank, v.VoterOutpoint.ShortString())
		}
		return 0, errors.NewProcessingError("payment vote from rank %d outside quorum, snode=%s", rank, v.VoterOutpoint.ShortString())
	}

	if !v.CheckSignature(voter.OperatorPubKey) {
		if p.synced.Load() {
			return 20, errors.NewSignatureError("payment vote signature invalid, snode=%s", v.VoterOutpoint.ShortString())
		}
		// the voter may have re-registered with a new operator key since
		p.registry.AskForSnode(from, v.VoterOutpoint)
		return 0, errors.NewSignatureError("payment vote signature unverifiable while syncing, snode=%s", v.VoterOutpoint.ShortString())
	}

	// at most one vote per voter per height
	p.votesMu.Lock()
	if last, ok := p.lastVoteByVoter[v.VoterOutpoint]; ok && last == v.BlockHeight {
		p.votesMu.Unlock()
		return 0, errors.NewProcessingError("duplicate payment vote from %s for height %d", v.VoterOutpoint.ShortString(), v.BlockHeight)
	}
	p.lastVoteByVoter[v.VoterOutpoint] = v.BlockHeight
	p.votesMu.Unlock()

	p.insertVote(v)
	p.updates.Inc()
	prometheusVotesAccepted.Inc()

	p.connman.RelayInv(p2p.Inv{Type: p2p.InvTypePaymentVote, Hash: hash})
	return 0, nil
}

// insertVote stores the vote and tallies it. It assumes validation already
// happened.
func (p *Payments) insertVote(v *Vote) {
	hash := v.Hash()

	p.tallyMu.Lock()
	p.votesMu.Lock()

	p.votes[hash] = v
	if last, ok := p.lastVoteByVoter[v.VoterOutpoint]; !ok || last < v.BlockHeight {
		p.lastVoteByVoter[v.VoterOutpoint] = v.BlockHeight
	}

	bp, ok := p.tally[v.BlockHeight]
	if !ok {
		bp = &BlockPayees{BlockHeight: v.BlockHeight}
		p.tally[v.BlockHeight] = bp
	}
	bp.AddVote(v)

	p.votesMu.Unlock()
	p.tallyMu.Unlock()
}

// GetVoteByHash serves INV/GETDATA requests.
func (p *Payments) GetVoteByHash(hash chainhash.Hash) (*Vote, bool) {
	p.votesMu.RLock()
	defer p.votesMu.RUnlock()

	v, ok := p.votes[hash]
	return v, ok
}

// GetBestPayee returns the winning payee script for a height, with its vote
// count.
func (p *Payments) GetBestPayee(height uint32) ([]byte, int) {
	p.tallyMu.RLock()
	defer p.tallyMu.RUnlock()

	bp, ok := p.tally[height]
	if !ok {
		return nil, 0
	}

	best, votes := bp.Best()
	if best == nil {
		return nil, 0
	}
	return best.Script, votes
}

// IsScheduled reports whether the payee is already due a payment within the
// look-ahead window above the given height.
func (p *Payments) IsScheduled(payee []byte, height uint32) bool {
	if payee == nil {
		return false
	}

	p.tallyMu.RLock()
	defer p.tallyMu.RUnlock()

	for h := height; h <= height+chaincfg.PaymentsScheduledBlocks; h++ {
		bp, ok := p.tally[h]
		if !ok {
			continue
		}
		if best, votes := bp.Best(); votes >= chaincfg.PaymentsSignaturesRequired && bytes.Equal(best.Script, payee) {
			return true
		}
	}

	return false
}

// SnodePaymentAmount is the published schedule: the service node's share of
// the block reward.
func SnodePaymentAmount(height uint32, blockReward uint64) uint64 {
	return blockReward / 2
}

// IsBlockPayeeValid decides whether the coinbase pays the elected snode.
// With fewer than the required votes on the best payee there is no
// consensus to enforce and any structurally valid coinbase is accepted.
func (p *Payments) IsBlockPayeeValid(coinbase *bt.Tx, height uint32, blockReward uint64) bool {
	if p.governance != nil && p.governance.IsSuperblockTriggered(height) {
		return p.governance.IsValidSuperblockPayment(coinbase, height, blockReward)
	}

	if !p.flags.PaymentEnforcementActive() {
		return true
	}

	payee, votes := p.GetBestPayee(height)
	if votes < chaincfg.PaymentsSignaturesRequired {
		// insufficient consensus, accept the longest chain
		return true
	}

	expected := SnodePaymentAmount(height, blockReward)
	for _, out := range coinbase.Outputs {
		if out.Satoshis == expected && out.LockingScript != nil && bytes.Equal([]byte(*out.LockingScript), payee) {
			return true
		}
	}

	prometheusInvalidCoinbases.Inc()
	p.logger.Warnf("[Payments] coinbase at height %d misses required snode payment of %d", height, expected)
	return false
}

// FillBlockPayee appends the snode payment to a block template's coinbase,
// subtracting it from the miner's first output.
func (p *Payments) FillBlockPayee(coinbase *bt.Tx, height uint32, blockReward uint64) {
	payee, votes := p.GetBestPayee(height)
	if votes < chaincfg.PaymentsSignaturesRequired {
		// no quorum, fall back to the local election
		info, _, ok := p.registry.NextToPay(height, true)
		if !ok {
			return
		}
		payee = payeeScriptOf(info)
		if payee == nil {
			return
		}
	}

	amount := SnodePaymentAmount(height, blockReward)

	if len(coinbase.Outputs) > 0 && coinbase.Outputs[0].Satoshis >= amount {
		coinbase.Outputs[0].Satoshis -= amount
	}

	script := bscriptFromBytes(payee)
	coinbase.Outputs = append(coinbase.Outputs, &bt.Output{
		Satoshis:      amount,
		LockingScript: script,
	})
}

// CheckAndRemove prunes voting data past the storage limit.
func (p *Payments) CheckAndRemove(_ context.Context) {
	if !p.synced.Load() {
		return
	}

	tip := p.cachedHeight.Load()
	limit := p.StorageLimit()
	if tip <= limit {
		return
	}
	cutoff := tip - limit

	p.tallyMu.Lock()
	p.votesMu.Lock()

	removed := 0
	for hash, v := range p.votes {
		if v.BlockHeight < cutoff {
			delete(p.votes, hash)
			removed++
		}
	}
	for height := range p.tally {
		if height < cutoff {
			delete(p.tally, height)
		}
	}

	p.votesMu.Unlock()
	p.tallyMu.Unlock()

	if removed > 0 {
		p.logger.Debugf("[Payments] pruned %d payment votes below height %d", removed, cutoff)
	}
}

// Sync pushes the whole vote history to a peer, ending with a
// SYNCSTATUSCOUNT announcement.
func (p *Payments) Sync(peer p2p.Peer) {
	if peer == nil {
		return
	}

	tip := p.cachedHeight.Load()
	limit := p.StorageLimit()

	var cutoff uint32
	if tip > limit {
		cutoff = tip - limit
	}

	count := 0

	p.tallyMu.RLock()
	for height, bp := range p.tally {
		if height < cutoff {
			continue
		}
		for _, payee := range bp.Payees {
			for _, hash := range payee.VoteHashes {
				peer.PushInv(p2p.Inv{Type: p2p.InvTypePaymentVote, Hash: hash})
				count++
			}
		}
	}
	p.tallyMu.RUnlock()

	peer.PushMessage(p2p.CmdSyncStatusCount, p2p.SyncStatusCountPayload(SyncAssetVotes, int32(count)))
	p.logger.Debugf("[Payments] sent payment vote history to %s, count=%d", peer.Addr(), count)
}

// RequestLowDataPaymentBlocks asks a peer for payment data of historical
// blocks whose local tally looks underpopulated, batching up to the
// transport's inv limit.
func (p *Payments) RequestLowDataPaymentBlocks(peer p2p.Peer) {
	if peer == nil || !p.synced.Load() {
		return
	}

	tip := p.cachedHeight.Load()
	limit := p.StorageLimit()

	var from uint32
	if tip > limit {
		from = tip - limit
	}

	minTotal := (chaincfg.PaymentsSignaturesTotal + chaincfg.PaymentsSignaturesRequired) / 2

	invs := make([]p2p.Inv, 0, p2p.MaxInvPerMsg)

	p.tallyMu.RLock()
	for height := from; height <= tip && len(invs) < p2p.MaxInvPerMsg; height++ {
		bp, ok := p.tally[height]
		if ok {
			if _, votes := bp.Best(); votes >= chaincfg.PaymentsSignaturesRequired {
				continue
			}
			if bp.TotalVotes() >= minTotal {
				continue
			}
		}

		blockHash, err := p.chain.BlockHash(height)
		if err != nil {
			continue
		}
		invs = append(invs, p2p.Inv{Type: p2p.InvTypePaymentBlock, Hash: blockHash})
	}
	p.tallyMu.RUnlock()

	if len(invs) == 0 {
		return
	}

	peer.PushInv(invs...)
	p.logger.Debugf("[Payments] requested payment data for %d low-data blocks from %s", len(invs), peer.Addr())
}
