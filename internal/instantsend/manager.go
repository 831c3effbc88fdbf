package instantsend

import (
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/lru"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	klog "github.com/Klingon-tech/klingnet-instantsend/internal/log"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// Table size defaults.
const (
	DefaultMaxVotes       = 100_000
	DefaultMaxOrphanVotes = 20_000

	invalidVoteCacheSize = 10_000
)

// Config holds the engine parameters.
type Config struct {
	Rules config.InstantSendRules
	Forks config.ForkSchedule

	MaxVotes             int
	MaxOrphanVotes       int
	OrphanRateWindow     int
	OrphanRateMinSamples int
	OrphanRateFactor     int
	OrphanBurst          int

	// MaxOrphansPerMasternode caps the orphan votes held for any one
	// masternode. Zero means MaxOrphanVotes / SignaturesTotal.
	MaxOrphansPerMasternode int
}

// Deps are the collaborators of the engine. Registry and Chain are
// required; the others may be nil.
type Deps struct {
	Registry Registry
	Chain    ChainView
	Mempool  Mempool
	Network  Network
	Notifier Notifier
	Active   ActiveMasternode
}

// Info summarises the engine state.
type Info struct {
	Height             uint64 `json:"height"`
	AutoLockActive     bool   `json:"auto_lock_active"`
	AcceptedRequests   int    `json:"accepted_requests"`
	RejectedRequests   int    `json:"rejected_requests"`
	Candidates         int    `json:"candidates"`
	LockedTransactions int    `json:"locked_transactions"`
	LockedOutpoints    int    `json:"locked_outpoints"`
	Votes              int    `json:"votes"`
	OrphanVotes        int    `json:"orphan_votes"`
	OrphanRateSamples  int    `json:"orphan_rate_samples"`
}

type rejectedRequest struct {
	req *LockRequest
	at  time.Time
}

type orphanKey struct {
	txHash   types.Hash
	outpoint types.Outpoint
	mn       types.Outpoint
}

// callbacks are collaborator calls collected under the manager lock and
// run after it is released.
type callbacks []func()

func (c *callbacks) add(fn func()) { *c = append(*c, fn) }

func (c callbacks) run() {
	for _, fn := range c {
		fn()
	}
}

// Manager is the lock engine. All state is guarded by one mutex.
type Manager struct {
	mu sync.Mutex

	cfg           Config
	rules         config.InstantSendRules
	lockTimeout   time.Duration
	failedTimeout time.Duration
	maxVotes      int
	maxOrphans    int
	maxOrphansMN  int

	registry Registry
	chain    ChainView
	mempool  Mempool
	net      Network
	notifier Notifier
	active   ActiveMasternode

	now func() time.Time

	accepted    map[types.Hash]*LockRequest
	rejected    map[types.Hash]rejectedRequest
	votes       map[types.Hash]*Vote
	orphans     map[types.Hash]*Vote
	orphansByTx map[types.Hash]map[types.Hash]struct{}
	orphanKeys  map[orphanKey]types.Hash
	orphansByMN map[types.Outpoint]int
	candidates  map[types.Hash]*Candidate
	voted       map[types.Outpoint]map[types.Hash]struct{}
	won         map[types.Outpoint]types.Hash
	ownVotes    map[types.Outpoint]types.Hash
	limiter     *orphanLimiter
	invalid     *lru.Cache

	tipHeight uint64
	autoLock  bool
}

// New creates a lock engine positioned at the current chain tip.
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("masternode registry is nil")
	}
	if deps.Chain == nil {
		return nil, fmt.Errorf("chain view is nil")
	}
	if cfg.MaxVotes <= 0 {
		cfg.MaxVotes = DefaultMaxVotes
	}
	if cfg.MaxOrphanVotes <= 0 {
		cfg.MaxOrphanVotes = DefaultMaxOrphanVotes
	}
	if cfg.MaxOrphansPerMasternode <= 0 {
		cfg.MaxOrphansPerMasternode = cfg.MaxOrphanVotes
		if cfg.Rules.SignaturesTotal > 0 {
			cfg.MaxOrphansPerMasternode = max(1, cfg.MaxOrphanVotes/cfg.Rules.SignaturesTotal)
		}
	}

	m := &Manager{
		cfg:           cfg,
		rules:         cfg.Rules,
		lockTimeout:   time.Duration(cfg.Rules.LockTimeoutSeconds) * time.Second,
		failedTimeout: time.Duration(cfg.Rules.FailedTimeoutSeconds) * time.Second,
		maxVotes:      cfg.MaxVotes,
		maxOrphans:    cfg.MaxOrphanVotes,
		maxOrphansMN:  cfg.MaxOrphansPerMasternode,
		registry:      deps.Registry,
		chain:         deps.Chain,
		mempool:       deps.Mempool,
		net:           deps.Network,
		notifier:      deps.Notifier,
		active:        deps.Active,
		now:           time.Now,
	}
	m.resetLocked()
	m.setTipLocked(deps.Chain.Height())
	return m, nil
}

// resetLocked drops all lock state.
func (m *Manager) resetLocked() {
	m.accepted = make(map[types.Hash]*LockRequest)
	m.rejected = make(map[types.Hash]rejectedRequest)
	m.votes = make(map[types.Hash]*Vote)
	m.orphans = make(map[types.Hash]*Vote)
	m.orphansByTx = make(map[types.Hash]map[types.Hash]struct{})
	m.orphanKeys = make(map[orphanKey]types.Hash)
	m.orphansByMN = make(map[types.Outpoint]int)
	m.candidates = make(map[types.Hash]*Candidate)
	m.voted = make(map[types.Outpoint]map[types.Hash]struct{})
	m.won = make(map[types.Outpoint]types.Hash)
	m.ownVotes = make(map[types.Outpoint]types.Hash)
	if m.limiter == nil {
		m.limiter = newOrphanLimiter(m.cfg.OrphanRateWindow, m.cfg.OrphanRateMinSamples, m.cfg.OrphanRateFactor, m.cfg.OrphanBurst)
	} else {
		m.limiter.reset()
	}
	invalid := lru.NewCache(invalidVoteCacheSize)
	m.invalid = &invalid
}

// Clear drops all lock state, including finalized locks.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
	klog.InstantSend.Info().Msg("Lock state cleared")
}

func (m *Manager) setTipLocked(height uint64) {
	m.tipHeight = height
	active := m.cfg.Forks.AutoLockActive(height)
	if active != m.autoLock {
		klog.InstantSend.Info().Bool("active", active).Uint64("height", height).Msg("Automatic locking toggled")
	}
	m.autoLock = active
}

// SubmitLockRequest locks a transaction on behalf of the local user and
// relays the request.
func (m *Manager) SubmitLockRequest(t *tx.Transaction) error {
	return m.ProcessLockRequest(NewLockRequest(t), "", true)
}

// ProcessLockRequest validates a lock request and starts collecting votes
// for it. from identifies the relaying peer ("" for the local node).
//
// manual marks a lock that a wallet asked for explicitly, whether on this
// node or on the peer that gossiped the request. Only requests derived from
// plain transactions are not manual; they are subject to the automatic
// locking limits, and a throttled one is not remembered, so an explicit
// request for the same transaction is still accepted later.
func (m *Manager) ProcessLockRequest(req *LockRequest, from string, manual bool) error {
	if req == nil || req.Tx == nil {
		return fmt.Errorf("%w: no transaction", ErrInvalidRequest)
	}

	var after callbacks
	m.mu.Lock()
	err := m.processLockRequestLocked(req, from, manual, &after)
	m.mu.Unlock()
	after.run()
	return err
}

func (m *Manager) processLockRequestLocked(req *LockRequest, from string, manual bool, after *callbacks) error {
	hash := req.Hash()
	if _, ok := m.accepted[hash]; ok {
		return ErrKnownRequest
	}
	if _, ok := m.rejected[hash]; ok {
		return fmt.Errorf("%w: previously rejected", ErrKnownRequest)
	}
	now := m.now()

	if !manual {
		if err := m.checkAutoLockLocked(req); err != nil {
			return err
		}
	}

	fee, err := req.Validate(m.chain, m.rules, m.tipHeight)
	if err != nil {
		m.rejected[hash] = rejectedRequest{req: req, at: now}
		klog.InstantSend.Debug().Err(err).Str("tx", hash.Short()).Str("peer", from).Msg("Lock request rejected")
		return err
	}

	inputs := req.Tx.PrevOuts()
	for _, op := range inputs {
		if owner, ok := m.won[op]; ok && owner != hash {
			m.rejected[hash] = rejectedRequest{req: req, at: now}
			return fmt.Errorf("%w: %s locked by %s", ErrConflictingLock, op.Short(), owner.Short())
		}
	}

	cand, ok := m.candidates[hash]
	if ok {
		if cand.IsTimedOut(now, m.lockTimeout) {
			m.rejected[hash] = rejectedRequest{req: req, at: now}
			return fmt.Errorf("%w: first vote seen %s ago", ErrLockTimedOut, now.Sub(cand.createdAt).Round(time.Second))
		}
		cand.request = req
	} else {
		cand = newCandidate(hash, req, now)
		m.candidates[hash] = cand
	}
	for _, op := range inputs {
		cand.AddOutpointLock(op)
	}
	m.accepted[hash] = req

	klog.InstantSend.Info().
		Str("tx", hash.Short()).
		Int("inputs", len(inputs)).
		Uint64("fee", fee).
		Bool("manual", manual).
		Msg("Lock request accepted")

	if from == "" && m.net != nil {
		after.add(func() {
			if err := m.net.RelayLockRequest(req); err != nil {
				klog.InstantSend.Warn().Err(err).Str("tx", hash.Short()).Msg("Failed to relay lock request")
			}
		})
	}

	m.voteLocked(cand, after)
	m.processOrphansLocked(cand, after)
	m.tryFinalizeLocked(cand, after)
	return nil
}

func (m *Manager) checkAutoLockLocked(req *LockRequest) error {
	if !m.autoLock {
		return fmt.Errorf("%w: inactive at height %d", ErrAutoLockThrottled, m.tipHeight)
	}
	if !req.IsSimple(m.rules) {
		return fmt.Errorf("%w: %d inputs exceed %d", ErrAutoLockThrottled, len(req.Tx.Inputs), m.rules.MaxInputsForAutoLock)
	}
	if m.mempool != nil {
		if share := m.mempool.UsedShare(); share >= m.rules.AutoLockMempoolShare {
			return fmt.Errorf("%w: mempool %.0f%% full", ErrAutoLockThrottled, share*100)
		}
	}
	return nil
}

// voteLocked casts this node's votes for every input it is ranked to vote on.
func (m *Manager) voteLocked(cand *Candidate, after *callbacks) {
	if m.active == nil || !m.active.IsActive() {
		return
	}
	mnOp := m.active.Outpoint()
	now := m.now()

	for _, op := range cand.Outpoints() {
		if owner, ok := m.ownVotes[op]; ok {
			if owner != cand.txHash {
				klog.InstantSend.Warn().
					Str("outpoint", op.Short()).
					Str("tx", cand.txHash.Short()).
					Str("voted", owner.Short()).
					Msg("Not voting for conflicting spend")
			}
			continue
		}
		u, err := m.chain.GetUTXO(op)
		if err != nil {
			continue
		}
		quorumHeight := u.Height + m.rules.QuorumHeightOffset
		if quorumHeight > m.tipHeight {
			continue
		}
		rank, err := m.registry.Rank(mnOp, quorumHeight, m.rules.MinProtocolVersion)
		if err != nil {
			klog.InstantSend.Debug().Err(err).Uint64("height", quorumHeight).Msg("Cannot rank local masternode")
			continue
		}
		if rank > m.rules.SignaturesTotal {
			continue
		}

		v := NewVote(cand.txHash, op, mnOp, now)
		if err := v.Sign(m.active); err != nil {
			klog.InstantSend.Warn().Err(err).Str("outpoint", op.Short()).Msg("Failed to sign lock vote")
			continue
		}
		m.ownVotes[op] = cand.txHash
		if err := m.acceptVoteLocked(v, cand, after); err != nil {
			klog.InstantSend.Warn().Err(err).Str("outpoint", op.Short()).Msg("Own lock vote not recorded")
			continue
		}
		klog.InstantSend.Debug().
			Str("tx", cand.txHash.Short()).
			Str("outpoint", op.Short()).
			Int("rank", rank).
			Msg("Voted")
		if m.net != nil {
			after.add(func() {
				if err := m.net.RelayVote(v); err != nil {
					klog.InstantSend.Warn().Err(err).Msg("Failed to relay lock vote")
				}
			})
		}
	}
}

// ProcessVote handles a lock vote. from identifies the relaying peer
// ("" for the local node).
func (m *Manager) ProcessVote(v *Vote, from string) error {
	if v == nil {
		return ErrInvalidVote
	}

	var after callbacks
	m.mu.Lock()
	err := m.processVoteLocked(v, from, &after)
	m.mu.Unlock()
	after.run()
	return err
}

func (m *Manager) processVoteLocked(v *Vote, from string, after *callbacks) error {
	h := v.Hash()
	if _, ok := m.votes[h]; ok {
		return ErrDuplicateVote
	}
	if _, ok := m.orphans[h]; ok {
		return ErrDuplicateVote
	}
	sigKey := signedVoteKey(h, v.Signature)
	if m.invalid.Contains(h) || m.invalid.Contains(sigKey) {
		return fmt.Errorf("%w: known invalid", ErrDuplicateVote)
	}
	if err := v.CheckStructure(); err != nil {
		m.penalize(from, PenaltyMalformed, err.Error(), after)
		return err
	}

	now := m.now()
	v.createdAt = now
	v.confirmedHeight = unconfirmed

	cand := m.candidates[v.TxHash]
	if cand != nil && cand.IsExpired(m.tipHeight, m.rules.KeepLockBlocks) {
		m.penalize(from, PenaltyRetentionFloor, "vote for expired lock", after)
		return fmt.Errorf("%w: %s confirmed at %d", ErrHeightOutOfRange, v.TxHash.Short(), cand.confirmedHeight)
	}

	u, err := m.chain.GetUTXO(v.Outpoint)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownOutpoint, v.Outpoint.Short())
	}
	quorumHeight := u.Height + m.rules.QuorumHeightOffset
	if quorumHeight > m.tipHeight+m.rules.MaxVoteHeightAhead {
		m.invalid.Add(h)
		m.penalize(from, PenaltyHeightAhead, "vote quorum height too far ahead", after)
		return fmt.Errorf("%w: quorum height %d, tip %d", ErrHeightOutOfRange, quorumHeight, m.tipHeight)
	}
	if quorumHeight > m.tipHeight {
		return fmt.Errorf("%w: quorum height %d, tip %d", ErrHeightOutOfRange, quorumHeight, m.tipHeight)
	}

	mn := v.MasternodeOutpoint
	rec, ok := m.registry.FindByOutpoint(mn)
	if !ok {
		if from != "" && m.net != nil {
			after.add(func() { m.net.AskForMasternode(from, mn) })
		}
		return fmt.Errorf("%w: %s", ErrUnknownMasternode, mn.Short())
	}
	if rec.Announcement.ProtocolVersion < m.rules.MinProtocolVersion {
		return fmt.Errorf("%w: masternode protocol %d", ErrRankOutOfRange, rec.Announcement.ProtocolVersion)
	}
	rank, err := m.registry.Rank(mn, quorumHeight, m.rules.MinProtocolVersion)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRankOutOfRange, err)
	}
	if rank > 2*m.rules.SignaturesTotal {
		m.invalid.Add(h)
		m.penalize(from, PenaltyRankOutOfRange, fmt.Sprintf("vote from masternode ranked %d", rank), after)
		return fmt.Errorf("%w: rank %d", ErrRankOutOfRange, rank)
	}
	if rank > m.rules.SignaturesTotal {
		m.invalid.Add(h)
		return fmt.Errorf("%w: rank %d", ErrRankOutOfRange, rank)
	}
	if !v.VerifySignature(rec.PubKey()) {
		// Keyed with the signature: a forgery shares h with the real vote.
		m.invalid.Add(sigKey)
		m.penalize(from, PenaltyBadSignature, "bad lock vote signature", after)
		return fmt.Errorf("%w: masternode %s", ErrBadSignature, mn.Short())
	}

	if cand == nil || cand.request == nil {
		return m.addOrphanLocked(v, h, from, now, after)
	}
	if cand.HasMasternodeVoted(v.Outpoint, mn) {
		return fmt.Errorf("%w: masternode %s already voted on %s", ErrDuplicateVote, mn.Short(), v.Outpoint.Short())
	}
	if len(m.votes) >= m.maxVotes {
		return fmt.Errorf("%w: %d votes", ErrVoteTableFull, len(m.votes))
	}
	return m.acceptVoteLocked(v, cand, after)
}

// signedVoteKey identifies a vote together with its signature.
func signedVoteKey(h types.Hash, sig []byte) types.Hash {
	return crypto.HashParts(h[:], sig)
}

func (m *Manager) penalize(from string, penalty int, reason string, after *callbacks) {
	if from == "" || m.net == nil {
		return
	}
	after.add(func() { m.net.Misbehaving(from, penalty, reason) })
}

func (m *Manager) addOrphanLocked(v *Vote, h types.Hash, from string, now time.Time, after *callbacks) error {
	key := orphanKey{txHash: v.TxHash, outpoint: v.Outpoint, mn: v.MasternodeOutpoint}
	if _, ok := m.orphanKeys[key]; ok {
		return ErrDuplicateVote
	}
	if m.orphansByMN[v.MasternodeOutpoint] >= m.maxOrphansMN {
		m.penalize(from, PenaltyOrphanFlood, "too many orphan lock votes", after)
		return fmt.Errorf("%w: masternode %s holds %d orphan votes", ErrOrphanFlood, v.MasternodeOutpoint.Short(), m.maxOrphansMN)
	}
	if len(m.orphans) >= m.maxOrphans {
		return fmt.Errorf("%w: %d orphan votes", ErrVoteTableFull, len(m.orphans))
	}
	if !m.limiter.Allow(v.MasternodeOutpoint, v.TxHash, now) {
		m.penalize(from, PenaltyOrphanFlood, "orphan lock vote flood", after)
		return fmt.Errorf("%w: masternode %s", ErrOrphanFlood, v.MasternodeOutpoint.Short())
	}

	m.orphans[h] = v
	m.orphanKeys[key] = h
	m.orphansByMN[v.MasternodeOutpoint]++
	set := m.orphansByTx[v.TxHash]
	if set == nil {
		set = make(map[types.Hash]struct{})
		m.orphansByTx[v.TxHash] = set
	}
	set[h] = struct{}{}

	if _, ok := m.candidates[v.TxHash]; !ok {
		m.candidates[v.TxHash] = newCandidate(v.TxHash, nil, now)
	}
	klog.InstantSend.Debug().
		Str("tx", v.TxHash.Short()).
		Str("masternode", v.MasternodeOutpoint.Short()).
		Msg("Orphan lock vote")
	return nil
}

func (m *Manager) removeOrphanLocked(h types.Hash) {
	v, ok := m.orphans[h]
	if !ok {
		return
	}
	delete(m.orphans, h)
	delete(m.orphanKeys, orphanKey{txHash: v.TxHash, outpoint: v.Outpoint, mn: v.MasternodeOutpoint})
	if n := m.orphansByMN[v.MasternodeOutpoint]; n > 1 {
		m.orphansByMN[v.MasternodeOutpoint] = n - 1
	} else {
		delete(m.orphansByMN, v.MasternodeOutpoint)
	}
	if set := m.orphansByTx[v.TxHash]; set != nil {
		delete(set, h)
		if len(set) == 0 {
			delete(m.orphansByTx, v.TxHash)
		}
	}
}

// processOrphansLocked moves the orphan votes for cand into it.
func (m *Manager) processOrphansLocked(cand *Candidate, after *callbacks) {
	set := m.orphansByTx[cand.txHash]
	if len(set) == 0 {
		return
	}
	hashes := make([]types.Hash, 0, len(set))
	for h := range set {
		hashes = append(hashes, h)
	}
	sortHashes(hashes)

	for _, h := range hashes {
		v := m.orphans[h]
		m.removeOrphanLocked(h)
		if cand.HasMasternodeVoted(v.Outpoint, v.MasternodeOutpoint) || len(m.votes) >= m.maxVotes {
			continue
		}
		if err := m.acceptVoteLocked(v, cand, after); err != nil {
			klog.InstantSend.Debug().Err(err).Str("tx", cand.txHash.Short()).Msg("Orphan vote dropped")
		}
	}
}

// acceptVoteLocked adds a verified vote to its candidate and runs conflict
// detection and finalization.
func (m *Manager) acceptVoteLocked(v *Vote, cand *Candidate, after *callbacks) error {
	if err := cand.AddVote(v); err != nil {
		return err
	}
	v.confirmedHeight = cand.confirmedHeight
	m.votes[v.Hash()] = v

	m.detectConflictsLocked(v, after)
	set := m.voted[v.Outpoint]
	if set == nil {
		set = make(map[types.Hash]struct{})
		m.voted[v.Outpoint] = set
	}
	set[v.TxHash] = struct{}{}

	m.tryFinalizeLocked(cand, after)
	return nil
}

// detectConflictsLocked marks v's outpoint as attacked in every candidate
// that received votes for it, and bans masternodes that voted for more
// than one of them.
func (m *Manager) detectConflictsLocked(v *Vote, after *callbacks) {
	op, mn := v.Outpoint, v.MasternodeOutpoint
	var contenders []types.Hash
	for other := range m.voted[op] {
		if other != v.TxHash {
			contenders = append(contenders, other)
		}
	}
	if len(contenders) == 0 {
		return
	}
	sortHashes(contenders)

	changed := false
	if cand := m.candidates[v.TxHash]; cand != nil && cand.MarkOutpointAsAttacked(op) {
		changed = true
	}
	for _, other := range contenders {
		oc := m.candidates[other]
		if oc == nil {
			continue
		}
		if oc.HasMasternodeVoted(op, mn) {
			klog.InstantSend.Warn().
				Str("masternode", mn.Short()).
				Str("outpoint", op.Short()).
				Msg("Masternode voted for conflicting spends")
			after.add(func() { m.registry.Ban(mn, "voted for conflicting transactions") })
		}
		if oc.MarkOutpointAsAttacked(op) {
			changed = true
		}
	}
	if !changed {
		return
	}

	txs := append([]types.Hash{v.TxHash}, contenders...)
	sortHashes(txs)
	klog.InstantSend.Warn().Str("outpoint", op.Short()).Int("transactions", len(txs)).Msg("Outpoint attacked")
	if m.notifier != nil {
		after.add(func() { m.notifier.OutpointAttacked(op, txs) })
	}
}

// tryFinalizeLocked locks cand if every input has a quorum.
func (m *Manager) tryFinalizeLocked(cand *Candidate, after *callbacks) {
	if cand.request == nil || cand.failed {
		return
	}
	hash := cand.txHash
	if m.isLockedLocked(hash) {
		return
	}
	if cand.IsTimedOut(m.now(), m.lockTimeout) {
		return
	}
	if !cand.IsAllOutpointsReady(m.rules.SignaturesRequired) {
		return
	}

	ops := cand.Outpoints()
	for _, op := range ops {
		if owner, ok := m.won[op]; ok && owner != hash {
			m.failCandidateLocked(cand, fmt.Sprintf("input %s locked by %s", op.Short(), owner.Short()), after)
			return
		}
	}
	if cand.confirmedHeight == unconfirmed {
		for _, op := range ops {
			if _, err := m.chain.GetUTXO(op); err != nil {
				klog.InstantSend.Debug().Str("tx", hash.Short()).Str("outpoint", op.Short()).Msg("Input spent, not locking")
				return
			}
		}
	}

	for _, op := range ops {
		m.won[op] = hash
	}
	klog.InstantSend.Info().
		Str("tx", hash.Short()).
		Int("votes", cand.CountVotes()).
		Msg("Transaction locked")

	t := cand.request.Tx
	if m.mempool != nil {
		after.add(func() {
			if evicted := m.mempool.RemoveConflicting(t); len(evicted) > 0 {
				klog.InstantSend.Info().Int("count", len(evicted)).Str("tx", hash.Short()).Msg("Evicted conflicting spends")
			}
		})
	}
	if m.notifier != nil {
		after.add(func() { m.notifier.TxLocked(hash) })
	}
}

// failCandidateLocked gives up on locking cand and notifies once.
func (m *Manager) failCandidateLocked(cand *Candidate, reason string, after *callbacks) {
	if cand.failed {
		return
	}
	cand.failed = true
	hash := cand.txHash
	if req, ok := m.accepted[hash]; ok {
		delete(m.accepted, hash)
		m.rejected[hash] = rejectedRequest{req: req, at: m.now()}
	}
	klog.InstantSend.Info().Str("tx", hash.Short()).Str("reason", reason).Msg("Transaction lock failed")
	if m.notifier != nil {
		after.add(func() { m.notifier.TxLockFailed(hash, reason) })
	}
}

func (m *Manager) isLockedLocked(txHash types.Hash) bool {
	cand, ok := m.candidates[txHash]
	if !ok || cand.request == nil || len(cand.locks) == 0 {
		return false
	}
	for op := range cand.locks {
		if m.won[op] != txHash {
			return false
		}
	}
	return true
}

// OnBlockConnected updates confirmation heights for the block's
// transactions and sweeps stale state.
func (m *Manager) OnBlockConnected(blk *block.Block) {
	var after callbacks
	m.mu.Lock()
	m.setTipLocked(blk.Header.Height)
	for _, t := range blk.Transactions {
		m.syncTransactionLocked(t.Hash(), int64(blk.Header.Height))
	}
	m.checkAndRemoveLocked(&after)
	m.mu.Unlock()
	after.run()
}

// OnBlockDisconnected marks the block's transactions unconfirmed again.
func (m *Manager) OnBlockDisconnected(blk *block.Block) {
	var after callbacks
	m.mu.Lock()
	if blk.Header.Height > 0 {
		m.setTipLocked(blk.Header.Height - 1)
	}
	for _, t := range blk.Transactions {
		m.syncTransactionLocked(t.Hash(), unconfirmed)
	}
	m.checkAndRemoveLocked(&after)
	m.mu.Unlock()
	after.run()
}

func (m *Manager) syncTransactionLocked(txHash types.Hash, height int64) {
	if cand, ok := m.candidates[txHash]; ok {
		cand.SetConfirmedHeight(height)
		for _, v := range cand.votes() {
			v.SetConfirmedHeight(height)
		}
	}
	for h := range m.orphansByTx[txHash] {
		m.orphans[h].SetConfirmedHeight(height)
	}
}

// RunMaintenance sweeps timed out and expired lock state.
func (m *Manager) RunMaintenance() {
	var after callbacks
	m.mu.Lock()
	m.checkAndRemoveLocked(&after)
	m.mu.Unlock()
	after.run()
}

func (m *Manager) checkAndRemoveLocked(after *callbacks) {
	now := m.now()
	height, keep := m.tipHeight, m.rules.KeepLockBlocks

	for hash, cand := range m.candidates {
		if m.isLockedLocked(hash) {
			continue
		}
		if cand.request != nil && cand.IsTimedOut(now, m.lockTimeout) {
			m.failCandidateLocked(cand, "timed out", after)
		}
		if now.Sub(cand.createdAt) > m.failedTimeout || cand.IsExpired(height, keep) {
			m.removeCandidateLocked(cand)
		}
	}

	for h, v := range m.votes {
		if v.IsExpired(height, keep) || v.IsFailed(now, m.failedTimeout, m.isLockedLocked(v.TxHash)) {
			delete(m.votes, h)
		}
	}
	for h, v := range m.orphans {
		if v.IsTimedOut(now, m.lockTimeout) {
			m.removeOrphanLocked(h)
		}
	}
	for h, r := range m.rejected {
		if now.Sub(r.at) > m.failedTimeout {
			delete(m.rejected, h)
		}
	}
	for op, txHash := range m.ownVotes {
		if _, ok := m.candidates[txHash]; !ok {
			delete(m.ownVotes, op)
		}
	}
	m.limiter.Prune(now, m.failedTimeout)
}

func (m *Manager) removeCandidateLocked(cand *Candidate) {
	hash := cand.txHash
	for _, v := range cand.votes() {
		delete(m.votes, v.Hash())
	}
	for op := range cand.locks {
		if set := m.voted[op]; set != nil {
			delete(set, hash)
			if len(set) == 0 {
				delete(m.voted, op)
			}
		}
	}
	delete(m.candidates, hash)
	delete(m.accepted, hash)
	klog.InstantSend.Debug().Str("tx", hash.Short()).Msg("Lock candidate removed")
}

// IsLocked reports whether every input of the transaction is won by it.
func (m *Manager) IsLocked(txHash types.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isLockedLocked(txHash)
}

// IsTimedOut reports whether the transaction's lock attempt ran out of time.
func (m *Manager) IsTimedOut(txHash types.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cand, ok := m.candidates[txHash]
	if !ok || m.isLockedLocked(txHash) {
		return false
	}
	return cand.IsTimedOut(m.now(), m.lockTimeout)
}

// SignatureCount returns the number of votes for the transaction, or -1
// if no lock is being collected for it.
func (m *Manager) SignatureCount(txHash types.Hash) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cand, ok := m.candidates[txHash]
	if !ok || cand.request == nil {
		return -1
	}
	return cand.CountVotes()
}

// LockedOutpointOwner returns the transaction that won op.
func (m *Manager) LockedOutpointOwner(op types.Outpoint) (types.Hash, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.won[op]
	return h, ok
}

// AlreadyHave reports whether hash names a known lock request or vote.
func (m *Manager) AlreadyHave(hash types.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accepted[hash]; ok {
		return true
	}
	if _, ok := m.rejected[hash]; ok {
		return true
	}
	if _, ok := m.votes[hash]; ok {
		return true
	}
	_, ok := m.orphans[hash]
	return ok
}

// GetLockRequest returns an accepted lock request.
func (m *Manager) GetLockRequest(txHash types.Hash) (*LockRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.accepted[txHash]
	return req, ok
}

// GetVote returns a known vote, orphan or not.
func (m *Manager) GetVote(hash types.Hash) (*Vote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.votes[hash]; ok {
		return v, true
	}
	v, ok := m.orphans[hash]
	return v, ok
}

// Relay re-broadcasts the request and all votes collected for txHash.
func (m *Manager) Relay(txHash types.Hash) error {
	m.mu.Lock()
	cand, ok := m.candidates[txHash]
	if !ok || cand.request == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCandidate, txHash.Short())
	}
	req := cand.request
	votes := cand.votes()
	m.mu.Unlock()

	if m.net == nil {
		return nil
	}
	if err := m.net.RelayLockRequest(req); err != nil {
		return fmt.Errorf("relay lock request: %w", err)
	}
	for _, v := range votes {
		if err := m.net.RelayVote(v); err != nil {
			return fmt.Errorf("relay lock vote: %w", err)
		}
	}
	return nil
}

// Info returns table sizes and the tip the engine last saw.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	locked := 0
	for hash := range m.candidates {
		if m.isLockedLocked(hash) {
			locked++
		}
	}
	return Info{
		Height:             m.tipHeight,
		AutoLockActive:     m.autoLock,
		AcceptedRequests:   len(m.accepted),
		RejectedRequests:   len(m.rejected),
		Candidates:         len(m.candidates),
		LockedTransactions: locked,
		LockedOutpoints:    len(m.won),
		Votes:              len(m.votes),
		OrphanVotes:        len(m.orphans),
		OrphanRateSamples:  m.limiter.Samples(),
	}
}
