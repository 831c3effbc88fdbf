package masternode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/decred/dcrd/lru"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	klog "github.com/Klingon-tech/klingnet-instantsend/internal/log"
	"github.com/Klingon-tech/klingnet-instantsend/internal/storage"
	"github.com/Klingon-tech/klingnet-instantsend/internal/utxo"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// Registry errors.
var (
	ErrAlreadySeen        = errors.New("announcement already seen")
	ErrMalformed          = errors.New("malformed announcement")
	ErrBadSignature       = errors.New("invalid announcement signature")
	ErrProtocolTooOld     = errors.New("protocol version too old")
	ErrSigTimeFuture      = errors.New("announcement signed too far in the future")
	ErrStale              = errors.New("announcement older than known record")
	ErrCollateralMissing  = errors.New("collateral output not found")
	ErrCollateralValue    = errors.New("collateral has wrong value")
	ErrCollateralOwner    = errors.New("collateral not owned by announcing key")
	ErrCollateralImmature = errors.New("collateral not deep enough")
	ErrUnknownMasternode  = errors.New("unknown masternode")
	ErrIneligible         = errors.New("masternode not eligible for ranking")
	ErrNoBlockHash        = errors.New("no block hash at quorum height")
)

// seenCacheSize bounds the announcement hashes remembered for dedup.
const seenCacheSize = 10_000

// ChainView is the chain state the registry needs to check collateral and
// to seed ranking.
type ChainView interface {
	Height() uint64
	GetUTXO(op types.Outpoint) (*utxo.UTXO, error)
	BlockHashAt(height uint64) (types.Hash, error)
}

// Record is a known masternode.
type Record struct {
	Announcement     Announcement `json:"announcement"`
	CollateralHeight uint64       `json:"collateral_height"`
	LastSeen         int64        `json:"last_seen"`
	PoSeBanned       bool         `json:"pose_banned,omitempty"`
	BanReason        string       `json:"ban_reason,omitempty"`
}

// Outpoint returns the collateral outpoint identifying the masternode.
func (r *Record) Outpoint() types.Outpoint {
	return r.Announcement.Outpoint
}

// PubKey returns the key the masternode signs with.
func (r *Record) PubKey() []byte {
	return r.Announcement.PubKey
}

// Registry holds all known masternodes keyed by collateral outpoint.
type Registry struct {
	mu      sync.RWMutex
	records map[types.Outpoint]*Record
	chain   ChainView
	rules   config.MasternodeRules
	seen    lru.Cache
	db      storage.DB // nil disables persistence
	now     func() time.Time
}

// NewRegistry creates a registry. db may be nil.
func NewRegistry(chain ChainView, rules config.MasternodeRules, db storage.DB) *Registry {
	r := &Registry{
		records: make(map[types.Outpoint]*Record),
		chain:   chain,
		rules:   rules,
		seen:    lru.NewCache(seenCacheSize),
		now:     time.Now,
	}
	if db != nil {
		r.db = storage.NewPrefixDB(db, []byte("mn/"))
	}
	return r
}

// Load restores records persisted by a previous run.
func (r *Registry) Load() error {
	if r.db == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.ForEach(nil, func(_, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode masternode record: %w", err)
		}
		r.records[rec.Outpoint()] = &rec
		return nil
	})
}

// ProcessAnnouncement validates an announcement and adds or refreshes the
// masternode it describes. ErrAlreadySeen means the announcement was
// handled before and should be neither relayed nor penalised.
func (r *Registry) ProcessAnnouncement(ann *Announcement) error {
	hash := ann.Hash()
	if r.seen.Contains(hash) {
		return ErrAlreadySeen
	}
	if err := ann.CheckStructure(); err != nil {
		return err
	}
	if !ann.VerifySignature() {
		return ErrBadSignature
	}
	r.seen.Add(hash)

	if ann.ProtocolVersion < r.rules.MinProtocolVersion {
		return fmt.Errorf("%w: %d < %d", ErrProtocolTooOld, ann.ProtocolVersion, r.rules.MinProtocolVersion)
	}
	now := r.now()
	if maxTime := now.Unix() + r.rules.MaxSigTimeDrift; ann.SigTime > maxTime {
		return fmt.Errorf("%w: %d > %d", ErrSigTimeFuture, ann.SigTime, maxTime)
	}

	collateralHeight, err := r.checkCollateral(ann)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, known := r.records[ann.Outpoint]
	if known && rec.Announcement.SigTime >= ann.SigTime {
		return ErrStale
	}
	if !known {
		rec = &Record{}
		r.records[ann.Outpoint] = rec
	}
	rec.Announcement = *ann
	rec.CollateralHeight = collateralHeight
	rec.LastSeen = now.Unix()

	if err := r.persistLocked(rec); err != nil {
		return err
	}
	if !known {
		klog.Masternode.Info().
			Str("outpoint", ann.Outpoint.Short()).
			Str("addr", ann.Addr).
			Msg("Masternode added")
	}
	return nil
}

// checkCollateral verifies the collateral output and returns its height.
func (r *Registry) checkCollateral(ann *Announcement) (uint64, error) {
	u, err := utxo.GetConfirmed(r.chain, ann.Outpoint, r.chain.Height(), r.rules.MinConfirmations)
	immature := errors.Is(err, utxo.ErrUnconfirmed)
	if err != nil && !immature {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrCollateralMissing, ann.Outpoint)
		}
		return 0, fmt.Errorf("lookup collateral: %w", err)
	}
	if u.Value != r.rules.Collateral {
		return 0, fmt.Errorf("%w: %d, want %d", ErrCollateralValue, u.Value, r.rules.Collateral)
	}
	if u.Script.Type != types.ScriptTypeP2PKH || !bytes.Equal(u.Script.Data, ann.Address().Bytes()) {
		return 0, ErrCollateralOwner
	}
	if immature {
		return 0, fmt.Errorf("%w: %v", ErrCollateralImmature, err)
	}
	return u.Height, nil
}

// FindByOutpoint returns a copy of the record for a collateral outpoint.
func (r *Registry) FindByOutpoint(op types.Outpoint) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[op]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// FindByPubKey returns the record whose signing key is pubKey.
func (r *Registry) FindByPubKey(pubKey []byte) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if bytes.Equal(rec.PubKey(), pubKey) {
			cp := *rec
			return &cp, true
		}
	}
	return nil, false
}

// Rank returns the 1-based position of a masternode among all eligible
// masternodes for the quorum seeded at height. Eligible means not banned,
// speaking at least minProto and with collateral confirmed by height.
// Scores are BLAKE3(blockHash(height) || outpoint), lowest first.
func (r *Registry) Rank(op types.Outpoint, height uint64, minProto uint32) (int, error) {
	blockHash, err := r.chain.BlockHashAt(height)
	if err != nil {
		return 0, fmt.Errorf("%w %d: %v", ErrNoBlockHash, height, err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	target, ok := r.records[op]
	if !ok {
		return 0, ErrUnknownMasternode
	}
	if !eligible(target, height, minProto) {
		return 0, ErrIneligible
	}

	targetScore := score(blockHash, op)
	rank := 1
	for other, rec := range r.records {
		if other == op || !eligible(rec, height, minProto) {
			continue
		}
		s := score(blockHash, other)
		if c := s.Compare(targetScore); c < 0 || (c == 0 && other.String() < op.String()) {
			rank++
		}
	}
	return rank, nil
}

func eligible(rec *Record, height uint64, minProto uint32) bool {
	return !rec.PoSeBanned &&
		rec.Announcement.ProtocolVersion >= minProto &&
		rec.CollateralHeight <= height
}

func score(blockHash types.Hash, op types.Outpoint) types.Hash {
	return crypto.HashParts(blockHash[:], op.Bytes())
}

// Ban marks a masternode as proof-of-service banned. Banned masternodes
// drop out of ranking until they are re-registered with new collateral.
func (r *Registry) Ban(op types.Outpoint, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[op]
	if !ok || rec.PoSeBanned {
		return
	}
	rec.PoSeBanned = true
	rec.BanReason = reason
	if err := r.persistLocked(rec); err != nil {
		klog.Masternode.Warn().Err(err).Msg("Failed to persist ban")
	}
	klog.Masternode.Warn().
		Str("outpoint", op.Short()).
		Str("reason", reason).
		Msg("Masternode PoSe-banned")
}

// IsBanned reports whether the masternode is known and banned.
func (r *Registry) IsBanned(op types.Outpoint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[op]
	return ok && rec.PoSeBanned
}

// List returns copies of all records ordered by outpoint.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Outpoint().String() < out[j].Outpoint().String()
	})
	return out
}

// Count returns the number of known masternodes and how many are not banned.
func (r *Registry) Count() (total, enabled int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if !rec.PoSeBanned {
			enabled++
		}
	}
	return len(r.records), enabled
}

// CheckAndRemove drops masternodes whose collateral was spent or that
// have not re-announced within the expiry window. Returns how many were
// removed.
func (r *Registry) CheckAndRemove() int {
	now := r.now().Unix()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for op, rec := range r.records {
		reason := ""
		switch {
		case r.rules.ExpirySeconds > 0 && now-rec.LastSeen > r.rules.ExpirySeconds:
			reason = "expired"
		default:
			if _, err := r.chain.GetUTXO(op); errors.Is(err, storage.ErrNotFound) {
				reason = "collateral spent"
			}
		}
		if reason == "" {
			continue
		}
		delete(r.records, op)
		if r.db != nil {
			if err := r.db.Delete(op.Bytes()); err != nil {
				klog.Masternode.Warn().Err(err).Msg("Failed to delete masternode record")
			}
		}
		klog.Masternode.Info().
			Str("outpoint", op.Short()).
			Str("reason", reason).
			Msg("Masternode removed")
		removed++
	}
	return removed
}

func (r *Registry) persistLocked(rec *Record) error {
	if r.db == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode masternode record: %w", err)
	}
	if err := r.db.Put(rec.Outpoint().Bytes(), data); err != nil {
		return fmt.Errorf("store masternode record: %w", err)
	}
	return nil
}
