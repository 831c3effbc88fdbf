package p2p

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	klog "github.com/Klingon-tech/klingnet-instantsend/internal/log"
)

// Ban thresholds and durations.
const (
	BanThreshold = 100
	BanDuration  = 24 * time.Hour
)

// BanManager accumulates misbehaviour scores per peer and bans peers that
// reach BanThreshold.
type BanManager struct {
	mu     sync.RWMutex
	scores map[peer.ID]int
	bans   map[peer.ID]*BanRecord
	store  *BanStore        // nil disables persistence
	onBan  func(id peer.ID) // called outside the lock
	now    func() time.Time
}

// NewBanManager creates a BanManager. store and onBan may be nil.
func NewBanManager(store *BanStore, onBan func(id peer.ID)) *BanManager {
	return &BanManager{
		scores: make(map[peer.ID]int),
		bans:   make(map[peer.ID]*BanRecord),
		store:  store,
		onBan:  onBan,
		now:    time.Now,
	}
}

// LoadBans restores persisted bans that are still running.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}
	now := bm.now()
	if _, err := bm.store.PruneExpired(now); err != nil {
		klog.P2P.Warn().Err(err).Msg("Failed to prune expired bans")
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	_ = bm.store.ForEach(func(rec *BanRecord) error {
		id, err := peer.Decode(rec.ID)
		if err != nil || rec.IsExpiredAt(now) {
			return nil
		}
		bm.bans[id] = rec
		return nil
	})
}

// RecordOffense adds penalty to the peer's score and bans it once the
// score reaches BanThreshold. It returns true if this call banned the peer.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) bool {
	if penalty <= 0 {
		return false
	}
	now := bm.now()

	bm.mu.Lock()
	if rec, ok := bm.bans[id]; ok && !rec.IsExpiredAt(now) {
		bm.mu.Unlock()
		return false
	}
	bm.scores[id] += penalty
	score := bm.scores[id]
	if score < BanThreshold {
		bm.mu.Unlock()
		klog.P2P.Debug().
			Str("peer", shortID(id)).
			Int("penalty", penalty).
			Int("score", score).
			Str("reason", reason).
			Msg("Peer misbehaving")
		return false
	}
	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     score,
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[id] = rec
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			klog.P2P.Warn().Err(err).Msg("Failed to persist ban")
		}
	}
	klog.P2P.Warn().
		Str("peer", shortID(id)).
		Str("reason", reason).
		Int("score", score).
		Msg("Peer banned")
	if bm.onBan != nil {
		bm.onBan(id)
	}
	return true
}

// Score returns the peer's accumulated score below the ban threshold.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.scores[id]
}

// IsBanned reports whether the peer is currently banned. Expired bans are
// dropped on the way.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[id]
	bm.mu.RUnlock()
	if !ok {
		return false
	}
	if !rec.IsExpiredAt(bm.now()) {
		return true
	}
	bm.mu.Lock()
	delete(bm.bans, id)
	bm.mu.Unlock()
	if bm.store != nil {
		_ = bm.store.Delete(id)
	}
	return false
}

// Unban lifts a ban and clears the score.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	bm.mu.Unlock()
	if bm.store != nil {
		_ = bm.store.Delete(id)
	}
}

// ClearAll lifts every ban, persisted ones included.
func (bm *BanManager) ClearAll() {
	bm.mu.Lock()
	ids := make([]peer.ID, 0, len(bm.bans))
	for id := range bm.bans {
		ids = append(ids, id)
	}
	bm.bans = make(map[peer.ID]*BanRecord)
	bm.scores = make(map[peer.ID]int)
	bm.mu.Unlock()

	if bm.store == nil {
		return
	}
	_, _ = bm.store.s.prune(func(*BanRecord) bool { return true })
	klog.P2P.Info().Int("bans", len(ids)).Msg("Ban list cleared")
}

// BanList returns the active bans ordered by ban time.
func (bm *BanManager) BanList() []BanRecord {
	now := bm.now()
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	list := make([]BanRecord, 0, len(bm.bans))
	for _, rec := range bm.bans {
		if !rec.IsExpiredAt(now) {
			list = append(list, *rec)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].BannedAt != list[j].BannedAt {
			return list[i].BannedAt < list[j].BannedAt
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// PruneExpired drops bans that have run out.
func (bm *BanManager) PruneExpired() {
	now := bm.now()
	bm.mu.Lock()
	for id, rec := range bm.bans {
		if rec.IsExpiredAt(now) {
			delete(bm.bans, id)
		}
	}
	bm.mu.Unlock()
	if bm.store != nil {
		_, _ = bm.store.PruneExpired(now)
	}
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
