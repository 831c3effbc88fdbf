package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-instantsend/internal/storage"
)

const (
	staleThreshold    = 24 * time.Hour
	persistInterval   = 5 * time.Minute
	maxPersistedPeers = 500
)

// jsonStore keeps JSON records keyed by peer ID inside a prefixed
// namespace. Records that fail to decode are skipped on read and dropped
// on prune.
type jsonStore[T any] struct {
	db storage.DB
}

func newJSONStore[T any](db storage.DB, prefix string) jsonStore[T] {
	return jsonStore[T]{db: storage.NewPrefixDB(db, []byte(prefix))}
}

func (s jsonStore[T]) put(id string, rec *T) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return s.db.Put([]byte(id), data)
}

func (s jsonStore[T]) get(id string) (*T, error) {
	data, err := s.db.Get([]byte(id))
	if err != nil {
		return nil, err
	}
	var rec T
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func (s jsonStore[T]) has(id string) (bool, error) { return s.db.Has([]byte(id)) }
func (s jsonStore[T]) delete(id string) error      { return s.db.Delete([]byte(id)) }

func (s jsonStore[T]) each(fn func(*T) error) error {
	return s.db.ForEach(nil, func(_, value []byte) error {
		var rec T
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		return fn(&rec)
	})
}

func (s jsonStore[T]) count() (int, error) {
	n := 0
	err := s.db.ForEach(nil, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// prune deletes every record for which drop returns true.
func (s jsonStore[T]) prune(drop func(*T) bool) (int, error) {
	var keys [][]byte
	err := s.db.ForEach(nil, func(key, value []byte) error {
		var rec T
		if err := json.Unmarshal(value, &rec); err != nil || drop(&rec) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate records: %w", err)
	}
	for _, k := range keys {
		if err := s.db.Delete(k); err != nil {
			return 0, fmt.Errorf("delete record: %w", err)
		}
	}
	return len(keys), nil
}

// BanRecord is a persisted ban entry.
type BanRecord struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"` // 0 = permanent
}

// IsExpiredAt reports whether a timed ban has run out at now.
func (r *BanRecord) IsExpiredAt(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// IsExpired is IsExpiredAt(time.Now()).
func (r *BanRecord) IsExpired() bool {
	return r.IsExpiredAt(time.Now())
}

// BanStore persists bans under "ban/".
type BanStore struct {
	s jsonStore[BanRecord]
}

// NewBanStore creates a BanStore backed by db.
func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{s: newJSONStore[BanRecord](db, "ban/")}
}

// Get returns the ban for id.
func (bs *BanStore) Get(id peer.ID) (*BanRecord, error) { return bs.s.get(id.String()) }

// Put persists rec.
func (bs *BanStore) Put(rec *BanRecord) error { return bs.s.put(rec.ID, rec) }

// Delete removes the ban for id.
func (bs *BanStore) Delete(id peer.ID) error { return bs.s.delete(id.String()) }

// ForEach calls fn for every readable ban record.
func (bs *BanStore) ForEach(fn func(*BanRecord) error) error { return bs.s.each(fn) }

// PruneExpired drops bans that ran out before now.
func (bs *BanStore) PruneExpired(now time.Time) (int, error) {
	return bs.s.prune(func(r *BanRecord) bool { return r.IsExpiredAt(now) })
}

// PeerRecord is a persisted peer entry used to reconnect after restart.
type PeerRecord struct {
	ID       string   `json:"id"`
	Addrs    []string `json:"addrs"`
	LastSeen int64    `json:"last_seen"`
	Source   string   `json:"source"` // "dht", "mdns", "seed"
}

// PeerStore persists known peers under "peer/".
type PeerStore struct {
	s jsonStore[PeerRecord]
}

// NewPeerStore creates a PeerStore backed by db.
func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{s: newJSONStore[PeerRecord](db, "peer/")}
}

// Save persists rec. New peers are skipped once maxPersistedPeers are stored.
func (ps *PeerStore) Save(rec PeerRecord) error {
	known, err := ps.s.has(rec.ID)
	if err != nil {
		return fmt.Errorf("check peer: %w", err)
	}
	if !known {
		n, err := ps.s.count()
		if err != nil {
			return fmt.Errorf("count peers: %w", err)
		}
		if n >= maxPersistedPeers {
			return nil
		}
	}
	return ps.s.put(rec.ID, &rec)
}

// Load returns the record for id.
func (ps *PeerStore) Load(id peer.ID) (*PeerRecord, error) { return ps.s.get(id.String()) }

// LoadAll returns every readable peer record.
func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var out []PeerRecord
	if err := ps.s.each(func(r *PeerRecord) error {
		out = append(out, *r)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("iterate peer records: %w", err)
	}
	return out, nil
}

// Delete removes the record for id.
func (ps *PeerStore) Delete(id peer.ID) error { return ps.s.delete(id.String()) }

// Count returns the number of stored peers.
func (ps *PeerStore) Count() (int, error) { return ps.s.count() }

// PruneStale drops peers not seen within threshold of now.
func (ps *PeerStore) PruneStale(now time.Time, threshold time.Duration) (int, error) {
	cutoff := now.Add(-threshold).Unix()
	return ps.s.prune(func(r *PeerRecord) bool { return r.LastSeen < cutoff })
}
