package instantsend

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	klog "github.com/Klingon-tech/klingnet-instantsend/internal/log"
	"github.com/Klingon-tech/klingnet-instantsend/internal/storage"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// SnapshotVersion tags the snapshot layout. A snapshot written with a
// different tag is discarded.
const SnapshotVersion = "klingnet-instantsend-1"

var snapshotKey = []byte("instantsend/snapshot")

// Snapshot serializes the lock state.
//
// Layout (little endian, strings and blobs length-prefixed with u32):
//
//	version | height(8)
//	accepted: n(4) [request]...
//	rejected: n(4) [request | at(8)]...
//	votes:    n(4) [vote]...
//	orphans:  n(4) [vote]...
//	candidates: n(4) [tx(32) | has_request(1) [request] | confirmed(8) | created(8) | failed(1) |
//	                  locks: n(4) [outpoint(36) | state(1) | votes: n(4) [vote]...]...]...
//	won:      n(4) [outpoint(36) | tx(32)]...
//	own:      n(4) [outpoint(36) | tx(32)]...
//	orphan rate: n(4) [masternode(36) | at(8) | tx(32)]...
//
// Requests are the JSON wire form. Votes carry their local fields.
func (m *Manager) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &snapWriter{}
	w.bytes([]byte(SnapshotVersion))
	w.u64(m.tipHeight)

	w.u32(uint32(len(m.accepted)))
	for _, req := range m.accepted {
		w.request(req)
	}
	w.u32(uint32(len(m.rejected)))
	for _, r := range m.rejected {
		w.request(r.req)
		w.time(r.at)
	}
	w.u32(uint32(len(m.votes)))
	for _, v := range m.votes {
		w.vote(v)
	}
	w.u32(uint32(len(m.orphans)))
	for _, v := range m.orphans {
		w.vote(v)
	}

	w.u32(uint32(len(m.candidates)))
	for _, c := range m.candidates {
		w.hash(c.txHash)
		if c.request != nil {
			w.u8(1)
			w.request(c.request)
		} else {
			w.u8(0)
		}
		w.i64(c.confirmedHeight)
		w.time(c.createdAt)
		w.bool(c.failed)
		w.u32(uint32(len(c.locks)))
		for _, op := range c.Outpoints() {
			l := c.locks[op]
			w.outpoint(op)
			w.u8(uint8(l.state))
			votes := l.Votes()
			w.u32(uint32(len(votes)))
			for _, v := range votes {
				w.vote(v)
			}
		}
	}

	w.u32(uint32(len(m.won)))
	for op, h := range m.won {
		w.outpoint(op)
		w.hash(h)
	}
	w.u32(uint32(len(m.ownVotes)))
	for op, h := range m.ownVotes {
		w.outpoint(op)
		w.hash(h)
	}
	w.u32(uint32(len(m.limiter.last)))
	for mn, mark := range m.limiter.last {
		w.outpoint(mn)
		w.time(mark.at)
		w.hash(mark.txHash)
	}

	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// Restore replaces the lock state with a snapshot. A snapshot with another
// version tag clears all state and returns ErrVersionMismatch. A corrupt
// snapshot leaves the state untouched.
func (m *Manager) Restore(data []byte) error {
	r := &snapReader{data: data}
	version := string(r.bytes())
	if r.err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, r.err)
	}
	if version != SnapshotVersion {
		m.Clear()
		return fmt.Errorf("%w: have %q, want %q", ErrVersionMismatch, version, SnapshotVersion)
	}

	st, err := decodeState(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.accepted = st.accepted
	m.rejected = st.rejected
	m.votes = st.votes
	m.candidates = st.candidates
	m.won = st.won
	m.ownVotes = st.ownVotes
	m.orphans = make(map[types.Hash]*Vote)
	m.orphansByTx = make(map[types.Hash]map[types.Hash]struct{})
	m.orphanKeys = make(map[orphanKey]types.Hash)
	m.orphansByMN = make(map[types.Outpoint]int)
	for h, v := range st.orphans {
		m.orphans[h] = v
		m.orphanKeys[orphanKey{txHash: v.TxHash, outpoint: v.Outpoint, mn: v.MasternodeOutpoint}] = h
		m.orphansByMN[v.MasternodeOutpoint]++
		set := m.orphansByTx[v.TxHash]
		if set == nil {
			set = make(map[types.Hash]struct{})
			m.orphansByTx[v.TxHash] = set
		}
		set[h] = struct{}{}
	}
	m.voted = make(map[types.Outpoint]map[types.Hash]struct{})
	for hash, c := range m.candidates {
		for op, l := range c.locks {
			if len(l.votes) == 0 {
				continue
			}
			set := m.voted[op]
			if set == nil {
				set = make(map[types.Hash]struct{})
				m.voted[op] = set
			}
			set[hash] = struct{}{}
		}
	}
	m.limiter.reset()
	m.limiter.last = st.orphanRate
	m.mu.Unlock()

	klog.InstantSend.Info().
		Int("candidates", len(st.candidates)).
		Int("votes", len(st.votes)).
		Int("locked_outpoints", len(st.won)).
		Msg("Lock state restored")
	return nil
}

type decodedState struct {
	accepted   map[types.Hash]*LockRequest
	rejected   map[types.Hash]rejectedRequest
	votes      map[types.Hash]*Vote
	orphans    map[types.Hash]*Vote
	candidates map[types.Hash]*Candidate
	won        map[types.Outpoint]types.Hash
	ownVotes   map[types.Outpoint]types.Hash
	orphanRate map[types.Outpoint]orphanMark
}

func decodeState(r *snapReader) (*decodedState, error) {
	st := &decodedState{
		accepted:   make(map[types.Hash]*LockRequest),
		rejected:   make(map[types.Hash]rejectedRequest),
		votes:      make(map[types.Hash]*Vote),
		orphans:    make(map[types.Hash]*Vote),
		candidates: make(map[types.Hash]*Candidate),
		won:        make(map[types.Outpoint]types.Hash),
		ownVotes:   make(map[types.Outpoint]types.Hash),
		orphanRate: make(map[types.Outpoint]orphanMark),
	}
	r.u64() // height at snapshot time; the tip comes from the chain

	for n := r.count(); n > 0 && r.err == nil; n-- {
		if req := r.request(); req != nil {
			st.accepted[req.Hash()] = req
		}
	}
	for n := r.count(); n > 0 && r.err == nil; n-- {
		req := r.request()
		at := r.time()
		if req != nil {
			st.rejected[req.Hash()] = rejectedRequest{req: req, at: at}
		}
	}
	for n := r.count(); n > 0 && r.err == nil; n-- {
		v := r.vote()
		st.votes[v.Hash()] = v
	}
	for n := r.count(); n > 0 && r.err == nil; n-- {
		v := r.vote()
		st.orphans[v.Hash()] = v
	}

	for n := r.count(); n > 0 && r.err == nil; n-- {
		txHash := r.hash()
		var req *LockRequest
		if r.u8() == 1 {
			req = r.request()
		}
		c := newCandidate(txHash, req, time.Time{})
		c.confirmedHeight = r.i64()
		c.createdAt = r.time()
		c.failed = r.bool()
		for nl := r.count(); nl > 0 && r.err == nil; nl-- {
			op := r.outpoint()
			l := NewOutpointLock(op)
			l.state = LockState(r.u8())
			for nv := r.count(); nv > 0 && r.err == nil; nv-- {
				v := r.vote()
				// Share the vote with the vote table when it is still there.
				if shared, ok := st.votes[v.Hash()]; ok {
					v = shared
				}
				l.votes[v.MasternodeOutpoint] = v
			}
			c.locks[op] = l
		}
		st.candidates[txHash] = c
	}

	for n := r.count(); n > 0 && r.err == nil; n-- {
		op := r.outpoint()
		st.won[op] = r.hash()
	}
	for n := r.count(); n > 0 && r.err == nil; n-- {
		op := r.outpoint()
		st.ownVotes[op] = r.hash()
	}
	for n := r.count(); n > 0 && r.err == nil; n-- {
		mn := r.outpoint()
		at := r.time()
		st.orphanRate[mn] = orphanMark{at: at, txHash: r.hash()}
	}

	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, r.err)
	}
	if len(r.data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptSnapshot, len(r.data))
	}
	return st, nil
}

// Save writes a snapshot to db.
func (m *Manager) Save(db storage.DB) error {
	data, err := m.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot lock state: %w", err)
	}
	if err := db.Put(snapshotKey, data); err != nil {
		return fmt.Errorf("store lock state: %w", err)
	}
	return nil
}

// Load restores the snapshot saved in db, if any. A snapshot from another
// version is dropped and the engine starts empty.
func (m *Manager) Load(db storage.DB) error {
	data, err := db.Get(snapshotKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load lock state: %w", err)
	}
	if err := m.Restore(data); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			klog.InstantSend.Warn().Err(err).Msg("Discarding lock state")
			return nil
		}
		return err
	}
	return nil
}

type snapWriter struct {
	buf []byte
	err error
}

func (w *snapWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *snapWriter) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *snapWriter) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *snapWriter) i64(v int64)  { w.u64(uint64(v)) }

func (w *snapWriter) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *snapWriter) time(t time.Time) {
	if t.IsZero() {
		w.i64(0)
		return
	}
	w.i64(t.UnixNano())
}

func (w *snapWriter) hash(h types.Hash)          { w.buf = append(w.buf, h[:]...) }
func (w *snapWriter) outpoint(op types.Outpoint) { w.buf = op.AppendTo(w.buf) }

func (w *snapWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *snapWriter) request(req *LockRequest) {
	data, err := json.Marshal(req)
	if err != nil && w.err == nil {
		w.err = fmt.Errorf("encode lock request: %w", err)
	}
	w.bytes(data)
}

func (w *snapWriter) vote(v *Vote) {
	w.hash(v.TxHash)
	w.outpoint(v.Outpoint)
	w.outpoint(v.MasternodeOutpoint)
	w.bytes(v.Signature)
	w.i64(v.confirmedHeight)
	w.time(v.createdAt)
}

type snapReader struct {
	data []byte
	err  error
}

func (r *snapReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data) < n {
		r.err = fmt.Errorf("short read: need %d bytes, have %d", n, len(r.data))
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *snapReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *snapReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *snapReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *snapReader) i64() int64 { return int64(r.u64()) }
func (r *snapReader) bool() bool { return r.u8() == 1 }

// count reads a table length and rejects lengths that cannot fit in the
// remaining data.
func (r *snapReader) count() int {
	n := r.u32()
	if r.err == nil && int(n) > len(r.data) {
		r.err = fmt.Errorf("table length %d exceeds remaining %d bytes", n, len(r.data))
		return 0
	}
	return int(n)
}

func (r *snapReader) time() time.Time {
	ns := r.i64()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (r *snapReader) hash() types.Hash {
	var h types.Hash
	copy(h[:], r.take(types.HashSize))
	return h
}

func (r *snapReader) outpoint() types.Outpoint {
	h := r.hash()
	return types.Outpoint{TxID: h, Index: r.u32()}
}

func (r *snapReader) bytes() []byte {
	n := r.u32()
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *snapReader) request() *LockRequest {
	data := r.bytes()
	if r.err != nil {
		return nil
	}
	var req LockRequest
	if err := json.Unmarshal(data, &req); err != nil {
		r.err = fmt.Errorf("decode lock request: %w", err)
		return nil
	}
	return &req
}

func (r *snapReader) vote() *Vote {
	v := &Vote{
		TxHash:             r.hash(),
		Outpoint:           r.outpoint(),
		MasternodeOutpoint: r.outpoint(),
		Signature:          r.bytes(),
	}
	v.confirmedHeight = r.i64()
	v.createdAt = r.time()
	return v
}
