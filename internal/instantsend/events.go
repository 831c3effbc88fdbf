package instantsend

import (
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// Event kinds recorded by EventLog.
const (
	EventLocked   = "locked"
	EventFailed   = "failed"
	EventAttacked = "attacked"
)

// DefaultEventLogSize is the number of events kept when NewEventLog is
// given a non-positive size.
const DefaultEventLogSize = 1024

// Event is a lock outcome as seen by wallets polling the node.
type Event struct {
	Seq      uint64          `json:"seq"`
	Kind     string          `json:"kind"`
	TxHash   types.Hash      `json:"txhash"`
	Outpoint *types.Outpoint `json:"outpoint,omitempty"`
	TxHashes []types.Hash    `json:"txhashes,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Time     int64           `json:"time"`
}

// EventLog is a Notifier that keeps the most recent lock outcomes in a
// fixed-size ring. Sequence numbers start at 1 and never repeat.
type EventLog struct {
	mu   sync.RWMutex
	ring []Event
	next uint64 // seq of the next event
	now  func() time.Time
}

var _ Notifier = (*EventLog)(nil)

// NewEventLog creates an event log holding up to size events.
func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = DefaultEventLogSize
	}
	return &EventLog{
		ring: make([]Event, size),
		next: 1,
		now:  time.Now,
	}
}

func (l *EventLog) add(ev Event) {
	l.mu.Lock()
	ev.Seq = l.next
	ev.Time = l.now().Unix()
	l.ring[ev.Seq%uint64(len(l.ring))] = ev
	l.next++
	l.mu.Unlock()
}

// TxLocked records a finalized lock.
func (l *EventLog) TxLocked(txHash types.Hash) {
	l.add(Event{Kind: EventLocked, TxHash: txHash})
}

// TxLockFailed records a lock that timed out or was refused.
func (l *EventLog) TxLockFailed(txHash types.Hash, reason string) {
	l.add(Event{Kind: EventFailed, TxHash: txHash, Reason: reason})
}

// OutpointAttacked records a double-spend attempt against a voted input.
func (l *EventLog) OutpointAttacked(op types.Outpoint, txs []types.Hash) {
	l.add(Event{
		Kind:     EventAttacked,
		Outpoint: &op,
		TxHashes: append([]types.Hash(nil), txs...),
	})
}

// Since returns up to limit events with a sequence number greater than
// seq, oldest first. Events that fell out of the ring are skipped.
// A non-positive limit returns everything available.
func (l *EventLog) Since(seq uint64, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := uint64(len(l.ring))
	first := seq + 1
	if l.next > size && first < l.next-size {
		first = l.next - size
	}
	if first < 1 {
		first = 1
	}

	out := make([]Event, 0)
	for s := first; s < l.next; s++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, l.ring[s%size])
	}
	return out
}

// LastSeq returns the sequence number of the newest event, or 0.
func (l *EventLog) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next - 1
}
