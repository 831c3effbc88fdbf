package instantsend

import (
	"time"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// Orphan limiter defaults.
const (
	DefaultOrphanRateWindow     = 64
	DefaultOrphanRateMinSamples = 8
	DefaultOrphanRateFactor     = 4
	DefaultOrphanBurst          = 32
)

type orphanMark struct {
	at     time.Time
	txHash types.Hash
	burst  int
}

// orphanLimiter throttles masternodes that send orphan votes much faster
// than the network average. It keeps a ring of the most recent intervals
// between consecutive orphan votes of the same masternode.
type orphanLimiter struct {
	window     int
	minSamples int
	factor     int
	burst      int

	intervals []time.Duration
	next      int
	filled    int
	sum       time.Duration

	last map[types.Outpoint]orphanMark
}

func newOrphanLimiter(window, minSamples, factor, burst int) *orphanLimiter {
	if window <= 0 {
		window = DefaultOrphanRateWindow
	}
	if minSamples <= 0 {
		minSamples = DefaultOrphanRateMinSamples
	}
	if minSamples > window {
		minSamples = window
	}
	if factor <= 0 {
		factor = DefaultOrphanRateFactor
	}
	if burst <= 0 {
		burst = DefaultOrphanBurst
	}
	return &orphanLimiter{
		window:     window,
		minSamples: minSamples,
		factor:     factor,
		burst:      burst,
		intervals:  make([]time.Duration, window),
		last:       make(map[types.Outpoint]orphanMark),
	}
}

// Allow records an orphan vote from mn for txHash and reports whether it
// may be kept. Up to burst consecutive votes for the same transaction are
// allowed regardless of pace.
func (l *orphanLimiter) Allow(mn types.Outpoint, txHash types.Hash, now time.Time) bool {
	prev, ok := l.last[mn]
	if ok && prev.txHash == txHash {
		prev.at = now
		prev.burst++
		l.last[mn] = prev
		return prev.burst <= l.burst
	}
	l.last[mn] = orphanMark{at: now, txHash: txHash, burst: 1}
	if !ok {
		return true
	}

	interval := now.Sub(prev.at)
	if interval < 0 {
		interval = 0
	}
	if l.filled >= l.minSamples && interval < l.average()/time.Duration(l.factor) {
		return false
	}
	l.record(interval)
	return true
}

func (l *orphanLimiter) record(d time.Duration) {
	if l.filled == l.window {
		l.sum -= l.intervals[l.next]
	} else {
		l.filled++
	}
	l.intervals[l.next] = d
	l.sum += d
	l.next = (l.next + 1) % l.window
}

func (l *orphanLimiter) average() time.Duration {
	if l.filled == 0 {
		return 0
	}
	return l.sum / time.Duration(l.filled)
}

// Samples returns how many intervals are in the window.
func (l *orphanLimiter) Samples() int { return l.filled }

// Prune forgets masternodes whose last orphan is older than maxAge.
func (l *orphanLimiter) Prune(now time.Time, maxAge time.Duration) {
	for mn, m := range l.last {
		if now.Sub(m.at) > maxAge {
			delete(l.last, mn)
		}
	}
}

func (l *orphanLimiter) reset() {
	for i := range l.intervals {
		l.intervals[i] = 0
	}
	l.next, l.filled, l.sum = 0, 0, 0
	l.last = make(map[types.Outpoint]orphanMark)
}
