package mempool

import "sort"

// Evict removes the lowest fee-rate transactions until the pool is at or
// below its capacity. Returns the number of evicted transactions.
func (p *Pool) Evict() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.txs) <= p.maxSize {
		return 0
	}

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].feeRate != entries[j].feeRate {
			return entries[i].feeRate < entries[j].feeRate
		}
		return entries[i].txHash.Compare(entries[j].txHash) > 0
	})

	evicted := 0
	for len(p.txs) > p.maxSize {
		p.removeLocked(entries[evicted].txHash)
		evicted++
	}
	return evicted
}
