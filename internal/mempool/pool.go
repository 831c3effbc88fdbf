// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-instantsend/internal/utxo"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// DefaultMaxSize is the pool capacity used when New is given a
// non-positive size.
const DefaultMaxSize = 5000

// Mempool errors.
var (
	ErrAlreadyExists     = errors.New("transaction already in mempool")
	ErrConflict          = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull          = errors.New("mempool is full")
	ErrValidation        = errors.New("transaction failed validation")
	ErrFeeTooLow         = errors.New("transaction fee below minimum")
	ErrCoinbaseNotMature = errors.New("coinbase output not mature")
	ErrLockedInput       = errors.New("input is instantly locked by another transaction")
)

// LockChecker reports which transaction holds an instant lock on an outpoint.
type LockChecker interface {
	LockedOutpointOwner(op types.Outpoint) (types.Hash, bool)
}

// entry wraps a transaction with its fee and metadata.
type entry struct {
	tx      *tx.Transaction
	txHash  types.Hash
	fee     uint64
	feeRate float64 // fee per byte of SigningBytes.
}

// Pool holds unconfirmed transactions.
type Pool struct {
	mu         sync.RWMutex
	txs        map[types.Hash]*entry         // txHash -> entry
	spends     map[types.Outpoint]types.Hash // outpoint -> txHash (conflict index)
	maxSize    int
	minFeeRate uint64 // Minimum fee rate in base units per byte (0 = no minimum).
	utxos      tx.UTXOProvider
	policy     *Policy
	locks      LockChecker

	// Coinbase maturity checking.
	utxoSet          utxo.Set      // For maturity checks (nil = disabled).
	heightFn         func() uint64 // Current chain height.
	coinbaseMaturity uint64        // Required confirmations (0 = disabled).
}

// New creates a new mempool with the given UTXO provider and max size.
func New(utxos tx.UTXOProvider, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Pool{
		txs:     make(map[types.Hash]*entry),
		spends:  make(map[types.Outpoint]types.Hash),
		maxSize: maxSize,
		utxos:   utxos,
		policy:  DefaultPolicy(),
	}
}

// SetMinFeeRate sets the minimum fee rate (base units per byte) for transaction acceptance.
func (p *Pool) SetMinFeeRate(rate uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFeeRate = rate
}

// MinFeeRate returns the current minimum fee rate (base units per byte).
func (p *Pool) MinFeeRate() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minFeeRate
}

// SetPolicy replaces the node-local acceptance policy.
func (p *Pool) SetPolicy(policy *Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
}

// SetLockChecker makes Add refuse spends of outpoints that an instant
// lock assigned to a different transaction.
func (p *Pool) SetLockChecker(lc LockChecker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locks = lc
}

// SetCoinbaseMaturity enables coinbase maturity checking.
func (p *Pool) SetCoinbaseMaturity(maturity uint64, heightFn func() uint64, set utxo.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coinbaseMaturity = maturity
	p.heightFn = heightFn
	p.utxoSet = set
}

// Add validates and adds a transaction to the mempool.
// Returns the computed fee. Rejects duplicates, double-spend conflicts and
// spends of outpoints locked by another transaction.
func (p *Pool) Add(transaction *tx.Transaction) (uint64, error) {
	txHash := transaction.Hash()

	// The lock checker has its own mutex; query it before taking ours.
	p.mu.RLock()
	locks := p.locks
	p.mu.RUnlock()
	if locks != nil {
		for _, in := range transaction.Inputs {
			if owner, ok := locks.LockedOutpointOwner(in.PrevOut); ok && owner != txHash {
				return 0, fmt.Errorf("%w: %s locked by %s", ErrLockedInput, in.PrevOut, owner)
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.txs[txHash]; exists {
		return 0, ErrAlreadyExists
	}

	if p.policy != nil {
		if err := p.policy.Check(transaction); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}

	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if conflictHash, exists := p.spends[in.PrevOut]; exists {
			return 0, fmt.Errorf("%w: input %s already spent by %s", ErrConflict, in.PrevOut, conflictHash)
		}
	}

	if err := p.checkMaturity(transaction); err != nil {
		return 0, err
	}

	fee, err := transaction.ValidateWithUTXOs(p.utxos)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	e := newEntry(transaction, txHash, fee)

	// Enforce minimum fee rate (fee per byte of SigningBytes).
	if p.minFeeRate > 0 {
		sigBytes := uint64(len(transaction.SigningBytes()))
		if requiredFee := p.minFeeRate * sigBytes; fee < requiredFee {
			return 0, fmt.Errorf("%w: got %d, need %d (%d bytes × %d rate)", ErrFeeTooLow, fee, requiredFee, sigBytes, p.minFeeRate)
		}
	}

	// At capacity: evict the lowest fee-rate entry if the new tx pays more.
	if len(p.txs) >= p.maxSize {
		lowestHash, lowestRate := p.findLowestFeeRate()
		if e.feeRate <= lowestRate {
			return 0, ErrPoolFull
		}
		p.removeLocked(lowestHash)
	}

	p.insertLocked(e)
	return fee, nil
}

// AddDisconnected returns transactions from blocks that left the active
// chain to the pool. Entries that no longer validate or conflict with
// pooled spends are dropped. Capacity is restored afterwards by evicting
// the cheapest entries. Returns the number of transactions re-added.
func (p *Pool) AddDisconnected(transactions []*tx.Transaction) int {
	p.mu.Lock()
	added := 0
	for _, t := range transactions {
		if t.IsCoinbase() {
			continue
		}
		txHash := t.Hash()
		if _, exists := p.txs[txHash]; exists {
			continue
		}
		if p.conflictsLocked(t) {
			continue
		}
		fee, err := t.ValidateWithUTXOs(p.utxos)
		if err != nil {
			continue
		}
		p.insertLocked(newEntry(t, txHash, fee))
		added++
	}
	p.mu.Unlock()

	p.Evict()
	return added
}

func newEntry(transaction *tx.Transaction, txHash types.Hash, fee uint64) *entry {
	var feeRate float64
	if sigBytes := len(transaction.SigningBytes()); sigBytes > 0 {
		feeRate = float64(fee) / float64(sigBytes)
	}
	return &entry{tx: transaction, txHash: txHash, fee: fee, feeRate: feeRate}
}

func (p *Pool) insertLocked(e *entry) {
	p.txs[e.txHash] = e
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = e.txHash
		}
	}
}

func (p *Pool) conflictsLocked(t *tx.Transaction) bool {
	for _, in := range t.Inputs {
		if _, exists := p.spends[in.PrevOut]; exists {
			return true
		}
	}
	return false
}

// checkMaturity rejects spends of immature coinbase outputs.
// Must be called with p.mu held.
func (p *Pool) checkMaturity(transaction *tx.Transaction) error {
	if p.coinbaseMaturity == 0 || p.utxoSet == nil {
		return nil
	}
	currentHeight := p.heightFn()
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		u, err := p.utxoSet.Get(in.PrevOut)
		if err != nil || !u.Coinbase {
			continue
		}
		if currentHeight < u.Height || currentHeight-u.Height < p.coinbaseMaturity {
			return fmt.Errorf("%w: need %d confirmations, have %d",
				ErrCoinbaseNotMature, p.coinbaseMaturity, u.Confirmations(currentHeight))
		}
	}
	return nil
}

// Remove removes a transaction from the mempool by hash.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

func (p *Pool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() {
			delete(p.spends, in.PrevOut)
		}
	}
	delete(p.txs, txHash)
}

// RemoveConfirmed removes all transactions that were included in a block,
// along with any pooled transaction that spends the same inputs.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		p.removeLocked(t.Hash())
		p.removeConflictingLocked(t)
	}
}

// RemoveConflicting evicts every pooled transaction, other than t itself,
// that spends one of t's inputs. Returns the evicted hashes.
func (p *Pool) RemoveConflicting(t *tx.Transaction) []types.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeConflictingLocked(t)
}

func (p *Pool) removeConflictingLocked(t *tx.Transaction) []types.Hash {
	txHash := t.Hash()
	var evicted []types.Hash
	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		spender, ok := p.spends[in.PrevOut]
		if !ok || spender == txHash {
			continue
		}
		p.removeLocked(spender)
		evicted = append(evicted, spender)
	}
	return evicted
}

// SpentBy returns the pooled transaction spending op, if any.
func (p *Pool) SpentBy(op types.Outpoint) (types.Hash, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.spends[op]
	return h, ok
}

// UsedShare returns the pool occupancy as a fraction of its capacity.
func (p *Pool) UsedShare() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return float64(len(p.txs)) / float64(p.maxSize)
}

// Has checks if a transaction exists in the mempool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// GetFee returns the fee for a transaction in the mempool (0 if not found).
func (p *Pool) GetFee(txHash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return 0
	}
	return e.fee
}

// Count returns the number of transactions in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// MaxSize returns the pool capacity.
func (p *Pool) MaxSize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxSize
}

// Hashes returns the hashes of all transactions in the mempool.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

// findLowestFeeRate returns the hash and fee rate of the lowest fee-rate entry.
// Must be called with p.mu held.
func (p *Pool) findLowestFeeRate() (types.Hash, float64) {
	var lowestHash types.Hash
	lowestRate := math.MaxFloat64
	for h, e := range p.txs {
		if e.feeRate < lowestRate {
			lowestRate = e.feeRate
			lowestHash = h
		}
	}
	return lowestHash, lowestRate
}

// SelectForBlock returns transactions ordered by fee rate (highest first),
// up to the given limit.
func (p *Pool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].feeRate != entries[j].feeRate {
			return entries[i].feeRate > entries[j].feeRate
		}
		return entries[i].txHash.Compare(entries[j].txHash) < 0
	})

	if limit > len(entries) {
		limit = len(entries)
	}
	result := make([]*tx.Transaction, limit)
	for i := 0; i < limit; i++ {
		result[i] = entries[i].tx
	}
	return result
}
