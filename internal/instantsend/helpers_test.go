package instantsend

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/internal/masternode"
	"github.com/Klingon-tech/klingnet-instantsend/internal/storage"
	"github.com/Klingon-tech/klingnet-instantsend/internal/utxo"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

const (
	testTip         = 100
	testFundHeight  = 50
	testInputValue  = 10 * config.Coin
	testFee         = 10_000_000
	testMasternodes = 20
)

var testStart = time.Unix(1_700_000_000, 0)

// --- chain ---

type mockChain struct {
	mu     sync.Mutex
	height uint64
	utxos  map[types.Outpoint]*utxo.UTXO
}

func (c *mockChain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

func (c *mockChain) GetUTXO(op types.Outpoint) (*utxo.UTXO, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.utxos[op]
	if !ok {
		return nil, fmt.Errorf("utxo %s: %w", op.Short(), storage.ErrNotFound)
	}
	return u, nil
}

func (c *mockChain) put(u *utxo.UTXO) {
	c.mu.Lock()
	c.utxos[u.Outpoint] = u
	c.mu.Unlock()
}

func (c *mockChain) spend(op types.Outpoint) {
	c.mu.Lock()
	delete(c.utxos, op)
	c.mu.Unlock()
}

// --- registry ---

type mockRegistry struct {
	mu      sync.Mutex
	records map[types.Outpoint]*masternode.Record
	ranks   map[types.Outpoint]int
	banned  map[types.Outpoint]string
}

func (r *mockRegistry) FindByOutpoint(op types.Outpoint) (*masternode.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[op]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

func (r *mockRegistry) Rank(op types.Outpoint, _ uint64, _ uint32) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.banned[op]; ok {
		return 0, masternode.ErrIneligible
	}
	rank, ok := r.ranks[op]
	if !ok {
		return 0, masternode.ErrUnknownMasternode
	}
	return rank, nil
}

func (r *mockRegistry) Ban(op types.Outpoint, reason string) {
	r.mu.Lock()
	r.banned[op] = reason
	r.mu.Unlock()
}

func (r *mockRegistry) isBanned(op types.Outpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.banned[op]
	return ok
}

// --- mempool ---

type mockPool struct {
	mu      sync.Mutex
	share   float64
	evicted []types.Hash
}

func (p *mockPool) UsedShare() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.share
}

func (p *mockPool) RemoveConflicting(t *tx.Transaction) []types.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evicted = append(p.evicted, t.Hash())
	return nil
}

// --- network ---

type penalty struct {
	peer  string
	score int
}

type mockNet struct {
	mu        sync.Mutex
	requests  []types.Hash
	votes     []*Vote
	penalties []penalty
	asked     []types.Outpoint
}

func (n *mockNet) RelayLockRequest(req *LockRequest) error {
	n.mu.Lock()
	n.requests = append(n.requests, req.Hash())
	n.mu.Unlock()
	return nil
}

func (n *mockNet) RelayVote(v *Vote) error {
	n.mu.Lock()
	n.votes = append(n.votes, v)
	n.mu.Unlock()
	return nil
}

func (n *mockNet) Misbehaving(peer string, score int, _ string) {
	n.mu.Lock()
	n.penalties = append(n.penalties, penalty{peer: peer, score: score})
	n.mu.Unlock()
}

func (n *mockNet) AskForMasternode(_ string, op types.Outpoint) {
	n.mu.Lock()
	n.asked = append(n.asked, op)
	n.mu.Unlock()
}

func (n *mockNet) penaltyScores() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []int
	for _, p := range n.penalties {
		out = append(out, p.score)
	}
	return out
}

// --- notifier ---

type mockNotifier struct {
	mu       sync.Mutex
	locked   []types.Hash
	failed   []types.Hash
	attacked []types.Outpoint
}

func (n *mockNotifier) TxLocked(h types.Hash) {
	n.mu.Lock()
	n.locked = append(n.locked, h)
	n.mu.Unlock()
}

func (n *mockNotifier) TxLockFailed(h types.Hash, _ string) {
	n.mu.Lock()
	n.failed = append(n.failed, h)
	n.mu.Unlock()
}

func (n *mockNotifier) OutpointAttacked(op types.Outpoint, _ []types.Hash) {
	n.mu.Lock()
	n.attacked = append(n.attacked, op)
	n.mu.Unlock()
}

// --- masternodes ---

type testMasternode struct {
	key *crypto.PrivateKey
	op  types.Outpoint
}

func (mn *testMasternode) IsActive() bool           { return true }
func (mn *testMasternode) Outpoint() types.Outpoint { return mn.op }

func (mn *testMasternode) Sign(hash []byte) ([]byte, error) {
	return mn.key.Sign(hash)
}

// --- environment ---

type testEnv struct {
	m      *Manager
	now    time.Time
	chain  *mockChain
	reg    *mockRegistry
	pool   *mockPool
	net    *mockNet
	notes  *mockNotifier
	mns    []*testMasternode
	user   *crypto.PrivateKey
	nextOp uint32
}

type envOption func(*Config, *Deps, *testEnv)

func withActive(idx int) envOption {
	return func(_ *Config, d *Deps, e *testEnv) { d.Active = e.mns[idx] }
}

func withConfig(fn func(*Config)) envOption {
	return func(c *Config, _ *Deps, _ *testEnv) { fn(c) }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	user, err := crypto.GenerateKey()
	require.NoError(t, err)

	e := &testEnv{
		now:   testStart,
		chain: &mockChain{height: testTip, utxos: make(map[types.Outpoint]*utxo.UTXO)},
		reg: &mockRegistry{
			records: make(map[types.Outpoint]*masternode.Record),
			ranks:   make(map[types.Outpoint]int),
			banned:  make(map[types.Outpoint]string),
		},
		pool:  &mockPool{},
		net:   &mockNet{},
		notes: &mockNotifier{},
		user:  user,
	}
	for i := 0; i < testMasternodes; i++ {
		e.addMasternode(t, i+1)
	}

	cfg := Config{
		Rules: config.DefaultInstantSendRules(),
		Forks: config.ForkSchedule{AutoLockHeight: 1},
	}
	deps := Deps{
		Registry: e.reg,
		Chain:    e.chain,
		Mempool:  e.pool,
		Network:  e.net,
		Notifier: e.notes,
	}
	for _, opt := range opts {
		opt(&cfg, &deps, e)
	}

	m, err := New(cfg, deps)
	require.NoError(t, err)
	m.now = func() time.Time { return e.now }
	e.m = m
	return e
}

// addMasternode registers a masternode with the given rank.
func (e *testEnv) addMasternode(t *testing.T, rank int) *testMasternode {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	mn := &testMasternode{
		key: key,
		op:  types.Outpoint{TxID: crypto.Hash([]byte(fmt.Sprintf("collateral-%d", rank))), Index: 1},
	}
	e.reg.records[mn.op] = &masternode.Record{
		Announcement: masternode.Announcement{
			Outpoint:        mn.op,
			PubKey:          key.PublicKey(),
			ProtocolVersion: config.ProtocolVersion,
		},
		CollateralHeight: 1,
	}
	e.reg.ranks[mn.op] = rank
	e.mns = append(e.mns, mn)
	return mn
}

func (e *testEnv) advance(d time.Duration) { e.now = e.now.Add(d) }

// fund creates n user-owned outputs buried at testFundHeight.
func (e *testEnv) fund(n int) []types.Outpoint {
	ops := make([]types.Outpoint, n)
	for i := range ops {
		e.nextOp++
		op := types.Outpoint{TxID: crypto.Hash([]byte(fmt.Sprintf("funding-%d", e.nextOp))), Index: e.nextOp}
		e.chain.put(&utxo.UTXO{
			Outpoint: op,
			Value:    testInputValue,
			Script:   types.PayToAddress(e.user.Address()),
			Height:   testFundHeight,
		})
		ops[i] = op
	}
	return ops
}

// spendTx builds a signed transaction spending ops to payee.
func (e *testEnv) spendTx(t *testing.T, payee byte, ops ...types.Outpoint) *tx.Transaction {
	t.Helper()
	b := tx.NewBuilder()
	for _, op := range ops {
		b.AddInput(op)
	}
	total := uint64(len(ops)) * (testInputValue - testFee)
	b.PayTo(types.Address{payee}, total)
	require.NoError(t, b.Sign(e.user))
	return b.Build()
}

// vote returns a signed vote by masternode idx.
func (e *testEnv) vote(t *testing.T, idx int, txHash types.Hash, op types.Outpoint) *Vote {
	t.Helper()
	mn := e.mns[idx]
	v := NewVote(txHash, op, mn.op, e.now)
	require.NoError(t, v.Sign(mn))
	return v
}

// voteAll has masternodes [from, to) vote for every input of t.
func (e *testEnv) voteAll(tb *testing.T, t *tx.Transaction, from, to int) {
	tb.Helper()
	for i := from; i < to; i++ {
		for _, op := range t.PrevOuts() {
			require.NoError(tb, e.m.ProcessVote(e.vote(tb, i, t.Hash(), op), "peer"))
		}
	}
}

func testBlock(height uint64, txs ...*tx.Transaction) *block.Block {
	return block.NewBlock(&block.Header{Height: height}, txs)
}
