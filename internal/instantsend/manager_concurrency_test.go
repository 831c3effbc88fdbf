package instantsend

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// Run with -race.
func TestManager_ConcurrentAccess(t *testing.T) {
	env := newTestEnv(t)

	const numTxs = 8
	spends := make([]*tx.Transaction, numTxs)
	votes := make([][]*Vote, numTxs)
	for i := range spends {
		spends[i] = env.spendTx(t, byte(i+1), env.fund(2)...)
		for mn := 0; mn < 12; mn++ {
			for _, op := range spends[i].PrevOuts() {
				votes[i] = append(votes[i], env.vote(t, mn, spends[i].Hash(), op))
			}
		}
	}

	var wg sync.WaitGroup
	for i := range spends {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			err := env.m.ProcessLockRequest(NewLockRequest(spends[i]), "peer", true)
			assert.NoError(t, err, "request %d", i)
		}(i)
		go func(i int) {
			defer wg.Done()
			for _, v := range votes[i] {
				assert.NoError(t, env.m.ProcessVote(v, "peer"), "vote for tx %d", i)
			}
		}(i)
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(3)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
				env.m.RunMaintenance()
			}
		}
	}()
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
				env.m.OnBlockConnected(testBlock(testTip))
			}
		}
	}()
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
				for _, s := range spends {
					env.m.IsLocked(s.Hash())
					env.m.SignatureCount(s.Hash())
				}
				env.m.Info()
			}
		}
	}()

	wg.Wait()
	close(stop)
	readers.Wait()

	for i, s := range spends {
		require.True(t, env.m.IsLocked(s.Hash()), "tx %d", i)
		require.Equal(t, 24, env.m.SignatureCount(s.Hash()), "tx %d", i)
	}
	info := env.m.Info()
	require.Equal(t, numTxs, info.LockedTransactions)
	require.Equal(t, 0, info.OrphanVotes)
	require.Len(t, env.notes.locked, numTxs)
}

// reentrantNotifier queries the manager from inside its callbacks.
type reentrantNotifier struct {
	m *Manager

	mu     sync.Mutex
	locked []bool
	failed []bool
}

func (n *reentrantNotifier) TxLocked(h types.Hash) {
	locked := n.m.IsLocked(h)
	n.mu.Lock()
	n.locked = append(n.locked, locked)
	n.mu.Unlock()
}

func (n *reentrantNotifier) TxLockFailed(h types.Hash, _ string) {
	timedOut := n.m.IsTimedOut(h)
	n.mu.Lock()
	n.failed = append(n.failed, timedOut)
	n.mu.Unlock()
}

func (n *reentrantNotifier) OutpointAttacked(op types.Outpoint, _ []types.Hash) {
	n.m.LockedOutpointOwner(op)
}

// reentrantNet reads engine state while relaying and penalizing.
type reentrantNet struct {
	mockNet
	m *Manager
}

func (n *reentrantNet) RelayLockRequest(req *LockRequest) error {
	n.m.AlreadyHave(req.Hash())
	return n.mockNet.RelayLockRequest(req)
}

func (n *reentrantNet) Misbehaving(peer string, score int, reason string) {
	n.m.Info()
	n.mockNet.Misbehaving(peer, score, reason)
}

func TestManager_CallbacksRunUnlocked(t *testing.T) {
	notes := &reentrantNotifier{}
	net := &reentrantNet{}
	env := newTestEnv(t, func(_ *Config, d *Deps, _ *testEnv) {
		d.Notifier = notes
		d.Network = net
	})
	notes.m, net.m = env.m, env.m

	locked := env.spendTx(t, 1, env.fund(1)...)
	failing := env.spendTx(t, 2, env.fund(1)...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, env.m.SubmitLockRequest(locked))
		assert.NoError(t, env.m.SubmitLockRequest(failing))
		for i := 0; i < 10; i++ {
			v := NewVote(locked.Hash(), locked.Inputs[0].PrevOut, env.mns[i].op, env.now)
			assert.NoError(t, v.Sign(env.mns[i]))
			assert.NoError(t, env.m.ProcessVote(v, "peer"))
		}

		bad := NewVote(failing.Hash(), failing.Inputs[0].PrevOut, env.mns[0].op, env.now)
		h := bad.Hash()
		bad.Signature, _ = env.mns[1].key.Sign(h[:])
		assert.ErrorIs(t, env.m.ProcessVote(bad, "evil"), ErrBadSignature)

		env.advance(16 * time.Second)
		env.m.RunMaintenance()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("manager deadlocked in a collaborator callback")
	}

	notes.mu.Lock()
	defer notes.mu.Unlock()
	require.Equal(t, []bool{true}, notes.locked)
	require.Equal(t, []bool{true}, notes.failed)
	require.Len(t, net.requests, 2)
	require.Equal(t, []int{PenaltyBadSignature}, net.penaltyScores())
}
