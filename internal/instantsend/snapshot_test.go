package instantsend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-instantsend/internal/storage"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	env := newTestEnv(t)

	locked := env.spendTx(t, 1, env.fund(2)...)
	require.NoError(t, env.m.ProcessLockRequest(NewLockRequest(locked), "peer", true))
	env.voteAll(t, locked, 0, 10)
	require.True(t, env.m.IsLocked(locked.Hash()))

	pending := env.spendTx(t, 2, env.fund(1)...)
	require.NoError(t, env.m.ProcessLockRequest(NewLockRequest(pending), "peer", true))
	env.voteAll(t, pending, 0, 4)

	orphan := env.spendTx(t, 3, env.fund(1)...)
	env.voteAll(t, orphan, 0, 2)

	bad := env.spendTx(t, 4, env.fund(1)...)
	bad.Inputs[0].PrevOut.Index = 999
	require.Error(t, env.m.ProcessLockRequest(NewLockRequest(bad), "peer", true))

	data, err := env.m.Snapshot()
	require.NoError(t, err)
	want := env.m.Info()

	fresh := env.reopen(t)
	require.NoError(t, fresh.Restore(data))
	require.Equal(t, want, fresh.Info())

	require.True(t, fresh.IsLocked(locked.Hash()))
	require.Equal(t, 20, fresh.SignatureCount(locked.Hash()))
	require.Equal(t, 4, fresh.SignatureCount(pending.Hash()))
	for _, op := range locked.PrevOuts() {
		owner, ok := fresh.LockedOutpointOwner(op)
		require.True(t, ok)
		require.Equal(t, locked.Hash(), owner)
	}
	require.ErrorIs(t, fresh.ProcessLockRequest(NewLockRequest(bad), "peer", true), ErrKnownRequest)

	// Restored orphans are replayed once the request arrives.
	fresh.mu.Lock()
	require.Len(t, fresh.orphansByTx[orphan.Hash()], 2)
	fresh.mu.Unlock()
	require.NoError(t, fresh.ProcessLockRequest(NewLockRequest(orphan), "peer", true))
	require.Equal(t, 2, fresh.SignatureCount(orphan.Hash()))

	// Restored votes keep deduplicating.
	dup := env.vote(t, 0, pending.Hash(), pending.Inputs[0].PrevOut)
	require.ErrorIs(t, fresh.ProcessVote(dup, "peer"), ErrDuplicateVote)

	// Restored timers keep running.
	env.advance(16 * time.Second)
	fresh.RunMaintenance()
	require.Contains(t, env.notes.failed, pending.Hash())
	require.True(t, fresh.IsLocked(locked.Hash()))
}

// reopen builds a second manager over the same chain, registry and peers.
func (e *testEnv) reopen(t *testing.T) *Manager {
	t.Helper()
	m, err := New(e.m.cfg, Deps{
		Registry: e.reg,
		Chain:    e.chain,
		Mempool:  e.pool,
		Network:  e.net,
		Notifier: e.notes,
	})
	require.NoError(t, err)
	m.now = func() time.Time { return e.now }
	return m
}

func TestSnapshot_VersionMismatch(t *testing.T) {
	env := newTestEnv(t)
	spend := env.spendTx(t, 1, env.fund(1)...)
	require.NoError(t, env.m.ProcessLockRequest(NewLockRequest(spend), "peer", true))
	env.voteAll(t, spend, 0, 10)
	require.True(t, env.m.IsLocked(spend.Hash()))

	w := &snapWriter{}
	w.bytes([]byte("klingnet-instantsend-0"))
	w.u64(1)
	err := env.m.Restore(w.buf)
	require.ErrorIs(t, err, ErrVersionMismatch)
	require.False(t, env.m.IsLocked(spend.Hash()))
	require.Equal(t, 0, env.m.Info().Candidates)
}

func TestSnapshot_Corrupt(t *testing.T) {
	env := newTestEnv(t)
	spend := env.spendTx(t, 1, env.fund(1)...)
	require.NoError(t, env.m.ProcessLockRequest(NewLockRequest(spend), "peer", true))
	env.voteAll(t, spend, 0, 10)

	data, err := env.m.Snapshot()
	require.NoError(t, err)

	for _, cut := range []int{0, 3, len(data) / 2, len(data) - 1} {
		require.ErrorIs(t, env.m.Restore(data[:cut]), ErrCorruptSnapshot, "cut at %d", cut)
	}
	require.ErrorIs(t, env.m.Restore(append(append([]byte(nil), data...), 0)), ErrCorruptSnapshot)
	require.True(t, env.m.IsLocked(spend.Hash()), "corrupt snapshots leave state alone")
}

func TestSnapshot_SaveLoad(t *testing.T) {
	db := storage.NewMemory()
	env := newTestEnv(t)

	// Nothing saved yet.
	require.NoError(t, env.m.Load(db))

	spend := env.spendTx(t, 1, env.fund(1)...)
	require.NoError(t, env.m.ProcessLockRequest(NewLockRequest(spend), "peer", true))
	env.voteAll(t, spend, 0, 10)
	require.NoError(t, env.m.Save(db))

	fresh := env.reopen(t)
	require.NoError(t, fresh.Load(db))
	require.True(t, fresh.IsLocked(spend.Hash()))

	// A snapshot from another version is dropped without failing startup.
	w := &snapWriter{}
	w.bytes([]byte("other"))
	require.NoError(t, db.Put(snapshotKey, w.buf))
	require.NoError(t, fresh.Load(db))
	require.False(t, fresh.IsLocked(spend.Hash()))
}
