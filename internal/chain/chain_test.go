package chain

import (
	"encoding/binary"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/internal/consensus"
	"github.com/Klingon-tech/klingnet-instantsend/internal/storage"
	"github.com/Klingon-tech/klingnet-instantsend/internal/utxo"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

const testReward = 1000

type testEnv struct {
	db    *storage.MemoryDB
	chain *Chain
	poa   *consensus.PoA
	key   *crypto.PrivateKey // authority and genesis allocation owner
	gen   *config.Genesis
}

// newTestEnv creates a chain initialized from a genesis block with a single
// authority that also owns the genesis allocation.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	poa, err := consensus.NewPoA([][]byte{key.PublicKey()})
	require.NoError(t, err)
	require.NoError(t, poa.SetSigner(key))

	db := storage.NewMemory()
	ch, err := New(db, utxo.NewStore(db), poa)
	require.NoError(t, err)

	gen := &config.Genesis{
		ChainID:   "test-chain-1",
		Timestamp: 1700000000,
		Alloc: map[string]uint64{
			key.Address().String(): 5000,
		},
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{BlockTime: 5, BlockReward: testReward},
		},
	}
	require.NoError(t, ch.InitFromGenesis(gen))

	return &testEnv{db: db, chain: ch, poa: poa, key: key, gen: gen}
}

// genesisOutpoint returns the allocation output owned by env.key.
func (e *testEnv) genesisOutpoint(t *testing.T) types.Outpoint {
	t.Helper()
	genBlk, err := e.chain.GetBlockByHeight(0)
	require.NoError(t, err)
	return types.Outpoint{TxID: genBlk.Transactions[0].Hash(), Index: 0}
}

// sealedBlock builds and signs a block on top of parent. payee makes
// sibling blocks at the same height distinct.
func (e *testEnv) sealedBlock(t *testing.T, parent *block.Block, payee byte, txs ...*tx.Transaction) *block.Block {
	t.Helper()
	height := parent.Header.Height + 1

	coinbase := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{Signature: binary.LittleEndian.AppendUint64(nil, height)}},
		Outputs: []tx.Output{{Value: testReward, Script: types.PayToAddress(types.Address{payee})}},
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].Hash().Compare(txs[j].Hash()) < 0 })
	all := append([]*tx.Transaction{coinbase}, txs...)

	hashes := make([]types.Hash, len(all))
	for i, t := range all {
		hashes[i] = t.Hash()
	}
	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   parent.Hash(),
		MerkleRoot: block.ComputeMerkleRoot(hashes),
		Timestamp:  parent.Header.Timestamp + 5,
		Height:     height,
	}
	blk := block.NewBlock(header, all)
	require.NoError(t, e.poa.Seal(blk))
	return blk
}

func (e *testEnv) tip(t *testing.T) *block.Block {
	t.Helper()
	blk, err := e.chain.GetBlock(e.chain.TipHash())
	require.NoError(t, err)
	return blk
}

func spend(t *testing.T, key *crypto.PrivateKey, op types.Outpoint, to types.Address, value uint64) *tx.Transaction {
	t.Helper()
	b := tx.NewBuilder().AddInput(op).PayTo(to, value)
	require.NoError(t, b.Sign(key))
	return b.Build()
}

func TestInitFromGenesis(t *testing.T) {
	env := newTestEnv(t)

	require.Equal(t, uint64(0), env.chain.Height())
	require.Equal(t, uint64(5000), env.chain.Supply())
	require.Equal(t, env.chain.TipHash(), env.chain.GenesisHash())
	require.Equal(t, env.gen.Timestamp, env.chain.TipTimestamp())

	u, err := env.chain.GetUTXO(env.genesisOutpoint(t))
	require.NoError(t, err)
	require.Equal(t, uint64(5000), u.Value)
	require.False(t, u.Coinbase, "genesis allocations are spendable immediately")

	require.Error(t, env.chain.InitFromGenesis(env.gen), "second init must fail")
}

func TestProcessBlock_ConnectsAndSpends(t *testing.T) {
	env := newTestEnv(t)
	genOp := env.genesisOutpoint(t)
	dest := types.Address{0xaa}

	var connected []uint64
	env.chain.SetBlockConnectedHandler(func(blk *block.Block) {
		// Handlers run unlocked and may read chain state.
		require.Equal(t, blk.Header.Height, env.chain.Height())
		connected = append(connected, blk.Header.Height)
	})

	payment := spend(t, env.key, genOp, dest, 4000)
	blk := env.sealedBlock(t, env.tip(t), 0x01, payment)
	require.NoError(t, env.chain.ProcessBlock(blk))

	require.Equal(t, []uint64{1}, connected)
	require.Equal(t, uint64(1), env.chain.Height())
	require.False(t, env.chain.HasUTXO(genOp))

	out := types.Outpoint{TxID: payment.Hash(), Index: 0}
	u, err := env.chain.GetUTXO(out)
	require.NoError(t, err)
	require.Equal(t, uint64(4000), u.Value)
	require.Equal(t, uint64(1), u.Height)

	hash, err := env.chain.BlockHashAt(1)
	require.NoError(t, err)
	require.Equal(t, blk.Hash(), hash)

	got, height, err := env.chain.GetTransaction(payment.Hash())
	require.NoError(t, err)
	require.Equal(t, uint64(1), height)
	require.Equal(t, payment.Hash(), got.Hash())

	// Minted 0 new coins: the 1000 fee was recycled into the coinbase.
	require.Equal(t, uint64(5000), env.chain.Supply())

	require.ErrorIs(t, env.chain.ProcessBlock(blk), ErrBlockKnown)
}

func TestProcessBlock_Rejects(t *testing.T) {
	env := newTestEnv(t)
	genesis := env.tip(t)

	t.Run("unknown parent", func(t *testing.T) {
		orphan := env.sealedBlock(t, genesis, 0x01)
		orphan.Header.PrevHash = types.Hash{0xde, 0xad}
		require.NoError(t, env.poa.Seal(orphan))
		require.ErrorIs(t, env.chain.ProcessBlock(orphan), ErrPrevNotFound)
	})

	t.Run("unsigned", func(t *testing.T) {
		blk := env.sealedBlock(t, genesis, 0x02)
		blk.Header.ProducerSig = nil
		require.ErrorIs(t, env.chain.ProcessBlock(blk), consensus.ErrMissingSig)
	})

	t.Run("reward too high", func(t *testing.T) {
		blk := env.sealedBlock(t, genesis, 0x03)
		blk.Transactions[0].Outputs[0].Value = testReward + 1
		blk.Header.MerkleRoot = block.ComputeMerkleRoot(blk.TxHashes())
		require.NoError(t, env.poa.Seal(blk))
		require.ErrorIs(t, env.chain.ProcessBlock(blk), ErrCoinbaseRewardExceeded)
	})

	t.Run("double spend of missing input", func(t *testing.T) {
		ghost := spend(t, env.key, types.Outpoint{TxID: types.Hash{0x77}}, types.Address{0x01}, 10)
		blk := env.sealedBlock(t, genesis, 0x04, ghost)
		require.ErrorIs(t, env.chain.ProcessBlock(blk), tx.ErrInputNotFound)
	})

	require.Equal(t, uint64(0), env.chain.Height())
}

func TestDisconnectTip_RestoresUTXOs(t *testing.T) {
	env := newTestEnv(t)
	genOp := env.genesisOutpoint(t)

	payment := spend(t, env.key, genOp, types.Address{0xbb}, 4500)
	blk := env.sealedBlock(t, env.tip(t), 0x01, payment)
	require.NoError(t, env.chain.ProcessBlock(blk))

	var disconnected []types.Hash
	env.chain.SetBlockDisconnectedHandler(func(b *block.Block) {
		disconnected = append(disconnected, b.Hash())
	})

	got, err := env.chain.DisconnectTip()
	require.NoError(t, err)
	require.Equal(t, blk.Hash(), got.Hash())
	require.Equal(t, []types.Hash{blk.Hash()}, disconnected)

	require.Equal(t, uint64(0), env.chain.Height())
	require.True(t, env.chain.HasUTXO(genOp))
	require.False(t, env.chain.HasUTXO(types.Outpoint{TxID: payment.Hash()}))
	_, err = env.chain.BlockHashAt(1)
	require.Error(t, err)

	_, err = env.chain.DisconnectTip()
	require.ErrorIs(t, err, ErrAtGenesis)
}

func TestProcessBlock_Reorg(t *testing.T) {
	env := newTestEnv(t)
	genesis := env.tip(t)
	genOp := env.genesisOutpoint(t)

	// Active branch: A1 spends the allocation to 0xaa.
	toA := spend(t, env.key, genOp, types.Address{0xaa}, 4000)
	a1 := env.sealedBlock(t, genesis, 0x0a, toA)
	require.NoError(t, env.chain.ProcessBlock(a1))

	type event struct {
		height    uint64
		connected bool
	}
	var events []event
	env.chain.SetBlockConnectedHandler(func(b *block.Block) {
		events = append(events, event{b.Header.Height, true})
	})
	env.chain.SetBlockDisconnectedHandler(func(b *block.Block) {
		events = append(events, event{b.Header.Height, false})
	})

	// Side branch B1 at the same height only gets stored.
	toB := spend(t, env.key, genOp, types.Address{0xbb}, 3000)
	b1 := env.sealedBlock(t, genesis, 0x0b, toB)
	require.NoError(t, env.chain.ProcessBlock(b1))
	require.Equal(t, a1.Hash(), env.chain.TipHash())
	require.Empty(t, events)

	// B2 makes the side branch longer: reorg.
	b2 := env.sealedBlock(t, b1, 0x0b)
	require.NoError(t, env.chain.ProcessBlock(b2))

	require.Equal(t, b2.Hash(), env.chain.TipHash())
	require.Equal(t, []event{{1, false}, {1, true}, {2, true}}, events)

	require.False(t, env.chain.HasUTXO(types.Outpoint{TxID: toA.Hash()}))
	require.True(t, env.chain.HasUTXO(types.Outpoint{TxID: toB.Hash()}))
	_, found := env.chain.blocks.GetReorgCheckpoint()
	require.False(t, found)
}

func TestNew_RecoversTip(t *testing.T) {
	env := newTestEnv(t)
	blk := env.sealedBlock(t, env.tip(t), 0x01)
	require.NoError(t, env.chain.ProcessBlock(blk))

	reopened, err := New(env.db, utxo.NewStore(env.db), env.poa)
	require.NoError(t, err)
	st := reopened.State()
	require.Equal(t, uint64(1), st.Height)
	require.Equal(t, blk.Hash(), st.TipHash)
	require.Equal(t, blk.Header.Timestamp, st.TipTimestamp)
	require.Equal(t, env.chain.GenesisHash(), reopened.GenesisHash())
}

func TestRebuildUTXOs(t *testing.T) {
	env := newTestEnv(t)
	payment := spend(t, env.key, env.genesisOutpoint(t), types.Address{0xcc}, 4000)
	require.NoError(t, env.chain.ProcessBlock(env.sealedBlock(t, env.tip(t), 0x01, payment)))

	store := utxo.NewStore(env.db)
	before, err := store.Count()
	require.NoError(t, err)

	require.NoError(t, env.chain.blocks.PutReorgCheckpoint(0))
	reopened, err := New(env.db, store, env.poa)
	require.NoError(t, err)

	after, err := store.Count()
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, env.chain.Supply(), reopened.Supply())
	require.True(t, reopened.HasUTXO(types.Outpoint{TxID: payment.Hash()}))
}

// lockOwners reads chain state from inside the filter, as the lock engine does.
type lockOwners struct {
	chain  *Chain
	owners map[types.Outpoint]types.Hash
}

func (l *lockOwners) LockedOutpointOwner(op types.Outpoint) (types.Hash, bool) {
	l.chain.HasUTXO(op)
	h, ok := l.owners[op]
	return h, ok
}

func TestProcessBlock_LockFilter(t *testing.T) {
	env := newTestEnv(t)
	genOp := env.genesisOutpoint(t)

	winner := spend(t, env.key, genOp, types.Address{0xaa}, 4000)
	rival := spend(t, env.key, genOp, types.Address{0xbb}, 4000)
	env.chain.SetLockFilter(&lockOwners{
		chain:  env.chain,
		owners: map[types.Outpoint]types.Hash{genOp: winner.Hash()},
	})

	conflicting := env.sealedBlock(t, env.tip(t), 0x01, rival)
	require.ErrorIs(t, env.chain.ProcessBlock(conflicting), consensus.ErrLockConflict)
	require.Equal(t, uint64(0), env.chain.Height())
	require.True(t, env.chain.HasUTXO(genOp))

	require.NoError(t, env.chain.ProcessBlock(env.sealedBlock(t, env.tip(t), 0x02, winner)))
	require.Equal(t, uint64(1), env.chain.Height())

	env.chain.SetLockFilter(nil)
	require.NoError(t, env.chain.ProcessBlock(env.sealedBlock(t, env.tip(t), 0x03)))
}

func TestGenesisCollateral(t *testing.T) {
	owner := types.Address{0x42}
	gen := &config.Genesis{
		ChainID:    "collateral-1",
		Timestamp:  1700000000,
		Alloc:      map[string]uint64{types.Address{0x01}.String(): 5000},
		Collateral: []string{types.Address{0x41}.String(), owner.String()},
		Protocol: config.ProtocolConfig{
			Consensus:  config.ConsensusRules{BlockTime: 5, BlockReward: testReward},
			Masternode: config.MasternodeRules{Collateral: 100},
		},
	}

	blk, err := CreateGenesisBlock(gen)
	require.NoError(t, err)
	coinbase := blk.Transactions[0]
	require.Len(t, coinbase.Outputs, 3)

	op, err := GenesisCollateral(gen, owner)
	require.NoError(t, err)
	require.Equal(t, types.Outpoint{TxID: coinbase.Hash(), Index: 2}, op)
	require.Equal(t, uint64(100), coinbase.Outputs[2].Value)

	// Alloc outputs are never collateral, even at the collateral value.
	_, err = GenesisCollateral(gen, types.Address{0x01})
	require.ErrorIs(t, err, ErrNoGenesisCollateral)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	poa, err := consensus.NewPoA([][]byte{key.PublicKey()})
	require.NoError(t, err)
	db := storage.NewMemory()
	ch, err := New(db, utxo.NewStore(db), poa)
	require.NoError(t, err)
	require.NoError(t, ch.InitFromGenesis(gen))
	u, err := utxo.GetConfirmed(ch, op, ch.Height(), 1)
	require.NoError(t, err)
	require.Equal(t, uint64(100), u.Value)
}
