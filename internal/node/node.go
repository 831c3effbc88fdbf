// Package node wires the chain, mempool, masternode registry, lock engine,
// P2P layer and RPC server into a runnable InstantSend node.
package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/internal/chain"
	"github.com/Klingon-tech/klingnet-instantsend/internal/consensus"
	"github.com/Klingon-tech/klingnet-instantsend/internal/instantsend"
	klog "github.com/Klingon-tech/klingnet-instantsend/internal/log"
	"github.com/Klingon-tech/klingnet-instantsend/internal/masternode"
	"github.com/Klingon-tech/klingnet-instantsend/internal/mempool"
	"github.com/Klingon-tech/klingnet-instantsend/internal/miner"
	"github.com/Klingon-tech/klingnet-instantsend/internal/p2p"
	"github.com/Klingon-tech/klingnet-instantsend/internal/rpc"
	"github.com/Klingon-tech/klingnet-instantsend/internal/storage"
	"github.com/Klingon-tech/klingnet-instantsend/internal/utxo"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
)

// mempoolSize is the transaction capacity of the pool.
const mempoolSize = 5000

// Node is a fully-initialized InstantSend node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db        storage.DB
	utxoStore *utxo.Store
	poa       *consensus.PoA
	ch        *chain.Chain
	pool      *mempool.Pool

	// Masternodes and locking
	registry *masternode.Registry
	active   *masternode.Active
	mnKey    *crypto.PrivateKey
	locks    *instantsend.Manager
	events   *instantsend.EventLog

	// Networking
	p2pNode *p2p.Node
	syncer  *p2p.Syncer

	// RPC
	rpcServer *rpc.Server

	// Block production
	validatorKey *crypto.PrivateKey
	miner        *miner.Miner

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a node for the network named in cfg.
func New(cfg *config.Config) (*Node, error) {
	return NewWithGenesis(cfg, config.GenesisFor(cfg.Network))
}

// NewWithGenesis creates and initializes a node on a custom chain. It
// performs all setup steps (logger, storage, consensus, chain, mempool,
// masternodes, lock engine, P2P, RPC) but does NOT start background loops.
// Call Start for that.
func NewWithGenesis(cfg *config.Config, genesis *config.Genesis) (n *Node, err error) {
	if err := genesis.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	// ── 1. Logger ───────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "klingnet-is.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Int("block_time", genesis.Protocol.Consensus.BlockTime).
		Msg("Starting Klingnet InstantSend node")

	ctx, cancel := context.WithCancel(context.Background())
	n = &Node{
		cfg:     cfg,
		genesis: genesis,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	// Every failure below releases what was set up so far.
	defer func() {
		if err != nil {
			n.Stop()
			n = nil
		}
	}()

	// ── 2. Storage ──────────────────────────────────────────────────
	n.db, err = storage.NewBadger(cfg.DBDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.DBDir(), err)
	}
	n.utxoStore = utxo.NewStore(n.db)
	logger.Info().Str("path", cfg.DBDir()).Msg("Database opened")

	// ── 3. Keys ─────────────────────────────────────────────────────
	if cfg.Mining.ValidatorKey != "" {
		n.validatorKey, err = loadKey(cfg.Mining.ValidatorKey, passphrase(cfg.Masternode.PassphraseEnv, "Validator key passphrase: "))
		if err != nil {
			return nil, fmt.Errorf("load validator key %s: %w", cfg.Mining.ValidatorKey, err)
		}
		logger.Info().
			Str("pubkey", hex.EncodeToString(n.validatorKey.PublicKey())[:16]+"...").
			Msg("Validator key loaded")
	}
	if cfg.Masternode.Enabled {
		n.mnKey, err = loadKey(cfg.Masternode.KeyFile, passphrase(cfg.Masternode.PassphraseEnv, "Masternode key passphrase: "))
		if err != nil {
			return nil, fmt.Errorf("load masternode key %s: %w", cfg.Masternode.KeyFile, err)
		}
	}

	// ── 4. Consensus and chain ──────────────────────────────────────
	n.poa, err = createEngine(genesis)
	if err != nil {
		return nil, fmt.Errorf("create consensus engine: %w", err)
	}
	if n.validatorKey != nil {
		if err := n.poa.SetSigner(n.validatorKey); err != nil {
			return nil, fmt.Errorf("validator key: %w", err)
		}
	}

	n.ch, err = chain.New(n.db, n.utxoStore, n.poa)
	if err != nil {
		return nil, fmt.Errorf("create chain: %w", err)
	}
	n.ch.SetConsensusRules(genesis.Protocol.Consensus)

	state := n.ch.State()
	if state.IsGenesis() {
		if err := n.ch.InitFromGenesis(genesis); err != nil {
			return nil, fmt.Errorf("init from genesis: %w", err)
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", n.ch.Height()).
			Str("tip", n.ch.TipHash().Short()).
			Msg("Chain resumed from database")
	}

	// ── 5. Mempool ──────────────────────────────────────────────────
	n.pool = mempool.New(utxo.NewProvider(n.utxoStore), mempoolSize)
	n.pool.SetMinFeeRate(genesis.Protocol.Consensus.MinFeeRate)
	n.pool.SetCoinbaseMaturity(config.CoinbaseMaturity, n.ch.Height, n.utxoStore)
	logger.Info().
		Uint64("min_fee_rate", genesis.Protocol.Consensus.MinFeeRate).
		Msg("Mempool ready")

	// ── 6. Masternodes ──────────────────────────────────────────────
	n.registry = masternode.NewRegistry(n.ch, genesis.Protocol.Masternode, n.db)
	if err := n.registry.Load(); err != nil {
		logger.Warn().Err(err).Msg("Failed to restore masternode list")
	}
	if n.mnKey != nil {
		op, err := masternodeOutpoint(cfg.Masternode.Outpoint, genesis, n.mnKey.Address())
		if err != nil {
			return nil, fmt.Errorf("masternode outpoint: %w", err)
		}
		n.active = masternode.NewActive(n.mnKey, op, n.registry)
		logger.Info().
			Str("outpoint", op.Short()).
			Str("pubkey", hex.EncodeToString(n.mnKey.PublicKey())[:16]+"...").
			Msg("Running as masternode")
	}

	// ── 7. P2P ──────────────────────────────────────────────────────
	if cfg.P2P.Enabled {
		if err := n.setupP2P(); err != nil {
			return nil, err
		}
	} else {
		logger.Warn().Msg("P2P disabled by config; node will run offline")
	}

	// ── 8. Lock engine ──────────────────────────────────────────────
	if cfg.InstantSend.Enabled {
		if err := n.setupInstantSend(); err != nil {
			return nil, err
		}
	} else {
		logger.Warn().Msg("InstantSend disabled by config")
	}

	n.ch.SetBlockConnectedHandler(n.onBlockConnected)
	n.ch.SetBlockDisconnectedHandler(n.onBlockDisconnected)

	// ── 9. Block producer ───────────────────────────────────────────
	if n.validatorKey != nil {
		coinbase, err := resolveCoinbase(cfg.Mining.Coinbase, n.validatorKey)
		if err != nil {
			return nil, fmt.Errorf("resolve coinbase: %w", err)
		}
		n.miner = miner.New(n.ch, n.poa, n.pool, coinbase, genesis.Protocol.Consensus.BlockReward)
		if n.locks != nil {
			n.miner.SetLockFilter(n.locks)
		}
	}
	if n.locks != nil && cfg.InstantSend.BlockFilter {
		n.ch.SetLockFilter(n.locks)
	}

	// ── 10. RPC server ──────────────────────────────────────────────
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpcServer = rpc.New(rpcAddr, n.ch, n.utxoStore, n.pool, n.p2pNode, genesis, cfg.RPC)
		n.rpcServer.SetMasternodes(n.registry, n.active)
		if n.locks != nil {
			n.rpcServer.SetLockEngine(n.locks)
			n.rpcServer.SetEventLog(n.events)
		}
		if err := n.rpcServer.Start(); err != nil {
			n.rpcServer = nil
			return nil, fmt.Errorf("start RPC at %s: %w", rpcAddr, err)
		}
		logger.Info().Str("addr", n.rpcServer.Addr()).Msg("RPC server started")
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}

	return n, nil
}

func (n *Node) setupInstantSend() error {
	n.events = instantsend.NewEventLog(instantsend.DefaultEventLogSize)

	deps := instantsend.Deps{
		Registry: n.registry,
		Chain:    n.ch,
		Mempool:  n.pool,
		Notifier: n.events,
	}
	if n.p2pNode != nil {
		deps.Network = n.p2pNode
	}
	if n.active != nil {
		deps.Active = n.active
	}

	is := n.cfg.InstantSend
	locks, err := instantsend.New(instantsend.Config{
		Rules:                n.genesis.Protocol.InstantSend,
		Forks:                n.genesis.Protocol.Forks,
		MaxVotes:             is.MaxVotes,
		MaxOrphanVotes:       is.MaxOrphanVotes,
		OrphanRateWindow:     is.OrphanRateWindow,
		OrphanRateMinSamples: is.OrphanRateMinSamples,
		OrphanRateFactor:     is.OrphanRateFactor,
	}, deps)
	if err != nil {
		return fmt.Errorf("create lock engine: %w", err)
	}
	if err := locks.Load(n.db); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to restore lock state")
	}
	n.locks = locks
	n.pool.SetLockChecker(locks)

	info := locks.Info()
	n.logger.Info().
		Int("signatures_required", n.genesis.Protocol.InstantSend.SignaturesRequired).
		Int("locked", info.LockedTransactions).
		Bool("auto_lock", info.AutoLockActive).
		Msg("Lock engine ready")
	return nil
}

// Start launches the background loops: chain sync, block production,
// lock maintenance, lock state persistence and masternode announcements.
func (n *Node) Start() error {
	g, ctx := errgroup.WithContext(n.ctx)
	n.group = g

	if n.p2pNode != nil && n.syncer != nil {
		n.runStartupSync()
		g.Go(func() error {
			n.runSyncLoop(ctx)
			return nil
		})
	}

	if n.cfg.Mining.Enabled {
		if n.miner == nil {
			return fmt.Errorf("mining requires a validator key")
		}
		blockTime := time.Duration(n.genesis.Protocol.Consensus.BlockTime) * time.Second
		n.logger.Info().
			Uint64("reward", n.genesis.Protocol.Consensus.BlockReward).
			Dur("interval", blockTime).
			Msg("Block production enabled")
		g.Go(func() error {
			n.runMiner(ctx, ticker.New(blockTime))
			return nil
		})
	}

	g.Go(func() error {
		n.runMaintenance(ctx, ticker.New(n.cfg.InstantSend.MaintenanceInterval))
		return nil
	})
	if n.locks != nil {
		g.Go(func() error {
			n.runPersist(ctx, ticker.New(n.cfg.InstantSend.PersistInterval))
			return nil
		})
	}

	if n.active != nil {
		interval := time.Duration(n.genesis.Protocol.Masternode.AnnounceSeconds) * time.Second
		var broadcast masternode.BroadcastFunc
		if n.p2pNode != nil {
			broadcast = n.p2pNode.BroadcastAnnouncement
		}
		announcer := masternode.NewAnnouncer(n.active, n.registry, n.announceAddr(), broadcast, ticker.New(interval))
		g.Go(func() error {
			return announcer.Run(ctx)
		})
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().Short()).
		Bool("mining", n.cfg.Mining.Enabled).
		Bool("masternode", n.active != nil).
		Msg("Node started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order. It is safe to call on
// a partially constructed node.
func (n *Node) Stop() {
	n.cancel()
	if n.group != nil {
		if err := n.group.Wait(); err != nil {
			n.logger.Warn().Err(err).Msg("Background task failed")
		}
	}

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.locks != nil {
		n.persistLocks()
	}
	if n.validatorKey != nil {
		n.validatorKey.Zero()
	}
	if n.mnKey != nil {
		n.mnKey.Zero()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Height returns the current chain height.
func (n *Node) Height() uint64 {
	return n.ch.Height()
}

// LockEngine returns the lock engine, nil when InstantSend is disabled.
func (n *Node) LockEngine() instantsend.Engine {
	if n.locks == nil {
		return nil
	}
	return n.locks
}

// ── Chain events ────────────────────────────────────────────────────

func (n *Node) onBlockConnected(blk *block.Block) {
	n.pool.RemoveConfirmed(blk.Transactions)
	if n.locks != nil {
		n.locks.OnBlockConnected(blk)
	}
}

func (n *Node) onBlockDisconnected(blk *block.Block) {
	if n.locks != nil {
		n.locks.OnBlockDisconnected(blk)
	}
	if added := n.pool.AddDisconnected(blk.Transactions); added > 0 {
		n.logger.Info().
			Uint64("height", blk.Header.Height).
			Int("reinserted", added).
			Msg("Disconnected transactions returned to mempool")
	}
}

// ── Background loops ────────────────────────────────────────────────

// runTicks calls fn on every tick of t until ctx is done.
func runTicks(ctx context.Context, t ticker.Ticker, fn func()) {
	t.Resume()
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Ticks():
			fn()
		}
	}
}

// runMaintenance expires lock candidates and stale masternodes.
func (n *Node) runMaintenance(ctx context.Context, t ticker.Ticker) {
	runTicks(ctx, t, func() {
		if n.locks != nil {
			n.locks.RunMaintenance()
		}
		if removed := n.registry.CheckAndRemove(); removed > 0 {
			n.logger.Info().Int("removed", removed).Msg("Expired masternodes removed")
		}
	})
}

func (n *Node) runPersist(ctx context.Context, t ticker.Ticker) {
	runTicks(ctx, t, n.persistLocks)
}

func (n *Node) persistLocks() {
	stop := klog.Benchmark("persist lock state")
	defer stop()
	if err := n.locks.Save(n.db); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to persist lock state")
	}
}

// ── Block production ────────────────────────────────────────────────

func (n *Node) runMiner(ctx context.Context, t ticker.Ticker) {
	runTicks(ctx, t, func() {
		if !n.poa.IsSelected(n.ch.Height()+1, n.ch.TipHash()) {
			return
		}
		if _, err := n.produceBlock(); err != nil {
			n.logger.Error().Err(err).Msg("Failed to produce block")
		}
	})
	n.logger.Info().Msg("Block production stopped")
}

// produceBlock builds a block on the current tip, applies it and
// broadcasts it.
func (n *Node) produceBlock() (*block.Block, error) {
	if n.miner == nil {
		return nil, fmt.Errorf("no validator key")
	}
	blk, err := n.miner.ProduceBlock()
	if err != nil {
		return nil, err
	}
	if err := n.ch.ProcessBlock(blk); err != nil {
		if errors.Is(err, chain.ErrCoinbaseNotMature) {
			for _, t := range blk.Transactions[1:] {
				n.pool.Remove(t.Hash())
			}
			n.logger.Info().Msg("Evicted mempool transactions due to coinbase maturity")
		}
		return nil, fmt.Errorf("process own block: %w", err)
	}

	if n.p2pNode != nil {
		if err := n.p2pNode.BroadcastBlock(blk); err != nil {
			n.logger.Error().Err(err).Msg("Failed to broadcast block")
		}
	}

	n.logger.Info().
		Uint64("height", blk.Header.Height).
		Str("hash", blk.Hash().Short()).
		Int("txs", len(blk.Transactions)).
		Msg("Block produced")
	return blk, nil
}
