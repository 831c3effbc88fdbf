package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or lock quorums diverge.
// =============================================================================

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000
	MilliCoin = 1_000_000_000
	MicroCoin = 1_000_000
)

// ProtocolVersion is the peer protocol version this node speaks. Masternodes
// announce it and vote eligibility is gated on it.
const ProtocolVersion uint32 = 71000

// Block and transaction size limits.
const (
	MaxBlockSize  = 2_000_000 // header + all tx signing bytes
	MaxBlockTxs   = 500       // including coinbase
	MaxTxInputs   = 2500
	MaxTxOutputs  = 2500
	MaxScriptData = 65_536
)

// CoinbaseMaturity is the number of blocks before a coinbase output may be spent.
const CoinbaseMaturity = 20

// MaxBlockTimeDrift is how far (in seconds) a block timestamp may run ahead of local time.
const MaxBlockTimeDrift = 120

// Genesis holds the genesis block configuration and protocol rules.
type Genesis struct {
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"`

	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (hex address -> balance in base units).
	Alloc map[string]uint64 `json:"alloc"`

	// Masternode collateral owners (hex address). Each receives one output
	// of Protocol.Masternode.Collateral in the genesis block.
	Collateral []string `json:"collateral,omitempty"`

	Protocol ProtocolConfig `json:"protocol"`
}

// ForkSchedule defines block heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled.
type ForkSchedule struct {
	// AutoLockHeight enables automatic (non-wallet-initiated) instant locks.
	AutoLockHeight uint64 `json:"auto_lock_height,omitempty"`
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// AutoLockActive reports whether automatic locking is enabled at height.
func (f *ForkSchedule) AutoLockActive(height uint64) bool {
	return f.IsActive(f.AutoLockHeight, height)
}

// ProtocolConfig holds consensus-critical rules.
type ProtocolConfig struct {
	Consensus   ConsensusRules   `json:"consensus"`
	Masternode  MasternodeRules  `json:"masternode"`
	InstantSend InstantSendRules `json:"instantsend"`
	Forks       ForkSchedule     `json:"forks,omitempty"`
}

// ConsensusRules defines how blocks are produced and validated.
// Blocks are signed by one of a fixed set of authorities.
type ConsensusRules struct {
	BlockTime   int      `json:"block_time"` // target seconds between blocks
	Validators  []string `json:"validators"` // compressed authority pubkeys (hex)
	BlockReward uint64   `json:"block_reward"`
	MinFeeRate  uint64   `json:"min_fee_rate"` // base units per byte of SigningBytes
}

// MasternodeRules define who may vote in lock quorums.
type MasternodeRules struct {
	Collateral         uint64 `json:"collateral"`          // exact collateral output value
	MinConfirmations   uint64 `json:"min_confirmations"`   // collateral depth before announcing
	MinProtocolVersion uint32 `json:"min_protocol_version"`
	ExpirySeconds      int64  `json:"expiry_seconds"`      // drop records not re-announced in time
	AnnounceSeconds    int64  `json:"announce_seconds"`    // re-announcement interval
	MaxSigTimeDrift    int64  `json:"max_sig_time_drift"`  // seconds an announcement may be in the future
}

// InstantSendRules parameterise the transaction-locking protocol.
type InstantSendRules struct {
	SignaturesRequired    int     `json:"signatures_required"`
	SignaturesTotal       int     `json:"signatures_total"`
	LockTimeoutSeconds    int64   `json:"lock_timeout_seconds"`
	FailedTimeoutSeconds  int64   `json:"failed_timeout_seconds"`
	KeepLockBlocks        uint64  `json:"keep_lock_blocks"`
	MinInputConfirmations uint64  `json:"min_input_confirmations"`
	MinLockFee            uint64  `json:"min_lock_fee"` // per input
	LockFeeRate           uint64  `json:"lock_fee_rate"`
	MaxLockValue          uint64  `json:"max_lock_value"`
	MaxInputsForAutoLock  int     `json:"max_inputs_for_auto_lock"`
	AutoLockMempoolShare  float64 `json:"auto_lock_mempool_share"` // auto locks stop above this mempool occupancy
	MinProtocolVersion    uint32  `json:"min_protocol_version"`
	QuorumHeightOffset    uint64  `json:"quorum_height_offset"`
	MaxVoteHeightAhead    uint64  `json:"max_vote_height_ahead"`
}

// =============================================================================
// Testnet authority (well-known key, DO NOT use on mainnet)
// =============================================================================

const (
	// TestnetValidatorPubKey is the compressed public key of the testnet block authority.
	TestnetValidatorPubKey = "030bef68f8657df88098a0546da1712c88b459788bea1a6bbe964004166a25144f"

	// TestnetValidatorPrivKey is the private key matching TestnetValidatorPubKey.
	TestnetValidatorPrivKey = "1f0717e6e34acc6721021f4dfed54558ec8452452b6195545d06dd348b220091"

	// TestnetAddress is BLAKE3(TestnetValidatorPubKey)[:20].
	TestnetAddress = "8f3a44b8056cafec368dea0cbe0ad1d9bc3f4305"
)

// DefaultInstantSendRules returns the mainnet locking parameters.
func DefaultInstantSendRules() InstantSendRules {
	return InstantSendRules{
		SignaturesRequired:    10,
		SignaturesTotal:       15,
		LockTimeoutSeconds:    15,
		FailedTimeoutSeconds:  60,
		KeepLockBlocks:        24,
		MinInputConfirmations: 5,
		MinLockFee:            5000 * MicroCoin / 1000, // 0.000005 coin per input
		LockFeeRate:           10_000,
		MaxLockValue:          1000 * Coin,
		MaxInputsForAutoLock:  2500,
		AutoLockMempoolShare:  0.1,
		MinProtocolVersion:    ProtocolVersion,
		QuorumHeightOffset:    4,
		MaxVoteHeightAhead:    6,
	}
}

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "klingnet-is-mainnet-1",
		ChainName: "Klingnet InstantSend Mainnet",
		Symbol:    "KGX",
		Timestamp: 1770734103,
		ExtraData: "Klingnet InstantSend Genesis",
		Alloc: map[string]uint64{
			"e9d69ff8b240f30f2caf5ad76c788b96ef0a7c2d": 100_000 * Coin,
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				BlockTime: 30,
				Validators: []string{
					"03cba4d0ee4c55f5ea620393a6e6e9dafe959bfa6ddff964221126a3e41ad0487d",
				},
				BlockReward: 20 * MilliCoin,
				MinFeeRate:  10_000,
			},
			Masternode: MasternodeRules{
				Collateral:         1000 * Coin,
				MinConfirmations:   15,
				MinProtocolVersion: ProtocolVersion,
				ExpirySeconds:      65 * 60,
				AnnounceSeconds:    15 * 60,
				MaxSigTimeDrift:    60 * 60,
			},
			InstantSend: DefaultInstantSendRules(),
			Forks: ForkSchedule{
				AutoLockHeight: 10_000,
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "klingnet-is-testnet-1"
	g.ChainName = "Klingnet InstantSend Testnet"
	g.ExtraData = "Klingnet InstantSend Testnet Genesis"

	g.Alloc = map[string]uint64{
		TestnetAddress: 200_000 * Coin,
	}
	g.Protocol.Consensus.Validators = []string{TestnetValidatorPubKey}
	g.Protocol.Consensus.BlockTime = 5
	g.Protocol.Consensus.MinFeeRate = 10

	g.Protocol.Masternode.Collateral = 100 * Coin
	g.Protocol.Masternode.MinConfirmations = 1
	g.Protocol.Masternode.AnnounceSeconds = 60

	g.Protocol.InstantSend.MinInputConfirmations = 2
	g.Protocol.InstantSend.LockFeeRate = 10
	g.Protocol.Forks.AutoLockHeight = 1
	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}
	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}
	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}
	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	c := g.Protocol.Consensus
	if c.BlockTime <= 0 {
		return fmt.Errorf("block_time must be positive")
	}
	if c.BlockReward == 0 {
		return fmt.Errorf("block_reward must be positive")
	}
	for i, v := range c.Validators {
		pub, err := decodeHexPubKey(v)
		if err != nil {
			return fmt.Errorf("validators[%d]: %w", i, err)
		}
		if err := crypto.ValidatePublicKey(pub); err != nil {
			return fmt.Errorf("validators[%d]: %w", i, err)
		}
	}

	for addrStr := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
	}
	for i, addrStr := range g.Collateral {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("collateral[%d]: %w", i, err)
		}
	}

	mn := g.Protocol.Masternode
	if mn.Collateral == 0 {
		return fmt.Errorf("masternode.collateral must be positive")
	}
	if mn.ExpirySeconds <= mn.AnnounceSeconds {
		return fmt.Errorf("masternode.expiry_seconds must exceed announce_seconds")
	}

	return g.Protocol.InstantSend.Validate()
}

// Validate checks the locking parameters for internal consistency.
func (r *InstantSendRules) Validate() error {
	if r.SignaturesRequired <= 0 || r.SignaturesTotal < r.SignaturesRequired {
		return fmt.Errorf("instantsend: need 0 < signatures_required <= signatures_total")
	}
	if r.LockTimeoutSeconds <= 0 || r.FailedTimeoutSeconds <= r.LockTimeoutSeconds {
		return fmt.Errorf("instantsend: need 0 < lock_timeout_seconds < failed_timeout_seconds")
	}
	if r.MaxInputsForAutoLock <= 0 {
		return fmt.Errorf("instantsend: max_inputs_for_auto_lock must be positive")
	}
	if r.AutoLockMempoolShare < 0 || r.AutoLockMempoolShare > 1 {
		return fmt.Errorf("instantsend: auto_lock_mempool_share must be in [0, 1]")
	}
	return nil
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
