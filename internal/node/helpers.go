package node

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/internal/chain"
	"github.com/Klingon-tech/klingnet-instantsend/internal/consensus"
	"github.com/Klingon-tech/klingnet-instantsend/internal/keyfile"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadKey reads a plain or encrypted key file. pass is only consulted for
// encrypted files.
func loadKey(path string, pass keyfile.PassphraseFunc) (*crypto.PrivateKey, error) {
	if path == "" {
		return nil, fmt.Errorf("no key file configured")
	}
	return keyfile.Load(expandHome(path), pass)
}

// passphrase reads the key passphrase from envName, falling back to an
// interactive prompt when stdin is a terminal.
func passphrase(envName, prompt string) keyfile.PassphraseFunc {
	fromEnv := keyfile.EnvPassphrase(envName)
	return func() ([]byte, error) {
		if envName != "" {
			pass, err := fromEnv()
			if err == nil {
				return pass, nil
			}
			if !errors.Is(err, keyfile.ErrPassphraseRequired) {
				return nil, err
			}
		}
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return nil, keyfile.ErrPassphraseRequired
		}
		fmt.Fprint(os.Stderr, prompt)
		pass, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		return pass, nil
	}
}

// resolveCoinbase determines the coinbase address from a string or validator key.
func resolveCoinbase(coinbaseStr string, validatorKey *crypto.PrivateKey) (types.Address, error) {
	if coinbaseStr != "" {
		addr, err := types.ParseAddress(coinbaseStr)
		if err != nil {
			return types.Address{}, fmt.Errorf("invalid coinbase address: %w", err)
		}
		return addr, nil
	}

	if validatorKey != nil {
		return crypto.AddressFromPubKey(validatorKey.PublicKey()), nil
	}

	return types.Address{}, fmt.Errorf("mining requires coinbase or validator-key")
}

// createEngine builds the PoA engine from the genesis authority set.
func createEngine(genesis *config.Genesis) (*consensus.PoA, error) {
	validators := make([][]byte, len(genesis.Protocol.Consensus.Validators))
	for i, v := range genesis.Protocol.Consensus.Validators {
		b, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decode validator %d: %w", i, err)
		}
		validators[i] = b
	}

	poa, err := consensus.NewPoA(validators)
	if err != nil {
		return nil, fmt.Errorf("create poa: %w", err)
	}
	return poa, nil
}

// masternodeOutpoint parses the configured collateral outpoint. With none
// configured it falls back to the genesis collateral owned by addr.
func masternodeOutpoint(configured string, genesis *config.Genesis, addr types.Address) (types.Outpoint, error) {
	if configured != "" {
		return types.ParseOutpoint(configured)
	}
	return chain.GenesisCollateral(genesis, addr)
}
