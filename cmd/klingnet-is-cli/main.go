// klingnet-is-cli is a command-line client for a klingnet-isd node.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/internal/rpcclient"
)

// globals are the options accepted before the subcommand.
type globals struct {
	rpcURL  string
	network config.NetworkType
	timeout time.Duration
}

func main() {
	g := globals{
		rpcURL:  "http://127.0.0.1:8555",
		network: config.Mainnet,
		timeout: 30 * time.Second,
	}

	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			g.rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			g.rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			g.network = config.NetworkType(args[1])
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			g.network = config.NetworkType(args[0][len("--network="):])
			args = args[1:]
		case args[0] == "--testnet":
			g.network = config.Testnet
			g.rpcURL = "http://127.0.0.1:8655"
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	client := rpcclient.New(g.rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "block":
		cmdBlock(client, cmdArgs)
	case "tx":
		cmdTx(client, cmdArgs)
	case "utxo":
		cmdUTXO(client, cmdArgs)
	case "balance":
		cmdBalance(client, cmdArgs)
	case "mempool":
		cmdMempool(client)
	case "peers":
		cmdPeers(client)
	case "bans":
		cmdBans(client)
	case "send":
		cmdSend(client, g, cmdArgs)
	case "masternode":
		cmdMasternode(client, cmdArgs)
	case "lock":
		cmdLock(client, g, cmdArgs)
	case "genkey":
		cmdGenKey(cmdArgs)
	case "version", "--version", "-v":
		fmt.Printf("klingnet-is-cli %s\n", config.Version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: klingnet-is-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default: http://127.0.0.1:8555)
  --network <net>     mainnet (default) or testnet
  --testnet           Shorthand for --network=testnet with the testnet RPC port

Chain:
  status                          Show chain status
  block <hash|height>             Show block details
  tx <hash>                       Show transaction and lock state
  utxo <txid:index>               Show an unspent output
  balance <address>               Show address balance
  mempool                         Show mempool stats
  peers                           Show connected peers
  bans                            Show banned peers

Transactions:
  send --key <file> --to <addr> --amount <amt> [--fee <amt>] [--instant] [--wait]
                                  Sign and submit a payment

Masternodes:
  masternode list                 List known masternodes
  masternode info <txid:index>    Show one masternode
  masternode status               Show this node's masternode state

InstantSend:
  lock status <txhash>            Show lock progress of a transaction
  lock wait <txhash>              Wait until a transaction is locked
  lock outpoint <txid:index>      Show which transaction locks an output
  lock info                       Show lock engine statistics
  lock relay <txhash>             Re-broadcast a pending lock request
  lock events [--since <n>] [--follow]
                                  Show lock outcomes

Keys:
  genkey --out <file> [--encrypt] Generate a signing key
`)
}

// ── Amounts ─────────────────────────────────────────────────────────────

// formatAmount converts raw units to a human-readable decimal string.
func formatAmount(units uint64) string {
	whole := units / config.Coin
	frac := units % config.Coin
	return fmt.Sprintf("%d.%012d", whole, frac)
}

// parseAmount converts a decimal string to raw units.
func parseAmount(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount")
	}

	parts := strings.SplitN(s, ".", 2)

	whole, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid whole part: %w", err)
	}

	var frac uint64
	if len(parts) == 2 {
		fracStr := parts[1]
		if len(fracStr) > config.Decimals {
			return 0, fmt.Errorf("too many decimal places (max %d)", config.Decimals)
		}
		fracStr = fracStr + strings.Repeat("0", config.Decimals-len(fracStr))
		frac, err = strconv.ParseUint(fracStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid fractional part: %w", err)
		}
	}

	if whole > math.MaxUint64/config.Coin {
		return 0, fmt.Errorf("amount too large")
	}
	result := whole * config.Coin
	if result > math.MaxUint64-frac {
		return 0, fmt.Errorf("amount too large")
	}

	return result + frac, nil
}

// ── Helpers ─────────────────────────────────────────────────────────────

func callCtx(g globals) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.timeout)
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal("encode: %v", err)
	}
	fmt.Println(string(out))
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return password, nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
