package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/internal/keyfile"
	"github.com/Klingon-tech/klingnet-instantsend/internal/rpc"
	"github.com/Klingon-tech/klingnet-instantsend/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-instantsend/internal/wallet"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

func cmdSend(client *rpcclient.Client, g globals, args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	keyPath := fs.String("key", "", "Signing key file")
	to := fs.String("to", "", "Recipient address")
	amountStr := fs.String("amount", "", "Amount to send")
	feeStr := fs.String("fee", "", "Fixed fee (default: computed)")
	instant := fs.Bool("instant", false, "Request an instant lock")
	wait := fs.Bool("wait", false, "Wait for the instant lock (implies --instant)")
	passEnv := fs.String("passphrase-env", "", "Environment variable holding the key passphrase")
	fs.Parse(args)

	if *keyPath == "" || *to == "" || *amountStr == "" {
		fatal("Usage: klingnet-is-cli send --key <file> --to <addr> --amount <amt> [--fee <amt>] [--instant] [--wait]")
	}
	if *wait {
		*instant = true
	}

	dest, err := types.ParseAddress(*to)
	if err != nil {
		fatal("invalid recipient: %v", err)
	}
	amount, err := parseAmount(*amountStr)
	if err != nil {
		fatal("invalid amount: %v", err)
	}

	pass := func() ([]byte, error) { return readPassword("Key passphrase: ") }
	if *passEnv != "" {
		pass = keyfile.EnvPassphrase(*passEnv)
	}
	key, err := keyfile.Load(*keyPath, pass)
	if err != nil {
		fatal("load key: %v", err)
	}
	defer key.Zero()

	var info rpc.ChainInfoResult
	if err := client.Call("chain_getInfo", nil, &info); err != nil {
		fatal("chain_getInfo: %v", err)
	}
	var pool rpc.MempoolInfoResult
	if err := client.Call("mempool_getInfo", nil, &pool); err != nil {
		fatal("mempool_getInfo: %v", err)
	}
	var list rpc.UTXOListResult
	if err := client.Call("utxo_getByAddress", rpc.AddressParam{Address: key.Address().String()}, &list); err != nil {
		fatal("utxo_getByAddress: %v", err)
	}

	locked := func(op types.Outpoint) bool {
		var res rpc.LockedOutpointResult
		err := client.Call("instantsend_getLockedOutpoint", rpc.OutpointParam{Outpoint: op.String()}, &res)
		return err == nil && res.Locked
	}
	candidates := wallet.Spendable(list.UTXOs, info.Height, locked)

	rules := config.GenesisFor(g.network).Protocol.InstantSend
	fee := func(inputs, outputs int) uint64 {
		f := tx.EstimateTxFee(inputs, outputs, pool.MinFeeRate)
		if *instant {
			f = max(f, tx.EstimateLockFee(inputs, outputs, rules.MinLockFee, rules.LockFeeRate))
		}
		return f
	}
	if *feeStr != "" {
		fixed, err := parseAmount(*feeStr)
		if err != nil {
			fatal("invalid fee: %v", err)
		}
		fee = func(int, int) uint64 { return fixed }
	}

	sel, err := wallet.SelectCoins(candidates, amount, fee)
	if err != nil {
		fatal("select coins: %v", err)
	}
	payment, err := wallet.BuildPayment(key, sel, dest, amount)
	if err != nil {
		fatal("%v", err)
	}

	ctx, cancel := callCtx(g)
	defer cancel()
	result, err := client.SubmitTx(ctx, payment, *instant)
	if err != nil {
		fatal("tx_submit: %v", err)
	}

	fmt.Printf("TX Hash: %s\n", result.TxHash)
	fmt.Printf("Fee:     %s\n", formatAmount(result.Fee))
	if !*instant {
		return
	}
	if !result.LockRequested {
		fmt.Fprintf(os.Stderr, "Instant lock not requested: %s\n", result.LockError)
		os.Exit(2)
	}
	fmt.Println("Lock:    requested")
	if *wait {
		waitForLock(client, g, payment.Hash())
	}
}
