package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/internal/rpc"
	"github.com/Klingon-tech/klingnet-instantsend/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	var info rpc.ChainInfoResult
	if err := client.Call("chain_getInfo", nil, &info); err != nil {
		fatal("chain_getInfo: %v", err)
	}

	fmt.Printf("Chain:   %s\n", info.ChainID)
	if info.Symbol != "" {
		fmt.Printf("Symbol:  %s\n", info.Symbol)
	}
	fmt.Printf("Height:  %d\n", info.Height)
	fmt.Printf("Tip:     %s\n", info.TipHash)
	fmt.Printf("Supply:  %s\n", formatAmount(info.Supply))

	var peers rpc.PeerInfoResult
	if err := client.Call("net_getPeerInfo", nil, &peers); err == nil {
		fmt.Printf("Peers:   %d\n", peers.Count)
	}

	var mns rpc.MasternodeListResult
	if err := client.Call("masternode_list", nil, &mns); err == nil {
		fmt.Printf("Masternodes: %d (%d enabled)\n", mns.Total, mns.Enabled)
	}
}

// ── block ───────────────────────────────────────────────────────────────

func cmdBlock(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingnet-is-cli block <hash|height>")
	}

	arg := args[0]
	var blk rpc.BlockResult
	if height, err := strconv.ParseUint(arg, 10, 64); err == nil {
		if err := client.Call("chain_getBlockByHeight", rpc.HeightParam{Height: height}, &blk); err != nil {
			fatal("chain_getBlockByHeight: %v", err)
		}
	} else {
		if err := client.Call("chain_getBlockByHash", rpc.HashParam{Hash: arg}, &blk); err != nil {
			fatal("chain_getBlockByHash: %v", err)
		}
	}
	if blk.Header == nil {
		fatal("block has no header")
	}

	fmt.Printf("Hash:         %s\n", blk.Hash)
	fmt.Printf("Height:       %d\n", blk.Header.Height)
	fmt.Printf("Prev:         %s\n", blk.Header.PrevHash)
	fmt.Printf("Merkle Root:  %s\n", blk.Header.MerkleRoot)
	ts := time.Unix(int64(blk.Header.Timestamp), 0).UTC()
	fmt.Printf("Timestamp:    %s\n", ts.Format("2006-01-02 15:04:05 UTC"))
	fmt.Printf("Transactions: %d\n", len(blk.Transactions))
	for _, t := range blk.Transactions {
		fmt.Printf("  %s\n", t.Hash)
	}
}

// ── tx ──────────────────────────────────────────────────────────────────

func cmdTx(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingnet-is-cli tx <hash>")
	}

	var txn rpc.TxResult
	if err := client.Call("chain_getTransaction", rpc.HashParam{Hash: args[0]}, &txn); err != nil {
		fatal("chain_getTransaction: %v", err)
	}

	fmt.Printf("Hash:     %s\n", txn.Hash)
	switch {
	case txn.BlockHeight != nil:
		fmt.Printf("Status:   confirmed at height %d\n", *txn.BlockHeight)
	case txn.InMempool:
		fmt.Println("Status:   in mempool")
	}
	fmt.Printf("Locked:   %v\n", txn.InstantLocked)
	fmt.Printf("LockTime: %d\n", txn.LockTime)
	fmt.Printf("Inputs:   %d\n", len(txn.Inputs))
	for i, in := range txn.Inputs {
		fmt.Printf("  [%d] %s\n", i, in.PrevOut)
	}
	fmt.Printf("Outputs:  %d\n", len(txn.Outputs))
	for i, out := range txn.Outputs {
		fmt.Printf("  [%d] %s -> %x\n", i, formatAmount(out.Value), out.Script.Data)
	}
}

// ── utxo ────────────────────────────────────────────────────────────────

func cmdUTXO(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingnet-is-cli utxo <txid:index>")
	}

	var u rpc.UTXOResult
	if err := client.Call("utxo_get", rpc.OutpointParam{Outpoint: args[0]}, &u); err != nil {
		fatal("utxo_get: %v", err)
	}
	if u.UTXO == nil {
		fatal("utxo_get: empty result")
	}

	fmt.Printf("Outpoint:      %s\n", u.Outpoint)
	fmt.Printf("Value:         %s\n", formatAmount(u.Value))
	fmt.Printf("Owner:         %x\n", u.Script.Data)
	fmt.Printf("Height:        %d\n", u.Height)
	fmt.Printf("Confirmations: %d\n", u.Confirmations)
	if u.Coinbase {
		fmt.Println("Coinbase:      yes")
	}
	if u.LockedBy != "" {
		fmt.Printf("Locked by:     %s\n", u.LockedBy)
	}
}

// ── balance ─────────────────────────────────────────────────────────────

func cmdBalance(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingnet-is-cli balance <address>")
	}
	if _, err := types.ParseAddress(args[0]); err != nil {
		fatal("%v", err)
	}

	var info rpc.ChainInfoResult
	if err := client.Call("chain_getInfo", nil, &info); err != nil {
		fatal("chain_getInfo: %v", err)
	}
	var list rpc.UTXOListResult
	if err := client.Call("utxo_getByAddress", rpc.AddressParam{Address: args[0]}, &list); err != nil {
		fatal("utxo_getByAddress: %v", err)
	}

	var total, immature uint64
	for _, u := range list.UTXOs {
		total += u.Value
		if u.Coinbase && u.Confirmations(info.Height) < config.CoinbaseMaturity {
			immature += u.Value
		}
	}

	fmt.Printf("Address:   %s\n", list.Address)
	fmt.Printf("Spendable: %s\n", formatAmount(total-immature))
	if immature > 0 {
		fmt.Printf("Total:     %s\n", formatAmount(total))
		fmt.Printf("Immature:  %s\n", formatAmount(immature))
	}
	fmt.Printf("Outputs:   %d\n", len(list.UTXOs))
}

// ── mempool ─────────────────────────────────────────────────────────────

func cmdMempool(client *rpcclient.Client) {
	var info rpc.MempoolInfoResult
	if err := client.Call("mempool_getInfo", nil, &info); err != nil {
		fatal("mempool_getInfo: %v", err)
	}

	fmt.Printf("Count:        %d / %d (%.1f%%)\n", info.Count, info.MaxSize, info.UsedShare*100)
	fmt.Printf("Min Fee Rate: %d per byte\n", info.MinFeeRate)

	if info.Count > 0 {
		var content rpc.MempoolContentResult
		if err := client.Call("mempool_getContent", nil, &content); err != nil {
			fatal("mempool_getContent: %v", err)
		}
		fmt.Println("Pending:")
		for _, h := range content.Hashes {
			fmt.Printf("  %s\n", h)
		}
	}
}

// ── peers ───────────────────────────────────────────────────────────────

func cmdPeers(client *rpcclient.Client) {
	var node rpc.NodeInfoResult
	if err := client.Call("net_getNodeInfo", nil, &node); err != nil {
		fatal("net_getNodeInfo: %v", err)
	}

	fmt.Printf("Node ID: %s\n", node.ID)
	for _, a := range node.Addrs {
		fmt.Printf("  Listen: %s\n", a)
	}

	var peers rpc.PeerInfoResult
	if err := client.Call("net_getPeerInfo", nil, &peers); err != nil {
		fatal("net_getPeerInfo: %v", err)
	}

	fmt.Printf("Peers:   %d\n", peers.Count)
	for _, p := range peers.Peers {
		fmt.Printf("  %s (connected: %s, height: %d, proto: %d)\n", p.ID, p.ConnectedAt, p.BestHeight, p.ProtocolVersion)
	}
}

func cmdBans(client *rpcclient.Client) {
	var bans rpc.BanListResult
	if err := client.Call("net_getBanList", nil, &bans); err != nil {
		fatal("net_getBanList: %v", err)
	}

	fmt.Printf("Banned:  %d\n", bans.Count)
	for _, b := range bans.Bans {
		expires := time.Unix(b.ExpiresAt, 0).UTC().Format(time.RFC3339)
		fmt.Printf("  %s score=%d until %s: %s\n", b.ID, b.Score, expires, b.Reason)
	}
}
