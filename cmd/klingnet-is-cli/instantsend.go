package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/Klingon-tech/klingnet-instantsend/internal/instantsend"
	"github.com/Klingon-tech/klingnet-instantsend/internal/rpc"
	"github.com/Klingon-tech/klingnet-instantsend/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// ── masternode ──────────────────────────────────────────────────────────

func cmdMasternode(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingnet-is-cli masternode <list|info|status>")
	}

	switch args[0] {
	case "list":
		var res rpc.MasternodeListResult
		if err := client.Call("masternode_list", nil, &res); err != nil {
			fatal("masternode_list: %v", err)
		}
		fmt.Printf("Masternodes: %d (%d enabled)\n", res.Total, res.Enabled)
		for _, mn := range res.Masternodes {
			state := "enabled"
			if mn.Banned {
				state = "banned"
			}
			rank := "-"
			if mn.Rank > 0 {
				rank = fmt.Sprintf("%d", mn.Rank)
			}
			fmt.Printf("  %s rank=%s %s %s\n", mn.Outpoint, rank, state, mn.Addr)
		}
	case "info":
		if len(args) < 2 {
			fatal("Usage: klingnet-is-cli masternode info <txid:index>")
		}
		var res rpc.MasternodeEntry
		if err := client.Call("masternode_getInfo", rpc.OutpointParam{Outpoint: args[1]}, &res); err != nil {
			fatal("masternode_getInfo: %v", err)
		}
		printJSON(res)
	case "status":
		var res rpc.MasternodeStatusResult
		if err := client.Call("masternode_status", nil, &res); err != nil {
			fatal("masternode_status: %v", err)
		}
		fmt.Printf("Status:   %s\n", res.Status)
		if res.Enabled {
			fmt.Printf("Outpoint: %s\n", res.Outpoint)
			fmt.Printf("PubKey:   %s\n", res.PubKey)
		}
	default:
		fatal("Unknown masternode command: %s", args[0])
	}
}

// ── lock ────────────────────────────────────────────────────────────────

func cmdLock(client *rpcclient.Client, g globals, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingnet-is-cli lock <status|wait|outpoint|info|relay|events>")
	}

	switch args[0] {
	case "status":
		txHash := hashArg(args, "lock status <txhash>")
		ctx, cancel := callCtx(g)
		defer cancel()
		st, err := client.LockStatus(ctx, txHash)
		if err != nil {
			fatal("instantsend_isLocked: %v", err)
		}
		printLockStatus(st)
	case "wait":
		waitForLock(client, g, hashArg(args, "lock wait <txhash>"))
	case "outpoint":
		if len(args) < 2 {
			fatal("Usage: klingnet-is-cli lock outpoint <txid:index>")
		}
		var res rpc.LockedOutpointResult
		if err := client.Call("instantsend_getLockedOutpoint", rpc.OutpointParam{Outpoint: args[1]}, &res); err != nil {
			fatal("instantsend_getLockedOutpoint: %v", err)
		}
		if res.Locked {
			fmt.Printf("%s locked by %s\n", res.Outpoint, res.TxHash)
		} else {
			fmt.Printf("%s not locked\n", res.Outpoint)
		}
	case "info":
		var info instantsend.Info
		if err := client.Call("instantsend_getInfo", nil, &info); err != nil {
			fatal("instantsend_getInfo: %v", err)
		}
		printJSON(info)
	case "relay":
		txHash := hashArg(args, "lock relay <txhash>")
		var res rpc.RelayResult
		if err := client.Call("instantsend_relay", rpc.HashParam{Hash: txHash.String()}, &res); err != nil {
			fatal("instantsend_relay: %v", err)
		}
		fmt.Printf("Relayed: %s\n", res.TxHash)
	case "events":
		cmdLockEvents(client, g, args[1:])
	default:
		fatal("Unknown lock command: %s", args[0])
	}
}

func hashArg(args []string, usage string) types.Hash {
	if len(args) < 2 {
		fatal("Usage: klingnet-is-cli %s", usage)
	}
	h, err := types.HexToHash(args[1])
	if err != nil {
		fatal("invalid hash: %v", err)
	}
	return h
}

func printLockStatus(st *rpc.LockStatusResult) {
	state := "pending"
	switch {
	case st.Locked:
		state = "locked"
	case st.TimedOut:
		state = "timed out"
	case st.Signatures < 0:
		state = "unknown"
	}
	fmt.Printf("TX:         %s\n", st.TxHash)
	fmt.Printf("State:      %s\n", state)
	if st.Signatures >= 0 {
		fmt.Printf("Signatures: %d / %d\n", st.Signatures, st.Required)
	}
}

func waitForLock(client *rpcclient.Client, g globals, txHash types.Hash) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*g.timeout)
	defer cancel()

	st, err := client.WaitForLock(ctx, txHash, rpcclient.DefaultPollInterval)
	if st != nil {
		printLockStatus(st)
	}
	if err != nil {
		fatal("wait for lock: %v", err)
	}
}

func cmdLockEvents(client *rpcclient.Client, g globals, args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	since := fs.Uint64("since", 0, "Only events after this sequence number")
	limit := fs.Int("limit", 100, "Maximum events per page")
	follow := fs.Bool("follow", false, "Keep polling for new events")
	fs.Parse(args)

	next := *since
	poll := func() {
		ctx, cancel := callCtx(g)
		defer cancel()
		res, err := client.Events(ctx, next, *limit)
		if err != nil {
			fatal("instantsend_getEvents: %v", err)
		}
		for _, ev := range res.Events {
			printEvent(ev)
			next = ev.Seq
		}
	}

	poll()
	if !*follow {
		return
	}
	t := ticker.New(time.Second)
	t.Resume()
	defer t.Stop()
	for range t.Ticks() {
		poll()
	}
}

func printEvent(ev instantsend.Event) {
	ts := time.Unix(ev.Time, 0).UTC().Format("15:04:05")
	switch ev.Kind {
	case instantsend.EventAttacked:
		fmt.Fprintf(os.Stdout, "#%d %s %-8s %s (%d conflicting txs)\n", ev.Seq, ts, ev.Kind, ev.Outpoint, len(ev.TxHashes))
	default:
		line := fmt.Sprintf("#%d %s %-8s %s", ev.Seq, ts, ev.Kind, ev.TxHash)
		if ev.Reason != "" {
			line += ": " + ev.Reason
		}
		fmt.Println(line)
	}
}
