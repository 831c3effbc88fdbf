// Klingnet InstantSend node daemon.
//
// Usage:
//
//	klingnet-isd [--masternode --mn-key=... --mn-outpoint=...]  Run node
//	klingnet-isd --help                                         Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/internal/node"
)

func main() {
	cfg, flags, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	switch {
	case flags.Help:
		config.PrintUsage()
		return
	case flags.Version:
		fmt.Printf("klingnet-isd %s\n", config.Version)
		return
	}

	genesis := config.GenesisFor(cfg.Network)
	if flags.Genesis != "" {
		genesis, err = config.LoadGenesis(flags.Genesis)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	n, err := node.NewWithGenesis(cfg, genesis)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Stop()
}
