package main

import (
	"bytes"
	"encoding/hex"
	"flag"
	"fmt"

	"github.com/Klingon-tech/klingnet-instantsend/internal/keyfile"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
)

// ── genkey ──────────────────────────────────────────────────────────────

func cmdGenKey(args []string) {
	fs := flag.NewFlagSet("genkey", flag.ExitOnError)
	out := fs.String("out", "", "Key file to create")
	encrypt := fs.Bool("encrypt", false, "Encrypt the key with a passphrase")
	fs.Parse(args)

	if *out == "" {
		fatal("Usage: klingnet-is-cli genkey --out <file> [--encrypt]")
	}

	var passphrase []byte
	if *encrypt {
		var err error
		passphrase, err = readPassword("Passphrase: ")
		if err != nil {
			fatal("read passphrase: %v", err)
		}
		confirm, err := readPassword("Confirm passphrase: ")
		if err != nil {
			fatal("read passphrase: %v", err)
		}
		if !bytes.Equal(passphrase, confirm) {
			fatal("passphrases do not match")
		}
		if len(passphrase) == 0 {
			fatal("empty passphrase")
		}
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		fatal("generate key: %v", err)
	}
	defer key.Zero()

	if err := keyfile.Write(*out, key, passphrase, keyfile.DefaultParams()); err != nil {
		fatal("write key: %v", err)
	}

	fmt.Printf("Key file:   %s\n", *out)
	fmt.Printf("Public key: %s\n", hex.EncodeToString(key.PublicKey()))
	fmt.Printf("Address:    %s\n", key.Address())
	if passphrase == nil {
		fmt.Println("Warning: key stored unencrypted")
	}
}
