// Package keyfile stores the masternode signing key on disk, either as a
// plain hex secret or encrypted under a passphrase.
package keyfile

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
)

const fileVersion = 1

// ErrPassphraseRequired is returned when an encrypted key is loaded
// without a passphrase source.
var ErrPassphraseRequired = errors.New("key file is encrypted, passphrase required")

// file is the on-disk JSON form of an encrypted key.
type file struct {
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	PubKey       string    `json:"pubkey"` // hex, lets tools show the key without the passphrase
	EncryptedKey []byte    `json:"encrypted_key"`
}

// PassphraseFunc supplies the passphrase for an encrypted key file.
type PassphraseFunc func() ([]byte, error)

// Write stores key at path. A nil or empty passphrase writes the plain hex
// secret. Existing files are never overwritten.
func Write(path string, key *crypto.PrivateKey, passphrase []byte, p Params) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("key file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	secret := key.Serialize()
	defer zero(secret)

	var data []byte
	if len(passphrase) == 0 {
		data = []byte(hex.EncodeToString(secret) + "\n")
	} else {
		sealed, err := Encrypt(secret, passphrase, p)
		if err != nil {
			return fmt.Errorf("encrypt key: %w", err)
		}
		data, err = json.MarshalIndent(file{
			Version:      fileVersion,
			CreatedAt:    time.Now().UTC(),
			PubKey:       hex.EncodeToString(key.PublicKey()),
			EncryptedKey: sealed,
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal key file: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// Load reads the key at path. pass is only called for encrypted files and
// may be nil when the caller knows the file is plain.
func Load(path string, pass PassphraseFunc) (*crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if !isJSON(trimmed) {
		key, err := crypto.PrivateKeyFromHex(strings.TrimSpace(string(trimmed)))
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		return key, nil
	}

	f, err := parse(trimmed)
	if err != nil {
		return nil, err
	}
	if pass == nil {
		return nil, ErrPassphraseRequired
	}
	passphrase, err := pass()
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	defer zero(passphrase)

	secret, err := Decrypt(f.EncryptedKey, passphrase)
	if err != nil {
		return nil, err
	}
	defer zero(secret)
	return crypto.PrivateKeyFromBytes(secret)
}

// IsEncrypted reports whether the key file at path needs a passphrase.
func IsEncrypted(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read key file: %w", err)
	}
	return isJSON(bytes.TrimSpace(data)), nil
}

// PublicKey returns the public key recorded in an encrypted key file, or
// derived from a plain one.
func PublicKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if !isJSON(trimmed) {
		key, err := Load(path, nil)
		if err != nil {
			return nil, err
		}
		defer key.Zero()
		return key.PublicKey(), nil
	}
	f, err := parse(trimmed)
	if err != nil {
		return nil, err
	}
	pub, err := hex.DecodeString(f.PubKey)
	if err != nil {
		return nil, fmt.Errorf("parse key file pubkey: %w", err)
	}
	if err := crypto.ValidatePublicKey(pub); err != nil {
		return nil, fmt.Errorf("parse key file pubkey: %w", err)
	}
	return pub, nil
}

// EnvPassphrase reads the passphrase from the named environment variable.
func EnvPassphrase(name string) PassphraseFunc {
	return func() ([]byte, error) {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return nil, fmt.Errorf("%w: %s is not set", ErrPassphraseRequired, name)
		}
		return []byte(v), nil
	}
}

func isJSON(data []byte) bool {
	return len(data) > 0 && data[0] == '{'
}

func parse(data []byte) (*file, error) {
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("unsupported key file version: %d", f.Version)
	}
	return &f, nil
}
