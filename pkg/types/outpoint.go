package types

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// OutpointSize is the length of a serialized outpoint (txid + LE32 index).
const OutpointSize = HashSize + 4

// Outpoint references a specific output in a transaction.
type Outpoint struct {
	TxID  Hash   `json:"txid"`
	Index uint32 `json:"index"`
}

// IsZero returns true if the outpoint has a zero TxID and zero index.
func (o Outpoint) IsZero() bool {
	return o.TxID.IsZero() && o.Index == 0
}

// String returns "txid:index" in hex.
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID.String(), o.Index)
}

// Short returns an abbreviated "txid:index" for log lines.
func (o Outpoint) Short() string {
	return fmt.Sprintf("%s:%d", o.TxID.Short(), o.Index)
}

// Bytes returns the canonical encoding: txid followed by the little-endian index.
func (o Outpoint) Bytes() []byte {
	return o.AppendTo(make([]byte, 0, OutpointSize))
}

// AppendTo appends the canonical encoding of o to buf.
func (o Outpoint) AppendTo(buf []byte) []byte {
	buf = append(buf, o.TxID[:]...)
	return binary.LittleEndian.AppendUint32(buf, o.Index)
}

// ParseOutpoint parses the "txid:index" form produced by String.
func ParseOutpoint(s string) (Outpoint, error) {
	txStr, idxStr, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Outpoint{}, fmt.Errorf("outpoint %q: expected txid:index", s)
	}
	txID, err := HexToHash(txStr)
	if err != nil {
		return Outpoint{}, fmt.Errorf("outpoint txid: %w", err)
	}
	idx, err := strconv.ParseUint(idxStr, 10, 32)
	if err != nil {
		return Outpoint{}, fmt.Errorf("outpoint index: %w", err)
	}
	return Outpoint{TxID: txID, Index: uint32(idx)}, nil
}
