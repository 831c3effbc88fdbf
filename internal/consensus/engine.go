// Package consensus implements the block authority rules the chain
// follower checks every header against.
package consensus

import "github.com/Klingon-tech/klingnet-instantsend/pkg/block"

// Engine is the interface for consensus implementations.
type Engine interface {
	VerifyHeader(header *block.Header) error
	Seal(blk *block.Block) error
}
