package rpcclient

import (
	"context"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/Klingon-tech/klingnet-instantsend/internal/rpc"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// DefaultPollInterval is how often WaitForLock asks the node for progress.
const DefaultPollInterval = 500 * time.Millisecond

// SubmitTx sends t to the node's mempool, optionally requesting an
// instant lock for it.
func (c *Client) SubmitTx(ctx context.Context, t *tx.Transaction, instantLock bool) (*rpc.TxSubmitResult, error) {
	var result rpc.TxSubmitResult
	err := c.CallContext(ctx, "tx_submit", rpc.TxSubmitParam{Transaction: t, InstantLock: instantLock}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitLock sends t and requires the node to start collecting lock votes.
func (c *Client) SubmitLock(ctx context.Context, t *tx.Transaction) (*rpc.TxSubmitResult, error) {
	var result rpc.TxSubmitResult
	if err := c.CallContext(ctx, "instantsend_submit", rpc.TxSubmitParam{Transaction: t}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LockStatus reports lock progress for a transaction.
func (c *Client) LockStatus(ctx context.Context, txHash types.Hash) (*rpc.LockStatusResult, error) {
	var result rpc.LockStatusResult
	if err := c.CallContext(ctx, "instantsend_isLocked", rpc.HashParam{Hash: txHash.String()}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Events returns lock events newer than since.
func (c *Client) Events(ctx context.Context, since uint64, limit int) (*rpc.EventsResult, error) {
	var result rpc.EventsResult
	if err := c.CallContext(ctx, "instantsend_getEvents", rpc.EventsParam{Since: since, Limit: limit}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// WaitForLock polls until txHash is locked, its lock times out, or ctx
// ends. A non-positive interval uses DefaultPollInterval.
func (c *Client) WaitForLock(ctx context.Context, txHash types.Hash, interval time.Duration) (*rpc.LockStatusResult, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	poll := ticker.New(interval)
	poll.Resume()
	defer poll.Stop()

	for {
		status, err := c.LockStatus(ctx, txHash)
		if err != nil {
			return nil, err
		}
		if status.Locked {
			return status, nil
		}
		if status.TimedOut {
			return status, fmt.Errorf("lock for %s timed out with %d/%d signatures",
				txHash.Short(), status.Signatures, status.Required)
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-poll.Ticks():
		}
	}
}
