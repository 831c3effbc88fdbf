package masternode

import (
	"context"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	klog "github.com/Klingon-tech/klingnet-instantsend/internal/log"
)

// BroadcastFunc publishes an announcement to the network.
type BroadcastFunc func(ann *Announcement) error

// Announcer periodically re-announces the local masternode so peers keep
// it in their registries.
type Announcer struct {
	active    *Active
	registry  *Registry
	addr      string
	broadcast BroadcastFunc
	ticker    ticker.Ticker
	now       func() time.Time
}

// NewAnnouncer creates an announcer that fires on every tick of t.
func NewAnnouncer(active *Active, registry *Registry, addr string, broadcast BroadcastFunc, t ticker.Ticker) *Announcer {
	return &Announcer{
		active:    active,
		registry:  registry,
		addr:      addr,
		broadcast: broadcast,
		ticker:    t,
		now:       time.Now,
	}
}

// Run announces once immediately, then on every tick until ctx is done.
func (a *Announcer) Run(ctx context.Context) error {
	a.ticker.Resume()
	defer a.ticker.Stop()

	a.announce()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.ticker.Ticks():
			a.announce()
		}
	}
}

func (a *Announcer) announce() {
	ann, err := a.active.Announce(a.addr, a.now())
	if err != nil {
		klog.Masternode.Error().Err(err).Msg("Failed to build announcement")
		return
	}
	// Register locally before broadcasting.
	if err := a.registry.ProcessAnnouncement(ann); err != nil && !errors.Is(err, ErrStale) {
		klog.Masternode.Warn().Err(err).Msg("Own announcement rejected")
		return
	}
	if a.broadcast == nil {
		return
	}
	if err := a.broadcast(ann); err != nil {
		klog.Masternode.Warn().Err(err).Msg("Failed to broadcast announcement")
		return
	}
	klog.Masternode.Debug().
		Str("outpoint", ann.Outpoint.Short()).
		Int64("sig_time", ann.SigTime).
		Msg("Masternode announced")
}
