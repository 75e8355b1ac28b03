// Package capability runs a recurring background task that refreshes
// a process-wide snapshot of the ML service's declared safe batch size
// and readiness. The snapshot is a single-writer (the probe),
// many-reader (GPU Workers) atomic cell.
package capability

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kaelstrom/pixelsync/pkg/mlclient"
	"github.com/kaelstrom/pixelsync/pkg/types"
)

const defaultInterval = 10 * time.Second

// Prober periodically polls the ML service's capability endpoint.
type Prober struct {
	client   *mlclient.Client
	interval time.Duration
	snapshot atomic.Pointer[types.CapabilitySnapshot]
}

// New returns a prober that has not yet taken its first reading;
// Snapshot() returns a zero-value (not ready) snapshot until Run has
// completed at least one poll.
func New(client *mlclient.Client, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = defaultInterval
	}
	p := &Prober{client: client, interval: interval}
	p.snapshot.Store(&types.CapabilitySnapshot{})
	return p
}

// Run polls on p.interval until ctx is cancelled. It takes one reading
// immediately before entering the ticker loop so callers that start a
// pipeline shortly after starting the prober aren't stuck with a
// not-ready snapshot for a full interval.
func (p *Prober) Run(ctx context.Context) {
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Prober) poll(ctx context.Context) {
	cap := p.client.GetCapability(ctx)
	p.snapshot.Store(&types.CapabilitySnapshot{
		SafeBatchSize: cap.SafeClipBatch,
		Ready:         cap.Ready,
	})
}

// Snapshot returns the most recent reading. Safe for concurrent use by
// any number of GPU Workers.
func (p *Prober) Snapshot() types.CapabilitySnapshot {
	return *p.snapshot.Load()
}
