package dispatch

import (
	"context"

	"deliveryd/internal/eventbus"
	"deliveryd/pkg/logx"
)

// Pools groups the three dispatch queues: bulk sends, batch pacing and retries.
type Pools struct {
	Bulk  *Pool
	Batch *Pool
	Retry *Pool
}

func NewPools(bulk, batch, retry Config, log logx.Logger, bus eventbus.Bus) *Pools {
	if bulk.Name == "" {
		bulk.Name = "bulk"
	}
	if batch.Name == "" {
		batch.Name = "batch"
	}
	if retry.Name == "" {
		retry.Name = "retry"
	}
	return &Pools{
		Bulk:  NewPool(bulk, log, bus),
		Batch: NewPool(batch, log, bus),
		Retry: NewPool(retry, log, bus),
	}
}

func (p *Pools) Start(ctx context.Context) {
	p.Bulk.Start(ctx)
	p.Batch.Start(ctx)
	p.Retry.Start(ctx)
}

// Stop stops the batch pool first so no new sends are fed into the bulk pool.
func (p *Pools) Stop(ctx context.Context) {
	p.Batch.Stop(ctx)
	p.Retry.Stop(ctx)
	p.Bulk.Stop(ctx)
}

func (p *Pools) Snapshot() []Snapshot {
	return []Snapshot{p.Bulk.Snapshot(), p.Batch.Snapshot(), p.Retry.Snapshot()}
}
