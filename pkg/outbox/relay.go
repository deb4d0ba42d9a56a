package outbox

import (
	"context"
	"log/slog"
	"time"
)

type Store interface {
	LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error)
	MarkSent(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error
}

// Relay polls the outbox for pending events and pushes them through the
// dispatcher. Rows are leased so a crashed relay's batch becomes visible
// again once the lease expires; a slow batch renews its lease midway so a
// healthy relay never loses rows it is still working on.
type Relay struct {
	log       *slog.Logger
	store     Store
	dispatch  *Dispatcher
	relayID   string
	batchSize int
	interval  time.Duration
	lease     time.Duration
}

type Option func(*Relay)

func WithBatchSize(n int) Option          { return func(r *Relay) { r.batchSize = n } }
func WithInterval(d time.Duration) Option { return func(r *Relay) { r.interval = d } }
func WithLease(d time.Duration) Option    { return func(r *Relay) { r.lease = d } }

func NewRelay(log *slog.Logger, store Store, dispatch *Dispatcher, relayID string, opts ...Option) *Relay {
	r := &Relay{
		log:       log,
		store:     store,
		dispatch:  dispatch,
		relayID:   relayID,
		batchSize: 100,
		interval:  500 * time.Millisecond,
		lease:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopping", "relay_id", r.relayID)
			return nil
		case <-t.C:
			r.drain(ctx)
		}
	}
}

func (r *Relay) drain(ctx context.Context) {
	events, err := r.store.LockBatch(ctx, r.relayID, r.batchSize, r.lease)
	if err != nil {
		r.log.Error("relay lock batch error", "err", err)
		return
	}
	if len(events) == 0 {
		return
	}

	start := time.Now()
	sent := make([]int64, 0, len(events))
	failed := 0
	for i, e := range events {
		if time.Since(start) > r.lease/2 {
			remaining := make([]int64, 0, len(events)-i)
			for _, rest := range events[i:] {
				remaining = append(remaining, rest.ID)
			}
			if err := r.store.ExtendLease(ctx, r.relayID, remaining, r.lease); err != nil {
				r.log.Warn("relay lease extension failed", "err", err)
			}
			start = time.Now()
		}

		if err := r.dispatch.Dispatch(ctx, e); err != nil {
			_ = r.store.MarkFailed(ctx, e.ID, err.Error())
			failed++
			continue
		}
		sent = append(sent, e.ID)
	}

	if len(sent) > 0 {
		if err := r.store.MarkSent(ctx, sent); err != nil {
			r.log.Error("relay mark sent error", "err", err)
		}
	}
	if failed > 0 {
		r.log.Warn("relay batch had failures", "failed", failed, "sent", len(sent))
	}
}
