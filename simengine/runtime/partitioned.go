// Package runtime provides the partitioned executor for concurrent round execution.
package runtime

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agorasim-collective/marketcore/marketmsg"
	"github.com/agorasim-collective/marketcore/simengine/observability"
	"github.com/agorasim-collective/marketcore/simengine/scheduler"
	"github.com/agorasim-collective/marketcore/simengine/trading"
)

// runPartitionedCore drives rounds with agents sharded across worker
// goroutines. Each worker owns the mailboxes of its partition:
//   - Action: workers run behaviors for their own traders only.
//   - Delivery: workers drain their outboxes into per-destination batches,
//     then each worker applies the batches addressed to its partition.
//     No two goroutines ever write the same inbox.
//   - Clearing: workers fold their own traders' inboxes into books.
//
// WaitGroup barriers between the phases give the same happens-before
// ordering the sequential core gets for free, so a run produces the same
// per-agent message multisets either way.
func (r *Runner) runPartitionedCore(ctx context.Context, opts RunOptions, outputChan chan RoundOutput) (int, error) {
	completed := 0

	for i := 0; i < opts.Rounds; i++ {
		select {
		case <-ctx.Done():
			r.Logger.Info("run_cancelled",
				"round", r.Scheduler.Clock().Round(),
				"reason", ctx.Err().Error(),
			)
			return completed, ctx.Err()
		default:
		}

		round := r.Scheduler.Clock().Round()
		roundStart := time.Now()
		roundCtx, span := tracer.Start(ctx, "simulation.round",
			trace.WithAttributes(
				attribute.Int("round", round),
				attribute.Int("workers", opts.Workers),
			),
		)

		// Re-shard each round: joins and leaves between rounds change
		// the roster, and partition ownership must follow it.
		assign := r.partitionRoster(opts.Workers)

		for step := 0; step < opts.Steps; step++ {
			if err := r.runStepPartitioned(roundCtx, round, step, assign); err != nil {
				r.emitStep(outputChan, round, step, err)
				span.RecordError(err)
				span.End()
				return completed, err
			}
			r.emitStep(outputChan, round, step, nil)
		}

		if err := r.closeRound(roundStart); err != nil {
			span.RecordError(err)
			span.End()
			return completed, err
		}
		span.End()
		completed++
	}

	return completed, nil
}

// partitionRoster buckets the sorted roster by mailbox partition. A trader's
// bucket is stable for a fixed worker count, so the same worker owns the
// same inboxes for the whole round.
func (r *Runner) partitionRoster(workers int) [][]*trading.Trader {
	assign := make([][]*trading.Trader, workers)
	for _, trader := range r.roster() {
		w := marketmsg.Partition(trader.ID(), workers)
		assign[w] = append(assign[w], trader)
	}
	return assign
}

// runStepPartitioned runs one action/delivery/clearing step across the
// worker pool, with a barrier between each phase.
func (r *Runner) runStepPartitioned(ctx context.Context, round, step int, assign [][]*trading.Trader) error {
	workers := len(assign)
	router := r.Scheduler.Router()

	// Action: behaviors touch only their own trader's mailbox and books.
	r.Scheduler.ActionPhase()
	if err := runWorkers(workers, func(w int) error {
		for _, trader := range assign[w] {
			if err := r.act(ctx, round, step, trader); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	// Delivery, half one: every worker drains its own outboxes into
	// batches keyed by destination partition. exchange[from][to] is
	// written by worker `from` only.
	r.Scheduler.BeginPhase(scheduler.PhaseDelivery)
	exchange := make([][][]marketmsg.Delivery, workers)
	if err := runWorkers(workers, func(w int) error {
		exchange[w] = make([][]marketmsg.Delivery, workers)
		for _, trader := range assign[w] {
			for to, batch := range router.PartitionOutbox(trader.Mailbox(), workers) {
				exchange[w][to] = append(exchange[w][to], batch...)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	// Delivery, half two: after the barrier each worker applies the
	// batches addressed to its partition, in ascending source order so
	// inbox order is deterministic for a fixed sharding.
	if err := runWorkers(workers, func(w int) error {
		for from := 0; from < workers; from++ {
			batch := exchange[from][w]
			if len(batch) == 0 {
				continue
			}
			observability.RecordDeliveryBatch(len(batch))
			if err := router.DeliverBatch(batch); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	// Clearing: each worker folds its own traders' inboxes into books.
	r.Scheduler.BeginPhase(scheduler.PhaseClearing)
	return runWorkers(workers, func(w int) error {
		for _, trader := range assign[w] {
			if err := r.Scheduler.ClearAgent(trader.ID()); err != nil {
				return err
			}
		}
		return nil
	})
}

// runWorkers runs fn(0..n-1) on n goroutines and waits for all of them.
// Returns the first error; the rest of the workers still run to completion
// so the phase barrier stays intact.
func runWorkers(n int, fn func(w int) error) error {
	var wg sync.WaitGroup
	errCh := make(chan error, n)

	for w := 0; w < n; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			if err := fn(w); err != nil {
				errCh <- err
			}
		}(w)
	}

	wg.Wait()
	close(errCh)
	return <-errCh
}
