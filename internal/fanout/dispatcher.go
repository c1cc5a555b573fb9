package fanout

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-fanout-service/internal/workerpool"
	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

// DefaultCallTimeout bounds every outbound gateway call.
const DefaultCallTimeout = 10 * time.Second

// ErrOutcomeMismatch is reported when a gateway breaks the one-outcome-per-recipient contract.
var ErrOutcomeMismatch = errors.New("gateway returned a different number of outcomes than recipients")

// Pool is the subset of the worker pool the dispatcher needs.
type Pool interface {
	Submit(task workerpool.Task) error
}

// Dispatcher sends batches through the gateway on a shared worker pool and
// hands each batch's outcomes to the reconciler.
type Dispatcher struct {
	gateway     dispatch.Gateway
	pool        Pool
	reconciler  *Reconciler
	callTimeout time.Duration
	logger      *slog.Logger
}

func NewDispatcher(gateway dispatch.Gateway, pool Pool, reconciler *Reconciler, callTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Dispatcher{
		gateway:     gateway,
		pool:        pool,
		reconciler:  reconciler,
		callTimeout: callTimeout,
		logger:      logger.With("component", "Dispatcher"),
	}
}

// SendOne delivers to a single recipient on the calling goroutine and
// reconciles the outcome before returning.
func (d *Dispatcher) SendOne(ctx context.Context, msg dispatch.Message, recipient dispatch.Recipient) (dispatch.Outcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	outcome, err := d.gateway.SendOne(callCtx, msg, recipient)
	if err != nil {
		d.logger.Error("Error posting message", "recipient", recipient, "err", err)
		return dispatch.Outcome{}, err
	}
	d.reconciler.Reconcile(ctx, []dispatch.Recipient{recipient}, []dispatch.Outcome{outcome})
	return outcome, nil
}

// Dispatch schedules one pool task per batch and returns without waiting.
// done is closed once every scheduled task has finished. Cancelling ctx after
// Dispatch returns does not abort queued batches.
func (d *Dispatcher) Dispatch(ctx context.Context, msg dispatch.Message, batches iter.Seq[Batch]) (tasks int, done <-chan struct{}) {
	taskCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup

	for batch := range batches {
		wg.Add(1)
		err := d.pool.Submit(func() {
			defer wg.Done()
			d.deliver(taskCtx, msg, batch)
		})
		if err != nil {
			wg.Done()
			d.logger.Error("Failed to schedule batch; abandoning it", "batch_size", len(batch), "recipients", batch, "err", err)
			continue
		}
		tasks++
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	return tasks, finished
}

func (d *Dispatcher) deliver(ctx context.Context, msg dispatch.Message, batch Batch) {
	start := time.Now()
	outcomes, err := d.sendBatch(ctx, msg, batch)
	if err != nil {
		d.logger.Error("Error posting messages", "batch_size", len(batch), "recipients", batch, "err", err)
		return
	}

	report := d.reconciler.Reconcile(ctx, batch, outcomes)
	d.logger.Info("Batch delivered",
		"batch_size", len(batch),
		"delivered", report.Delivered,
		"migrated", report.Migrated,
		"removed", report.Removed,
		"failed", report.Failed,
		"dur", time.Since(start),
	)
}

func (d *Dispatcher) sendBatch(ctx context.Context, msg dispatch.Message, batch Batch) ([]dispatch.Outcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	outcomes, err := d.gateway.SendBatch(callCtx, msg, batch)
	if err != nil {
		return nil, err
	}
	if len(outcomes) != len(batch) {
		return nil, fmt.Errorf("%w: sent %d, got %d", ErrOutcomeMismatch, len(batch), len(outcomes))
	}
	return outcomes, nil
}
