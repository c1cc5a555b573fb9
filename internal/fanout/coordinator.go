package fanout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

// Mode records which delivery path a fan-out took.
type Mode string

const (
	ModeNone      Mode = "none"
	ModeSingle    Mode = "single"
	ModeMulticast Mode = "multicast"
)

// Summary is the immediate acknowledgement of a fan-out. For ModeMulticast it
// is produced once every batch is scheduled, not delivered; use Done or Wait
// to observe completion of reconciliation.
type Summary struct {
	ID         string
	Recipients int
	Tasks      int
	Mode       Mode
	Status     string
	// Outcome is set for ModeSingle when the gateway answered.
	Outcome *dispatch.Outcome

	done <-chan struct{}
}

// Done is closed once every dispatched batch has been delivered and reconciled.
func (s *Summary) Done() <-chan struct{} { return s.done }

// Wait blocks until the fan-out completes or ctx is done.
func (s *Summary) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Config struct {
	// BatchSize is the maximum number of recipients per gateway call.
	BatchSize int
	// AlwaysMulticast disables the single-recipient fast path.
	AlwaysMulticast bool
}

// Coordinator is the fan-out entry point.
type Coordinator struct {
	registry   dispatch.Registry
	dispatcher *Dispatcher
	batchSize  int
	always     bool
	logger     *slog.Logger
}

// NewCoordinator wires the coordinator. If the gateway advertises a smaller
// batch limit than cfg.BatchSize, the gateway limit wins.
func NewCoordinator(cfg Config, registry dispatch.Registry, gateway dispatch.Gateway, dispatcher *Dispatcher, logger *slog.Logger) *Coordinator {
	size := cfg.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	if limiter, ok := gateway.(dispatch.BatchLimiter); ok {
		if limit := limiter.MaxBatchSize(); limit > 0 && limit < size {
			size = limit
		}
	}
	return &Coordinator{
		registry:   registry,
		dispatcher: dispatcher,
		batchSize:  size,
		always:     cfg.AlwaysMulticast,
		logger:     logger.With("component", "Coordinator"),
	}
}

// BatchSize reports the effective batch size.
func (c *Coordinator) BatchSize() int { return c.batchSize }

// Fanout sends msg to every registered recipient. It fails only when msg is
// invalid or the registry cannot be listed; delivery failures are logged and
// reconciled, never returned.
func (c *Coordinator) Fanout(ctx context.Context, msg dispatch.Message) (*Summary, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	recipients, err := c.registry.ListRecipients(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}

	summary := &Summary{
		ID:         uuid.NewString(),
		Recipients: len(recipients),
	}
	log := c.logger.With("fanout_id", summary.ID)

	switch {
	case len(recipients) == 0:
		summary.Mode = ModeNone
		summary.Status = "Message ignored as there is no device registered!"
		summary.done = closedChan()

	case len(recipients) == 1 && !c.always:
		summary.Mode = ModeSingle
		summary.Tasks = 1
		summary.done = closedChan()
		outcome, err := c.dispatcher.SendOne(ctx, msg, recipients[0])
		if err != nil {
			summary.Status = fmt.Sprintf("Failed to send message to one device: %v", err)
			break
		}
		summary.Outcome = &outcome
		summary.Status = "Sent message to one device: " + outcome.String()

	default:
		summary.Mode = ModeMulticast
		summary.Tasks, summary.done = c.dispatcher.Dispatch(ctx, msg, Partition(recipients, c.batchSize))
		summary.Status = fmt.Sprintf("Asynchronously sending %d multicast messages to %d devices", summary.Tasks, summary.Recipients)
	}

	log.Info("Fan-out scheduled", "mode", summary.Mode, "recipients", summary.Recipients, "tasks", summary.Tasks)
	return summary, nil
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
