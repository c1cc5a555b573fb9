package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-fanout-service/internal/fanout"
	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

// Fanouter is the coordinator operation the processor drives.
type Fanouter interface {
	Fanout(ctx context.Context, msg dispatch.Message) (*fanout.Summary, error)
}

// NewProcessor hands each validated message to the coordinator. Only a
// registry failure is returned, so Pub/Sub redelivers the request; delivery
// failures are reconciled inside the fan-out.
func NewProcessor(coordinator Fanouter, logger *slog.Logger) messagepipeline.StreamProcessor[dispatch.Message] {
	return func(ctx context.Context, original messagepipeline.Message, msg *dispatch.Message) error {
		procLogger := logger.With("pubsub_msg_id", original.ID)

		summary, err := coordinator.Fanout(ctx, *msg)
		if err != nil {
			procLogger.Error("Fan-out failed", "err", err)
			return err
		}

		procLogger = procLogger.With("fanout_id", summary.ID)
		procLogger.Info(summary.Status, "mode", summary.Mode, "recipients", summary.Recipients, "tasks", summary.Tasks)

		if summary.Mode == fanout.ModeMulticast {
			go func() {
				<-summary.Done()
				procLogger.Info("Fan-out complete", "tasks", summary.Tasks)
			}()
		}
		return nil
	}
}
