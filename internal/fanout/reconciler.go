package fanout

import (
	"context"
	"log/slog"

	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

// Report counts what reconciliation did for one batch.
type Report struct {
	Delivered int
	Migrated  int
	Removed   int
	Failed    int
}

// Reconciler applies gateway outcomes to the device registry.
type Reconciler struct {
	registry dispatch.Registry
	logger   *slog.Logger
}

func NewReconciler(registry dispatch.Registry, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		registry: registry,
		logger:   logger.With("component", "Reconciler"),
	}
}

// Reconcile walks recipients and outcomes pairwise. The slices must be the same
// length; the dispatcher guarantees this before calling. Registry errors are
// logged and never returned.
func (r *Reconciler) Reconcile(ctx context.Context, recipients []dispatch.Recipient, outcomes []dispatch.Outcome) Report {
	var report Report
	for i, recipient := range recipients {
		r.apply(ctx, recipient, outcomes[i], &report)
	}
	return report
}

func (r *Reconciler) apply(ctx context.Context, recipient dispatch.Recipient, outcome dispatch.Outcome, report *Report) {
	switch outcome.Kind {
	case dispatch.OutcomeDelivered:
		report.Delivered++
		r.logger.Debug("Successfully sent message to device", "recipient", recipient, "message_id", outcome.MessageID)

	case dispatch.OutcomeCanonical:
		report.Delivered++
		r.logger.Debug("Successfully sent message to device", "recipient", recipient, "message_id", outcome.MessageID)
		if outcome.CanonicalID == "" || outcome.CanonicalID == recipient {
			return
		}
		// Same device has more than one registration id: keep the newest.
		r.logger.Info("Updating registration to canonical id", "recipient", recipient, "canonical_id", outcome.CanonicalID)
		if err := r.registry.UpdateRecipient(ctx, recipient, outcome.CanonicalID); err != nil {
			r.logger.Warn("Failed to update registration", "recipient", recipient, "canonical_id", outcome.CanonicalID, "err", err)
			return
		}
		report.Migrated++

	case dispatch.OutcomeFailed:
		report.Failed++
		if outcome.Err.IsTerminal() {
			// Application has been removed from the device.
			r.logger.Info("Unregistering device", "recipient", recipient, "error_kind", outcome.Err)
			if err := r.registry.RemoveRecipient(ctx, recipient); err != nil {
				r.logger.Warn("Failed to unregister device", "recipient", recipient, "err", err)
				return
			}
			report.Removed++
			return
		}
		r.logger.Error("Error sending message to device", "recipient", recipient, "error_kind", outcome.Err, "detail", outcome.Detail)
	}
}
