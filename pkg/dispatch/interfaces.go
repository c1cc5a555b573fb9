// --- File: pkg/dispatch/interfaces.go ---
package dispatch

import (
	"context"
)

// Recipient is a device's current push registration identifier.
type Recipient string

// Gateway defines the contract for a push messaging backend (FCM, APNs, Web Push).
//
// SendBatch MUST return exactly one Outcome per recipient, in request order.
// A failure of the exchange itself (network, auth, timeout) is reported as a
// *TransportError for the whole call. Per-call deadlines travel on ctx.
// Gateways that push one recipient at a time keep the outcomes they already
// hold when ctx expires, and report the rest as Unavailable.
type Gateway interface {
	// SendOne delivers the message to a single recipient.
	SendOne(ctx context.Context, msg Message, recipient Recipient) (Outcome, error)

	// SendBatch delivers the message to every recipient in one gateway call.
	SendBatch(ctx context.Context, msg Message, recipients []Recipient) ([]Outcome, error)
}

// BatchLimiter is implemented by gateways whose batch endpoint accepts fewer
// recipients than the configured fan-out batch size.
type BatchLimiter interface {
	MaxBatchSize() int
}

// Registry defines the contract for the device registry consumed by a fan-out.
// UpdateRecipient and RemoveRecipient must be idempotent and atomic per key.
type Registry interface {
	// ListRecipients returns every currently registered recipient.
	ListRecipients(ctx context.Context) ([]Recipient, error)

	// UpdateRecipient replaces old with canonical, keeping the device's metadata.
	// It is a no-op when old is no longer registered.
	UpdateRecipient(ctx context.Context, old, canonical Recipient) error

	// RemoveRecipient permanently unregisters the recipient.
	// Removing an unknown recipient is not an error.
	RemoveRecipient(ctx context.Context, recipient Recipient) error
}

// DeviceStore is the full registry surface, including device registration.
type DeviceStore interface {
	Registry

	// RegisterRecipient adds or refreshes a registration (upsert).
	RegisterRecipient(ctx context.Context, recipient Recipient, owner string) error
}
