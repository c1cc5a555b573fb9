package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

// DefaultCollection is the root collection holding one document per device.
const DefaultCollection = "devices"

// Registry implements dispatch.DeviceStore using Google Cloud Firestore.
type Registry struct {
	client     *firestore.Client
	collection string
	logger     *slog.Logger
	now        func() time.Time
}

func NewRegistry(client *firestore.Client, collection string, logger *slog.Logger) *Registry {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Registry{
		client:     client,
		collection: collection,
		logger:     logger.With("component", "FirestoreRegistry"),
		now:        time.Now,
	}
}

// deviceRecord is the stored representation. Owner and RegisteredAt survive a
// canonical migration.
type deviceRecord struct {
	Token        string    `firestore:"token"`
	Owner        string    `firestore:"owner,omitempty"`
	RegisteredAt time.Time `firestore:"registered_at"`
	UpdatedAt    time.Time `firestore:"updated_at"`
}

// RegisterRecipient upserts the device, keeping the original registration time.
func (r *Registry) RegisterRecipient(ctx context.Context, recipient dispatch.Recipient, owner string) error {
	ref := r.deviceRef(recipient)
	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		now := r.now()
		record := deviceRecord{Token: string(recipient), Owner: owner, RegisteredAt: now, UpdatedAt: now}

		existing, err := readRecord(tx, ref)
		if err != nil {
			return err
		}
		if existing != nil {
			record.RegisteredAt = existing.RegisteredAt
		}
		return tx.Set(ref, record)
	})
}

// ListRecipients returns every registered device in registration order.
func (r *Registry) ListRecipients(ctx context.Context) ([]dispatch.Recipient, error) {
	iter := r.client.Collection(r.collection).OrderBy("registered_at", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	recipients := make([]dispatch.Recipient, 0)
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record deviceRecord
		if err := doc.DataTo(&record); err != nil || record.Token == "" {
			r.logger.Warn("Skipping unreadable device record", "doc_id", doc.Ref.ID, "err", err)
			continue
		}
		recipients = append(recipients, dispatch.Recipient(record.Token))
	}
	return recipients, nil
}

// UpdateRecipient moves old to canonical in a single transaction. A missing
// old record is a no-op, which makes replays after a partial failure harmless.
func (r *Registry) UpdateRecipient(ctx context.Context, old, canonical dispatch.Recipient) error {
	if old == canonical {
		return nil
	}
	oldRef := r.deviceRef(old)
	newRef := r.deviceRef(canonical)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		oldRecord, err := readRecord(tx, oldRef)
		if err != nil {
			return err
		}
		if oldRecord == nil {
			return nil
		}
		newRecord, err := readRecord(tx, newRef)
		if err != nil {
			return err
		}

		if newRecord == nil {
			migrated := *oldRecord
			migrated.Token = string(canonical)
			migrated.UpdatedAt = r.now()
			if err := tx.Create(newRef, migrated); err != nil {
				return err
			}
		}
		return tx.Delete(oldRef)
	})
	if err != nil {
		return fmt.Errorf("failed to update recipient: %w", err)
	}
	return nil
}

func (r *Registry) RemoveRecipient(ctx context.Context, recipient dispatch.Recipient) error {
	// Deleting a missing document succeeds in Firestore.
	if _, err := r.deviceRef(recipient).Delete(ctx); err != nil {
		return fmt.Errorf("failed to remove recipient: %w", err)
	}
	return nil
}

// readRecord returns nil without error when the document does not exist.
func readRecord(tx *firestore.Transaction, ref *firestore.DocumentRef) (*deviceRecord, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record deviceRecord
	if err := snap.DataTo(&record); err != nil {
		return nil, err
	}
	return &record, nil
}

// deviceRef: devices/{sha256(token)}
func (r *Registry) deviceRef(recipient dispatch.Recipient) *firestore.DocumentRef {
	return r.client.Collection(r.collection).Doc(hashToken(string(recipient)))
}

func hashToken(t string) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}
