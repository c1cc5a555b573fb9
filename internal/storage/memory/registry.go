// Package memory provides a process-local device registry, used for local
// runs and as the reference implementation of the registry contract in tests.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

type deviceRecord struct {
	Owner        string
	RegisteredAt time.Time
	UpdatedAt    time.Time
	seq          uint64
}

// Registry is a mutex-guarded map of registrations. ListRecipients returns
// recipients in registration order.
type Registry struct {
	mu      sync.RWMutex
	devices map[dispatch.Recipient]deviceRecord
	nextSeq uint64
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[dispatch.Recipient]deviceRecord),
		now:     time.Now,
	}
}

func (r *Registry) RegisterRecipient(_ context.Context, recipient dispatch.Recipient, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if rec, ok := r.devices[recipient]; ok {
		rec.Owner = owner
		rec.UpdatedAt = now
		r.devices[recipient] = rec
		return nil
	}
	r.nextSeq++
	r.devices[recipient] = deviceRecord{Owner: owner, RegisteredAt: now, UpdatedAt: now, seq: r.nextSeq}
	return nil
}

func (r *Registry) ListRecipients(_ context.Context) ([]dispatch.Recipient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recipients := make([]dispatch.Recipient, 0, len(r.devices))
	for id := range r.devices {
		recipients = append(recipients, id)
	}
	slices.SortFunc(recipients, func(a, b dispatch.Recipient) int {
		return cmp.Compare(r.devices[a].seq, r.devices[b].seq)
	})
	return recipients, nil
}

// UpdateRecipient moves old's record to canonical. If canonical is already
// registered the old entry is simply dropped.
func (r *Registry) UpdateRecipient(_ context.Context, old, canonical dispatch.Recipient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[old]
	if !ok || old == canonical {
		return nil
	}
	delete(r.devices, old)
	if _, exists := r.devices[canonical]; exists {
		return nil
	}
	rec.UpdatedAt = r.now()
	r.devices[canonical] = rec
	return nil
}

func (r *Registry) RemoveRecipient(_ context.Context, recipient dispatch.Recipient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, recipient)
	return nil
}

// Owner returns the owner recorded for recipient.
func (r *Registry) Owner(recipient dispatch.Recipient) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.devices[recipient]
	return rec.Owner, ok
}
