// Package cache decorates a device registry with a Redis read-aside cache of
// the full recipient list.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

// RecipientsKey holds the cached recipient list.
const RecipientsKey = "fanout:recipients"

// ErrMiss is returned by a RecipientCache when no snapshot is held.
var ErrMiss = errors.New("cache miss")

// RecipientCache holds snapshots of the recipient list.
type RecipientCache interface {
	LoadRecipients(ctx context.Context, key string) ([]dispatch.Recipient, error)
	StoreRecipients(ctx context.Context, key string, recipients []dispatch.Recipient, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// CachedRegistry adds read-aside caching to any DeviceStore. Every write
// invalidates the list so removals take effect on the next fan-out.
//
// A ListRecipients that read the store before a concurrent write and stores
// after its invalidation re-caches the old list. That stale snapshot lives
// for at most the TTL; a removed recipient seen in it fails again as
// NotRegistered and is removed again.
type CachedRegistry struct {
	store  dispatch.DeviceStore
	cache  RecipientCache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedRegistry(store dispatch.DeviceStore, cache RecipientCache, ttl time.Duration, logger *slog.Logger) *CachedRegistry {
	return &CachedRegistry{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With("component", "CachedRegistry"),
	}
}

func (s *CachedRegistry) ListRecipients(ctx context.Context) ([]dispatch.Recipient, error) {
	cached, err := s.cache.LoadRecipients(ctx, RecipientsKey)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrMiss) {
		s.logger.Warn("Cache read failed, falling back to store", "err", err)
	}

	fresh, err := s.store.ListRecipients(ctx)
	if err != nil {
		return nil, err
	}

	// Caching is an optimisation; a Redis outage just means serving from the store.
	if err := s.cache.StoreRecipients(ctx, RecipientsKey, fresh, s.ttl); err != nil {
		s.logger.Warn("Cache populate failed", "err", err)
	}
	return fresh, nil
}

func (s *CachedRegistry) RegisterRecipient(ctx context.Context, recipient dispatch.Recipient, owner string) error {
	if err := s.store.RegisterRecipient(ctx, recipient, owner); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *CachedRegistry) UpdateRecipient(ctx context.Context, old, canonical dispatch.Recipient) error {
	if err := s.store.UpdateRecipient(ctx, old, canonical); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *CachedRegistry) RemoveRecipient(ctx context.Context, recipient dispatch.Recipient) error {
	if err := s.store.RemoveRecipient(ctx, recipient); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// invalidate drops the cached list. The store write has already succeeded,
// so a failed delete is logged rather than reported: the old list expires
// with its TTL.
func (s *CachedRegistry) invalidate(ctx context.Context) {
	if err := s.cache.Del(ctx, RecipientsKey); err != nil {
		s.logger.Warn("Cache invalidation failed, list stays stale until TTL", "ttl", s.ttl, "err", err)
	}
}
