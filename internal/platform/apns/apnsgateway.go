// --- File: internal/platform/apns/apnsgateway.go ---
// Package apns adapts the Apple Push Notification Service to the dispatch.Gateway port.
package apns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
	"golang.org/x/time/rate"
)

// maxCollapseIDBytes is the APNs limit on apns-collapse-id.
const maxCollapseIDBytes = 64

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

type Gateway struct {
	client  APNSClient
	topic   string // The App Bundle ID
	limiter *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	Production   bool
	// PushesPerSecond paces the unary pushes; zero means unlimited.
	PushesPerSecond int
}

// NewGateway creates a configured APNs gateway.
// It parses the P8 key immediately to fail fast on startup if credentials are bad.
func NewGateway(cfg Config, logger *slog.Logger) (*Gateway, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	tokenSource := &token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	client := apns2.NewTokenClient(tokenSource)
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	return newGateway(client, cfg.BundleID, cfg.PushesPerSecond, logger), nil
}

func newGateway(client APNSClient, topic string, pushesPerSecond int, logger *slog.Logger) *Gateway {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if pushesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(pushesPerSecond), pushesPerSecond)
	}
	return &Gateway{
		client:  client,
		topic:   topic,
		limiter: limiter,
		now:     time.Now,
		logger:  logger.With("component", "APNSGateway"),
	}
}

func (g *Gateway) SendOne(ctx context.Context, msg dispatch.Message, recipient dispatch.Recipient) (dispatch.Outcome, error) {
	outcomes, err := g.SendBatch(ctx, msg, []dispatch.Recipient{recipient})
	if err != nil {
		return dispatch.Outcome{}, err
	}
	return outcomes[0], nil
}

// SendBatch pushes to each token in turn: the APNs HTTP/2 API is unary and
// has no multicast endpoint. When ctx expires mid-batch the tokens not yet
// pushed are reported as Unavailable.
func (g *Gateway) SendBatch(ctx context.Context, msg dispatch.Message, recipients []dispatch.Recipient) ([]dispatch.Outcome, error) {
	builder := payload.NewPayload().ContentAvailable()
	for k, v := range msg.Data() {
		builder.Custom(k, v)
	}

	collapseID := msg.CollapseKey()
	if len(collapseID) > maxCollapseIDBytes {
		collapseID = collapseID[:maxCollapseIDBytes]
	}
	var expiration time.Time
	if ttl, ok := msg.TimeToLive(); ok {
		expiration = g.now().Add(ttl)
	}

	outcomes := make([]dispatch.Outcome, 0, len(recipients))
	for _, recipient := range recipients {
		if err := g.limiter.Wait(ctx); err != nil {
			// Pushes already made stay reported so their reconciliation still happens.
			g.logger.Warn("APNs batch cut short", "sent", len(outcomes), "unsent", len(recipients)-len(outcomes), "err", err)
			return dispatch.Unsent(outcomes, len(recipients), err), nil
		}

		res, err := g.client.PushWithContext(ctx, &apns2.Notification{
			DeviceToken: string(recipient),
			Topic:       g.topic,
			Payload:     builder,
			CollapseID:  collapseID,
			Expiration:  expiration,
			PushType:    apns2.PushTypeBackground,
			Priority:    apns2.PriorityLow,
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
				g.logger.Warn("APNs batch cut short", "sent", len(outcomes), "unsent", len(recipients)-len(outcomes), "err", err)
				return dispatch.Unsent(outcomes, len(recipients), err), nil
			}
			// A broken stream only affects this token; the connection pool recovers.
			g.logger.Warn("APNs push failed", "recipient", recipient, "err", err)
			outcomes = append(outcomes, dispatch.FailedWithDetail(dispatch.KindUnavailable, err.Error()))
			continue
		}

		if res.Sent() {
			outcomes = append(outcomes, dispatch.Delivered(res.ApnsID))
			continue
		}
		outcomes = append(outcomes, failure(res))
	}
	return outcomes, nil
}

// failure maps APNs error reasons onto dispatch error kinds.
// See: https://developer.apple.com/documentation/usernotifications/handling-notification-responses-from-apns
func failure(res *apns2.Response) dispatch.Outcome {
	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return dispatch.FailedWithDetail(dispatch.KindNotRegistered, res.Reason)
	case apns2.ReasonMissingDeviceToken:
		return dispatch.FailedWithDetail(dispatch.KindMissingRegistration, res.Reason)
	case apns2.ReasonPayloadTooLarge:
		return dispatch.FailedWithDetail(dispatch.KindMessageTooBig, res.Reason)
	case apns2.ReasonBadExpirationDate:
		return dispatch.FailedWithDetail(dispatch.KindInvalidTTL, res.Reason)
	case apns2.ReasonTooManyRequests:
		return dispatch.FailedWithDetail(dispatch.KindDeviceMessageRateExceeded, res.Reason)
	case apns2.ReasonInternalServerError:
		return dispatch.FailedWithDetail(dispatch.KindInternalServerError, res.Reason)
	case apns2.ReasonServiceUnavailable, apns2.ReasonShutdown, apns2.ReasonIdleTimeout:
		return dispatch.FailedWithDetail(dispatch.KindUnavailable, res.Reason)
	default:
		return dispatch.FailedWithDetail(dispatch.KindUnknown, fmt.Sprintf("%d %s", res.StatusCode, res.Reason))
	}
}
