// Package web adapts VAPID Web Push to the dispatch.Gateway port. A recipient
// is the browser's PushSubscription serialised as JSON.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/tinywideclouds/go-fanout-service/fanoutservice/config"
	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
	"golang.org/x/time/rate"
)

const (
	defaultTTLSeconds = 60
	maxTopicLength    = 32
)

type Gateway struct {
	subscriber string
	privateKey string
	publicKey  string
	limiter    *rate.Limiter
	logger     *slog.Logger
	httpClient *http.Client
}

func NewGateway(cfg config.VapidConfig, pushesPerSecond int, logger *slog.Logger) *Gateway {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if pushesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(pushesPerSecond), pushesPerSecond)
	}
	return &Gateway{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PublicKey,
		subscriber: cfg.SubscriberEmail,
		limiter:    limiter,
		logger:     logger.With("component", "WebPushGateway"),
		httpClient: &http.Client{},
	}
}

func (g *Gateway) SendOne(ctx context.Context, msg dispatch.Message, recipient dispatch.Recipient) (dispatch.Outcome, error) {
	outcomes, err := g.SendBatch(ctx, msg, []dispatch.Recipient{recipient})
	if err != nil {
		return dispatch.Outcome{}, err
	}
	return outcomes[0], nil
}

// SendBatch encrypts and posts the payload to each subscription endpoint in turn.
// Subscriptions not reached before ctx expires are reported as Unavailable.
func (g *Gateway) SendBatch(ctx context.Context, msg dispatch.Message, recipients []dispatch.Recipient) ([]dispatch.Outcome, error) {
	payloadBytes, err := json.Marshal(map[string]any{"data": msg.Data()})
	if err != nil {
		return nil, &dispatch.TransportError{Op: "webpush", Err: fmt.Errorf("failed to marshal payload: %w", err)}
	}

	opts := &webpush.Options{
		Subscriber:      g.subscriber,
		VAPIDPublicKey:  g.publicKey,
		VAPIDPrivateKey: g.privateKey,
		TTL:             defaultTTLSeconds,
		HTTPClient:      g.httpClient,
	}
	if ttl, ok := msg.TimeToLive(); ok {
		opts.TTL = int(ttl / time.Second)
	}
	if topic := msg.CollapseKey(); topic != "" && len(topic) <= maxTopicLength {
		opts.Topic = topic
	}

	outcomes := make([]dispatch.Outcome, 0, len(recipients))
	for _, recipient := range recipients {
		var sub webpush.Subscription
		if err := json.Unmarshal([]byte(recipient), &sub); err != nil || sub.Endpoint == "" {
			outcomes = append(outcomes, dispatch.FailedWithDetail(dispatch.KindInvalidRegistration, "malformed subscription"))
			continue
		}

		if err := g.limiter.Wait(ctx); err != nil {
			g.logger.Warn("WebPush batch cut short", "sent", len(outcomes), "unsent", len(recipients)-len(outcomes), "err", err)
			return dispatch.Unsent(outcomes, len(recipients), err), nil
		}

		resp, err := webpush.SendNotificationWithContext(ctx, payloadBytes, &sub, opts)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
				g.logger.Warn("WebPush batch cut short", "sent", len(outcomes), "unsent", len(recipients)-len(outcomes), "err", err)
				return dispatch.Unsent(outcomes, len(recipients), err), nil
			}
			// DNS or TLS failure for one push service; the rest of the batch may be fine.
			g.logger.Warn("WebPush transport error", "endpoint", sub.Endpoint, "err", err)
			outcomes = append(outcomes, dispatch.FailedWithDetail(dispatch.KindUnavailable, err.Error()))
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		outcomes = append(outcomes, outcomeFor(resp))
	}
	return outcomes, nil
}

func outcomeFor(resp *http.Response) dispatch.Outcome {
	switch code := resp.StatusCode; {
	case code == http.StatusCreated || code == http.StatusOK || code == http.StatusAccepted:
		return dispatch.Delivered(resp.Header.Get("Location"))
	case code == http.StatusGone || code == http.StatusNotFound:
		// The subscription has expired or was revoked by the user.
		return dispatch.FailedWithDetail(dispatch.KindNotRegistered, resp.Status)
	case code == http.StatusRequestEntityTooLarge:
		return dispatch.FailedWithDetail(dispatch.KindMessageTooBig, resp.Status)
	case code == http.StatusTooManyRequests:
		return dispatch.FailedWithDetail(dispatch.KindDeviceMessageRateExceeded, resp.Status)
	case code == http.StatusBadRequest:
		return dispatch.FailedWithDetail(dispatch.KindInvalidRegistration, resp.Status)
	case code >= 500:
		return dispatch.FailedWithDetail(dispatch.KindUnavailable, resp.Status)
	default:
		return dispatch.FailedWithDetail(dispatch.KindUnknown, resp.Status)
	}
}
