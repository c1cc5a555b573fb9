// --- File: internal/platform/fcm/fcmgateway.go ---
// Package fcm adapts the Firebase Cloud Messaging v1 API to the dispatch.Gateway port.
package fcm

import (
	"context"
	"log/slog"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

// MaxMulticastTokens is the FCM limit for SendEachForMulticast.
const MaxMulticastTokens = 500

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it; tests supply a mock.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type Gateway struct {
	client MessagingClient
	logger *slog.Logger
}

func NewGateway(client MessagingClient, logger *slog.Logger) *Gateway {
	return &Gateway{
		client: client,
		logger: logger.With("component", "FCMGateway"),
	}
}

func (g *Gateway) MaxBatchSize() int { return MaxMulticastTokens }

func (g *Gateway) SendOne(ctx context.Context, msg dispatch.Message, recipient dispatch.Recipient) (dispatch.Outcome, error) {
	id, err := g.client.Send(ctx, &messaging.Message{
		Token:   string(recipient),
		Data:    msg.Data(),
		Android: androidConfig(msg),
	})
	if err != nil {
		// A per-token rejection comes back as an error on the unary endpoint.
		if kind := errorKind(err); kind != dispatch.KindUnknown {
			return dispatch.FailedWithDetail(kind, err.Error()), nil
		}
		return dispatch.Outcome{}, &dispatch.TransportError{Op: "fcm send", Err: err}
	}
	return dispatch.Delivered(id), nil
}

func (g *Gateway) SendBatch(ctx context.Context, msg dispatch.Message, recipients []dispatch.Recipient) ([]dispatch.Outcome, error) {
	tokens := make([]string, len(recipients))
	for i, r := range recipients {
		tokens[i] = string(r)
	}

	br, err := g.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens:  tokens,
		Data:    msg.Data(),
		Android: androidConfig(msg),
	})
	if err != nil {
		return nil, &dispatch.TransportError{Op: "fcm multicast", Err: err}
	}

	outcomes := make([]dispatch.Outcome, len(br.Responses))
	for idx, resp := range br.Responses {
		if resp.Success {
			outcomes[idx] = dispatch.Delivered(resp.MessageID)
			continue
		}
		outcomes[idx] = dispatch.FailedWithDetail(errorKind(resp.Error), errString(resp.Error))
	}
	g.logger.Debug("FCM multicast complete", "success", br.SuccessCount, "failure", br.FailureCount)
	return outcomes, nil
}

// errorKind maps Firebase error codes onto dispatch error kinds.
func errorKind(err error) dispatch.ErrorKind {
	switch {
	case err == nil:
		return dispatch.KindUnknown
	case messaging.IsRegistrationTokenNotRegistered(err):
		return dispatch.KindNotRegistered
	case messaging.IsInvalidArgument(err):
		return dispatch.KindInvalidRegistration
	case messaging.IsSenderIDMismatch(err):
		return dispatch.KindMismatchSenderID
	case messaging.IsQuotaExceeded(err):
		return dispatch.KindDeviceMessageRateExceeded
	case messaging.IsUnavailable(err):
		return dispatch.KindUnavailable
	case messaging.IsInternal(err):
		return dispatch.KindInternalServerError
	default:
		return dispatch.KindUnknown
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func androidConfig(msg dispatch.Message) *messaging.AndroidConfig {
	ttl, hasTTL := msg.TimeToLive()
	if msg.CollapseKey() == "" && !hasTTL {
		return nil
	}
	cfg := &messaging.AndroidConfig{CollapseKey: msg.CollapseKey()}
	if hasTTL {
		cfg.TTL = &ttl
	}
	return cfg
}
