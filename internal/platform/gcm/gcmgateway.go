// Package gcm speaks the legacy GCM/FCM HTTP JSON protocol, the only push API
// that reports canonical registration ids for devices whose id has drifted.
package gcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

const (
	DefaultEndpoint = "https://fcm.googleapis.com/fcm/send"
	// MaxRegistrationIDs is the multicast limit of the legacy endpoint.
	MaxRegistrationIDs = 1000
	DefaultRetries     = 5
)

type Config struct {
	ServerKey string
	Endpoint  string
	// Retries bounds re-sends after a 5xx or network failure.
	Retries    uint64
	HTTPClient *http.Client
}

type Gateway struct {
	serverKey string
	endpoint  string
	retries   uint64
	client    *http.Client
	logger    *slog.Logger
}

func NewGateway(cfg Config, logger *slog.Logger) *Gateway {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Gateway{
		serverKey: cfg.ServerKey,
		endpoint:  cfg.Endpoint,
		retries:   cfg.Retries,
		client:    cfg.HTTPClient,
		logger:    logger.With("component", "GCMGateway"),
	}
}

func (g *Gateway) MaxBatchSize() int { return MaxRegistrationIDs }

type sendRequest struct {
	To              string            `json:"to,omitempty"`
	RegistrationIDs []string          `json:"registration_ids,omitempty"`
	Data            map[string]string `json:"data,omitempty"`
	CollapseKey     string            `json:"collapse_key,omitempty"`
	TimeToLive      *int64            `json:"time_to_live,omitempty"`
	DelayWhileIdle  bool              `json:"delay_while_idle,omitempty"`
}

type result struct {
	MessageID               string `json:"message_id,omitempty"`
	RegistrationID          string `json:"registration_id,omitempty"`
	CanonicalRegistrationID string `json:"canonical_registration_id,omitempty"`
	Error                   string `json:"error,omitempty"`
}

type multicastResult struct {
	MulticastID  int64    `json:"multicast_id"`
	Success      int      `json:"success"`
	Failure      int      `json:"failure"`
	CanonicalIDs int      `json:"canonical_ids"`
	Results      []result `json:"results"`
}

func (g *Gateway) SendOne(ctx context.Context, msg dispatch.Message, recipient dispatch.Recipient) (dispatch.Outcome, error) {
	req := newRequest(msg)
	req.To = string(recipient)

	mr, err := g.post(ctx, req)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if len(mr.Results) != 1 {
		return dispatch.Outcome{}, &dispatch.TransportError{Op: "gcm send", Err: fmt.Errorf("expected 1 result, got %d", len(mr.Results))}
	}
	return mr.Results[0].outcome(), nil
}

func (g *Gateway) SendBatch(ctx context.Context, msg dispatch.Message, recipients []dispatch.Recipient) ([]dispatch.Outcome, error) {
	req := newRequest(msg)
	req.RegistrationIDs = make([]string, len(recipients))
	for i, r := range recipients {
		req.RegistrationIDs[i] = string(r)
	}

	mr, err := g.post(ctx, req)
	if err != nil {
		return nil, err
	}
	g.logger.Debug("GCM multicast complete",
		"multicast_id", mr.MulticastID,
		"success", mr.Success,
		"failure", mr.Failure,
		"canonical_ids", mr.CanonicalIDs,
	)

	outcomes := make([]dispatch.Outcome, len(mr.Results))
	for i, res := range mr.Results {
		outcomes[i] = res.outcome()
	}
	return outcomes, nil
}

func (r result) outcome() dispatch.Outcome {
	if r.MessageID == "" {
		kind := dispatch.ParseErrorKind(r.Error)
		if kind == dispatch.KindUnknown {
			return dispatch.FailedWithDetail(kind, r.Error)
		}
		return dispatch.Failed(kind)
	}
	canonical := r.RegistrationID
	if canonical == "" {
		canonical = r.CanonicalRegistrationID
	}
	if canonical != "" {
		return dispatch.DeliveredWithCanonicalID(r.MessageID, dispatch.Recipient(canonical))
	}
	return dispatch.Delivered(r.MessageID)
}

func newRequest(msg dispatch.Message) *sendRequest {
	req := &sendRequest{
		Data:           msg.Data(),
		CollapseKey:    msg.CollapseKey(),
		DelayWhileIdle: msg.DelayWhileIdle(),
	}
	if ttl, ok := msg.TimeToLive(); ok {
		secs := int64(ttl / time.Second)
		req.TimeToLive = &secs
	}
	return req
}

// post sends the request, retrying 5xx and network failures with exponential backoff.
func (g *Gateway) post(ctx context.Context, body *sendRequest) (*multicastResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &dispatch.TransportError{Op: "gcm", Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	var mr *multicastResult
	attempt := 0
	op := func() error {
		attempt++
		res, err := g.postOnce(ctx, payload)
		if err != nil {
			g.logger.Warn("GCM post failed", "attempt", attempt, "err", err)
			return err
		}
		mr = res
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), g.retries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, &dispatch.TransportError{Op: "gcm", Err: err}
	}
	return mr, nil
}

var errRetryable = errors.New("retryable gcm status")

func (g *Gateway) postOnce(ctx context.Context, payload []byte) (*multicastResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+g.serverKey)

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, backoff.Permanent(fmt.Errorf("gcm: received status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
	}

	var mr multicastResult
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("gcm: failed to decode response: %w", err))
	}
	return &mr, nil
}
