// Package pipeline adapts fan-out requests arriving over Pub/Sub to the
// fan-out coordinator.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

// FanoutRequest is the wire shape of a fan-out request.
type FanoutRequest struct {
	Data              map[string]string `json:"data"`
	CollapseKey       string            `json:"collapse_key,omitempty"`
	TimeToLiveSeconds *int64            `json:"time_to_live_seconds,omitempty"`
	DelayWhileIdle    bool              `json:"delay_while_idle,omitempty"`
}

// Message builds and validates the dispatch message for the request.
func (r FanoutRequest) Message() (dispatch.Message, error) {
	b := dispatch.NewMessageBuilder()
	for k, v := range r.Data {
		b.AddData(k, v)
	}
	if r.CollapseKey != "" {
		b.CollapseKey(r.CollapseKey)
	}
	if r.TimeToLiveSeconds != nil {
		b.TimeToLive(time.Duration(*r.TimeToLiveSeconds) * time.Second)
	}
	if r.DelayWhileIdle {
		b.DelayWhileIdle(true)
	}
	return b.Build()
}

// FanoutRequestTransformer is a dataflow Transformer that unmarshals and
// validates a raw payload into a dispatch.Message. Malformed or invalid
// requests are skipped so the StreamingService can Nack/DLQ them.
func FanoutRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*dispatch.Message, bool, error) {
	var req FanoutRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal fan-out request from message %s: %w", msg.ID, err)
	}

	built, err := req.Message()
	if err != nil {
		return nil, true, fmt.Errorf("rejected fan-out request from message %s: %w", msg.ID, err)
	}
	return &built, false, nil
}
