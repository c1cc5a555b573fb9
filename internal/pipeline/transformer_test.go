package pipeline_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-fanout-service/internal/pipeline"
	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

func pubsubMessage(payload string) *messagepipeline.Message {
	return &messagepipeline.Message{
		MessageData: messagepipeline.MessageData{
			ID:      "msg-1",
			Payload: []byte(payload),
		},
	}
}

func TestFanoutRequestTransformer(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - full request", func(t *testing.T) {
		payload := `{
			"data": {"title": "Hello", "body": "World"},
			"collapse_key": "news",
			"time_to_live_seconds": 3600,
			"delay_while_idle": true
		}`

		msg, skip, err := pipeline.FanoutRequestTransformer(ctx, pubsubMessage(payload))
		require.NoError(t, err)
		assert.False(t, skip)
		require.NotNil(t, msg)

		assert.Equal(t, map[string]string{"title": "Hello", "body": "World"}, msg.Data())
		assert.Equal(t, "news", msg.CollapseKey())
		ttl, ok := msg.TimeToLive()
		assert.True(t, ok)
		assert.Equal(t, time.Hour, ttl)
		assert.True(t, msg.DelayWhileIdle())
		assert.NoError(t, msg.Validate())
	})

	t.Run("Success - data only", func(t *testing.T) {
		msg, skip, err := pipeline.FanoutRequestTransformer(ctx, pubsubMessage(`{"data":{"k":"v"}}`))
		require.NoError(t, err)
		assert.False(t, skip)
		_, ok := msg.TimeToLive()
		assert.False(t, ok)
	})

	t.Run("Failure - malformed JSON", func(t *testing.T) {
		msg, skip, err := pipeline.FanoutRequestTransformer(ctx, pubsubMessage("{ not json "))
		require.Error(t, err)
		assert.True(t, skip)
		assert.Nil(t, msg)
		assert.Contains(t, err.Error(), "msg-1")
	})

	t.Run("Failure - reserved key", func(t *testing.T) {
		_, skip, err := pipeline.FanoutRequestTransformer(ctx, pubsubMessage(`{"data":{"google.sent_time":"1"}}`))
		require.Error(t, err)
		assert.True(t, skip)
		assert.ErrorIs(t, err, dispatch.ErrInvalidMessage)
	})

	t.Run("Failure - oversized payload", func(t *testing.T) {
		payload := `{"data":{"blob":"` + strings.Repeat("x", dispatch.MaxPayloadBytes) + `"}}`
		_, skip, err := pipeline.FanoutRequestTransformer(ctx, pubsubMessage(payload))
		require.Error(t, err)
		assert.True(t, skip)

		var vErr *dispatch.ValidationError
		assert.ErrorAs(t, err, &vErr)
	})

	t.Run("Failure - negative TTL", func(t *testing.T) {
		_, skip, err := pipeline.FanoutRequestTransformer(ctx, pubsubMessage(`{"data":{"k":"v"},"time_to_live_seconds":-5}`))
		require.Error(t, err)
		assert.True(t, skip)
	})
}
