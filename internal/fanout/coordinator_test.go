package fanout_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-fanout-service/internal/fanout"
	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

func newCoordinator(t *testing.T, cfg fanout.Config, reg dispatch.Registry, gw dispatch.Gateway) *fanout.Coordinator {
	t.Helper()
	logger := newTestLogger()
	d := fanout.NewDispatcher(gw, newStartedPool(t, 5), fanout.NewReconciler(reg, logger), time.Second, logger)
	return fanout.NewCoordinator(cfg, reg, gw, d, logger)
}

func TestCoordinator_EmptyRegistry(t *testing.T) {
	ctx := context.Background()
	reg := new(mockRegistry)
	reg.On("ListRecipients", ctx).Return([]dispatch.Recipient{}, nil)
	gw := &fakeGateway{}

	summary, err := newCoordinator(t, fanout.Config{}, reg, gw).Fanout(ctx, newTestMessage())
	require.NoError(t, err)

	assert.Equal(t, fanout.ModeNone, summary.Mode)
	assert.Zero(t, summary.Tasks)
	assert.Zero(t, summary.Recipients)
	assert.Equal(t, "Message ignored as there is no device registered!", summary.Status)
	require.NoError(t, summary.Wait(ctx))

	reg.AssertExpectations(t)
	reg.AssertNotCalled(t, "UpdateRecipient", mock.Anything, mock.Anything, mock.Anything)
	reg.AssertNotCalled(t, "RemoveRecipient", mock.Anything, mock.Anything)
	assert.Empty(t, gw.batchSizes())
	assert.Empty(t, gw.singleCalls())
}

func TestCoordinator_SingleRecipientUsesSingleSend(t *testing.T) {
	ctx := context.Background()
	reg := seedRegistry(t, []dispatch.Recipient{"d1"})
	gw := &fakeGateway{}

	summary, err := newCoordinator(t, fanout.Config{}, reg, gw).Fanout(ctx, newTestMessage())
	require.NoError(t, err)

	assert.Equal(t, fanout.ModeSingle, summary.Mode)
	assert.Equal(t, 1, summary.Recipients)
	require.NotNil(t, summary.Outcome)
	assert.Equal(t, dispatch.Delivered("msg-d1"), *summary.Outcome)
	assert.Equal(t, "Sent message to one device: [ messageId=msg-d1 ]", summary.Status)

	// The outcome was observed before Fanout returned.
	assert.Equal(t, []dispatch.Recipient{"d1"}, gw.singleCalls())
	assert.Empty(t, gw.batchSizes())
	select {
	case <-summary.Done():
	default:
		t.Fatal("single-send summary must already be complete")
	}
}

func TestCoordinator_AlwaysMulticastSkipsFastPath(t *testing.T) {
	ctx := context.Background()
	reg := seedRegistry(t, []dispatch.Recipient{"d1"})
	gw := &fakeGateway{}

	summary, err := newCoordinator(t, fanout.Config{AlwaysMulticast: true}, reg, gw).Fanout(ctx, newTestMessage())
	require.NoError(t, err)
	require.NoError(t, summary.Wait(ctx))

	assert.Equal(t, fanout.ModeMulticast, summary.Mode)
	assert.Empty(t, gw.singleCalls())
	assert.Equal(t, []int{1}, gw.batchSizes())
}

func TestCoordinator_ThousandsOfRecipients(t *testing.T) {
	ctx := context.Background()
	reg := seedRegistry(t, makeRecipients(2500))
	gw := &fakeGateway{}

	summary, err := newCoordinator(t, fanout.Config{BatchSize: 1000}, reg, gw).Fanout(ctx, newTestMessage())
	require.NoError(t, err)

	assert.Equal(t, fanout.ModeMulticast, summary.Mode)
	assert.Equal(t, 3, summary.Tasks)
	assert.Equal(t, 2500, summary.Recipients)
	assert.Equal(t, "Asynchronously sending 3 multicast messages to 2500 devices", summary.Status)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, summary.Wait(waitCtx))
	assert.Equal(t, []int{500, 1000, 1000}, gw.batchSizes())
}

func TestCoordinator_GatewayLimitLowersBatchSize(t *testing.T) {
	gw := &fakeGateway{maxBatch: 500}
	c := newCoordinator(t, fanout.Config{BatchSize: 1000}, seedRegistry(t, nil), gw)
	assert.Equal(t, 500, c.BatchSize())
}

func TestCoordinator_ReconcilesMixedOutcomes(t *testing.T) {
	ctx := context.Background()
	reg := seedRegistry(t, []dispatch.Recipient{"r1", "r2", "r3"})
	gw := &fakeGateway{
		outcomeFor: func(r dispatch.Recipient) dispatch.Outcome {
			switch r {
			case "r2":
				return dispatch.Failed(dispatch.KindNotRegistered)
			case "r3":
				return dispatch.DeliveredWithCanonicalID("m3", "new")
			default:
				return dispatch.Delivered("m1")
			}
		},
	}

	summary, err := newCoordinator(t, fanout.Config{}, reg, gw).Fanout(ctx, newTestMessage())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Tasks)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, summary.Wait(waitCtx))

	remaining, err := reg.ListRecipients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []dispatch.Recipient{"r1", "new"}, remaining)

	owner, ok := reg.Owner("new")
	require.True(t, ok)
	assert.Equal(t, "owner-r3", owner)
}

func TestCoordinator_RejectsInvalidMessage(t *testing.T) {
	reg := new(mockRegistry)
	_, err := newCoordinator(t, fanout.Config{}, reg, &fakeGateway{}).Fanout(context.Background(), dispatch.Message{})
	require.ErrorIs(t, err, dispatch.ErrInvalidMessage)
	reg.AssertNotCalled(t, "ListRecipients", mock.Anything)
}

func TestCoordinator_RegistryFailure(t *testing.T) {
	ctx := context.Background()
	reg := new(mockRegistry)
	reg.On("ListRecipients", ctx).Return(nil, errors.New("firestore unavailable"))

	_, err := newCoordinator(t, fanout.Config{}, reg, &fakeGateway{}).Fanout(ctx, newTestMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list recipients")
}
