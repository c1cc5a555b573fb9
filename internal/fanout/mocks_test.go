package fanout_test

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/stretchr/testify/mock"
	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMessage() dispatch.Message {
	msg, err := dispatch.NewMessageBuilder().AddData("title", "hello").Build()
	if err != nil {
		panic(err)
	}
	return msg
}

// mockRegistry records mutations for exact-call assertions.
type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) ListRecipients(ctx context.Context) ([]dispatch.Recipient, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]dispatch.Recipient), args.Error(1)
}
func (m *mockRegistry) UpdateRecipient(ctx context.Context, old, canonical dispatch.Recipient) error {
	return m.Called(ctx, old, canonical).Error(0)
}
func (m *mockRegistry) RemoveRecipient(ctx context.Context, r dispatch.Recipient) error {
	return m.Called(ctx, r).Error(0)
}

// fakeGateway answers with outcomeFor and records every batch it sees.
type fakeGateway struct {
	mu         sync.Mutex
	batches    [][]dispatch.Recipient
	singles    []dispatch.Recipient
	outcomeFor func(dispatch.Recipient) dispatch.Outcome
	batchErr   func([]dispatch.Recipient) error
	release    chan struct{}
	maxBatch   int
}

func (g *fakeGateway) SendOne(_ context.Context, _ dispatch.Message, r dispatch.Recipient) (dispatch.Outcome, error) {
	g.mu.Lock()
	g.singles = append(g.singles, r)
	g.mu.Unlock()
	return g.outcome(r), nil
}

func (g *fakeGateway) SendBatch(ctx context.Context, _ dispatch.Message, rs []dispatch.Recipient) ([]dispatch.Outcome, error) {
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, &dispatch.TransportError{Op: "fake", Err: ctx.Err()}
		}
	}
	g.mu.Lock()
	g.batches = append(g.batches, slices.Clone(rs))
	g.mu.Unlock()

	if g.batchErr != nil {
		if err := g.batchErr(rs); err != nil {
			return nil, err
		}
	}
	out := make([]dispatch.Outcome, len(rs))
	for i, r := range rs {
		out[i] = g.outcome(r)
	}
	return out, nil
}

func (g *fakeGateway) MaxBatchSize() int { return g.maxBatch }

func (g *fakeGateway) outcome(r dispatch.Recipient) dispatch.Outcome {
	if g.outcomeFor != nil {
		return g.outcomeFor(r)
	}
	return dispatch.Delivered("msg-" + string(r))
}

func (g *fakeGateway) batchSizes() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	sizes := make([]int, len(g.batches))
	for i, b := range g.batches {
		sizes[i] = len(b)
	}
	slices.Sort(sizes)
	return sizes
}

func (g *fakeGateway) singleCalls() []dispatch.Recipient {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.singles)
}
