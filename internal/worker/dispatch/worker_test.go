package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/whatsapp-campaign/internal/queue"
	dispatchsvc "github.com/acme/whatsapp-campaign/internal/service/dispatch"
)

type fakeReader struct {
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeExecutor struct {
	requests []queue.DispatchRequest
	err      error
}

func (e *fakeExecutor) Execute(ctx context.Context, req queue.DispatchRequest) (dispatchsvc.RunResult, error) {
	e.requests = append(e.requests, req)
	return dispatchsvc.RunResult{Reason: dispatchsvc.StopDrained}, e.err
}

func message(t *testing.T, req queue.DispatchRequest) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(req.CampaignID.String()), Value: raw}
}

func TestProcessRunsAndCommits(t *testing.T) {
	reader := &fakeReader{}
	exec := &fakeExecutor{}
	w := NewWorker(reader, exec, nil)

	req := queue.DispatchRequest{CampaignID: uuid.New(), InstanceIDs: []uuid.UUID{uuid.New()}, SendingMode: "weighted"}
	require.NoError(t, w.process(context.Background(), message(t, req)))

	require.Len(t, exec.requests, 1)
	assert.Equal(t, req.CampaignID, exec.requests[0].CampaignID)
	assert.Len(t, reader.committed, 1)
}

func TestProcessCommitsFailedRuns(t *testing.T) {
	reader := &fakeReader{}
	exec := &fakeExecutor{err: errors.New("store down")}
	w := NewWorker(reader, exec, nil)

	err := w.process(context.Background(), message(t, queue.DispatchRequest{CampaignID: uuid.New()}))
	assert.ErrorContains(t, err, "store down")
	assert.Len(t, reader.committed, 1)
}

func TestProcessDropsUndecodableRequests(t *testing.T) {
	reader := &fakeReader{}
	exec := &fakeExecutor{}
	w := NewWorker(reader, exec, nil)

	err := w.process(context.Background(), kafka.Message{Value: []byte("{")})
	assert.Error(t, err)
	assert.Empty(t, exec.requests)
	assert.Len(t, reader.committed, 1)
}

func TestProcessLeavesRequestUncommittedOnShutdown(t *testing.T) {
	reader := &fakeReader{}
	exec := &fakeExecutor{err: context.Canceled}
	w := NewWorker(reader, exec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.process(ctx, message(t, queue.DispatchRequest{CampaignID: uuid.New()}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, reader.committed)
}

func TestRunStopsWithContext(t *testing.T) {
	w := NewWorker(&fakeReader{}, &fakeExecutor{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Run(ctx), context.Canceled)
}
