package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClient struct {
	task *asynq.Task
	opts []asynq.Option
	err  error
}

func (f *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.task = task
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{ID: "t1", Queue: "batches"}, nil
}

type fakeProcessor struct {
	ids []string
	err error
}

func (f *fakeProcessor) Process(_ context.Context, id string) error {
	f.ids = append(f.ids, id)
	return f.err
}

func TestEnqueueBatchOptions(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	e := newEnqueuer(client, Config{}, nil)
	require.NoError(t, e.EnqueueBatch(context.Background(), "abc123abc123"))

	require.Equal(t, TaskTypeProcessBatch, client.task.Type())
	var payload Payload
	require.NoError(t, json.Unmarshal(client.task.Payload(), &payload))
	assert.Equal(t, "abc123abc123", payload.BatchID)

	values := map[asynq.OptionType]any{}
	for _, opt := range client.opts {
		values[opt.Type()] = opt.Value()
	}
	assert.Equal(t, "batches", values[asynq.QueueOpt])
	assert.Equal(t, "abc123abc123", values[asynq.TaskIDOpt])
	assert.Equal(t, 0, values[asynq.MaxRetryOpt])
	assert.Equal(t, 12*time.Hour, values[asynq.TimeoutOpt])
}

func TestEnqueueBatchDuplicateIsNoop(t *testing.T) {
	t.Parallel()

	e := newEnqueuer(&fakeClient{err: asynq.ErrTaskIDConflict}, Config{Name: "q"}, nil)
	require.NoError(t, e.EnqueueBatch(context.Background(), "b1"))

	e = newEnqueuer(&fakeClient{err: errors.New("redis down")}, Config{}, nil)
	require.Error(t, e.EnqueueBatch(context.Background(), "b1"))
}

func TestHandlerProcessTask(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{}
	h := NewHandler(proc, nil)

	task, err := NewBatchTask("b1")
	require.NoError(t, err)
	require.NoError(t, h.ProcessTask(context.Background(), task))
	assert.Equal(t, []string{"b1"}, proc.ids)

	proc.err = errors.New("boom")
	require.Error(t, h.ProcessTask(context.Background(), task))
}

func TestHandlerRejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{}
	h := NewHandler(proc, nil)
	err := h.ProcessTask(context.Background(), asynq.NewTask(TaskTypeProcessBatch, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = h.ProcessTask(context.Background(), asynq.NewTask(TaskTypeProcessBatch, []byte(`{}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, proc.ids)
}

func TestServeMuxRoutesBatchTasks(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{}
	mux := NewServeMux(NewHandler(proc, nil))
	task, err := NewBatchTask("b2")
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
	assert.Equal(t, []string{"b2"}, proc.ids)
}

func TestServerConfig(t *testing.T) {
	t.Parallel()

	cfg := serverConfig(Config{}, nil)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, map[string]int{DefaultQueueName: 1}, cfg.Queues)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)

	cfg = serverConfig(Config{Name: "q", ShutdownTimeout: 3 * time.Second}, zap.NewNop())
	assert.Equal(t, map[string]int{"q": 1}, cfg.Queues)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
}
