package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sheet-image-republisher/internal/queue/memory"
)

type recordingProcessor struct {
	mu  sync.Mutex
	ids []string
}

func (p *recordingProcessor) Process(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
	if id == "bad" {
		return errors.New("boom")
	}
	return nil
}

func (p *recordingProcessor) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

func TestRunnerConsumesQueue(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := memory.NewQueue(4)
	proc := &recordingProcessor{}
	done := make(chan struct{})
	go func() {
		NewRunner(q, proc, zap.NewNop()).Run(ctx)
		close(done)
	}()

	require.NoError(t, q.EnqueueBatch(ctx, "b1"))
	require.NoError(t, q.EnqueueBatch(ctx, "bad"))
	require.NoError(t, q.EnqueueBatch(ctx, "b2"))

	require.Eventually(t, func() bool {
		return len(proc.seen()) == 3
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"b1", "bad", "b2"}, proc.seen())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunnerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	q.Close()
	done := make(chan struct{})
	go func() {
		NewRunner(q, &recordingProcessor{}, nil).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop after close")
	}
}
