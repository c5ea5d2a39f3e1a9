package autorestart

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"
)

// fakeReader serves queued messages, then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
	drained   chan struct{}
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		msg := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	select {
	case f.drained <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestConsumerHandlesAndCommits(t *testing.T) {
	d, _, sup, _ := newDetector(t, testConfig())
	reader := &fakeReader{
		drained: make(chan struct{}, 1),
		queue: []kafka.Message{
			{Offset: 1, Value: cloudTrailEvent("k-1", "app-dev-db", "AWSService", "", "")},
			{Offset: 2, Value: []byte("garbage")},
			{Offset: 3, Value: cloudTrailEvent("k-1", "app-dev-db", "AWSService", "", "")},
		},
	}
	c := newConsumer(reader, d, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-reader.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer never drained the queue")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	reader.mu.Lock()
	defer reader.mu.Unlock()
	if len(reader.committed) != 3 {
		t.Errorf("committed = %v, want all three offsets", reader.committed)
	}
	if !reader.closed {
		t.Error("reader not closed")
	}
	if len(sup.calls) != 1 {
		t.Errorf("suppress calls = %d, want 1 (duplicate dropped)", len(sup.calls))
	}
}
