package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"mercator-hq/prgate/pkg/config"
)

type fakeKafkaReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
	closed    bool
}

func (f *fakeKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		f.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeKafkaReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeKafkaReader) Close() error {
	f.closed = true
	return nil
}

func record(t *testing.T, offset int64, v any) kafka.Message {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Topic: "prs", Partition: 0, Offset: offset, Value: data, Time: time.Unix(1700000000, 0)}
}

// TestKafkaSource_Run tests bridging, skipping and offset commits.
func TestKafkaSource_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeKafkaReader{
		cancel: cancel,
		msgs: []kafka.Message{
			record(t, 1, event("a")),
			{Topic: "prs", Offset: 2, Value: []byte("{bad")},
			record(t, 3, map[string]any{"owner": "acme"}),
			record(t, 4, event("b")),
		},
	}
	q := NewMemoryQueue()
	src := newKafkaSource(reader, q)

	if err := src.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(reader.committed) != 4 {
		t.Errorf("Expected every offset committed, got %v", reader.committed)
	}
	if n, _ := q.Len(context.Background()); n != 2 {
		t.Fatalf("Expected 2 bridged events, got %d", n)
	}

	m, _ := q.Dequeue(context.Background())
	if m.Event.HeadSHA != "a" {
		t.Errorf("First event = %s, want a", m.Event.HeadSHA)
	}
	if m.Event.DeliveryID != "kafka:prs:0:1" {
		t.Errorf("DeliveryID = %q", m.Event.DeliveryID)
	}
	if !m.Event.ReceivedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("ReceivedAt = %v", m.Event.ReceivedAt)
	}

	if err := src.Close(); err != nil || !reader.closed {
		t.Errorf("Close = %v, closed = %v", err, reader.closed)
	}
}

// TestKafkaSource_EnqueueFailure tests that a failed enqueue leaves the offset uncommitted.
func TestKafkaSource_EnqueueFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeKafkaReader{cancel: cancel, msgs: []kafka.Message{record(t, 1, event("a"))}}
	q := NewMemoryQueue()
	q.Close()

	err := newKafkaSource(reader, q).Run(ctx)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
	if len(reader.committed) != 0 {
		t.Errorf("Expected no commits, got %v", reader.committed)
	}
}

// TestNewKafkaSource_Validation tests configuration checks.
func TestNewKafkaSource_Validation(t *testing.T) {
	q := NewMemoryQueue()
	tests := []config.KafkaConfig{
		{Topic: "prs", GroupID: "g"},
		{Brokers: []string{" "}, Topic: "prs", GroupID: "g"},
		{Brokers: []string{"127.0.0.1:9092"}, GroupID: "g"},
		{Brokers: []string{"127.0.0.1:9092"}, Topic: "prs"},
	}
	for _, cfg := range tests {
		if _, err := NewKafkaSource(cfg, q); err == nil {
			t.Errorf("Expected error for %+v", cfg)
		}
	}

	src, err := NewKafkaSource(config.KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "prs", GroupID: "g"}, q)
	if err != nil {
		t.Fatalf("NewKafkaSource failed: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
