package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedReader serves queued records and then blocks until ctx ends.
type scriptedReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *scriptedReader) Close() error { return nil }

func (r *scriptedReader) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func record(t *testing.T, offset int64, channelID string) kafka.Message {
	t.Helper()
	value, err := Event{Type: MemberJoined, ChannelID: channelID, UserID: "alice", At: time.Now().UTC()}.Encode()
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: value}
}

func TestConsumeRetriesFailedRecordBeforeCommitting(t *testing.T) {
	r := &scriptedReader{queue: []kafka.Message{
		record(t, 1, "c1"),
		record(t, 2, "c2"),
		{Offset: 3, Value: []byte("not json")},
		record(t, 4, "c4"),
	}}
	c := &Consumer{reader: r, retry: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		seen     []string
		failures = 2
	)
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(_ context.Context, e Event) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, e.ChannelID)
			if e.ChannelID == "c2" && failures > 0 {
				failures--
				return errors.New("downstream unavailable")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(r.offsets()) == 4 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3, 4}, r.offsets())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1", "c2", "c2", "c2", "c4"}, seen)
}

func TestConsumeStopsRetryingWhenCancelled(t *testing.T) {
	r := &scriptedReader{queue: []kafka.Message{record(t, 7, "c1")}}
	c := &Consumer{reader: r, retry: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := make(chan struct{}, 100)
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(context.Context, Event) error {
			select {
			case attempts <- struct{}{}:
			default:
			}
			return errors.New("always failing")
		})
	}()

	<-attempts
	<-attempts
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, r.offsets(), "a record that never succeeded is not committed")
}
