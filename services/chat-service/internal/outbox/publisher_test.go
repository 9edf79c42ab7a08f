package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/md-rashed-zaman/rushchat/libs/kafkax"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/metrics"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBacklog mimics Repository.Drain: rows stay pending unless send succeeds.
type memBacklog struct {
	records   []Record
	published int
	pruned    []time.Duration
}

func (b *memBacklog) Drain(_ context.Context, limit int, send func([]Record) error) (int, error) {
	pending := b.records[b.published:]
	if len(pending) == 0 {
		return 0, nil
	}
	batch := pending[:min(limit, len(pending))]
	if err := send(batch); err != nil {
		return 0, err
	}
	b.published += len(batch)
	return len(batch), nil
}

func (b *memBacklog) Pending(context.Context) (int, error) {
	return len(b.records) - b.published, nil
}

func (b *memBacklog) Prune(_ context.Context, retention time.Duration) (int64, error) {
	b.pruned = append(b.pruned, retention)
	return 0, nil
}

type recordingWriter struct {
	batches [][]kafka.Message
	err     error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, msgs)
	return nil
}

func backlogOf(n int) *memBacklog {
	b := &memBacklog{}
	for i := 1; i <= n; i++ {
		b.records = append(b.records, Record{
			ID:            int64(i),
			EventID:       fmt.Sprintf("evt-%d", i),
			AggregateType: AggregateSlot,
			AggregateID:   "slot-1",
			EventType:     SlotBooked,
			Payload:       []byte(`{}`),
		})
	}
	return b
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestPublishPendingDrainsInBatches(t *testing.T) {
	backlog := backlogOf(5)
	writer := &recordingWriter{}
	p := NewPublisher(backlog, writer, quiet, metrics.New(), PublisherConfig{BatchSize: 2})

	n, err := p.PublishPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.Len(t, writer.batches, 3)

	var ids []string
	for _, batch := range writer.batches {
		for _, msg := range batch {
			ids = append(ids, kafkax.ExtractEventMeta(msg).EventID)
			assert.Equal(t, []byte("slot-1"), msg.Key)
		}
	}
	assert.Equal(t, []string{"evt-1", "evt-2", "evt-3", "evt-4", "evt-5"}, ids)
}

func TestPublishFailureKeepsRowsPending(t *testing.T) {
	backlog := backlogOf(3)
	writer := &recordingWriter{err: errors.New("broker down")}
	p := NewPublisher(backlog, writer, quiet, nil, PublisherConfig{BatchSize: 10})

	n, err := p.PublishPending(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	pending, _ := backlog.Pending(context.Background())
	assert.Equal(t, 3, pending)

	writer.err = nil
	n, err = p.PublishPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestHousekeepingPrunesHourly(t *testing.T) {
	backlog := backlogOf(0)
	p := NewPublisher(backlog, &recordingWriter{}, quiet, nil, PublisherConfig{Retention: 24 * time.Hour})
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.housekeeping(context.Background())
	p.housekeeping(context.Background())
	assert.Equal(t, []time.Duration{24 * time.Hour}, backlog.pruned)

	now = now.Add(time.Hour)
	p.housekeeping(context.Background())
	assert.Len(t, backlog.pruned, 2)

	keep := NewPublisher(backlog, &recordingWriter{}, quiet, nil, PublisherConfig{})
	keep.housekeeping(context.Background())
	assert.Len(t, backlog.pruned, 2)
}
