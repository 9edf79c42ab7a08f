package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/rushchat/libs/kafkax"
	otelx "github.com/md-rashed-zaman/rushchat/libs/otel"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/metrics"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Backlog is the stored side of the outbox. *Repository implements it.
type Backlog interface {
	Drain(ctx context.Context, limit int, send func([]Record) error) (int, error)
	Pending(ctx context.Context) (int, error)
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

type PublisherConfig struct {
	PollEvery time.Duration
	BatchSize int
	// Retention is how long published rows are kept; zero keeps them forever.
	Retention time.Duration
}

type Publisher struct {
	backlog   Backlog
	writer    MessageWriter
	logger    *slog.Logger
	metrics   *metrics.Metrics
	pollEvery time.Duration
	batchSize int
	retention time.Duration
	lastPrune time.Time
	now       func() time.Time
}

const pruneEvery = time.Hour

func NewPublisher(backlog Backlog, writer MessageWriter, logger *slog.Logger, m *metrics.Metrics, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		backlog:   backlog,
		writer:    writer,
		logger:    logger,
		metrics:   m,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
		retention: cfg.Retention,
		now:       time.Now,
	}
}

// NewKafkaWriter hashes on the message key, so every event of one slot lands
// on the same partition in outbox order.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PublishPending(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("outbox publish failed", "err", err)
			}
			p.housekeeping(ctx)
		}
	}
}

// PublishPending drains full batches until the backlog is caught up and
// returns how many events were sent.
func (p *Publisher) PublishPending(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := p.backlog.Drain(ctx, p.batchSize, func(records []Record) error {
			msgs := make([]kafka.Message, len(records))
			for i, r := range records {
				msgs[i] = BuildMessage(ctx, r)
			}
			return p.writer.WriteMessages(ctx, msgs...)
		})
		total += n
		p.metrics.OutboxPublished(n)
		if err != nil {
			return total, err
		}
		if n < p.batchSize || ctx.Err() != nil {
			return total, nil
		}
	}
}

func (p *Publisher) housekeeping(ctx context.Context) {
	if pending, err := p.backlog.Pending(ctx); err == nil {
		p.metrics.OutboxPending(pending)
	}
	if p.retention <= 0 || p.now().Sub(p.lastPrune) < pruneEvery {
		return
	}
	p.lastPrune = p.now()
	deleted, err := p.backlog.Prune(ctx, p.retention)
	if err != nil {
		p.logger.Warn("outbox prune failed", "err", err)
		return
	}
	if deleted > 0 {
		p.logger.Info("outbox pruned", "deleted", deleted)
	}
}

// BuildMessage converts an outbox row into a Kafka message keyed by slot id
// that carries the trace of the transition that wrote it.
func BuildMessage(ctx context.Context, r Record) kafka.Message {
	msgCtx := otelx.ContextWithTraceContext(ctx, r.Traceparent, r.Tracestate)
	msg := kafkax.EventMeta{
		EventID:       r.EventID,
		EventType:     r.EventType,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
	}.Message(r.Payload)
	msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)
	return msg
}
