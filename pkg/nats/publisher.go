// Package nats publishes committed command outcomes to NATS JetStream,
// partitioned so all outcomes of one aggregate go through one producer.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/commandcore/pkg/commands"
	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/observability"
	"golang.org/x/sync/errgroup"
)

// Config holds configuration for the outcome publisher.
type Config struct {
	// URL is the NATS server URL
	URL string

	// StreamName is the JetStream stream holding outcomes
	StreamName string

	// SubjectPrefix is prepended to the partition number: <prefix>.<partition>
	SubjectPrefix string

	// ProducerCount is the number of partitions. Changing it remaps keys.
	ProducerCount int

	// MaxAge is how long to retain outcomes in the stream
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store
	MaxBytes int64

	// Storage selects file or memory storage for the stream
	Storage nats.StorageType

	// DuplicateWindow is how long JetStream remembers message ids
	DuplicateWindow time.Duration
}

// DefaultConfig returns sensible defaults for the outcome publisher.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "COMMAND_OUTCOMES",
		SubjectPrefix:   "outcomes",
		ProducerCount:   1,
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        1024 * 1024 * 1024,
		Storage:         nats.FileStorage,
		DuplicateWindow: 2 * time.Minute,
	}
}

// Publisher sends outcome events to <prefix>.<partition>.
type Publisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	cfg     Config
	metrics *observability.Metrics
	logger  *slog.Logger
	connect []nats.Option
}

var _ commands.Publisher = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

// WithMetrics records publish latency and counts.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = l
	}
}

// WithConnectOptions adds options to the NATS connection, e.g. the
// credentials from credentials.NATSOptions.
func WithConnectOptions(opts ...nats.Option) Option {
	return func(p *Publisher) {
		p.connect = append(p.connect, opts...)
	}
}

// NewPublisher connects to NATS and ensures the outcome stream exists.
func NewPublisher(cfg Config, opts ...Option) (*Publisher, error) {
	def := DefaultConfig()
	if cfg.StreamName == "" {
		cfg.StreamName = def.StreamName
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.ProducerCount < 1 {
		cfg.ProducerCount = 1
	}

	p := &Publisher{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	nc, err := nats.Connect(cfg.URL, append([]nats.Option{nats.Name("commandcore-publisher")}, p.connect...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	p.nc, p.js = nc, js

	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return p, nil
}

// ensureStream creates or updates the JetStream stream.
func (p *Publisher) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:       p.cfg.StreamName,
		Subjects:   []string{p.cfg.SubjectPrefix + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     p.cfg.MaxAge,
		MaxBytes:   p.cfg.MaxBytes,
		Storage:    p.cfg.Storage,
		Duplicates: p.cfg.DuplicateWindow,
		Replicas:   1,
	}

	stream, err := p.js.StreamInfo(p.cfg.StreamName)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := p.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read stream info: %w", err)
	}

	if stream.Config.MaxAge != p.cfg.MaxAge || stream.Config.MaxBytes != p.cfg.MaxBytes {
		if _, err := p.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}
	return nil
}

// PartitionOf returns the producer index for evt.
func (p *Publisher) PartitionOf(evt *domain.OutcomeEvent) int {
	return Partition(evt.AggregateKey, p.cfg.ProducerCount)
}

// Subject returns the subject of a partition.
func (p *Publisher) Subject(partition int) string {
	return p.cfg.SubjectPrefix + "." + strconv.Itoa(partition)
}

// Publish sends one outcome. The command id is the JetStream message id so
// redelivery after a crash is deduplicated by the server.
func (p *Publisher) Publish(ctx context.Context, evt *domain.OutcomeEvent) error {
	return p.send(ctx, p.PartitionOf(evt), evt)
}

// PublishBatch sends events with one goroutine per partition and waits for
// all of them. Order is kept within a partition.
func (p *Publisher) PublishBatch(ctx context.Context, events []*domain.OutcomeEvent) error {
	if len(events) == 0 {
		return nil
	}

	byPartition := make(map[int][]*domain.OutcomeEvent)
	for _, evt := range events {
		n := p.PartitionOf(evt)
		byPartition[n] = append(byPartition[n], evt)
	}

	g, gctx := errgroup.WithContext(ctx)
	for partition, batch := range byPartition {
		g.Go(func() error {
			for _, evt := range batch {
				if err := p.send(gctx, partition, evt); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Publisher) send(ctx context.Context, partition int, evt *domain.OutcomeEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to serialize outcome %s: %w", evt.CommandID, err)
	}

	subject := p.Subject(partition)
	start := time.Now()
	_, err = p.js.Publish(subject, data, nats.MsgId(evt.CommandID), nats.Context(ctx))
	if p.metrics != nil {
		p.metrics.RecordPublish(ctx, subject, time.Since(start), 1, err)
	}
	if err != nil {
		return fmt.Errorf("failed to publish outcome %s to %s: %w", evt.CommandID, subject, err)
	}

	p.logger.DebugContext(ctx, "published command outcome",
		slog.String("command_id", evt.CommandID),
		slog.String("subject", subject),
		slog.String("aggregate_key", evt.AggregateKey),
	)
	return nil
}

// Subscribe delivers the outcomes of one partition to handler through a
// durable consumer. A handler error naks the message for redelivery.
func (p *Publisher) Subscribe(partition int, durable string, handler func(*domain.OutcomeEvent) error) (*nats.Subscription, error) {
	sub, err := p.js.Subscribe(p.Subject(partition), func(msg *nats.Msg) {
		var evt domain.OutcomeEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			p.logger.Error("dropping undecodable outcome",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			_ = msg.Term()
			return
		}
		if err := handler(&evt); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to partition %d: %w", partition, err)
	}
	return sub, nil
}

// StreamMessages returns the number of messages held by the stream.
func (p *Publisher) StreamMessages() (uint64, error) {
	info, err := p.js.StreamInfo(p.cfg.StreamName)
	if err != nil {
		return 0, fmt.Errorf("failed to read stream info: %w", err)
	}
	return info.State.Msgs, nil
}

// Close drains and closes the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}
