// Package sink forwards engine events to Kafka.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/events"
	"github.com/atlas-desktop/regime-engine/pkg/utils"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Config configures the Kafka event sink.
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	Compression  string        `mapstructure:"compression" validate:"omitempty,oneof=none gzip snappy lz4 zstd"`
	RequiredAcks int           `mapstructure:"required_acks" validate:"gte=-1,lte=1"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gte=1"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	BufferSize   int           `mapstructure:"buffer_size" validate:"gte=1"`
	EventTypes   []string      `mapstructure:"event_types"` // empty forwards every type
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Topic:        "engine.events",
		Compression:  "gzip",
		RequiredAcks: -1,
		BatchSize:    100,
		BatchTimeout: time.Second,
		WriteTimeout: 10 * time.Second,
		BufferSize:   1000,
	}
}

// Validate checks that an enabled sink has somewhere to write.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("kafka sink enabled without brokers"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("kafka sink enabled without topic"))
	}
	if c.BatchSize < 1 {
		errs = append(errs, errors.New("batch size must be at least 1"))
	}
	for _, t := range c.EventTypes {
		if !knownType(events.EventType(t)) {
			errs = append(errs, fmt.Errorf("unknown event type %q", t))
		}
	}
	return errors.Join(errs...)
}

func knownType(t events.EventType) bool {
	for _, k := range events.AllEventTypes {
		if k == t {
			return true
		}
	}
	return false
}

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a kafka-go writer. Events are keyed by symbol, so the hash
// balancer keeps each symbol's events ordered within a partition.
func NewWriter(cfg *Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  parseCompression(cfg.Compression),
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

func parseCompression(c string) kafka.Compression {
	switch c {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

// Stats counts sink activity.
type Stats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// KafkaPublisher relays bus events to a Kafka topic in batches. Delivery is
// best effort: a full buffer drops events and a batch that still fails after
// retries is counted and discarded.
type KafkaPublisher struct {
	logger *zap.Logger
	config *Config
	writer MessageWriter
	retry  utils.RetryConfig
	filter map[events.EventType]bool

	queue  chan events.Event
	sub    *events.Subscription
	bus    *events.Bus
	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.RWMutex
	closed bool

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewKafkaPublisher creates a publisher writing through w.
func NewKafkaPublisher(logger *zap.Logger, config *Config, w MessageWriter) (*KafkaPublisher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sink config: %w", err)
	}
	if w == nil {
		return nil, errors.New("message writer is required")
	}
	buffer := config.BufferSize
	if buffer <= 0 {
		buffer = 1000
	}

	var filter map[events.EventType]bool
	if len(config.EventTypes) > 0 {
		filter = make(map[events.EventType]bool, len(config.EventTypes))
		for _, t := range config.EventTypes {
			filter[events.EventType(t)] = true
		}
	}

	return &KafkaPublisher{
		logger: logger.Named("kafka-sink").With(zap.String("topic", config.Topic)),
		config: config,
		writer: w,
		retry:  utils.DefaultRetryConfig(),
		filter: filter,
		queue:  make(chan events.Event, buffer),
	}, nil
}

// Attach subscribes to the bus and starts the flush loop.
func (p *KafkaPublisher) Attach(bus *events.Bus) {
	p.bus = bus
	p.sub = bus.SubscribeAll(p.enqueue)
	p.wg.Add(1)
	go p.run()
	p.logger.Info("Kafka sink attached", zap.Strings("brokers", p.config.Brokers))
}

func (p *KafkaPublisher) enqueue(ev events.Event) error {
	if p.filter != nil && !p.filter[ev.Type] {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
	}
	return nil
}

func (p *KafkaPublisher) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.BatchTimeout)
	defer ticker.Stop()

	batch := make([]events.Event, 0, p.config.BatchSize)
	for {
		select {
		case ev, ok := <-p.queue:
			if !ok {
				p.flush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= p.config.BatchSize {
				p.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *KafkaPublisher) flush(batch []events.Event) {
	if len(batch) == 0 {
		return
	}
	msgs := make([]kafka.Message, 0, len(batch))
	for _, ev := range batch {
		value, err := json.Marshal(ev)
		if err != nil {
			p.failed.Add(1)
			p.logger.Warn("Failed to encode event", zap.String("event_type", string(ev.Type)), zap.Error(err))
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.Symbol),
			Value: value,
			Time:  ev.Timestamp,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(ev.Type)},
				{Key: "severity", Value: []byte(ev.Severity)},
			},
		})
	}
	if len(msgs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.WriteTimeout)
	defer cancel()
	err := utils.Retry(ctx, p.retry, func(ctx context.Context) error {
		return p.writer.WriteMessages(ctx, msgs...)
	})
	if err != nil {
		p.failed.Add(int64(len(msgs)))
		p.logger.Error("Failed to publish events", zap.Int("count", len(msgs)), zap.Error(err))
		return
	}
	p.published.Add(int64(len(msgs)))
}

// Stats returns delivery counters.
func (p *KafkaPublisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Close unsubscribes, flushes what is buffered and closes the writer.
func (p *KafkaPublisher) Close() error {
	var err error
	p.once.Do(func() {
		if p.sub != nil {
			p.bus.Unsubscribe(p.sub)
		}
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		p.wg.Wait()
		err = p.writer.Close()
		p.logger.Info("Kafka sink closed",
			zap.Int64("published", p.published.Load()),
			zap.Int64("failed", p.failed.Load()),
			zap.Int64("dropped", p.dropped.Load()),
		)
	})
	return err
}
