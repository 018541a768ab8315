// Package events publishes committed conversation turns to Kafka.
//
// Publishing never blocks the pipeline: turns are queued and written by a
// background goroutine. When the queue is full the turn is dropped and a
// warning is logged. A Publisher without brokers only logs.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrWong99/voicepipe/internal/aggregator"
)

const (
	defaultBufferSize = 256
	writeTimeout      = 10 * time.Second
)

// TurnEvent is the payload of one committed turn.
type TurnEvent struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Writer is the subset of *kafka.Writer used by the Publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds the Kafka connection settings.
type Config struct {
	Brokers []string
	Topic   string
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithWriter replaces the Kafka writer. Used in tests.
func WithWriter(w Writer) Option {
	return func(p *Publisher) { p.w = w }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

// WithBufferSize sets how many turns may wait to be written.
func WithBufferSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// Publisher writes TurnEvents to a Kafka topic keyed by session ID.
type Publisher struct {
	cfg     Config
	w       Writer
	log     *slog.Logger
	bufSize int

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}

	dropped atomic.Int64
}

// New returns a started Publisher. With no brokers and no injected writer
// the Publisher only logs events at debug level.
func New(cfg Config, opts ...Option) *Publisher {
	p := &Publisher{
		cfg:     cfg,
		log:     slog.Default(),
		bufSize: defaultBufferSize,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.w == nil && len(cfg.Brokers) > 0 {
		dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
		p.w = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: writeTimeout,
			RequiredAcks: kafka.RequireOne,
			Transport:    &kafka.Transport{Dial: dialer.DialFunc},
		}
		p.log.Info("kafka publisher initialised", "brokers", cfg.Brokers, "topic", cfg.Topic)
	}
	p.queue = make(chan kafka.Message, p.bufSize)
	go p.run()
	return p
}

// Enabled reports whether events are written to Kafka.
func (p *Publisher) Enabled() bool { return p.w != nil }

// Dropped returns the number of events dropped because the queue was full.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Publish queues ev. It never blocks; after Close it is a no-op.
func (p *Publisher) Publish(ev TurnEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("events: marshal turn", "err", err)
		return
	}
	p.log.Debug("events: turn", "session_id", ev.SessionID, "seq", ev.Seq, "role", ev.Role)
	if p.w == nil {
		return
	}

	msg := kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("turn.committed")},
			{Key: "role", Value: []byte(ev.Role)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
		p.log.Warn("events: queue full, dropping turn", "session_id", ev.SessionID, "seq", ev.Seq)
	}
}

// SessionHook returns a commit callback that publishes every turn of one
// session with increasing sequence numbers. It suits
// aggregator.WithOnCommit: it never blocks.
func (p *Publisher) SessionHook(sessionID string) func(aggregator.Turn) {
	var seq uint64
	return func(t aggregator.Turn) {
		seq++
		p.Publish(TurnEvent{
			SessionID: sessionID,
			Seq:       seq,
			Role:      string(t.Role),
			Text:      t.Text,
			Timestamp: t.Timestamp,
		})
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := p.w.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			p.log.Error("events: write to kafka", "topic", p.cfg.Topic, "key", string(msg.Key), "err", err)
		}
	}
}

// Ping dials the first broker. It returns nil when Kafka is disabled.
func (p *Publisher) Ping(ctx context.Context) error {
	if len(p.cfg.Brokers) == 0 {
		return nil
	}
	conn, err := (&kafka.Dialer{DualStack: true}).DialContext(ctx, "tcp", p.cfg.Brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close flushes queued events and closes the writer. ctx bounds the flush.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	var err error
	select {
	case <-p.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if p.w != nil {
		err = errors.Join(err, p.w.Close())
	}
	return err
}
