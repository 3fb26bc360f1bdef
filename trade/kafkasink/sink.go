// Package kafkasink publishes a receipt for every committed trade to a
// Kafka topic. It joins each trade as an executor, so a trade never commits
// before the sink is ready, and the receipt is only written on commit.
package kafkasink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/unkn0wn-root/capital"
	"github.com/unkn0wn-root/capital/codec"
	"github.com/unkn0wn-root/capital/trade"
)

const (
	ExecutorName = "kafka"
	headerFormat = "format"
)

// Writer is the part of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Config for a Sink. Only Writer is required.
type Config struct {
	// Required
	Writer Writer

	Format string                     // codec name for receipts; "" => json
	Codec  codec.Codec[trade.Receipt] // overrides Format when set
	Logger capital.Logger             // if nil, NopLogger is used

	// Bound on one publish attempt; 0 => 10s.
	WriteTimeout time.Duration

	Now func() time.Time // for tests; nil => time.Now
}

type Sink struct {
	w       Writer
	codec   codec.Codec[trade.Receipt]
	format  string
	log     capital.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewWriter returns a kafka writer for topic that keys messages by trade id
// so all receipts of one trade land on one partition.
func NewWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func New(cfg Config) (*Sink, error) {
	if cfg.Writer == nil {
		return nil, errors.New("kafkasink: writer is required")
	}
	s := &Sink{
		w:       cfg.Writer,
		codec:   cfg.Codec,
		format:  cfg.Format,
		log:     cfg.Logger,
		timeout: cfg.WriteTimeout,
		now:     cfg.Now,
	}
	if s.codec == nil {
		c, err := codec.ByName[trade.Receipt](cfg.Format)
		if err != nil {
			return nil, fmt.Errorf("kafkasink: %w", err)
		}
		s.codec = c
	}
	if s.format == "" {
		s.format = "json"
	}
	if s.log == nil {
		s.log = capital.NopLogger{}
	}
	if s.timeout <= 0 {
		s.timeout = 10 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Listener joins every trade as the "kafka" executor and publishes its
// receipt on commit.
func (s *Sink) Listener() trade.Listener {
	return func(ctx context.Context, e *trade.Event) error {
		return e.Go(ctx, ExecutorName, nil, func(ctx context.Context) error {
			return s.Publish(ctx, trade.NewReceipt(e, s.now()))
		}, nil)
	}
}

// Publish writes one receipt.
func (s *Sink) Publish(ctx context.Context, r trade.Receipt) error {
	payload, err := s.codec.Encode(r)
	if err != nil {
		return fmt.Errorf("kafkasink: encode receipt %s: %w", r.TradeID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:     []byte(r.TradeID.String()),
		Value:   payload,
		Time:    r.At,
		Headers: []kafka.Header{{Key: headerFormat, Value: []byte(s.format)}},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		s.log.Error("receipt publish failed", capital.Fields{"trade": r.TradeID.String(), "err": err})
		return fmt.Errorf("kafkasink: publish %s: %w", r.TradeID, err)
	}
	s.log.Debug("receipt published", capital.Fields{"trade": r.TradeID.String(), "bytes": len(payload)})
	return nil
}
