package kafkasink

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/unkn0wn-root/capital"
	"github.com/unkn0wn-root/capital/codec"
	"github.com/unkn0wn-root/capital/trade"
)

// Reader is the part of *kafka.Reader Follow uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewReader returns a group reader with manual commits, for Follow.
func NewReader(topic, group string, brokers ...string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

// Follow feeds receipts from r to fn until ctx is done. A message is
// committed once fn accepts it. Messages that do not decode are logged and
// committed so they are not retried forever. When fn fails the message is
// left uncommitted and retried after a pause.
func Follow(ctx context.Context, r Reader, log capital.Logger, fn func(context.Context, trade.Receipt) error) error {
	if log == nil {
		log = capital.NopLogger{}
	}
	decoders := map[string]codec.Codec[trade.Receipt]{}
	decoderFor := func(format string) (codec.Codec[trade.Receipt], error) {
		if c, ok := decoders[format]; ok {
			return c, nil
		}
		c, err := codec.ByName[trade.Receipt](format)
		if err != nil {
			return nil, err
		}
		decoders[format] = c
		return c, nil
	}

	var pending *kafka.Message
	for {
		var m kafka.Message
		if pending != nil {
			m, pending = *pending, nil
		} else {
			var err error
			m, err = r.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error("receipt fetch failed", capital.Fields{"err": err})
				if !sleep(ctx, time.Second) {
					return ctx.Err()
				}
				continue
			}
		}

		rec, err := decodeReceipt(m, decoderFor)
		if err != nil {
			log.Error("undecodable receipt skipped", capital.Fields{"topic": m.Topic, "offset": m.Offset, "err": err})
			commit(ctx, r, m, log)
			continue
		}
		if err := fn(ctx, rec); err != nil {
			log.Warn("receipt handler failed; will retry", capital.Fields{"trade": rec.TradeID.String(), "err": err})
			pending = &m
			if !sleep(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		commit(ctx, r, m, log)
	}
}

func decodeReceipt(m kafka.Message, decoderFor func(string) (codec.Codec[trade.Receipt], error)) (trade.Receipt, error) {
	format := ""
	for _, h := range m.Headers {
		if h.Key == headerFormat {
			format = string(h.Value)
		}
	}
	c, err := decoderFor(format)
	if err != nil {
		return trade.Receipt{}, err
	}
	return c.Decode(m.Value)
}

func commit(ctx context.Context, r Reader, m kafka.Message, log capital.Logger) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Error("receipt commit failed", capital.Fields{"offset": m.Offset, "err": err})
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
