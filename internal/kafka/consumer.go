package kafka

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Handler harus return nil hanya jika proses sukses & boleh commit offset.
type Handler func(ctx context.Context, m kafka.Message) error

// reader is the part of *kafka.Reader the consumer drives.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r          reader
	workers    int
	maxRetries uint64
	log        zerolog.Logger
}

func NewConsumer(brokers []string, group string, topics []string, workers int, log zerolog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r reader, workers int, log zerolog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, maxRetries: 5, log: log}
}

// Start blocks until ctx is cancelled or the reader fails. Every message of
// a partition goes to the same worker, which handles and commits them in
// offset order; a committed offset never runs ahead of an unhandled one.
// Keys map to partitions, so per-order ordering survives the fan-out too.
// A message whose handler keeps failing is logged and committed.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 128)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				c.process(ctx, h, m)
			}
		}(jobs[i])
	}
	stop := func() {
		for _, ch := range jobs {
			close(ch)
		}
		wg.Wait()
	}

	// dispatcher loop
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			// kecilkan noise saat shutdown
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		select {
		case jobs[c.shard(m)] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

func (c *Consumer) shard(m kafka.Message) int {
	if c.workers == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(m.Topic))
	_, _ = h.Write([]byte(strconv.Itoa(m.Partition)))
	return int(h.Sum32() % uint32(c.workers))
}

func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), c.maxRetries), ctx)
	err := backoff.Retry(func() error { return h(ctx, m) }, b)
	if err != nil {
		if ctx.Err() != nil {
			return // belum commit; akan dikirim ulang setelah restart
		}
		c.log.Error().Err(err).
			Str("topic", m.Topic).Int("partition", m.Partition).Int64("offset", m.Offset).
			Msg("handler failed, skipping message")
	}
	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		c.log.Warn().Err(err).Str("topic", m.Topic).Int64("offset", m.Offset).Msg("commit failed")
	}
}
