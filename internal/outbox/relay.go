package outbox

import (
	"context"
	"encoding/json"
	"time"

	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Record is one row of the outbox table.
type Record struct {
	ID       int64
	EventID  string
	Topic    string
	Key      string
	Payload  []byte
	Attempts int
}

// Outcome tells the store what happened to a record. Skipped records are
// left untouched for the next batch.
type Outcome struct {
	ID      int64
	Err     error
	Skipped bool
}

// Store hands out pending records. The batch stays locked until fn returns
// and the outcomes are persisted.
type Store interface {
	Batch(ctx context.Context, limit int, fn func(ctx context.Context, recs []Record) []Outcome) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error
}

// Observer is implemented by metrics.OutboxMetrics.
type Observer interface {
	ObserveBatch(fetched, published, failed int)
}

type nopObserver struct{}

func (nopObserver) ObserveBatch(int, int, int) {}

type Relay struct {
	store    Store
	pub      Publisher
	log      zerolog.Logger
	obs      Observer
	interval time.Duration
	limit    int
}

type Option func(*Relay)

func WithLogger(l zerolog.Logger) Option  { return func(r *Relay) { r.log = l } }
func WithObserver(o Observer) Option      { return func(r *Relay) { r.obs = o } }
func WithInterval(d time.Duration) Option { return func(r *Relay) { r.interval = d } }
func WithBatchSize(n int) Option          { return func(r *Relay) { r.limit = n } }

func NewRelay(store Store, pub Publisher, opts ...Option) *Relay {
	r := &Relay{store: store, pub: pub, log: zerolog.Nop(), obs: nopObserver{}, interval: time.Second, limit: 100}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run polls until ctx is cancelled. A full batch that made progress
// triggers the next poll right away; a batch where nothing went out waits
// for the tick so a broker outage does not turn into a busy loop.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		st, err := r.runBatch(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("outbox batch failed")
		}
		if ctx.Err() != nil {
			return nil
		}
		if err == nil && st.published > 0 && st.fetched >= r.limit {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type batchStats struct{ fetched, published, failed int }

// RunOnce publishes one batch and returns how many records it fetched.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	st, err := r.runBatch(ctx)
	return st.fetched, err
}

func (r *Relay) runBatch(ctx context.Context) (batchStats, error) {
	var st batchStats
	err := r.store.Batch(ctx, r.limit, func(ctx context.Context, recs []Record) []Outcome {
		st.fetched = len(recs)
		out := make([]Outcome, 0, len(recs))
		// satu key gagal -> event berikutnya utk key itu ditahan, urutan per order tetap
		blocked := make(map[string]bool)
		for _, rec := range recs {
			if blocked[rec.Key] {
				out = append(out, Outcome{ID: rec.ID, Skipped: true})
				continue
			}
			if err := r.publish(ctx, rec); err != nil {
				st.failed++
				blocked[rec.Key] = true
				r.log.Warn().Err(err).Str("event_id", rec.EventID).Str("topic", rec.Topic).Int("attempts", rec.Attempts+1).Msg("outbox publish failed")
				out = append(out, Outcome{ID: rec.ID, Err: err})
				continue
			}
			st.published++
			out = append(out, Outcome{ID: rec.ID})
		}
		return out
	})
	r.obs.ObserveBatch(st.fetched, st.published, st.failed)
	if st.published > 0 {
		r.log.Debug().Int("published", st.published).Int("failed", st.failed).Msg("outbox batch relayed")
	}
	return st, err
}

func (r *Relay) publish(ctx context.Context, rec Record) error {
	var head struct {
		EventType    string `json:"event_type"`
		EventVersion int    `json:"event_version"`
	}
	_ = json.Unmarshal(rec.Payload, &head)
	return r.pub.Publish(ctx, rec.Topic, []byte(rec.Key), rec.Payload, kafkax.EventHeaders(head.EventType, head.EventVersion)...)
}
