package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dandantas/cadence/internal/metrics"
	"github.com/dandantas/cadence/internal/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestDecodeChange(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		malformed bool
	}{
		{
			name:    "interval",
			payload: `{"correlationId":"c","dataSourceId":"ds-1","dataSourceName":"orders","supplierName":"acme","explicitCron":null,"pollingIntervalSeconds":300,"isActive":true,"kind":"created","sequence":1,"actor":"alice"}`,
		},
		{
			name:    "explicit cron",
			payload: `{"dataSourceId":"ds-1","explicitCron":"0 0 9 * * *","pollingIntervalSeconds":null,"isActive":true,"kind":"updated","sequence":2}`,
		},
		{name: "not json", payload: `{"dataSourceId":`, malformed: true},
		{name: "missing id", payload: `{"kind":"created","sequence":1}`, malformed: true},
		{name: "unknown kind", payload: `{"dataSourceId":"ds-1","kind":"renamed","sequence":1}`, malformed: true},
		{name: "zero sequence", payload: `{"dataSourceId":"ds-1","kind":"deleted","sequence":0}`, malformed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeChange([]byte(tt.payload))
			if tt.malformed {
				assert.ErrorIs(t, err, ErrMalformedEvent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ds-1", ev.DataSourceID)
		})
	}
}

func TestChangeEventWireFormat(t *testing.T) {
	cron := "0 0 8 * * MON-FRI"
	b, err := EncodeChange(model.ChangeEvent{
		CorrelationID: "c",
		DataSourceID:  "ds-1",
		ExplicitCron:  &cron,
		IsActive:      true,
		Kind:          model.ChangeUpdated,
		Sequence:      3,
		Actor:         "alice",
	})
	require.NoError(t, err)

	for _, field := range []string{
		`"correlationId":"c"`,
		`"dataSourceId":"ds-1"`,
		`"explicitCron":"0 0 8 * * MON-FRI"`,
		`"pollingIntervalSeconds":null`,
		`"isActive":true`,
		`"kind":"updated"`,
		`"sequence":3`,
		`"actor":"alice"`,
	} {
		assert.Contains(t, string(b), field)
	}
}

func TestDecodePolling(t *testing.T) {
	ev, err := DecodePolling([]byte(`{"correlationId":"c","dataSourceId":"ds-1","manual":true}`))
	require.NoError(t, err)
	assert.True(t, ev.Manual)

	_, err = DecodePolling([]byte(`{}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(3, 2, time.Minute)
	cb.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, StateClosed, cb.State())
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State(), "success resets the failure count")

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanAttempt())

	now = now.Add(time.Minute)
	assert.True(t, cb.CanAttempt())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.CanAttempt(), "one trial at a time while half-open")

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(time.Minute)
	require.True(t, cb.CanAttempt())
	assert.False(t, cb.CanAttempt())
	cb.RecordSuccess()
	assert.Equal(t, StateHalfOpen, cb.State())
	require.True(t, cb.CanAttempt(), "the next trial starts once the previous one succeeded")
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "closed", cb.State().String())
}

func TestCircuitBreakerAbandonedTrial(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(1, 1, time.Minute)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(time.Minute)
	require.True(t, cb.CanAttempt())
	assert.False(t, cb.CanAttempt())

	now = now.Add(time.Minute)
	assert.True(t, cb.CanAttempt(), "a trial without an outcome expires")
	assert.Equal(t, StateHalfOpen, cb.State())
}

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
}

func (p *fakeProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	p.mu.Lock()
	p.records = append(p.records, r)
	err := p.err
	p.mu.Unlock()
	promise(r, err)
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out kgo.ProduceResults
	for _, r := range rs {
		p.records = append(p.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return out
}

func (p *fakeProducer) sent() []*kgo.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*kgo.Record(nil), p.records...)
}

func TestPublisherPublishChange(t *testing.T) {
	producer := &fakeProducer{}
	m := metrics.NewNop()
	pub := NewPublisher(producer, "changes", "polling", m)

	pub.PublishChange(context.Background(), model.ChangeEvent{DataSourceID: "ds-1", Kind: model.ChangeCreated, Sequence: 1})

	sent := producer.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "changes", sent[0].Topic)
	assert.Equal(t, []byte("ds-1"), sent[0].Key)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("changes", "ok")))
}

func TestPublisherFailureOpensCircuit(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker unreachable")}
	m := metrics.NewNop()
	pub := NewPublisher(producer, "changes", "polling", m)

	for i := 0; i < 5; i++ {
		pub.PublishChange(context.Background(), model.ChangeEvent{DataSourceID: "ds-1", Kind: model.ChangeUpdated, Sequence: int64(i + 1)})
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("changes", "failed")))
	assert.Equal(t, StateOpen, pub.breaker.State())

	pub.PublishChange(context.Background(), model.ChangeEvent{DataSourceID: "ds-1", Kind: model.ChangeUpdated, Sequence: 6})
	assert.Len(t, producer.sent(), 5, "open circuit must not reach the producer")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("changes", "rejected")))

	err := pub.PublishPolling(context.Background(), model.PollingEvent{DataSourceID: "ds-1"})
	assert.ErrorIs(t, err, ErrCircuitOpen)

	producer.mu.Lock()
	producer.err = nil
	producer.mu.Unlock()
	src := &kgo.Record{Topic: "changes", Key: []byte("ds-1"), Value: []byte("{")}
	require.NoError(t, pub.PublishDeadLetter(context.Background(), src, ErrMalformedEvent), "dead letters are not gated by the breaker")
	assert.Equal(t, StateOpen, pub.breaker.State())
}

func TestPublisherDeadLetter(t *testing.T) {
	producer := &fakeProducer{}
	pub := NewPublisher(producer, "changes", "polling", metrics.NewNop())

	src := &kgo.Record{Topic: "changes", Key: []byte("ds-1"), Value: []byte("{")}
	require.NoError(t, pub.PublishDeadLetter(context.Background(), src, errors.New("bad payload")))

	sent := producer.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "changes.dlq", sent[0].Topic)
	assert.Equal(t, src.Value, sent[0].Value)

	headers := map[string]string{}
	for _, h := range sent[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "bad payload", headers["error"])
	assert.Equal(t, "changes", headers["source_topic"])
}

type fakeFetcher struct {
	mu      sync.Mutex
	batches []kgo.Fetches
	commits int
}

func batch(records ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "changes",
		Partitions: []kgo.FetchPartition{{Partition: 0, Records: records}},
	}}}}
}

func (f *fakeFetcher) PollFetches(ctx context.Context) kgo.Fetches {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return kgo.Fetches{{Topics: []kgo.FetchTopic{{
			Partitions: []kgo.FetchPartition{{Partition: -1, Err: kgo.ErrClientClosed}},
		}}}}
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next
}

func (f *fakeFetcher) CommitUncommittedOffsets(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *fakeFetcher) AllowRebalance() {}

type recordingDeadLetterer struct {
	mu     sync.Mutex
	causes map[string]error
}

func (d *recordingDeadLetterer) PublishDeadLetter(_ context.Context, src *kgo.Record, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.causes[string(src.Value)] = cause
	return nil
}

func TestConsumerRetriesAndDeadLetters(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts = map[string]int{}
	)
	handler := func(ctx context.Context, r *kgo.Record) error {
		mu.Lock()
		defer mu.Unlock()
		v := string(r.Value)
		attempts[v]++
		switch v {
		case "malformed":
			return ErrMalformedEvent
		case "flaky":
			if attempts[v] < 3 {
				return errors.New("datastore unavailable")
			}
			return nil
		case "broken":
			return errors.New("always fails")
		}
		return nil
	}

	fetcher := &fakeFetcher{batches: []kgo.Fetches{
		batch(
			&kgo.Record{Topic: "changes", Key: []byte("a"), Value: []byte("ok")},
			&kgo.Record{Topic: "changes", Key: []byte("b"), Value: []byte("malformed")},
		),
		batch(
			&kgo.Record{Topic: "changes", Key: []byte("c"), Value: []byte("flaky")},
			&kgo.Record{Topic: "changes", Key: []byte("d"), Value: []byte("broken")},
		),
	}}
	dlq := &recordingDeadLetterer{causes: map[string]error{}}
	m := metrics.NewNop()

	c := NewConsumer(ConsumerConfig{Name: "test", Workers: 2, MaxRetries: 3}, fetcher, dlq, handler, m)
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, 1, attempts["ok"])
	assert.Equal(t, 1, attempts["malformed"], "malformed records are not retried")
	assert.Equal(t, 3, attempts["flaky"])
	assert.Equal(t, 4, attempts["broken"], "one attempt plus three retries")

	require.Len(t, dlq.causes, 2)
	assert.ErrorIs(t, dlq.causes["malformed"], ErrMalformedEvent)
	assert.EqualError(t, dlq.causes["broken"], "always fails")
	assert.Equal(t, 2, fetcher.commits)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsConsumed.WithLabelValues("changes", "dead_lettered")))
}

type flakyDeadLetterer struct {
	mu       sync.Mutex
	calls    int
	failures int
	onFail   func(calls int)
}

func (d *flakyDeadLetterer) PublishDeadLetter(context.Context, *kgo.Record, error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failures < 0 || d.calls <= d.failures {
		if d.onFail != nil {
			d.onFail(d.calls)
		}
		return ErrCircuitOpen
	}
	return nil
}

func newFailingConsumer(fetcher *fakeFetcher, dlq DeadLetterer, m *metrics.Metrics) *Consumer {
	handler := func(context.Context, *kgo.Record) error { return errors.New("always fails") }
	c := NewConsumer(ConsumerConfig{Name: "test", Workers: 1, MaxRetries: 1}, fetcher, dlq, handler, m)
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	c.newDeadLetterBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func TestConsumerRetriesDeadLetterUntilPublished(t *testing.T) {
	fetcher := &fakeFetcher{batches: []kgo.Fetches{
		batch(&kgo.Record{Topic: "changes", Key: []byte("a"), Value: []byte("broken")}),
	}}
	dlq := &flakyDeadLetterer{failures: 2}
	m := metrics.NewNop()

	require.NoError(t, newFailingConsumer(fetcher, dlq, m).Run(context.Background()))

	assert.Equal(t, 3, dlq.calls)
	assert.Equal(t, 1, fetcher.commits)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsConsumed.WithLabelValues("changes", "dead_lettered")))
}

func TestConsumerDoesNotCommitWhenDeadLetterFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := &fakeFetcher{batches: []kgo.Fetches{
		batch(&kgo.Record{Topic: "changes", Key: []byte("a"), Value: []byte("broken")}),
		batch(&kgo.Record{Topic: "changes", Key: []byte("b"), Value: []byte("next")}),
	}}
	dlq := &flakyDeadLetterer{failures: -1, onFail: func(calls int) {
		if calls == 3 {
			cancel()
		}
	}}
	m := metrics.NewNop()

	require.NoError(t, newFailingConsumer(fetcher, dlq, m).Run(ctx))

	assert.Equal(t, 3, dlq.calls)
	assert.Zero(t, fetcher.commits, "an unsettled record must not be committed")
	assert.Zero(t, testutil.ToFloat64(m.EventsConsumed.WithLabelValues("changes", "dead_lettered")))
	assert.Len(t, fetcher.batches, 1, "the consumer stops instead of polling past the unsettled record")
}
