package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dandantas/cadence/internal/events"
	"github.com/dandantas/cadence/internal/metrics"
	"github.com/dandantas/cadence/internal/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeRunner struct {
	granted bool
	reason  string
	calls   int
}

func (f *fakeRunner) Run(ctx context.Context, _, _ string, fn func(ctx context.Context) (string, error)) (bool, error) {
	f.calls++
	if !f.granted {
		return false, nil
	}
	reason, err := fn(ctx)
	f.reason = reason
	return true, err
}

func newTestProcessor(t *testing.T, handler http.HandlerFunc, resultPath string) (*Processor, *memoryRepo, *fakeRunner, *metrics.Metrics) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	repo := newMemoryRepo()
	runner := &fakeRunner{granted: true}
	m := metrics.NewNop()
	return NewProcessor(NewHTTPClient(5*time.Second), server.URL, resultPath, repo, runner, m), repo, runner, m
}

func seedSource(t *testing.T, repo *memoryRepo, active bool) string {
	t.Helper()
	ds := &model.DataSource{Name: "orders", SupplierName: "acme", Active: active, PollingIntervalSeconds: 60}
	require.NoError(t, repo.Create(context.Background(), ds))
	return ds.ID.Hex()
}

func TestProcessPostsEventAndReleasesCompleted(t *testing.T) {
	var received model.PollingEvent
	var correlation string
	p, repo, runner, m := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		correlation = r.Header.Get("X-Correlation-ID")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"files":3}}`))
	}, "$.result.files")

	id := seedSource(t, repo, true)
	err := p.Process(context.Background(), model.PollingEvent{CorrelationID: "corr-1", DataSourceID: id})
	require.NoError(t, err)

	assert.Equal(t, "corr-1", correlation)
	assert.Equal(t, id, received.DataSourceID)
	assert.Equal(t, model.ReleaseCompleted, runner.reason)
	assert.Equal(t, 1, testutil.CollectAndCount(m.ProcessingDuration))
}

func TestProcessSkipsInactiveSource(t *testing.T) {
	var hits atomic.Int32
	p, repo, runner, _ := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}, "")

	id := seedSource(t, repo, false)
	require.NoError(t, p.Process(context.Background(), model.PollingEvent{CorrelationID: "c", DataSourceID: id}))
	assert.Equal(t, model.ReleaseSkippedInactive, runner.reason)
	assert.Zero(t, hits.Load())
}

func TestProcessSkipsWhenLeaseHeld(t *testing.T) {
	var hits atomic.Int32
	p, repo, runner, _ := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}, "")
	runner.granted = false

	id := seedSource(t, repo, true)
	require.NoError(t, p.Process(context.Background(), model.PollingEvent{CorrelationID: "c", DataSourceID: id}))
	assert.Equal(t, 1, runner.calls)
	assert.Zero(t, hits.Load())
}

func TestProcessReportsProcessorFailure(t *testing.T) {
	p, repo, runner, _ := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, "")

	id := seedSource(t, repo, true)
	err := p.Process(context.Background(), model.PollingEvent{CorrelationID: "c", DataSourceID: id})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Empty(t, runner.reason)
}

func TestHandleRecordRejectsMalformedEvents(t *testing.T) {
	p, _, runner, _ := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {}, "")

	err := p.HandleRecord(context.Background(), &kgo.Record{Topic: "polling", Value: []byte("{")})
	assert.ErrorIs(t, err, events.ErrMalformedEvent)

	err = p.HandleRecord(context.Background(), &kgo.Record{Topic: "polling", Value: []byte(`{"dataSourceId":"nope"}`)})
	assert.ErrorIs(t, err, events.ErrMalformedEvent)
	assert.Zero(t, runner.calls)
}

func TestExtract(t *testing.T) {
	value, err := extract([]byte(`{"result":{"files":[{"name":"a.csv"},{"name":"b.csv"}]}}`), "$.result.files[0].name")
	require.NoError(t, err)
	assert.Equal(t, "a.csv", value)

	_, err = extract([]byte(`not json`), "$.result")
	assert.Error(t, err)
}
