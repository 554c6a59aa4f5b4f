package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"caseline/internal/config"
	"caseline/internal/db/dbtest"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/logging"
	"caseline/internal/repo"
)

type hookServer struct {
	mu       sync.Mutex
	received []webhookEvent
	headers  []http.Header
	status   int
}

func (h *hookServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var evt webhookEvent
	_ = json.NewDecoder(r.Body).Decode(&evt)
	h.received = append(h.received, evt)
	h.headers = append(h.headers, r.Header.Clone())
	if h.status != 0 {
		w.WriteHeader(h.status)
	}
}

func insertEvent(t *testing.T, r repo.Repo, typ, caseID string) {
	t.Helper()
	require.NoError(t, r.InsertEvent(context.Background(), nil, domain.Event{
		TS: "2026-03-01T10:00:00Z", Type: typ, CaseID: caseID, EntityKind: "case", EntityID: caseID,
		ActorID: "officer-1", Payload: `{"to":"COMPLETED"}`,
	}))
}

func TestWebhookDeliversNewEventsOnly(t *testing.T) {
	r := repo.Repo{DB: dbtest.Open(t)}
	insertEvent(t, r, "case.submit", "old")

	hook := &hookServer{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	d := NewWebhookDispatcher(r, []config.WebhookConfig{{URL: srv.URL, Secret: "s3cret", Events: []string{"complete"}}}, logging.Discard(), nil)
	require.NotNil(t, d)
	ctx := context.Background()
	d.DispatchOnce(ctx)
	assert.Empty(t, hook.received, "events before start are not replayed")

	insertEvent(t, r, "case.submit", "c-1")
	insertEvent(t, r, "case.complete", "c-1")
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	require.Len(t, hook.received, 1)
	assert.Equal(t, "case.complete", hook.received[0].Type)
	assert.Equal(t, "c-1", hook.received[0].CaseID)
	assert.JSONEq(t, `{"to":"COMPLETED"}`, string(hook.received[0].Payload))
	assert.Equal(t, "s3cret", hook.headers[0].Get("X-Caseline-Secret"))
	assert.Equal(t, "case.complete", hook.headers[0].Get("X-Caseline-Event"))
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	r := repo.Repo{DB: dbtest.Open(t)}
	hook := &hookServer{status: http.StatusBadGateway}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	d := NewWebhookDispatcher(r, []config.WebhookConfig{{URL: srv.URL}}, logging.Discard(), nil)
	ctx := context.Background()
	d.DispatchOnce(ctx)
	insertEvent(t, r, "case.revoke", "c-1")

	d.DispatchOnce(ctx)
	hook.mu.Lock()
	hook.status = 0
	hook.mu.Unlock()
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	require.Len(t, hook.received, 2, "one failed attempt, one success, then nothing")
	assert.Equal(t, hook.received[0].ID, hook.received[1].ID)
}

func TestDisabledWebhooksAreSkipped(t *testing.T) {
	off := false
	d := NewWebhookDispatcher(repo.Repo{}, []config.WebhookConfig{{URL: "http://example.invalid", Enabled: &off}, {URL: " "}}, nil, nil)
	assert.Nil(t, d)
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"submit", "case.revoke"})
	assert.True(t, f.match("case.submit"))
	assert.True(t, f.match("case.revoke"))
	assert.False(t, f.match("case.complete"))
	assert.True(t, newEventFilter(nil).match("anything"))
	assert.True(t, newEventFilter([]string{"*"}).match("case.stop"))
}

type fakeProducer struct {
	records []*kgo.Record
	err     error
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var res kgo.ProduceResults
	for _, r := range rs {
		f.records = append(f.records, r)
		res = append(res, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return res
}

func TestKafkaPublisherKeysByCase(t *testing.T) {
	fake := &fakeProducer{}
	p := &KafkaPublisher{client: fake, topic: "cases"}
	n := events.Notification{Type: "case.complete", CaseID: "c-9", Transition: domain.EventComplete, PackReference: "GBSIL0000001B"}
	require.NoError(t, p.Notify(context.Background(), n))

	require.Len(t, fake.records, 1)
	rec := fake.records[0]
	assert.Equal(t, "cases", rec.Topic)
	assert.Equal(t, "c-9", string(rec.Key))
	var got events.Notification
	require.NoError(t, json.Unmarshal(rec.Value, &got))
	assert.Equal(t, n, got)
	assert.Equal(t, kgo.RecordHeader{Key: "caseline-notable", Value: []byte("true")}, rec.Headers[1])

	fake.err = errors.New("broker down")
	assert.ErrorContains(t, p.Notify(context.Background(), n), "broker down")
}

func TestKafkaPublisherNeedsBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(config.KafkaConfig{})
	assert.Error(t, err)
}
