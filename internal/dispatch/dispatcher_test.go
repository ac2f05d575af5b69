package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimgewebe/plexer/internal/config"
	"github.com/heimgewebe/plexer/internal/consumer"
	"github.com/heimgewebe/plexer/internal/event"
)

// fakeSender records posts and answers with scripted statuses per consumer.
type fakeSender struct {
	mu       sync.Mutex
	statuses map[string]int // consumerKey -> status; missing means 200
	errs     map[string]error
	posts    map[string][]string // consumerKey -> bodies
	release  chan struct{}       // when set, Post blocks until closed
}

func (s *fakeSender) Post(ctx context.Context, d consumer.Descriptor, body []byte) (int, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.posts == nil {
		s.posts = make(map[string][]string)
	}
	s.posts[d.Key] = append(s.posts[d.Key], string(body))
	if err, ok := s.errs[d.Key]; ok {
		return 0, err
	}
	if status, ok := s.statuses[d.Key]; ok {
		return status, nil
	}
	return 200, nil
}

func (s *fakeSender) bodies(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.posts[key]...)
}

func (s *fakeSender) totalPosts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.posts {
		n += len(b)
	}
	return n
}

// fakeQueue records SaveFailedEvent calls.
type fakeQueue struct {
	mu    sync.Mutex
	saved []savedEntry
}

type savedEntry struct {
	consumerKey string
	errMsg      string
	eventType   string
}

func (q *fakeQueue) SaveFailedEvent(ev event.Envelope, consumerKey, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.saved = append(q.saved, savedEntry{consumerKey: consumerKey, errMsg: errMsg, eventType: ev.Type})
	return nil
}

func (q *fakeQueue) entries() []savedEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]savedEntry(nil), q.saved...)
}

func fourConsumerRegistry() *consumer.Registry {
	return consumer.NewRegistry([]config.ConsumerSpec{
		{Key: "heimgeist", Label: "Heimgeist", URL: "https://heimgeist.local/events", AuthKind: "bearer"},
		{Key: "semantah", Label: "semantAH", URL: "https://semantah.local/ingest", Token: "sem", AuthKind: "bearer"},
		{Key: "chronik", Label: "Chronik", URL: "https://chronik.local/api", Token: "chr", AuthKind: "x-auth"},
		{Key: "archivar", Label: "Archivar", URL: "https://archivar.local/in", Token: "arc", AuthKind: "bearer"},
	})
}

func broadcastEnvelope() event.Envelope {
	return event.Envelope{
		Type:    "knowledge.observatory.published.v1",
		Source:  "semantAH",
		Payload: json.RawMessage(`{"url":"https://example.com"}`),
	}
}

func newTestDispatcher(sender *fakeSender, q *fakeQueue) *Dispatcher {
	return New(fourConsumerRegistry(), sender, q, NewInFlight(nil), nil, nil, time.Second)
}

// waitSettled waits for the in-flight set to empty.
func waitSettled(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	remaining := d.InFlight().Drain(ctx)
	require.Zero(t, remaining, "fanout did not settle")
}

func TestDispatch_BroadcastFanout(t *testing.T) {
	sender := &fakeSender{}
	q := &fakeQueue{}
	d := newTestDispatcher(sender, q)

	d.Dispatch(broadcastEnvelope())
	waitSettled(t, d)

	assert.Equal(t, 4, sender.totalPosts(), "broadcast must reach all four consumers")
	for _, key := range []string{"heimgeist", "semantah", "chronik", "archivar"} {
		bodies := sender.bodies(key)
		require.Len(t, bodies, 1, "exactly one POST per consumer, key=%s", key)
		assert.JSONEq(t,
			`{"type":"knowledge.observatory.published.v1","source":"semantAH","payload":{"url":"https://example.com"}}`,
			bodies[0])
	}
	assert.Empty(t, q.entries())
}

func TestDispatch_NarrowRouting(t *testing.T) {
	sender := &fakeSender{}
	q := &fakeQueue{}
	d := newTestDispatcher(sender, q)

	d.Dispatch(event.Envelope{
		Type:    "test.event",
		Source:  "test-suite",
		Payload: json.RawMessage(`{"foo":"bar"}`),
	})
	waitSettled(t, d)

	assert.Equal(t, 1, sender.totalPosts(), "narrow types go to the critical consumer only")
	assert.Len(t, sender.bodies("heimgeist"), 1)
}

func TestDispatch_BodyHasNoInjectedKeys(t *testing.T) {
	sender := &fakeSender{}
	q := &fakeQueue{}
	d := newTestDispatcher(sender, q)

	d.Dispatch(broadcastEnvelope())
	waitSettled(t, d)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(sender.bodies("heimgeist")[0]), &body))
	assert.Len(t, body, 3)
	assert.NotContains(t, body, "eventId")
	assert.NotContains(t, body, "timestamp")
	assert.NotContains(t, body, "ts")
}

func TestDispatch_CriticalFailureQueued(t *testing.T) {
	sender := &fakeSender{
		errs: map[string]error{
			"heimgeist": context.DeadlineExceeded,
			"semantah":  context.DeadlineExceeded,
			"chronik":   context.DeadlineExceeded,
			"archivar":  context.DeadlineExceeded,
		},
	}
	q := &fakeQueue{}
	d := newTestDispatcher(sender, q)

	d.Dispatch(broadcastEnvelope())
	waitSettled(t, d)

	entries := q.entries()
	require.Len(t, entries, 1, "only the critical consumer's failure is queued")
	assert.Equal(t, "heimgeist", entries[0].consumerKey)
	assert.Equal(t, "knowledge.observatory.published.v1", entries[0].eventType)
	assert.NotEmpty(t, entries[0].errMsg)
}

func TestDispatch_BestEffortEventNeverQueued(t *testing.T) {
	sender := &fakeSender{
		errs: map[string]error{
			"heimgeist": context.DeadlineExceeded,
			"semantah":  context.DeadlineExceeded,
			"chronik":   context.DeadlineExceeded,
			"archivar":  context.DeadlineExceeded,
		},
	}
	q := &fakeQueue{}
	d := newTestDispatcher(sender, q)

	d.Dispatch(event.Envelope{
		Type:    "integrity.summary.published.v1",
		Source:  "pruefgeist",
		Payload: json.RawMessage(`null`),
	})
	waitSettled(t, d)

	assert.Equal(t, 4, sender.totalPosts(), "best-effort broadcast still fans out to everyone")
	assert.Empty(t, q.entries(), "best-effort event types are never queued")
}

func TestDispatch_TokenRejectedSuffix(t *testing.T) {
	sender := &fakeSender{statuses: map[string]int{"heimgeist": 403}}
	q := &fakeQueue{}
	d := newTestDispatcher(sender, q)

	d.Dispatch(event.Envelope{
		Type:    "test.event",
		Source:  "test-suite",
		Payload: json.RawMessage(`{}`),
	})
	waitSettled(t, d)

	entries := q.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "HTTP 403 (token rejected)", entries[0].errMsg)
}

func TestDispatch_ReturnsBeforeSettle(t *testing.T) {
	release := make(chan struct{})
	sender := &fakeSender{release: release}
	q := &fakeQueue{}
	d := newTestDispatcher(sender, q)

	done := make(chan struct{})
	go func() {
		d.Dispatch(broadcastEnvelope())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch must return without awaiting consumers")
	}

	assert.Equal(t, 4, d.InFlight().Count())
	close(release)
	waitSettled(t, d)
}

func TestDispatch_EventIDGenerated(t *testing.T) {
	sender := &fakeSender{}
	q := &fakeQueue{}
	d := newTestDispatcher(sender, q)

	id1 := d.Dispatch(broadcastEnvelope())
	id2 := d.Dispatch(broadcastEnvelope())
	waitSettled(t, d)

	assert.NotEmpty(t, id1)
	assert.NotEmpty(t, id2)
	assert.NotEqual(t, id1, id2, "each ingress gets a fresh event id")
}
