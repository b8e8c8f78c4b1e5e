package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tableside/auth-core/internal/audit"
	"github.com/tableside/auth-core/internal/infrastructure/influxdb"
	"github.com/tableside/auth-core/internal/infrastructure/metrics"
	"github.com/tableside/auth-core/internal/infrastructure/mqtt"
)

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (f *fakeAudit) Create(_ context.Context, e *audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeAudit) List(context.Context, audit.Filter) (*audit.ListResult, error) {
	return &audit.ListResult{}, nil
}

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	handler  mqtt.MessageHandler
	pattern  string
}

func (f *fakePublisher) PublishJSON(topic string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.messages = append(f.messages, published{topic, b})
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	f.pattern = topic
	f.handler = h
	return nil
}

func (f *fakePublisher) Topics() mqtt.Topics { return mqtt.NewTopics("tableside") }

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeBroadcaster) Broadcast(restaurantID, channel string, _ any) {
	f.mu.Lock()
	f.calls = append(f.calls, restaurantID+"/"+channel)
	f.mu.Unlock()
}

type fakeTelemetry struct {
	mu     sync.Mutex
	points []influxdb.AuthAttempt
}

func (f *fakeTelemetry) WriteAuthAttempt(a influxdb.AuthAttempt) {
	f.mu.Lock()
	f.points = append(f.points, a)
	f.mu.Unlock()
}

func runDispatcher(t *testing.T, d *Dispatcher) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx) //nolint:errcheck // Run only returns nil
	return func() {
		cancel()
		d.Wait()
	}
}

func TestEmit_FansOutToEverySink(t *testing.T) {
	aud := &fakeAudit{}
	pub := &fakePublisher{}
	tel := &fakeTelemetry{}
	hub := &fakeBroadcaster{}
	m := metrics.New()
	at := time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC)

	d := NewDispatcher(Deps{Audit: aud, Publisher: pub, Telemetry: tel, Metrics: m, Origin: "node-a",
		Now: func() time.Time { return at }})
	d.SetBroadcaster(hub)
	stop := runDispatcher(t, d)

	d.Emit(context.Background(), Event{
		Kind: LoginFailed, Method: "pin", RestaurantID: "R1",
		ClientIP: "10.0.0.1", Reason: "invalid_pin",
	})
	stop()

	if len(aud.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(aud.entries))
	}
	e := aud.entries[0]
	if e.Kind != "login_failed" || e.ClientIP != "10.0.0.1" || e.Reason != "invalid_pin" || !e.CreatedAt.Equal(at) {
		t.Errorf("audit entry = %+v", e)
	}

	if len(pub.messages) != 1 || pub.messages[0].topic != "tableside/auth/R1/events" {
		t.Fatalf("published = %+v", pub.messages)
	}
	var wire map[string]any
	if err := json.Unmarshal(pub.messages[0].payload, &wire); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if _, leaked := wire["ClientIP"]; leaked {
		t.Error("client ip broadcast")
	}
	if wire["origin"] != "node-a" || wire["kind"] != "login_failed" {
		t.Errorf("payload = %v", wire)
	}

	if len(tel.points) != 1 || tel.points[0].Outcome != "failure" || tel.points[0].Reason != "invalid_pin" {
		t.Errorf("telemetry = %+v", tel.points)
	}
	if len(hub.calls) != 1 || hub.calls[0] != "R1/auth" {
		t.Errorf("broadcasts = %v", hub.calls)
	}
}

func TestEmit_NonAttemptEventsSkipTelemetry(t *testing.T) {
	tel := &fakeTelemetry{}
	d := NewDispatcher(Deps{Telemetry: tel})

	d.Emit(context.Background(), Event{Kind: PinSet, RestaurantID: "R1"})
	d.Emit(context.Background(), Event{Kind: RateLimited, Method: "pin"})

	if len(tel.points) != 1 || tel.points[0].Outcome != "rate_limited" {
		t.Errorf("telemetry = %+v", tel.points)
	}
}

func TestEmit_PlatformEventsAreNotBroadcast(t *testing.T) {
	hub := &fakeBroadcaster{}
	d := NewDispatcher(Deps{})
	d.SetBroadcaster(hub)

	d.Emit(context.Background(), Event{Kind: LoginSucceeded, Method: "password"})
	if len(hub.calls) != 0 {
		t.Errorf("broadcasts = %v, want none", hub.calls)
	}
}

func TestEmit_FailingSinkDoesNotStopOthers(t *testing.T) {
	aud := &fakeAudit{err: errors.New("disk full")}
	pub := &fakePublisher{}
	d := NewDispatcher(Deps{Audit: aud, Publisher: pub})
	stop := runDispatcher(t, d)

	d.Emit(context.Background(), Event{Kind: LoggedOut, RestaurantID: "R1"})
	stop()

	if len(pub.messages) != 1 {
		t.Errorf("published = %d, want 1", len(pub.messages))
	}
}

func TestEmit_QueueFullDrops(t *testing.T) {
	aud := &fakeAudit{}
	d := NewDispatcher(Deps{Audit: aud})

	for i := 0; i < QueueSize+10; i++ {
		d.Emit(context.Background(), Event{Kind: LoginFailed})
	}
	if d.dropped != 10 {
		t.Errorf("dropped = %d, want 10", d.dropped)
	}

	stop := runDispatcher(t, d)
	stop()
	if len(aud.entries) != QueueSize {
		t.Errorf("audit entries = %d, want %d", len(aud.entries), QueueSize)
	}
}

func TestEmit_AfterRunStops(t *testing.T) {
	aud := &fakeAudit{}
	d := NewDispatcher(Deps{Audit: aud})
	stop := runDispatcher(t, d)
	stop()

	d.Emit(context.Background(), Event{Kind: LoginFailed})
	if len(d.queue) != 0 {
		t.Errorf("queue length = %d after shutdown, want 0", len(d.queue))
	}
}

func TestListen_IgnoresOwnEvents(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(Deps{Publisher: pub, Origin: "node-a"})

	var got []Event
	if err := d.Listen(func(ev Event) { got = append(got, ev) }); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if pub.pattern != "tableside/auth/+/events" {
		t.Errorf("subscribed to %q", pub.pattern)
	}

	own, _ := json.Marshal(Event{Kind: StationRevoked, RestaurantID: "R1", Origin: "node-a"})
	other, _ := json.Marshal(Event{Kind: StationsRevoked, RestaurantID: "R1", Origin: "node-b",
		Details: map[string]any{"token_ids": []string{"t1", "t2"}}})

	if err := pub.handler("tableside/auth/R1/events", own); err != nil {
		t.Fatal(err)
	}
	if err := pub.handler("tableside/auth/R1/events", other); err != nil {
		t.Fatal(err)
	}
	if err := pub.handler("tableside/auth/R1/events", []byte("{")); err == nil {
		t.Error("malformed payload should be reported")
	}

	if len(got) != 1 {
		t.Fatalf("delivered %d events, want 1", len(got))
	}
	if !got[0].Revokes() {
		t.Error("Revokes() = false")
	}
	ids := got[0].TokenIDs()
	if len(ids) != 2 || ids[0] != "t1" {
		t.Errorf("TokenIDs() = %v", ids)
	}
}

func TestListen_NoPublisher(t *testing.T) {
	d := NewDispatcher(Deps{})
	if err := d.Listen(func(Event) {}); err != nil {
		t.Errorf("Listen() error = %v", err)
	}
}
