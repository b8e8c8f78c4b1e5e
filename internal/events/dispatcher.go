package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tableside/auth-core/internal/audit"
	"github.com/tableside/auth-core/internal/infrastructure/influxdb"
	"github.com/tableside/auth-core/internal/infrastructure/logging"
	"github.com/tableside/auth-core/internal/infrastructure/metrics"
	"github.com/tableside/auth-core/internal/infrastructure/mqtt"
)

// QueueSize bounds the audit and MQTT backlog.
const QueueSize = 256

const sinkTimeout = 5 * time.Second

// Publisher is the MQTT side; *mqtt.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Topics() mqtt.Topics
}

// Broadcaster pushes an event to a restaurant's WebSocket clients.
type Broadcaster interface {
	Broadcast(restaurantID, channel string, payload any)
}

// Telemetry receives login attempt points; *influxdb.Client satisfies it.
type Telemetry interface {
	WriteAuthAttempt(a influxdb.AuthAttempt)
}

// Deps holds the optional sinks.
type Deps struct {
	Audit     audit.Repository
	Publisher Publisher
	Telemetry Telemetry
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	// Origin identifies this instance in published events.
	Origin string
	Now    func() time.Time
}

// Dispatcher emits events to every configured sink.
type Dispatcher struct {
	audit     audit.Repository
	publisher Publisher
	telemetry Telemetry
	metrics   *metrics.Metrics
	logger    *logging.Logger
	origin    string
	now       func() time.Time

	mu          sync.RWMutex
	broadcaster Broadcaster

	queue   chan Event
	dropped int
	closeMu sync.Mutex
	closed  bool
	done    chan struct{}
}

// NewDispatcher creates a dispatcher. Run must be started for the audit and
// MQTT sinks to drain.
func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{
		audit:     deps.Audit,
		publisher: deps.Publisher,
		telemetry: deps.Telemetry,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		origin:    deps.Origin,
		now:       deps.Now,
		queue:     make(chan Event, QueueSize),
		done:      make(chan struct{}),
	}
	if d.logger == nil {
		d.logger = logging.Discard()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.origin == "" {
		d.origin = uuid.NewString()
	}
	return d
}

// SetBroadcaster attaches the WebSocket hub. The hub is created after the
// dispatcher, so it is wired late.
func (d *Dispatcher) SetBroadcaster(b Broadcaster) {
	d.mu.Lock()
	d.broadcaster = b
	d.mu.Unlock()
}

// Origin returns this instance's id.
func (d *Dispatcher) Origin() string {
	return d.origin
}

// Emit stamps ev and hands it to every sink. It never blocks on I/O: when
// the queue is full the event is dropped from the audit and MQTT sinks and a
// warning is logged.
func (d *Dispatcher) Emit(_ context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = d.now().UTC()
	}
	if ev.Origin == "" {
		ev.Origin = d.origin
	}

	if d.metrics != nil {
		d.metrics.Event(string(ev.Kind))
		if out := ev.outcome(); out != "" {
			d.metrics.AuthAttempt(ev.Method, out)
		}
	}
	if d.telemetry != nil {
		if out := ev.outcome(); out != "" {
			d.telemetry.WriteAuthAttempt(influxdb.AuthAttempt{
				Method:       ev.Method,
				Outcome:      out,
				RestaurantID: ev.RestaurantID,
				Reason:       ev.Reason,
				Duration:     ev.Duration,
				At:           ev.At,
			})
		}
	}
	d.broadcast(ev)

	if d.audit == nil && d.publisher == nil {
		return
	}
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped++
		d.logger.Warn("event queue full, dropping event", "kind", string(ev.Kind), "dropped", d.dropped)
	}
}

func (d *Dispatcher) broadcast(ev Event) {
	d.mu.RLock()
	b := d.broadcaster
	d.mu.RUnlock()
	if b == nil || ev.RestaurantID == "" {
		return
	}
	b.Broadcast(ev.RestaurantID, Channel, ev)
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-ctx.Done():
			d.closeMu.Lock()
			d.closed = true
			d.closeMu.Unlock()
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return nil
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) deliver(ev Event) {
	if d.audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := d.audit.Create(ctx, &audit.Entry{
			ID:           ev.ID,
			Kind:         string(ev.Kind),
			Method:       ev.Method,
			PrincipalID:  ev.PrincipalID,
			RestaurantID: ev.RestaurantID,
			ClientIP:     ev.ClientIP,
			Reason:       ev.Reason,
			Details:      ev.Details,
			CreatedAt:    ev.At,
		})
		cancel()
		if err != nil {
			d.logger.Error("writing audit entry", "kind", string(ev.Kind), "error", err)
		}
	}
	if d.publisher != nil {
		if err := d.publisher.PublishJSON(d.publisher.Topics().AuthEvents(ev.RestaurantID), ev); err != nil {
			d.logger.Warn("publishing auth event", "kind", string(ev.Kind), "error", err)
		}
	}
}

// Listen subscribes to the events of every instance and calls fn for each
// event published by another instance.
func (d *Dispatcher) Listen(fn func(Event)) error {
	if d.publisher == nil {
		return nil
	}
	topics := d.publisher.Topics()
	return d.publisher.Subscribe(topics.AllAuthEvents(), 1, func(topic string, payload []byte) error {
		if _, ok := topics.RestaurantFromEventTopic(topic); !ok {
			return nil
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return err
		}
		if ev.Origin == d.origin {
			return nil
		}
		fn(ev)
		return nil
	})
}
