// Package notify turns terminal publish outcomes into operator alerts.
//
// A dispatcher subscribes to the event bus and forwards dead-letter and
// partial-success signals to a sink (log, Telegram). Delivery is
// best-effort: rate limited, deduplicated, never blocking the engine.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pubsched/internal/eventbus"
	rtsup "pubsched/internal/runtime/supervisor"
	"pubsched/pkg/logx"
)

type Kind string

const (
	PermanentFailure Kind = "permanent_failure"
	PartialSuccess   Kind = "partial_success"
)

// Message is one operator-facing alert.
type Message struct {
	Kind    Kind
	Project string
	Text    string
	At      time.Time
}

// Sink delivers one alert. Implementations must be safe for concurrent
// use; errors are logged and dropped, never retried by the dispatcher.
type Sink interface {
	Send(ctx context.Context, m Message) error
}

// LogSink writes alerts to the structured log. The fallback when no
// external channel is configured.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Send(_ context.Context, m Message) error {
	s.Log.Warn("publish alert",
		logx.String("kind", string(m.Kind)),
		logx.String("project", m.Project),
		logx.String("text", m.Text))
	return nil
}

type Config struct {
	Enabled bool `json:"enabled"`
	// DedupWindow suppresses repeats of the same alert key.
	DedupWindow time.Duration `json:"dedup_window"`
	// RatePerSec bounds outbound sink calls.
	RatePerSec int `json:"rate_per_sec"`
	// Buffer is the subscription channel size; overflow drops events.
	Buffer int `json:"buffer"`
}

func (c Config) withDefaults() Config {
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	return c
}

// Dispatcher bridges the event bus to a Sink.
type Dispatcher struct {
	mu   sync.Mutex
	cfg  Config
	sink Sink
	bus  eventbus.Bus
	log  logx.Logger

	limiter *rate.Limiter
	sup     *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time
}

func NewDispatcher(cfg Config, sink Sink, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = LogSink{Log: log}
	}
	return &Dispatcher{
		cfg:     cfg,
		sink:    sink,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
}

// Apply swaps the runtime configuration; takes effect on restart except
// for the rate limit, which applies immediately.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

// Start subscribes to the bus. Idempotent while running.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	cfg := d.cfg
	if !cfg.Enabled || d.sup != nil || d.bus == nil {
		d.mu.Unlock()
		return
	}
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "notify"))))
	sup := d.sup
	d.mu.Unlock()

	ch, unsub := d.bus.Subscribe(cfg.Buffer)
	sup.GoRestart("dispatch", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case e, ok := <-ch:
				if !ok {
					return context.Canceled
				}
				d.handle(c, e)
			}
		}
	})
}

func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	d.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		d.log.Warn("notify stop timed out", logx.Err(err))
	}
}

func (d *Dispatcher) handle(ctx context.Context, e eventbus.Event) {
	var m Message
	switch e.Kind {
	case eventbus.PublishDeadLetter:
		m = message(PermanentFailure, e, "publish failed permanently")
	case eventbus.PublishPartial:
		m = message(PartialSuccess, e, "publish completed on some platforms only")
	default:
		return
	}

	key := string(m.Kind) + "|" + eventField(e, "id")
	if !d.allow(key) {
		return
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := d.sink.Send(sctx, m); err != nil {
		d.log.Warn("alert delivery failed",
			logx.String("kind", string(m.Kind)), logx.Err(err))
	}
}

// allow applies the dedup window and prunes stale entries on the way.
func (d *Dispatcher) allow(key string) bool {
	d.mu.Lock()
	window := d.cfg.DedupWindow
	d.mu.Unlock()
	if window <= 0 {
		return true
	}

	now := time.Now()
	d.dmu.Lock()
	defer d.dmu.Unlock()
	for k, until := range d.dedup {
		if now.After(until) {
			delete(d.dedup, k)
		}
	}
	if until, ok := d.dedup[key]; ok && now.Before(until) {
		return false
	}
	d.dedup[key] = now.Add(window)
	return true
}

func message(kind Kind, e eventbus.Event, what string) Message {
	id := eventField(e, "id")
	project := eventField(e, "project")
	cause := eventField(e, "cause")
	text := fmt.Sprintf("%s: schedule %s (project %s)", what, id, project)
	if cause != "" {
		text += ": " + cause
	}
	return Message{Kind: kind, Project: project, Text: text, At: time.Now().UTC()}
}

func eventField(e eventbus.Event, key string) string {
	data, ok := e.Data.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := data[key].(string)
	return s
}
