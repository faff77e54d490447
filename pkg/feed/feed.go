// Package feed fans detection events out to subscribers (UI, SIEM exporters,
// tests). Each event carries the sealed audit-log record alongside the
// verdict so consumers can verify the chain independently.
package feed

import (
	"log/slog"
	"os"
	"sync"

	"github.com/dpcsec/sentinelx/pkg/auditlog"
	"github.com/dpcsec/sentinelx/pkg/datamodel"
	"github.com/google/uuid"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

type EventType string

const (
	// EventVerdict is a completed judgment, clean or not.
	EventVerdict EventType = "verdict"
	// EventAlert is a degraded judgment: one or more stages failed, so the
	// object could not be fully judged. Distinct from clean on purpose.
	EventAlert EventType = "alert"
	// EventAttack is a ransomware-guard intervention.
	EventAttack EventType = "attack"
)

type Event struct {
	Type    EventType          `json:"type"`
	Verdict *datamodel.Verdict `json:"verdict,omitempty"`
	Record  *auditlog.Record   `json:"record,omitempty"`
	Detail  string             `json:"detail,omitempty"`
}

// DefaultBuffer is the per-subscription channel depth.
const DefaultBuffer = 64

type Subscription struct {
	ID string
	C  <-chan Event

	ch chan Event
}

// Feed is safe for concurrent publish and subscribe.
type Feed struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

func New() *Feed {
	return &Feed{subs: make(map[string]*Subscription)}
}

func (f *Feed) Subscribe() *Subscription {
	sub := &Subscription{ID: uuid.NewString(), ch: make(chan Event, DefaultBuffer)}
	sub.C = sub.ch
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(sub.ch)
		return sub
	}
	f.subs[sub.ID] = sub
	return sub
}

func (f *Feed) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return
	}
	delete(f.subs, id)
	close(sub.ch)
}

// Publish delivers event to every subscriber. A subscriber whose buffer is
// full loses the event rather than stalling the pipeline.
func (f *Feed) Publish(event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, sub := range f.subs {
		select {
		case sub.ch <- event:
		default:
			logger.Warn("slow feed subscriber, event dropped",
				slog.String("subscription", id),
				slog.String("type", string(event.Type)),
			)
		}
	}
}

// PublishVerdict wraps a verdict and its audit record, alerting instead of
// reporting when the judgment was degraded.
func (f *Feed) PublishVerdict(verdict *datamodel.Verdict, record *auditlog.Record) {
	eventType := EventVerdict
	if verdict == nil || !verdict.Judged() {
		eventType = EventAlert
	}
	f.Publish(Event{Type: eventType, Verdict: verdict, Record: record})
}

func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub.ch)
	}
}
