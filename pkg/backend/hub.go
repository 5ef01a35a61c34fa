package backend

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/astromechza/listsync/pkg/lists"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listsync_events_published_total",
		Help: "Change events published to subscribers, by kind.",
	}, []string{"kind"})
	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listsync_events_dropped_total",
		Help: "Change events dropped because a subscriber was not keeping up.",
	}, []string{"kind"})
	subscribersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "listsync_subscribers",
		Help: "Open subscriptions, by kind.",
	}, []string{"kind"})
)

const subscriberBuffer = 64

// Hub fans change events out to every subscriber of the event's kind.
type Hub struct {
	lock        sync.Mutex
	subscribers map[lists.EventKind]map[*Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[lists.EventKind]map[*Subscriber]struct{})}
}

type Subscriber struct {
	hub    *Hub
	kind   lists.EventKind
	events chan lists.Event
	once   sync.Once
}

func (h *Hub) Subscribe(kind lists.EventKind) *Subscriber {
	s := &Subscriber{hub: h, kind: kind, events: make(chan lists.Event, subscriberBuffer)}
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.subscribers[kind] == nil {
		h.subscribers[kind] = make(map[*Subscriber]struct{})
	}
	h.subscribers[kind][s] = struct{}{}
	subscribersActive.WithLabelValues(string(kind)).Inc()
	return s
}

// Publish delivers the event to subscribers without blocking. A subscriber whose buffer is full misses the event.
func (h *Hub) Publish(event lists.Event) {
	h.lock.Lock()
	defer h.lock.Unlock()
	eventsPublished.WithLabelValues(string(event.Kind)).Inc()
	for s := range h.subscribers[event.Kind] {
		select {
		case s.events <- lists.Event{Kind: event.Kind, Item: event.Item.Clone()}:
		default:
			eventsDropped.WithLabelValues(string(event.Kind)).Inc()
		}
	}
}

func (s *Subscriber) Events() <-chan lists.Event {
	return s.events
}

// Close removes the subscriber from the hub and closes its channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.hub.lock.Lock()
		defer s.hub.lock.Unlock()
		delete(s.hub.subscribers[s.kind], s)
		subscribersActive.WithLabelValues(string(s.kind)).Dec()
		close(s.events)
	})
}
