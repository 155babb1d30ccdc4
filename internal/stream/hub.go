// Package stream provides real-time payload distribution to subscribers.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chainview/internal/logging"
	"chainview/internal/models"
)

// HubConfig holds configuration for the broadcast hub.
type HubConfig struct {
	// QueueSize is the size of each subscriber's outbound queue.
	QueueSize int
	// IdleTimeout closes subscribers with no delivery activity.
	IdleTimeout time.Duration
	// ReapInterval is how often idle subscribers are collected.
	ReapInterval time.Duration
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		QueueSize:    8,
		IdleTimeout:  5 * time.Minute,
		ReapInterval: 30 * time.Second,
	}
}

// Subscriber is one registered consumer of chain payloads.
type Subscriber struct {
	ID        string
	CreatedAt time.Time

	queue chan models.Payload
}

// Updates returns the subscriber's outbound queue. The channel is
// closed when the subscriber is unregistered.
func (s *Subscriber) Updates() <-chan models.Payload {
	return s.queue
}

// Hub fans composed payloads out to all registered subscribers.
// Delivery is best-effort and non-blocking per subscriber: when a
// queue is full the oldest undelivered payload is evicted in favor of
// the newest, since every payload is a full-state snapshot that
// supersedes prior ones.
type Hub struct {
	config   HubConfig
	logger   zerolog.Logger
	registry *Registry

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	latest      *models.Payload
	started     bool
	done        chan struct{}

	nextID atomic.Uint64

	// Metrics
	published atomic.Uint64
	enqueued  atomic.Uint64
	evicted   atomic.Uint64
}

// NewHub creates a new hub with default configuration.
func NewHub(logger zerolog.Logger) *Hub {
	return NewHubWithConfig(DefaultHubConfig(), logger)
}

// NewHubWithConfig creates a new hub with custom configuration.
func NewHubWithConfig(config HubConfig, logger zerolog.Logger) *Hub {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultHubConfig().QueueSize
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = DefaultHubConfig().ReapInterval
	}
	return &Hub{
		config:      config,
		logger:      logging.WithComponent(logger, "hub"),
		registry:    NewRegistry(),
		subscribers: make(map[string]*Subscriber),
		done:        make(chan struct{}),
	}
}

// Registry returns the hub's session registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Start begins the idle-subscriber reaper. Publishing works without
// Start; only idle collection needs it.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()

	if h.config.IdleTimeout > 0 {
		go h.reapLoop(ctx, done)
	}
}

// Stop closes every subscriber.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		close(h.done)
		h.started = false
	}

	for id, sub := range h.subscribers {
		close(sub.queue)
		delete(h.subscribers, id)
		h.registry.Remove(id)
	}
}

// Register adds a subscriber. The current payload, if any, is placed
// on its queue immediately so a new subscriber renders state as of
// registration rather than waiting for the next publish.
func (h *Hub) Register() *Subscriber {
	id := fmt.Sprintf("sub-%d", h.nextID.Add(1))
	sub := &Subscriber{
		ID:        id,
		CreatedAt: time.Now(),
		queue:     make(chan models.Payload, h.config.QueueSize),
	}

	h.mu.Lock()
	h.subscribers[id] = sub
	h.registry.Add(id)
	if h.latest != nil {
		sub.queue <- *h.latest
	}
	h.mu.Unlock()

	h.logger.Info().Str("subscriber_id", id).Int("subscribers", h.registry.Count()).
		Msg("Subscriber registered")
	return sub
}

// Unregister removes a subscriber and closes its queue.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
		close(sub.queue)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	h.registry.Remove(id)
	h.logger.Info().Str("subscriber_id", id).Int("subscribers", h.registry.Count()).
		Msg("Subscriber unregistered")
}

// Publish delivers a payload to every registered subscriber and
// retains it for subscribers that register later.
func (h *Hub) Publish(p models.Payload) {
	h.published.Add(1)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest = &p
	for id, sub := range h.subscribers {
		h.offer(id, sub, p)
	}
}

// offer enqueues without blocking, evicting the oldest queued payload
// when the queue is full.
func (h *Hub) offer(id string, sub *Subscriber, p models.Payload) {
	for {
		select {
		case sub.queue <- p:
			h.enqueued.Add(1)
			return
		default:
		}

		select {
		case <-sub.queue:
			h.evicted.Add(1)
			h.registry.MarkDropped(id)
		default:
			// Consumer drained the queue between selects; retry the send.
		}
	}
}

// MarkDelivered records a completed write to a subscriber.
func (h *Hub) MarkDelivered(id string, version uint64, stale bool) {
	h.registry.MarkDelivered(id, version, stale)
}

// Latest returns the most recently published payload, if any.
func (h *Hub) Latest() (models.Payload, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return models.Payload{}, false
	}
	return *h.latest, true
}

// SubscriberCount returns the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Metrics returns hub performance counters.
func (h *Hub) Metrics() HubMetrics {
	return HubMetrics{
		Published:   h.published.Load(),
		Enqueued:    h.enqueued.Load(),
		Evicted:     h.evicted.Load(),
		Subscribers: h.SubscriberCount(),
	}
}

// HubMetrics contains hub performance counters.
type HubMetrics struct {
	Published   uint64
	Enqueued    uint64
	Evicted     uint64
	Subscribers int
}

func (h *Hub) reapLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(h.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			for _, id := range h.registry.IdleIDs(h.config.IdleTimeout) {
				h.registry.SetState(id, StateClosing)
				h.logger.Info().Str("subscriber_id", id).Msg("Closing idle subscriber")
				h.Unregister(id)
			}
		}
	}
}
