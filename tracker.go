package reqscope

import (
	"errors"
	"sync"

	"github.com/hupe1980/golog"
)

var ErrNotTracking = errors.New("tracking is not running")

// ExchangeSource is the part of Proxy the Tracker subscribes to.
type ExchangeSource interface {
	OnExchange(fn ExchangeHandlerFunc) (unsubscribe func())
}

// TrackingConfig names the proxy endpoint the observed client has been
// pointed at.
type TrackingConfig struct {
	ProxyURL  string `json:"proxyUrl"`
	ProxyType string `json:"proxyType"`
}

// TrackerStatus is a snapshot of the tracker state.
type TrackerStatus struct {
	Tracking bool            `json:"tracking"`
	Config   *TrackingConfig `json:"config,omitempty"`
	Count    int             `json:"count"`
}

type TrackerOptions struct {
	// MaxTracked bounds the in-memory list; the oldest records are dropped
	// first. Zero means unbounded.
	MaxTracked int

	// SubscriberBuffer is the channel capacity of each subscriber.
	SubscriberBuffer int

	// Logger specifies an optional logger.
	Logger golog.Logger
}

// Tracker records the exchanges finalized by the proxy while tracking is
// running, feeds their request headers into a HeaderCache and publishes
// each record to its subscribers in completion order.
type Tracker struct {
	*logger
	source     ExchangeSource
	cache      *HeaderCache
	maxTracked int
	bufSize    int

	mu          sync.Mutex
	running     bool
	config      TrackingConfig
	unsubscribe func()
	requests    []*Exchange
	nextSubID   uint64
	subscribers map[uint64]chan *Exchange
}

func NewTracker(source ExchangeSource, cache *HeaderCache, optFns ...func(*TrackerOptions)) *Tracker {
	options := TrackerOptions{
		SubscriberBuffer: 64,
		Logger:           defaultLogger(),
	}

	for _, fn := range optFns {
		fn(&options)
	}

	return &Tracker{
		logger:      &logger{options.Logger},
		source:      source,
		cache:       cache,
		maxTracked:  options.MaxTracked,
		bufSize:     options.SubscriberBuffer,
		subscribers: make(map[uint64]chan *Exchange),
	}
}

// StartTracking begins a new tracking session. The record list and the
// header cache are reset. Starting while running only replaces the
// configuration and resets the session.
func (t *Tracker) StartTracking(cfg TrackingConfig) error {
	if cfg.ProxyURL != "" {
		if _, err := ParseUpstream(UpstreamConfig{URL: cfg.ProxyURL, Type: cfg.ProxyType}); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.config = cfg
	t.requests = nil

	if t.cache != nil {
		t.cache.Purge()
	}

	if t.running {
		t.logInfof("Tracking session restarted")
		return nil
	}

	t.running = true
	t.unsubscribe = t.source.OnExchange(t.track)

	t.logInfof("Tracking started")

	return nil
}

// StopTracking ends the session. The records stay readable until the next
// start.
func (t *Tracker) StopTracking() error {
	t.mu.Lock()
	unsubscribe := t.unsubscribe
	running := t.running
	t.running = false
	t.unsubscribe = nil
	t.mu.Unlock()

	if !running {
		return ErrNotTracking
	}

	unsubscribe()

	t.logInfof("Tracking stopped")

	return nil
}

// TrackedRequests returns the records of the current session in
// completion order.
func (t *Tracker) TrackedRequests() []*Exchange {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Exchange, len(t.requests))
	copy(out, t.requests)

	return out
}

func (t *Tracker) Status() TrackerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := TrackerStatus{
		Tracking: t.running,
		Count:    len(t.requests),
	}

	if t.running {
		cfg := t.config
		status.Config = &cfg
	}

	return status
}

// Subscribe returns a channel receiving every tracked exchange. A
// subscriber that falls behind misses records instead of stalling the
// proxy. The returned function ends the subscription and closes the
// channel.
func (t *Tracker) Subscribe() (<-chan *Exchange, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextSubID++
	id := t.nextSubID
	ch := make(chan *Exchange, t.bufSize)
	t.subscribers[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()

			delete(t.subscribers, id)
			close(ch)
		})
	}
}

func (t *Tracker) track(ex *Exchange) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}

	if t.cache != nil {
		t.cache.Put(ex.ID, ex.RequestHeaders)
	}

	t.requests = append(t.requests, ex)
	if t.maxTracked > 0 && len(t.requests) > t.maxTracked {
		t.requests = t.requests[len(t.requests)-t.maxTracked:]
	}

	for id, ch := range t.subscribers {
		select {
		case ch <- ex:
		default:
			t.logDebugf("Subscriber %d is behind, dropping %s", id, ex.ID)
		}
	}
}
