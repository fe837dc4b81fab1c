package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultQueueLimit = 4096

// ErrNoSession is returned when publishing without a session identifier.
var ErrNoSession = errors.New("eventbus: session id is required")

// Option customizes Bus construction.
type Option func(*Bus)

// Bus delivers session events to every subscriber of that session in exactly
// the order they were published. Late subscribers only see later events.
type Bus struct {
	mu         sync.Mutex
	topics     map[string]*topic
	queueLimit int
	logger     Logger
	clock      func() time.Time
}

type topic struct {
	sequence    int64
	subscribers map[*subscriber]struct{}
}

// Subscription represents one observer attached to a session.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close detaches the observer. Pending undelivered events are discarded.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// WithLogger injects a logger for eviction diagnostics.
func WithLogger(logger Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithQueueLimit bounds how many undelivered events a subscriber may hold
// before it is evicted.
func WithQueueLimit(limit int) Option {
	return func(b *Bus) {
		if limit > 0 {
			b.queueLimit = limit
		}
	}
}

// WithClock allows tests to control EmittedAt stamps.
func WithClock(clock func() time.Time) Option {
	return func(b *Bus) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// New constructs an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics:     map[string]*topic{},
		queueLimit: defaultQueueLimit,
		logger:     nopLogger{},
		clock:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Publish stamps the next sequence number for the session and fans the event
// out to all current subscribers.
func (b *Bus) Publish(sessionID string, kind Kind, payload any) (Event, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Event{}, ErrNoSession
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("eventbus: encode %s payload: %w", kind, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topicLocked(sessionID)
	t.sequence++
	event := Event{
		SessionID: sessionID,
		Kind:      kind,
		Sequence:  t.sequence,
		EmittedAt: b.clock().UTC(),
		Payload:   raw,
	}
	for sub := range t.subscribers {
		if !sub.enqueue(event) {
			delete(t.subscribers, sub)
			sub.stop()
			b.logger.Printf("eventbus: evicted subscriber of %s at #%d (queue limit %d)", sessionID, event.Sequence, b.queueLimit)
		}
	}
	return event, nil
}

// Subscribe attaches a new observer to the session.
func (b *Bus) Subscribe(sessionID string) Subscription {
	sessionID = strings.TrimSpace(sessionID)
	sub := newSubscriber(b.queueLimit)
	b.mu.Lock()
	t := b.topicLocked(sessionID)
	t.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	go sub.pump()
	return Subscription{
		Events: sub.out,
		cancel: func() { b.unsubscribe(sessionID, sub) },
	}
}

// CloseSession lets every subscriber drain its queue, then closes its
// channel. The session's sequence counter is discarded.
func (b *Bus) CloseSession(sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	b.mu.Lock()
	t, ok := b.topics[sessionID]
	if ok {
		delete(b.topics, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	for sub := range t.subscribers {
		sub.finish()
	}
}

// Subscribers reports how many observers are attached to the session.
func (b *Bus) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[strings.TrimSpace(sessionID)]; ok {
		return len(t.subscribers)
	}
	return 0
}

func (b *Bus) topicLocked(sessionID string) *topic {
	t, ok := b.topics[sessionID]
	if !ok {
		t = &topic{subscribers: map[*subscriber]struct{}{}}
		b.topics[sessionID] = t
	}
	return t
}

func (b *Bus) unsubscribe(sessionID string, sub *subscriber) {
	b.mu.Lock()
	if t, ok := b.topics[sessionID]; ok {
		delete(t.subscribers, sub)
		if len(t.subscribers) == 0 && t.sequence == 0 {
			delete(b.topics, sessionID)
		}
	}
	b.mu.Unlock()
	sub.stop()
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// subscriber buffers events in an unbounded-until-limit queue so the
// publisher never blocks; pump forwards them to out in order.
type subscriber struct {
	mu        sync.Mutex
	queue     []Event
	limit     int
	finishing bool
	stopped   bool
	notify    chan struct{}
	done      chan struct{}
	out       chan Event
}

func newSubscriber(limit int) *subscriber {
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	return &subscriber{
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
}

func (s *subscriber) enqueue(event Event) bool {
	s.mu.Lock()
	if s.stopped || s.finishing {
		s.mu.Unlock()
		return true
	}
	if len(s.queue) >= s.limit {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	s.wake()
	return true
}

func (s *subscriber) finish() {
	s.mu.Lock()
	s.finishing = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.queue = nil
	close(s.done)
}

func (s *subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			finishing := s.finishing
			s.mu.Unlock()
			if finishing {
				return
			}
			select {
			case <-s.notify:
			case <-s.done:
				return
			}
			continue
		}
		next := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
