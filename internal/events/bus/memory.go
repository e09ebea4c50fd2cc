package bus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kibble/kibble/internal/common/logger"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("event bus is closed")

// MemoryEventBus is the in-process EventBus. Subjects use NATS wildcard
// syntax. Each subscription drains its own queue on a dedicated goroutine,
// so a handler sees events in publish order.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	closed bool
	logger *logger.Logger
}

// NewMemoryEventBus returns an open bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{logger: log.WithComponent("memory-bus")}
}

// Publish queues event for every subscription whose pattern matches subject.
// It never blocks on handlers.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	tokens := strings.Split(subject, ".")
	delivered := 0
	for _, sub := range b.subs {
		if sub.filter.match(tokens) {
			sub.push(delivery{ctx: ctx, subject: subject, event: event})
			delivered++
		}
	}

	b.logger.Debug("event published",
		zap.String("subject", subject),
		zap.String("event_type", event.Type),
		zap.Int("subscribers", delivered))
	return nil
}

// Subscribe registers handler for subjects matching pattern.
func (b *MemoryEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		filter:  parseFilter(pattern),
		handler: handler,
		active:  true,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subs = append(b.subs, sub)
	go sub.loop()
	return sub, nil
}

// Close stops every subscription. Queued but undelivered events are dropped.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.stop()
	}
	b.subs = nil
}

// IsConnected reports whether the bus is still open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) remove(target *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

type delivery struct {
	ctx     context.Context
	subject string
	event   *Event
}

type memorySubscription struct {
	bus     *MemoryEventBus
	filter  subjectFilter
	handler EventHandler

	mu      sync.Mutex
	active  bool
	pending []delivery
	wake    chan struct{}
	done    chan struct{}
}

func (s *memorySubscription) push(d delivery) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, d)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) next() (delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || len(s.pending) == 0 {
		return delivery{}, false
	}
	d := s.pending[0]
	s.pending[0] = delivery{}
	s.pending = s.pending[1:]
	return d, true
}

func (s *memorySubscription) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for d, ok := s.next(); ok; d, ok = s.next() {
			if err := s.handler(d.ctx, d.event); err != nil {
				s.bus.logger.Warn("event handler failed",
					zap.String("subject", d.subject),
					zap.String("event_type", d.event.Type),
					zap.Error(err))
			}
		}
	}
}

func (s *memorySubscription) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	s.active = false
	s.pending = nil
	close(s.done)
	return true
}

// Unsubscribe stops delivery. Calling it twice is harmless.
func (s *memorySubscription) Unsubscribe() error {
	if s.stop() {
		s.bus.remove(s)
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// subjectFilter is a tokenized subscription pattern. "*" matches exactly one
// token and a trailing ">" matches one or more.
type subjectFilter []string

func parseFilter(pattern string) subjectFilter {
	return strings.Split(pattern, ".")
}

func (f subjectFilter) match(subject []string) bool {
	for i, tok := range f {
		if tok == ">" && i == len(f)-1 {
			return len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if tok != "*" && tok != subject[i] {
			return false
		}
	}
	return len(subject) == len(f)
}
