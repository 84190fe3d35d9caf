// Package pubsub provides a small typed publish/subscribe primitive used for
// progress, conflict, and error notifications. Handlers are invoked in
// registration order, and a panicking handler never prevents the remaining
// handlers from running.
package pubsub

import (
	"log/slog"
	"slices"
	"sync"
)

// Subscription is the handle returned by Subscribe. Unsubscribe removes the
// handler; it is safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

// Emitter fans events of type T out to subscribed handlers. The zero value
// is not usable; create one with New.
type Emitter[T any] struct {
	mu       sync.Mutex
	handlers map[int]func(T)
	order    []int
	nextID   int
	logger   *slog.Logger
}

// New creates an Emitter. A nil logger falls back to slog.Default.
func New[T any](logger *slog.Logger) *Emitter[T] {
	if logger == nil {
		logger = slog.Default()
	}

	return &Emitter[T]{
		handlers: make(map[int]func(T)),
		logger:   logger,
	}
}

// Subscribe registers fn and returns a handle for removal. Handlers run
// synchronously on the publishing goroutine, in registration order.
func (e *Emitter[T]) Subscribe(fn func(T)) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.handlers[id] = fn
	e.order = append(e.order, id)

	return &subscription[T]{emitter: e, id: id}
}

// Publish delivers ev to every current subscriber. A handler panic is
// recovered and logged so the remaining handlers still run.
func (e *Emitter[T]) Publish(ev T) {
	e.mu.Lock()
	fns := make([]func(T), 0, len(e.order))

	for _, id := range e.order {
		if fn, ok := e.handlers[id]; ok {
			fns = append(fns, fn)
		}
	}
	e.mu.Unlock()

	for _, fn := range fns {
		e.invoke(fn, ev)
	}
}

// Len returns the number of active subscribers.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.handlers)
}

func (e *Emitter[T]) invoke(fn func(T), ev T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("pubsub: handler panicked",
				slog.Any("panic", r),
			)
		}
	}()

	fn(ev)
}

func (e *Emitter[T]) unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.handlers, id)
	e.order = slices.DeleteFunc(e.order, func(v int) bool { return v == id })
}

type subscription[T any] struct {
	emitter *Emitter[T]
	id      int
	once    sync.Once
}

func (s *subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.emitter.unsubscribe(s.id)
	})
}
