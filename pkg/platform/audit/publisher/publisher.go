// Package publisher decouples event emission from event storage. Synchronous
// by default; an async buffer absorbs bursts when configured.
package publisher

import (
	"context"
	"log/slog"
	"sync"

	audit "itroad-gateway/pkg/platform/audit"
)

// Store is the sink a publisher writes to.
type Store interface {
	Append(ctx context.Context, event audit.Event) error
}

// Publisher emits audit events to a store, optionally through an async buffer.
type Publisher struct {
	store  Store
	logger *slog.Logger

	buffer chan audit.Event
	wg     sync.WaitGroup
	once   sync.Once
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithAsyncBuffer makes Emit non-blocking behind a buffered channel of the
// given size. Close drains the buffer before returning.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.buffer = make(chan audit.Event, size)
		}
	}
}

// WithLogger sets the logger used for dropped or failed events.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher over the given store.
func NewPublisher(store Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.buffer != nil {
		p.wg.Add(1)
		go p.drain()
	}
	return p
}

// Emit records one event. In async mode a full buffer drops the event with a
// log line rather than blocking the request path.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if p.buffer == nil {
		return p.store.Append(ctx, event)
	}
	select {
	case p.buffer <- event:
		return nil
	default:
		p.logger.Warn("audit buffer full, event dropped", "action", event.Action)
		return nil
	}
}

func (p *Publisher) drain() {
	defer p.wg.Done()
	for event := range p.buffer {
		if err := p.store.Append(context.Background(), event); err != nil {
			p.logger.Error("failed to store audit event",
				"action", event.Action,
				"error", err,
			)
		}
	}
}

// Close drains any buffered events and stops the worker. Safe to call more
// than once.
func (p *Publisher) Close() {
	p.once.Do(func() {
		if p.buffer != nil {
			close(p.buffer)
			p.wg.Wait()
		}
	})
}
