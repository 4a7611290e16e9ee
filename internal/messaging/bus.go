package messaging

import (
	"context"
	"fmt"
	"sync"
)

// Handler processes one delivered message. Returning an error triggers
// redelivery; handlers must therefore be idempotent.
type Handler func(ctx context.Context, msg Message) error

// Publisher delivers messages to interested subscribers at least once.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Bus is an in-process message channel with at-least-once delivery: a failing
// handler is retried up to maxRedeliveries before Publish reports the error
// to the caller (typically the outbox dispatcher, which retries the whole
// message later).
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	// maxRedeliveries bounds immediate in-process redelivery per handler.
	maxRedeliveries int
}

// NewBus returns a bus with the default redelivery bound.
func NewBus() *Bus {
	return &Bus{
		handlers:        make(map[string][]Handler),
		maxRedeliveries: 2,
	}
}

// Subscribe registers a handler for all messages with the given name.
func (b *Bus) Subscribe(name string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], handler)
}

// Publish delivers the message to every subscriber of its name. Each failing
// handler is retried; the first handler error after retries aborts delivery
// so the caller can schedule the message again.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("publish %q: %w", msg.Name, err)
	}
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[msg.Name]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := b.deliver(ctx, handler, msg); err != nil {
			return fmt.Errorf("deliver %q to subscriber: %w", msg.Name, err)
		}
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, handler Handler, msg Message) error {
	var err error
	for attempt := 0; attempt <= b.maxRedeliveries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = handler(ctx, msg); err == nil {
			return nil
		}
	}
	return err
}
