package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/VaultSovereign/vmq-oracle/pkg/models"
)

const DefaultQueueSize = 256

type queuedOutcome struct {
	ctx context.Context
	out models.Outcome
}

// Background moves a slow observer (database insert, broker write) off the
// request path. Outcomes queue up to a fixed depth; when the queue is full
// the outcome is dropped and logged.
type Background struct {
	name   string
	next   Observer
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan queuedOutcome
	done   chan struct{}
}

func NewBackground(name string, next Observer, size int, logger zerolog.Logger) *Background {
	if size <= 0 {
		size = DefaultQueueSize
	}
	b := &Background{
		name:   name,
		next:   next,
		logger: logger,
		queue:  make(chan queuedOutcome, size),
		done:   make(chan struct{}),
	}
	go b.drain()
	return b
}

func (b *Background) Observe(ctx context.Context, out models.Outcome) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- queuedOutcome{ctx: context.WithoutCancel(ctx), out: out}:
	default:
		b.logger.Warn().Str("observer", b.name).Str("request_id", out.RequestID).Str("action", out.ActionID).Msg("observer queue full, outcome dropped")
	}
}

func (b *Background) drain() {
	defer close(b.done)
	for q := range b.queue {
		b.next.Observe(q.ctx, q.out)
	}
}

// Close stops accepting outcomes and waits for the queued ones to be
// delivered.
func (b *Background) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	<-b.done
}
