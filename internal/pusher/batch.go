package pusher

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanhonof/workadventure/pkg/messages"
)

/*
BatchEmitter coalesces per-client outbound zone events into bounded batch
frames.  A client's queue is flushed either on the shared flush-interval
tick or as soon as it reaches the configured batch size.
*/
type BatchEmitter struct {
	size     int
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	queues map[string]*clientQueue
	stop   chan struct{}
	done   chan struct{}
}

type clientQueue struct {
	client Client
	subs   []messages.Envelope
}

func NewBatchEmitter(size int, interval time.Duration, log zerolog.Logger) *BatchEmitter {
	b := &BatchEmitter{
		size:     size,
		interval: interval,
		log:      log.With().Str("component", "batch").Logger(),
		queues:   make(map[string]*clientQueue),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	go b.run()

	return b
}

func (b *BatchEmitter) run() {
	ticker := time.NewTicker(b.interval)
	defer func() {
		ticker.Stop()
		close(b.done)
	}()

	for {
		select {
		case <-ticker.C:
			b.flushAll()

		case <-b.stop:
			b.flushAll()
			return
		}
	}
}

/*
Emit queues one sub-message for the client.  Reaching the batch size
flushes the queue immediately.
*/
func (b *BatchEmitter) Emit(c Client, sub messages.Envelope) {
	b.mu.Lock()

	q, exists := b.queues[c.ID()]
	if !exists {
		q = &clientQueue{client: c}
		b.queues[c.ID()] = q
	}
	q.subs = append(q.subs, sub)

	var full []messages.Envelope
	if len(q.subs) >= b.size {
		full = q.subs
		q.subs = nil
	}
	b.mu.Unlock()

	if full != nil {
		b.deliver(c, full)
	}
}

// Forget drops the pending queue of a disconnecting client.
func (b *BatchEmitter) Forget(c Client) {
	b.mu.Lock()
	delete(b.queues, c.ID())
	b.mu.Unlock()
}

func (b *BatchEmitter) flushAll() {
	b.mu.Lock()
	pending := make(map[Client][]messages.Envelope)
	for _, q := range b.queues {
		if len(q.subs) > 0 {
			pending[q.client] = q.subs
			q.subs = nil
		}
	}
	b.mu.Unlock()

	for c, subs := range pending {
		b.deliver(c, subs)
	}
}

func (b *BatchEmitter) deliver(c Client, subs []messages.Envelope) {
	if c.Data().Disconnecting {
		return
	}

	e := messages.MustWrap(messages.CaseBatch, messages.BatchMessage{Payload: subs})
	if err := c.Send(e); err != nil {
		b.log.Debug().Err(err).Str("client", c.ID()).Msg("dropping batch for unreachable client")
	}
}

// Close flushes every queue and stops the ticker goroutine.
func (b *BatchEmitter) Close() {
	close(b.stop)
	<-b.done
}
