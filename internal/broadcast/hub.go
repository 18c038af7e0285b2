package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/castline/internal/observability"
	"github.com/rs/zerolog/log"
)

// Record is one newline-delimited entry read from a writer.
type Record struct {
	ChannelKey string
	WriterID   string
	Data       []byte
	At         time.Time
}

// DefaultSinkTimeout bounds one Sink.Deliver call.
const DefaultSinkTimeout = 2 * time.Second

// Sink receives every published record after in-process subscribers. Each
// sink is fed from its own bounded queue, so Deliver never runs on the
// writer's relay.
type Sink interface {
	Deliver(ctx context.Context, rec Record) error
	Close() error
}

// Subscription is a bounded in-process view of one channel.
type Subscription struct {
	hub        *Hub
	channelKey string
	ch         chan Record
	closed     bool
}

func (s *Subscription) C() <-chan Record {
	return s.ch
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub fans records out per channel key. Slow subscribers and slow sinks
// lose records rather than stalling the writer.
type Hub struct {
	buffer      int
	sinkTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	sinks  []*sinkQueue
	closed bool
	wg     sync.WaitGroup
}

type sinkQueue struct {
	sink Sink
	ch   chan Record
}

func NewHub(buffer int, sinks ...Sink) *Hub {
	if buffer <= 0 {
		buffer = DefaultServiceConfig().SubscriberBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		buffer:      buffer,
		sinkTimeout: DefaultSinkTimeout,
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[string]map[*Subscription]struct{}),
	}
	for _, s := range sinks {
		h.AddSink(s)
	}
	return h
}

// AddSink starts a delivery queue for s. Sinks added after Close are closed
// immediately.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		_ = s.Close()
		return
	}
	q := &sinkQueue{sink: s, ch: make(chan Record, h.buffer)}
	h.sinks = append(h.sinks, q)
	h.wg.Add(1)
	go h.drain(q)
}

func (h *Hub) drain(q *sinkQueue) {
	defer h.wg.Done()
	for rec := range q.ch {
		if h.ctx.Err() != nil {
			observability.RecordDropped("sink_closed")
			continue
		}
		ctx, cancel := context.WithTimeout(h.ctx, h.sinkTimeout)
		err := q.sink.Deliver(ctx, rec)
		cancel()
		if err != nil {
			observability.RecordDropped("sink_error")
			log.Warn().Err(err).Str("channel", rec.ChannelKey).Msg("broadcast.Hub.drain sink delivery failed")
		}
	}
}

func (h *Hub) Subscribe(channelKey string) *Subscription {
	sub := &Subscription{
		hub:        h,
		channelKey: channelKey,
		ch:         make(chan Record, h.buffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[channelKey]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[channelKey] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	if set, ok := h.subs[sub.channelKey]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.channelKey)
		}
	}
	close(sub.ch)
}

// Publish hands rec to subscribers and sink queues without blocking and
// returns how many subscribers received it.
func (h *Hub) Publish(rec Record) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		observability.RecordDropped("hub_closed")
		return 0
	}
	delivered := 0
	for sub := range h.subs[rec.ChannelKey] {
		select {
		case sub.ch <- rec:
			delivered++
		default:
			observability.RecordDropped("slow_subscriber")
		}
	}
	for _, q := range h.sinks {
		select {
		case q.ch <- rec:
		default:
			observability.RecordDropped("sink_backlog")
		}
	}
	observability.RecordRelayed()
	return delivered
}

// Close ends all subscriptions, abandons queued sink records, and closes
// sinks once their queues have stopped.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for key, set := range h.subs {
		for sub := range set {
			sub.closed = true
			close(sub.ch)
		}
		delete(h.subs, key)
	}
	queues := h.sinks
	h.sinks = nil
	for _, q := range queues {
		close(q.ch)
	}
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()

	var errs []error
	for _, q := range queues {
		if err := q.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
