package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// PoolOptions sizes an AsyncPublisher.
type PoolOptions struct {
	Workers        int
	Buffer         int
	PublishTimeout time.Duration
	// HandoffTimeout bounds how long Publish waits for queue space before
	// publishing inline.
	HandoffTimeout time.Duration
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	return o
}

// AsyncPublisher moves publishing off the request path onto a fixed set of
// workers. When the queue stays full past the handoff timeout the event is
// published inline.
type AsyncPublisher struct {
	next   Publisher
	logger *log.Logger
	opts   PoolOptions

	mu     sync.RWMutex
	jobs   chan Event
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncPublisher starts the workers. Close stops them after the queue is
// drained.
func NewAsyncPublisher(next Publisher, logger *log.Logger, opts PoolOptions) *AsyncPublisher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	opts = opts.withDefaults()
	p := &AsyncPublisher{
		next:   next,
		logger: logger,
		opts:   opts,
		jobs:   make(chan Event, opts.Buffer),
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.WithFields(log.Fields{
		"workers": opts.Workers,
		"buffer":  opts.Buffer,
		"handoff": opts.HandoffTimeout,
	}).Info("events.publisher_started")
	return p
}

func (p *AsyncPublisher) worker(id int) {
	defer p.wg.Done()
	for ev := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.PublishTimeout)
		err := p.next.Publish(ctx, ev)
		cancel()
		if err != nil {
			p.logger.WithError(err).WithFields(log.Fields{
				"type":   ev.Type,
				"entity": ev.Entity,
				"id":     ev.ID,
				"worker": id,
			}).Warn("events.publish_failed")
		}
	}
}

// Publish queues ev. It only returns an error when the event had to be
// published inline and that failed.
func (p *AsyncPublisher) Publish(ctx context.Context, ev Event) error {
	if p.tryEnqueue(ev) {
		return nil
	}
	p.logger.Warn("events.queue_saturated")
	return p.next.Publish(ctx, ev)
}

func (p *AsyncPublisher) tryEnqueue(ev Event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.jobs <- ev:
		return true
	default:
	}
	if p.opts.HandoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(p.opts.HandoffTimeout)
	defer timer.Stop()
	select {
	case p.jobs <- ev:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops accepting events and waits for queued ones to be published.
func (p *AsyncPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
