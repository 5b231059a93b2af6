package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ClaimFunc hands a worker its next item; ok is false when no unclaimed work remains
type ClaimFunc[T any] func() (item T, ok bool)

// HandleFunc processes one claimed item
type HandleFunc[T any] func(ctx context.Context, item T)

// Pool runs a resizable set of workers that pull items through a claim function.
// Workers exit when the claim function runs dry or the context ends; the pool
// is finished once every worker has exited.
type Pool[T any] struct {
	claim  ClaimFunc[T]
	handle HandleFunc[T]
	logger *zap.Logger

	mu       sync.Mutex
	ctx      context.Context
	size     int
	running  int
	nextID   int
	started  bool
	finished bool
	doneCh   chan struct{}
}

// NewPool creates a pool of size workers. Sizes below one are raised to one.
func NewPool[T any](size int, claim ClaimFunc[T], handle HandleFunc[T], logger *zap.Logger) *Pool[T] {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool[T]{
		claim:  claim,
		handle: handle,
		logger: logger,
		size:   size,
		doneCh: make(chan struct{}),
	}
}

// Start starts the worker pool
func (p *Pool[T]) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true
	p.ctx = ctx
	p.spawnLocked()
}

// Resize changes the number of workers. Growing takes effect immediately;
// shrinking lets surplus workers finish their current item and exit.
func (p *Pool[T]) Resize(size int) {
	if size < 1 {
		size = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.size = size
	if p.started && !p.finished {
		p.spawnLocked()
	}
}

// Size returns the target number of workers
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Running returns the number of live workers
func (p *Pool[T]) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Wait blocks until every worker has exited
func (p *Pool[T]) Wait() {
	<-p.doneCh
}

// Done is closed once every worker has exited
func (p *Pool[T]) Done() <-chan struct{} {
	return p.doneCh
}

// spawnLocked starts workers up to the target size (must be called with lock held)
func (p *Pool[T]) spawnLocked() {
	for p.running < p.size {
		p.running++
		p.nextID++
		go p.worker(p.nextID)
	}
}

func (p *Pool[T]) worker(id int) {
	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	released := false
	defer func() { p.exit(released) }()

	for {
		if p.ctx.Err() != nil {
			logger.Debug("Worker stopped - context cancelled")
			return
		}
		if p.surplus() {
			released = true
			logger.Debug("Worker stopped - pool shrunk")
			return
		}

		item, ok := p.claim()
		if !ok {
			logger.Debug("Worker finished - no more items")
			return
		}

		p.handle(p.ctx, item)
	}
}

// surplus reports whether more workers run than the target size and, if so,
// releases the caller's slot so concurrent checks do not all leave
func (p *Pool[T]) surplus() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running > p.size {
		p.running--
		return true
	}
	return false
}

func (p *Pool[T]) exit(released bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !released {
		p.running--
	}
	if p.running == 0 && !p.finished {
		p.finished = true
		close(p.doneCh)
	}
}
