package worker

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolStopped is returned by Submit after Stop
var ErrPoolStopped = errors.New("worker pool stopped")

// KeyedPool runs tasks on a fixed set of worker goroutines. Tasks with the same
// key always land on the same worker and therefore run one at a time in
// submission order; tasks with different keys run in parallel.
type KeyedPool struct {
	workers int
	queues  []chan Task
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewKeyedPool creates a new keyed worker pool
func NewKeyedPool(workers, queueSize int) *KeyedPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	queues := make([]chan Task, workers)
	for i := range queues {
		queues[i] = make(chan Task, queueSize)
	}

	return &KeyedPool{
		workers: workers,
		queues:  queues,
		ctx:     ctx,
		cancel:  cancel,
		logger:  zap.L().Named("worker-pool"),
	}
}

// Start starts the worker pool
func (p *KeyedPool) Start() {
	p.logger.Info("Starting worker pool", zap.Int("workers", p.workers))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop stops accepting tasks, lets queued tasks finish and waits for the workers
func (p *KeyedPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()

	p.logger.Info("Worker pool stopped")
}

// Submit queues a task on the worker owning its key. It blocks while that
// worker's queue is full, until ctx is done.
func (p *KeyedPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queues[p.slot(task.Key)] <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *KeyedPool) slot(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(p.workers))
}

// QueueLength returns the number of queued tasks across all workers
func (p *KeyedPool) QueueLength() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

func (p *KeyedPool) worker(id int) {
	defer p.wg.Done()

	for task := range p.queues[id] {
		p.run(id, task)
	}
}

func (p *KeyedPool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked",
				zap.Int("worker_id", id),
				zap.String("key", task.Key),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
		if task.Done != nil {
			task.Done()
		}
	}()

	task.Run(p.ctx)
}
