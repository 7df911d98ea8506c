// ============================================================================
// tilebreeder Worker Pool - bounded task executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Owns the goroutines that run this node's tasks.
//
// Architecture:
//   ┌─────────────┐
//   │  Breeder    │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//     Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool(buffer)  - channels and pool context
//   2. Start(n)         - n worker goroutines
//   3. Submit(r)        - queue a task; blocks while the queue is full
//   4. Results()        - one Result per task
//   5. Stop()           - cancel running tasks, close queue, wait for workers
//
// Submit and Stop:
//   Senders hold sendMu for reading while they select on taskCh and stopCh.
//   Stop closes stopCh first, which releases blocked senders, then takes sendMu
//   for writing before closing taskCh. No send can hit a closed channel.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted is returned by a second Start.
	ErrPoolStarted = errors.New("worker pool already started")
)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Pool is a fixed set of workers sharing one task queue.
type Pool struct {
	workers  []*Worker
	taskCh   chan Runnable
	resultCh chan Result
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sendMu   sync.RWMutex

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool creates a pool whose queue and result channel hold bufferSize entries.
func NewPool(bufferSize int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		taskCh:   make(chan Runnable, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(p.ctx)
		}(w)
	}

	p.started = true
	return nil
}

// Submit queues r for execution. It blocks while the queue is full and
// returns ErrPoolClosed if the pool stops in the meantime.
func (p *Pool) Submit(r Runnable) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}
	select {
	case p.taskCh <- r:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Results returns the result channel. It is closed after Stop returns.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop cancels running tasks, drains the queue and waits for every worker.
// Calling it again, or before Start, is a no-op.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	close(p.stopCh)

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()

	close(p.resultCh)
}
