package memory

import (
	"context"
	"sync"
)

// mailbox is an unbounded queue drained into out by its own goroutine, so a
// slow consumer never blocks the hub.
type mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	notify chan struct{}
	out    chan T
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{
		notify: make(chan struct{}, 1),
		out:    make(chan T),
	}
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	m.queue = append(m.queue, v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// run delivers queued values until ctx is done or closed is closed. out is
// closed on return and onExit is called first.
func (m *mailbox[T]) run(ctx context.Context, closed <-chan struct{}, onExit func()) {
	defer close(m.out)
	defer onExit()

	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, v := range batch {
			select {
			case m.out <- v:
			case <-ctx.Done():
				return
			case <-closed:
				return
			}
		}

		select {
		case <-m.notify:
		case <-ctx.Done():
			return
		case <-closed:
			return
		}
	}
}
