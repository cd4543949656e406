package queue

import (
	"container/heap"
	"context"
	"sync"
)

// item is one queued delivery ordered by priority then FIFO sequence,
// matching spec §5's "FIFO within (queue, priority)" ordering guarantee.
type item struct {
	req ExtractRequest
	seq int64
}

type priorityHeap []item

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority // higher priority first
	}
	return h[i].seq < h[j].seq // FIFO within priority
}
func (h priorityHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x interface{}) { *h = append(*h, x.(item)) }
func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// MemoryBroker is an in-process priority broker used by tests in place
// of AMQPBroker (Design Notes: "tests construct it with mock secret
// resolver and mock uploaders" generalises to every external
// collaborator, the broker included).
type MemoryBroker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[Name]*priorityHeap
	seq     int64
	closed  bool
}

func NewMemoryBroker() *MemoryBroker {
	b := &MemoryBroker{
		queues: map[Name]*priorityHeap{
			Primary:   {},
			Secondary: {},
		},
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *MemoryBroker) Publish(_ context.Context, queue Name, req ExtractRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	h := b.queues[queue]
	heap.Push(h, item{req: req, seq: b.seq})
	b.cond.Broadcast()
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, queue Name, _ int, handler Handler) error {
	for {
		b.mu.Lock()
		for b.queues[queue].Len() == 0 && !b.closed {
			done := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					b.cond.Broadcast()
				case <-done:
				}
			}()
			b.cond.Wait()
			close(done)
			select {
			case <-ctx.Done():
				b.mu.Unlock()
				return nil
			default:
			}
		}
		if b.closed && b.queues[queue].Len() == 0 {
			b.mu.Unlock()
			return nil
		}
		h := b.queues[queue]
		it := heap.Pop(h).(item)
		b.mu.Unlock()

		del := Delivery{
			Request: it.req,
			Queue:   queue,
			ackFn:   func() error { return nil },
			nackFn: func(requeue bool) error {
				if requeue {
					return b.Publish(ctx, queue, it.req)
				}
				return nil
			},
		}
		if err := handler(ctx, del); err != nil {
			_ = del.Nack(false)
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

// Depth returns the current depth of queue. The tests use it to check
// routing; the `status` CLI subcommand does not use MemoryBroker.
func (b *MemoryBroker) Depth(queue Name) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[queue].Len()
}
