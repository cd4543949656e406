package queue

import "context"

// Name identifies one of the two logical queues of spec §4.A.
type Name string

const (
	Primary   Name = "primary"
	Secondary Name = "secondary"
)

// Delivery wraps one received ExtractRequest with the broker-specific
// completion hooks the scheduler needs: ack on terminal outcomes, nack
// with requeue on transient failure (§4.D, §5 cancellation).
type Delivery struct {
	Request ExtractRequest
	Queue   Name

	ackFn  func() error
	nackFn func(requeue bool) error
}

func (d Delivery) Ack() error { return d.ackFn() }

// Nack negatively-acknowledges the delivery. requeue=true sends the
// message back onto its queue preserving priority (§4.A); requeue=false
// dead-letters it (§7).
func (d Delivery) Nack(requeue bool) error { return d.nackFn(requeue) }

// Handler processes one delivery. Returning an error nacks without
// requeue (dead-letter); handlers that want a requeue call d.Nack
// themselves and return nil.
type Handler func(ctx context.Context, d Delivery) error

// Broker is the contract consumed by the rest of pixl-core: publish
// with a priority, and consume cooperatively with a fixed prefetch
// equal to the configured in-flight ceiling so back-pressure propagates
// to the broker (§4.A).
type Broker interface {
	// Publish enqueues req onto queue at its own Priority field.
	Publish(ctx context.Context, queue Name, req ExtractRequest) error
	// Consume registers handler against queue with the given prefetch
	// count. It blocks until ctx is cancelled or an unrecoverable
	// broker error occurs.
	Consume(ctx context.Context, queue Name, prefetch int, handler Handler) error
	Close() error
}
