package queue

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pixl-imaging/pixl-core/cmn"
	"github.com/pkg/errors"
)

// maxPriority is the RabbitMQ x-max-priority ceiling; spec §3 bounds
// priority to [1,5] so 5 levels is exactly enough.
const maxPriority = 5

// AMQPBroker adapts RabbitMQ's priority queues (x-max-priority) to the
// Broker contract. Delivery is at-least-once; idempotence is the
// scheduler's job via the Export Ledger (§4.A).
type AMQPBroker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to url and declares the primary/secondary priority
// queues, each durable and bound with x-max-priority=5.
func Dial(url string) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(cmn.WithKind(cmn.KindSecretUnavailable, err), "amqp dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "amqp channel")
	}
	b := &AMQPBroker{conn: conn, ch: ch}
	for _, n := range []Name{Primary, Secondary} {
		if _, err := ch.QueueDeclare(string(n), true, false, false, false, amqp.Table{
			"x-max-priority": int32(maxPriority),
		}); err != nil {
			ch.Close()
			conn.Close()
			return nil, errors.Wrapf(err, "declare queue %s", n)
		}
	}
	return b, nil
}

func (b *AMQPBroker) Publish(ctx context.Context, queue Name, req ExtractRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	body, err := req.MarshalMsg(nil)
	if err != nil {
		return errors.Wrap(err, "encode extract request")
	}
	return b.ch.PublishWithContext(ctx, "", string(queue), false, false, amqp.Publishing{
		ContentType: "application/msgpack",
		Body:        body,
		Priority:    uint8(req.Priority),
		MessageId:   req.MessageID,
	})
}

// Consume opens its own channel for the lifetime of the call, so that
// concurrently consuming both the primary and secondary queue (spec
// §4.A: "the adapter exposes two logical queues") never has one
// consumer's Qos/prefetch trample the other's on a shared channel.
func (b *AMQPBroker) Consume(ctx context.Context, queue Name, prefetch int, handler Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return errors.Wrapf(err, "open channel for %s", queue)
	}
	defer ch.Close()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return errors.Wrap(err, "set qos/prefetch")
	}
	deliveries, err := ch.ConsumeWithContext(ctx, string(queue), "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "consume %s", queue)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			var req ExtractRequest
			if _, err := req.UnmarshalMsg(d.Body); err != nil {
				cmn.L().Errorw("malformed message dead-lettered", "queue", queue, "error", err)
				_ = d.Nack(false, false)
				continue
			}
			del := Delivery{
				Request: req,
				Queue:   queue,
				ackFn:   func() error { return d.Ack(false) },
				nackFn:  func(requeue bool) error { return d.Nack(false, requeue) },
			}
			if err := handler(ctx, del); err != nil {
				_ = d.Nack(false, false)
			}
		}
	}
}

func (b *AMQPBroker) Close() error {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
