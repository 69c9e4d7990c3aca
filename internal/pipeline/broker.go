package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is one in-flight message handed to a consumer. Exactly one of
// Ack/Nack must be called per delivery.
type Delivery struct {
	Body []byte
	ack  func(requeue bool) error
}

// Ack acknowledges successful, terminal processing of the delivery.
func (d Delivery) Ack() error { return d.ack(false) }

// Nack rejects the delivery. requeue=true puts it back on the queue for
// another attempt (transient failure); requeue=false drops it
// permanently (malformed/poison message).
func (d Delivery) Nack(requeue bool) error { return d.ack(requeue) }

// NewDelivery constructs a Delivery around an explicit ack callback,
// for tests exercising consumers against a fake broker.
func NewDelivery(body []byte, ack func(requeue bool) error) Delivery {
	return Delivery{Body: body, ack: ack}
}

// Broker wraps a single AMQP connection/channel pair with durable queue
// declarations, prefetch=1 fair dispatch, and persistent publishing, with
// automatic exponential-backoff reconnection.
type Broker struct {
	url    string
	logger *slog.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewBroker connects to url, declaring both pipeline queues durable and
// setting prefetch to 1 so each consumer handles one message at a time.
func NewBroker(ctx context.Context, url string, logger *slog.Logger) (*Broker, error) {
	b := &Broker{url: url, logger: logger}
	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) connect(ctx context.Context) error {
	backoff := 5 * time.Second
	const maxBackoff = 60 * time.Second

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := amqp.DialConfig(b.url, amqp.Config{Heartbeat: 600 * time.Second})
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				if declErr := declareQueues(ch); declErr == nil {
					if qosErr := ch.Qos(1, 0, false); qosErr == nil {
						b.conn = conn
						b.ch = ch
						return nil
					} else {
						lastErr = qosErr
					}
				} else {
					lastErr = declErr
				}
				conn.Close()
			} else {
				lastErr = chErr
				conn.Close()
			}
		} else {
			lastErr = err
		}

		b.logger.Warn("rabbitmq connect failed, retrying", "error", lastErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func declareQueues(ch *amqp.Channel) error {
	for _, name := range []string{RawLogsQueue, FeaturesQueue} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declaring queue %s: %w", name, err)
		}
	}
	return nil
}

// Publish sends body to queue with persistent delivery mode.
func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	return b.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
}

// Consume returns a channel of deliveries from queue. The returned
// channel closes when ctx is done or the underlying connection is lost
// after exhausting reconnection (which Consume handles transparently by
// looping reconnect in the background).
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	msgs, err := b.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consuming %s: %w", queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					if ctx.Err() != nil {
						return
					}
					b.logger.Warn("amqp delivery channel closed, reconnecting", "queue", queue)
					if err := b.connect(ctx); err != nil {
						return
					}
					resumed, err := b.ch.Consume(queue, "", false, false, false, false, nil)
					if err != nil {
						b.logger.Error("failed to resume consuming after reconnect", "error", err)
						return
					}
					msgs = resumed
					continue
				}
				delivery := d
				out <- Delivery{
					Body: delivery.Body,
					ack: func(requeue bool) error {
						if requeue {
							return delivery.Nack(false, true)
						}
						return delivery.Ack(false)
					},
				}
			}
		}
	}()
	return out, nil
}

// QueueInfo reports the ready-message and consumer counts for queue, for
// the /queue/info operations endpoint.
func (b *Broker) QueueInfo(queue string) (messages int, consumers int, err error) {
	q, err := b.ch.QueueInspect(queue)
	if err != nil {
		return 0, 0, fmt.Errorf("inspecting queue %s: %w", queue, err)
	}
	return q.Messages, q.Consumers, nil
}

// Drain pulls up to max deliveries off queue synchronously via
// non-blocking get, invoking handle on each and acking/nacking per its
// return value, for the manual /queue/process operations endpoint. It
// stops early once the queue reports empty. max<0 means unbounded
// (drain until empty).
func (b *Broker) Drain(ctx context.Context, queue string, max int, handle func([]byte) error) (int, error) {
	processed := 0
	for max < 0 || processed < max {
		msg, ok, err := b.ch.Get(queue, false)
		if err != nil {
			return processed, fmt.Errorf("getting from %s: %w", queue, err)
		}
		if !ok {
			break
		}
		if err := handle(msg.Body); err != nil {
			msg.Nack(false, true)
		} else {
			msg.Ack(false)
		}
		processed++
	}
	return processed, nil
}

// Close shuts the channel and connection down.
func (b *Broker) Close() error {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
