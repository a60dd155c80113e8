/*
Copyright 2020 The EduKube Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/edukube/grader/job"
)

// redialDelay paces reconnect attempts after the broker drops us.
const redialDelay = 2 * time.Second

// AMQPBus is the RabbitMQ-backed bus. Messages are published persistent
// to a durable queue with the pod id as correlation id, and consumed
// with manual acknowledgements.
type AMQPBus struct {
	url string
	log *logrus.Entry

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQP connects to the broker and declares the exchange/queue pair.
func DialAMQP(url string) (*AMQPBus, error) {
	b := &AMQPBus{
		url: url,
		log: logrus.NewEntry(logrus.StandardLogger()).WithField("component", "bus"),
	}
	if _, err := b.channel(); err != nil {
		return nil, err
	}
	return b, nil
}

// channel returns a live channel, redialing when the previous connection
// died. Callers must not hold on to the returned channel across errors.
func (b *AMQPBus) channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil && !b.conn.IsClosed() && b.ch != nil {
		return b.ch, nil
	}
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("dialing event bus: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening bus channel: %w", err)
	}
	if err := declare(ch); err != nil {
		conn.Close()
		return nil, err
	}
	b.conn, b.ch = conn, ch
	return ch, nil
}

func declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", Exchange, err)
	}
	q, err := ch.QueueDeclare(Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declaring queue %s: %w", Queue, err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey, Exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue %s: %w", Queue, err)
	}
	return nil
}

// Publish sends one event, persistent, correlated by pod id.
func (b *AMQPBus) Publish(ctx context.Context, ev job.Event) error {
	body, err := ev.Marshal()
	if err != nil {
		return err
	}
	ch, err := b.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, Exchange, RoutingKey, false, false, amqp.Publishing{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    amqp.Persistent,
		CorrelationId:   ev.Meta.PodID,
		Body:            body,
	})
	if err != nil {
		// Force a redial on the next call.
		b.mu.Lock()
		if b.conn != nil {
			b.conn.Close()
			b.conn, b.ch = nil, nil
		}
		b.mu.Unlock()
		return fmt.Errorf("publishing event for pod %s: %w", ev.Meta.PodID, err)
	}
	return nil
}

// Deliveries consumes the queue with manual acks, redialing on broker
// drops until ctx is cancelled.
func (b *AMQPBus) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			if err := b.consumeOnce(ctx, out); err != nil && ctx.Err() == nil {
				b.log.WithError(err).Warning("Bus consume interrupted, reconnecting.")
				select {
				case <-ctx.Done():
				case <-time.After(redialDelay):
				}
			}
		}
	}()
	return out, nil
}

func (b *AMQPBus) consumeOnce(ctx context.Context, out chan<- Delivery) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	deliveries, err := ch.Consume(Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming queue %s: %w", Queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("bus channel closed")
			}
			ev, err := job.UnmarshalEvent(d.Body)
			if err != nil {
				// Poison message, drop it without requeue.
				b.log.WithError(err).WithField("correlation_id", d.CorrelationId).
					Error("Dropping undecodable bus message.")
				_ = d.Nack(false, false)
				continue
			}
			select {
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return ctx.Err()
			case out <- Delivery{
				Event:         ev,
				CorrelationID: d.CorrelationId,
				Body:          d.Body,
				Ack:           func() error { return d.Ack(false) },
				Nack:          func() error { return d.Nack(false, true) },
			}:
			}
		}
	}
}

// Close tears down the broker connection.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn, b.ch = nil, nil
	return err
}
