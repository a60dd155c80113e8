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
	"errors"
	"sync"
	"time"

	"github.com/edukube/grader/job"
)

// DefaultVisibilityTimeout is how long an unacked in-process delivery
// stays invisible before it is requeued.
const DefaultVisibilityTimeout = 30 * time.Second

type memMessage struct {
	body string
	corr string

	mu    sync.Mutex
	acked bool
	timer *time.Timer
}

// MemBus is an in-process bus with at-least-once semantics: deliveries
// that are not acked within the visibility timeout are requeued. It is
// only sound for single-node deployments, where watcher and consumer
// share the process.
type MemBus struct {
	visibility time.Duration

	mu     sync.Mutex
	queue  []*memMessage
	notify chan struct{}
	closed bool
}

// NewMemBus returns an in-process bus. A non-positive visibility falls
// back to the default.
func NewMemBus(visibility time.Duration) *MemBus {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &MemBus{
		visibility: visibility,
		notify:     make(chan struct{}, 1),
	}
}

// Publish appends the event to the queue.
func (b *MemBus) Publish(ctx context.Context, ev job.Event) error {
	body, err := ev.Marshal()
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bus closed")
	}
	b.queue = append(b.queue, &memMessage{body: string(body), corr: ev.Meta.PodID})
	b.wake()
	return nil
}

// wake must be called with b.mu held.
func (b *MemBus) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *MemBus) pop() *memMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	m := b.queue[0]
	b.queue = b.queue[1:]
	return m
}

func (b *MemBus) requeue(m *memMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, m)
	b.wake()
}

// Deliveries drains the queue, redelivering anything the consumer does
// not ack in time.
func (b *MemBus) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			m := b.pop()
			if m == nil {
				select {
				case <-ctx.Done():
					return
				case <-b.notify:
					continue
				}
			}
			ev, err := job.UnmarshalEvent([]byte(m.body))
			if err != nil {
				// Publish already validated the payload, so this is
				// unreachable; drop rather than loop on it.
				continue
			}
			msg := m
			d := Delivery{
				Event:         ev,
				CorrelationID: m.corr,
				Body:          []byte(m.body),
				Ack: func() error {
					msg.mu.Lock()
					defer msg.mu.Unlock()
					msg.acked = true
					if msg.timer != nil {
						msg.timer.Stop()
					}
					return nil
				},
				Nack: func() error {
					msg.mu.Lock()
					if msg.timer != nil {
						msg.timer.Stop()
					}
					acked := msg.acked
					msg.mu.Unlock()
					if !acked {
						b.requeue(msg)
					}
					return nil
				},
			}
			select {
			case <-ctx.Done():
				b.requeue(m)
				return
			case out <- d:
				// The visibility clock starts once the consumer has
				// the message.
				msg.mu.Lock()
				msg.timer = time.AfterFunc(b.visibility, func() {
					msg.mu.Lock()
					acked := msg.acked
					msg.mu.Unlock()
					if !acked {
						b.requeue(msg)
					}
				})
				msg.mu.Unlock()
			}
		}
	}()
	return out, nil
}

// Close drops all queued messages.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.queue = nil
	b.wake()
	return nil
}
