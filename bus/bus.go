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

// Package bus is the durable at-least-once channel carrying normalized
// pod lifecycle events from the watcher to the completion consumer.
package bus

import (
	"context"

	"github.com/edukube/grader/job"
)

// Wire names shared by every implementation.
const (
	// Exchange and Queue name the event stream.
	Exchange = "kubernetes_events"
	Queue    = "kubernetes_events"
	// RoutingKey binds the queue to the exchange.
	RoutingKey = "pod_events"
)

// Delivery is one event handed to the consumer. The message is
// redelivered unless Ack is called, so consumers must ack only after the
// corresponding job mutation is durable.
type Delivery struct {
	Event         job.Event
	CorrelationID string
	Body          []byte

	// Ack confirms durable processing.
	Ack func() error
	// Nack returns the message for redelivery.
	Nack func() error
}

// Publisher is the watcher-facing side of the bus.
type Publisher interface {
	Publish(ctx context.Context, ev job.Event) error
	Close() error
}

// Consumer is the completion-consumer-facing side of the bus.
type Consumer interface {
	// Deliveries returns a channel of pending events. The channel
	// closes when ctx is cancelled or the bus shuts down.
	Deliveries(ctx context.Context) (<-chan Delivery, error)
	Close() error
}
