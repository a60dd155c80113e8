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

// Package consume drains pod lifecycle events from the bus into the job
// store and hands finished jobs to the uploader.
package consume

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edukube/grader/bus"
	"github.com/edukube/grader/job"
	"github.com/edukube/grader/jobstore"
)

// Enqueuer accepts job ids whose results are ready for upstream
// delivery. Enqueueing the same id twice is harmless.
type Enqueuer interface {
	Enqueue(id string)
}

// Consumer applies bus events to stored jobs. Every message is acked
// exactly when its effect is durable or provably void, so crashes
// between mutation and ack only cause redeliveries the state machine
// already absorbs.
type Consumer struct {
	source   bus.Consumer
	store    *jobstore.Store
	uploader Enqueuer
	log      *logrus.Entry
}

func New(source bus.Consumer, store *jobstore.Store, uploader Enqueuer) *Consumer {
	return &Consumer{
		source:   source,
		store:    store,
		uploader: uploader,
		log:      logrus.WithField("component", "consumer"),
	}
}

// Run processes deliveries until ctx is cancelled or the bus closes the
// channel.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.source.Deliveries(ctx)
	if err != nil {
		return err
	}
	for d := range deliveries {
		c.handle(d)
	}
	return nil
}

// timeNow is swapped in tests.
var timeNow = time.Now

func (c *Consumer) handle(d bus.Delivery) {
	log := c.log.WithFields(logrus.Fields{
		"correlation_id": d.CorrelationID,
		"state":          d.Event.State,
	})

	rec, err := c.store.FindByContainerRef(d.CorrelationID)
	if errors.Is(err, jobstore.ErrNotFound) {
		// No submission owns this container. Either the record was
		// already cleaned up or the pod belongs to another grader.
		log.Warn("Dropping event for unknown container.")
		eventsHandled.WithLabelValues(d.Event.State, "orphaned").Inc()
		c.ack(d, log)
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to resolve container ref.")
		eventsHandled.WithLabelValues(d.Event.State, "error").Inc()
		c.nack(d, log)
		return
	}
	log = log.WithField("job", rec.ID)

	updated, err := c.store.Update(rec.ID, func(j *job.Job) error {
		return job.ApplyTransition(j, d.Event)
	})
	switch {
	case errors.Is(err, job.ErrStaleEvent):
		// Redelivery or out-of-order arrival. The transition is already
		// absorbed, but the first pass may have recorded the terminal
		// state without getting to the upload handoff, e.g. when the
		// dispatcher completed the job itself before publishing.
		log.Debug("Dropping stale event.")
		eventsHandled.WithLabelValues(d.Event.State, "stale").Inc()
		if rec.ReadyForUpload() && rec.UploadState == job.UploadPending {
			c.schedule(rec.ID, log)
		}
		c.ack(d, log)
		return
	case errors.Is(err, job.ErrIllegalTransition):
		// Retrying cannot make this legal, so don't poison the queue.
		log.WithError(err).Error("Dropping event with illegal transition.")
		eventsHandled.WithLabelValues(d.Event.State, "illegal").Inc()
		c.ack(d, log)
		return
	case err != nil:
		log.WithError(err).Error("Failed to apply event.")
		eventsHandled.WithLabelValues(d.Event.State, "error").Inc()
		c.nack(d, log)
		return
	}

	eventsHandled.WithLabelValues(d.Event.State, "applied").Inc()
	log.WithField("container_state", updated.ContainerState).Info("Applied pod event.")

	if updated.ReadyForUpload() && updated.UploadState == job.UploadPending {
		c.schedule(updated.ID, log)
	}
	c.ack(d, log)
}

// schedule claims the job for upload and enqueues it. A claim that
// loses the race (someone else already moved it out of PENDING) is not
// an error.
func (c *Consumer) schedule(id string, log *logrus.Entry) {
	_, err := c.store.Update(id, func(j *job.Job) error {
		if j.UploadState != job.UploadPending {
			return job.ErrStaleEvent
		}
		j.SetUploadState(job.UploadScheduled, timeNow())
		return nil
	})
	if errors.Is(err, job.ErrStaleEvent) {
		return
	}
	if err != nil {
		// The upload poller will pick the job up from PENDING later.
		log.WithError(err).Error("Failed to schedule upload.")
		return
	}
	c.uploader.Enqueue(id)
	log.Info("Scheduled result upload.")
}

func (c *Consumer) ack(d bus.Delivery, log *logrus.Entry) {
	if err := d.Ack(); err != nil {
		log.WithError(err).Error("Failed to ack delivery.")
	}
}

func (c *Consumer) nack(d bus.Delivery, log *logrus.Entry) {
	if err := d.Nack(); err != nil {
		log.WithError(err).Error("Failed to nack delivery.")
	}
}
