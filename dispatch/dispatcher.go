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

// Package dispatch turns grading jobs into cluster workloads.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	corev1client "k8s.io/client-go/kubernetes/typed/core/v1"

	"github.com/edukube/grader/bus"
	"github.com/edukube/grader/catalog"
	"github.com/edukube/grader/config"
	"github.com/edukube/grader/job"
	"github.com/edukube/grader/jobstore"
)

// Dispatcher submits grading pods. Dispatch is at-most-once per job: a
// job that already left CREATED is refused.
type Dispatcher struct {
	pods  corev1client.PodInterface
	store *jobstore.Store
	bus   bus.Publisher
	cfg   config.Getter
	log   *logrus.Entry
}

// New wires a dispatcher against the grading namespace.
func New(client kubernetes.Interface, store *jobstore.Store, publisher bus.Publisher, cfg config.Getter) *Dispatcher {
	return &Dispatcher{
		pods:  client.CoreV1().Pods(cfg().Namespace),
		store: store,
		bus:   publisher,
		cfg:   cfg,
		log:   logrus.NewEntry(logrus.StandardLogger()).WithField("component", "dispatch"),
	}
}

// Dispatch builds and submits the pod for a CREATED job. On success the
// job advances to ORDERED with the pod UID as its container ref. A
// submit failure completes the job with outcome UNKNOWN and publishes a
// synthetic terminal event so the downstream path stays uniform.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string, course *catalog.Course, ex *catalog.Exercise) error {
	j, err := d.store.Get(jobID)
	if err != nil {
		return err
	}
	if j.ContainerState != job.ContainerCreated {
		return fmt.Errorf("%w: job %s already dispatched (state %s)", job.ErrIllegalTransition, jobID, j.ContainerState)
	}
	log := d.log.WithField("job", jobID)

	pod, err := BuildPod(j, course, ex, d.cfg())
	if err != nil {
		log.WithError(err).Error("Exercise container config is unusable.")
		return d.failDispatch(ctx, j, err)
	}

	created, err := d.pods.Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		log.WithError(err).Warning("Pod create failed.")
		dispatchMetrics.results.WithLabelValues(resultError).Inc()
		return d.failDispatch(ctx, j, err)
	}

	ref := string(created.UID)
	_, err = d.store.Update(jobID, func(cur *job.Job) error {
		cur.ContainerRef = ref
		cur.ContainerState = job.ContainerOrdered
		return nil
	})
	if err != nil {
		if errors.Is(err, jobstore.ErrConflict) {
			// A second live job claims the same pod UID. That cannot
			// come from normal operation; scream for an operator.
			log.WithError(err).WithField("container_ref", ref).
				Error("Duplicate container ref, refusing to track pod.")
		}
		return fmt.Errorf("recording dispatch of job %s: %w", jobID, err)
	}

	dispatchMetrics.results.WithLabelValues(resultOK).Inc()
	log.WithField("pod", created.Name).WithField("container_ref", ref).Info("Ordered grading pod.")
	return nil
}

// failDispatch completes the job as UNKNOWN with a zero-point result and
// hands the consumer a synthetic terminal event carrying the job id as
// correlation, the same shape a real pod event would have.
func (d *Dispatcher) failDispatch(ctx context.Context, j *job.Job, cause error) error {
	reason := cause.Error()
	_, err := d.store.Update(j.ID, func(cur *job.Job) error {
		cur.ContainerRef = j.ID
		cur.ContainerState = job.ContainerCompleted
		cur.ContainerOutcome = job.OutcomeUnknown
		if cur.Result == nil {
			cur.Result = job.DefaultFailureResult()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording dispatch failure of job %s: %w", j.ID, err)
	}

	ev := job.CompletedEvent(job.OutcomeUnknown, job.EventMeta{
		Phase:  "DispatchFailed",
		Reason: &reason,
		PodID:  j.ID,
	}, job.EventTimes{})
	if err := d.bus.Publish(ctx, ev); err != nil {
		// The job record already holds the failure; the uploader's
		// scheduler will deliver the result even without the event.
		d.log.WithError(err).WithField("job", j.ID).
			Warning("Could not publish synthetic completion event.")
	}
	return nil
}
