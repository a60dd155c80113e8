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

package watch

import (
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/edukube/grader/job"
)

// Phase ranks order the normalized lifecycle so duplicates and
// out-of-order pod updates can be dropped per pod.
const (
	rankNone = iota
	rankScheduled
	rankRunning
	rankCompleted
)

// reasonDeadline is what the kubelet reports when the pod blew its
// activeDeadlineSeconds.
const reasonDeadline = "DeadlineExceeded"

// Normalize derives the most advanced lifecycle event visible in the
// pod's current status, with its rank. ok is false while the pod has
// not even been scheduled yet.
func Normalize(pod *corev1.Pod, now time.Time) (ev job.Event, rank int, ok bool) {
	meta := job.EventMeta{
		Phase:   string(pod.Status.Phase),
		Reason:  optional(pod.Status.Reason),
		PodName: pod.ObjectMeta.Name,
		PodID:   string(pod.ObjectMeta.UID),
	}

	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return job.CompletedEvent(job.OutcomeSucceeded, meta, timesOf(pod, now)), rankCompleted, true
	case corev1.PodFailed:
		outcome := job.OutcomeCrashed
		if pod.Status.Reason == reasonDeadline {
			outcome = job.OutcomeExpired
		}
		return job.CompletedEvent(outcome, meta, timesOf(pod, now)), rankCompleted, true
	case corev1.PodRunning:
		return job.RunningEvent(meta), rankRunning, true
	case corev1.PodPending:
		if pod.Spec.NodeName != "" {
			return job.ScheduledEvent(meta), rankScheduled, true
		}
		return job.Event{}, rankNone, false
	}
	// PodUnknown and anything new the API invents: terminal only if the
	// pod is going away, which Deleted handles separately.
	return job.Event{}, rankNone, false
}

// NormalizeDeleted builds the terminal event for a pod that vanished
// before reaching a terminal phase.
func NormalizeDeleted(pod *corev1.Pod, now time.Time) job.Event {
	meta := job.EventMeta{
		Phase:   string(pod.Status.Phase),
		Reason:  optional("Deleted"),
		PodName: pod.ObjectMeta.Name,
		PodID:   string(pod.ObjectMeta.UID),
	}
	return job.CompletedEvent(job.OutcomeUnknown, meta, timesOf(pod, now))
}

// timesOf extracts the lifecycle timing the grader cares about: pod
// start, the window covered by the download init step, and the window
// covered by the grade step. A still-running main container gets "now"
// as its end.
func timesOf(pod *corev1.Pod, now time.Time) job.EventTimes {
	var started *time.Time
	if pod.Status.StartTime != nil {
		t := pod.Status.StartTime.Time
		started = &t
	}

	var initStart, initEnd *time.Time
	for _, cs := range pod.Status.InitContainerStatuses {
		term := cs.State.Terminated
		if term == nil {
			continue
		}
		initStart = earliest(initStart, term.StartedAt.Time)
		initEnd = latest(initEnd, term.FinishedAt.Time)
	}

	var mainStart, mainEnd *time.Time
	for _, cs := range pod.Status.ContainerStatuses {
		switch {
		case cs.State.Terminated != nil:
			mainStart = earliest(mainStart, cs.State.Terminated.StartedAt.Time)
			mainEnd = latest(mainEnd, cs.State.Terminated.FinishedAt.Time)
		case cs.State.Running != nil:
			mainStart = earliest(mainStart, cs.State.Running.StartedAt.Time)
			mainEnd = latest(mainEnd, now)
		}
	}

	return job.EventTimes{
		Started:   job.Stamp(started),
		InitStart: job.Stamp(initStart),
		InitEnd:   job.Stamp(initEnd),
		MainStart: job.Stamp(mainStart),
		MainEnd:   job.Stamp(mainEnd),
	}
}

func earliest(cur *time.Time, t time.Time) *time.Time {
	if t.IsZero() {
		return cur
	}
	if cur == nil || t.Before(*cur) {
		return &t
	}
	return cur
}

func latest(cur *time.Time, t time.Time) *time.Time {
	if t.IsZero() {
		return cur
	}
	if cur == nil || t.After(*cur) {
		return &t
	}
	return cur
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
