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

package job

import (
	"errors"
	"fmt"
)

// ErrStaleEvent marks an event that does not advance the container state:
// either a duplicate of the last observed transition or one that arrived
// out of order. Consumers treat it as a no-op.
var ErrStaleEvent = errors.New("event does not advance container state")

// ErrIllegalTransition marks a mutation that would violate the state
// machine ordering.
var ErrIllegalTransition = errors.New("illegal state transition")

// DefaultFailureResult is recorded for containers that reached a
// non-successful terminal state without delivering a result through the
// callback endpoint. The attempt is still graded, with zero points.
func DefaultFailureResult() *Result {
	return &Result{Points: 0, MaxPoints: 1, Feedback: "", Error: true}
}

// ApplyTransition advances the job according to a normalized lifecycle
// event. It is the single place container state, outcome and timing are
// written from events, and is meant to run inside the store's update
// guard.
//
// Skipping forward is allowed (a pod may die before its SCHEDULED event
// is observed), moving backward is not. A duplicate or out-of-order
// event returns ErrStaleEvent and leaves the job untouched.
func ApplyTransition(j *Job, ev Event) error {
	target, err := ev.TargetState()
	if err != nil {
		return err
	}
	if !j.ContainerState.Before(target) {
		return fmt.Errorf("%w: %s -> %s", ErrStaleEvent, j.ContainerState, target)
	}

	j.ContainerState = target
	if outcome, terminal := ev.Outcome(); terminal {
		j.ContainerOutcome = outcome
		j.PodName = ev.Meta.PodName
		j.Timing = ev.Timing()
		if j.Result == nil && outcome != OutcomeSucceeded {
			// The container died without calling back. Grade the
			// attempt as failed so the upstream still hears about it.
			j.Result = DefaultFailureResult()
		}
	}
	return nil
}

// Validate checks a proposed successor record against the current one,
// enforcing the monotonicity rules and key immutability. The store runs
// it after every mutator.
func Validate(old, new *Job) error {
	if old.ID != new.ID || old.CourseKey != new.CourseKey ||
		old.ExerciseKey != new.ExerciseKey || old.Lang != new.Lang {
		return fmt.Errorf("%w: immutable keys changed", ErrIllegalTransition)
	}
	if new.ContainerState.rank() < 0 {
		return fmt.Errorf("%w: unknown container state %q", ErrIllegalTransition, new.ContainerState)
	}
	if new.ContainerState.Before(old.ContainerState) {
		return fmt.Errorf("%w: container state %s -> %s", ErrIllegalTransition, old.ContainerState, new.ContainerState)
	}
	if old.ContainerRef != "" && new.ContainerRef != old.ContainerRef {
		return fmt.Errorf("%w: container ref rewritten", ErrIllegalTransition)
	}
	if !old.UploadState.CanTransitionTo(new.UploadState) {
		return fmt.Errorf("%w: upload state %s -> %s", ErrIllegalTransition, old.UploadState, new.UploadState)
	}
	if new.UploadAttempt < old.UploadAttempt {
		return fmt.Errorf("%w: upload attempt decreased", ErrIllegalTransition)
	}
	return nil
}
