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

// Package job defines the grading job record and its state machine.
package job

import (
	"time"
)

// ContainerState tracks a job's progress through the cluster.
type ContainerState string

const (
	// ContainerCreated means the submission was accepted but not yet
	// handed to the cluster.
	ContainerCreated ContainerState = "CREATED"
	// ContainerOrdered means the pod create call succeeded.
	ContainerOrdered ContainerState = "ORDERED"
	// ContainerScheduled means the cluster assigned the pod a node.
	ContainerScheduled ContainerState = "SCHEDULED"
	// ContainerRunning means init finished and the grade step started.
	ContainerRunning ContainerState = "RUNNING"
	// ContainerCompleted is terminal, successful or not.
	ContainerCompleted ContainerState = "COMPLETED"
)

// rank orders the states for monotonicity checks. Unknown states rank
// below CREATED so they can never overwrite anything.
func (s ContainerState) rank() int {
	switch s {
	case ContainerCreated:
		return 0
	case ContainerOrdered:
		return 1
	case ContainerScheduled:
		return 2
	case ContainerRunning:
		return 3
	case ContainerCompleted:
		return 4
	}
	return -1
}

// Before reports whether s is strictly earlier than other in the
// CREATED < ORDERED < SCHEDULED < RUNNING < COMPLETED order.
func (s ContainerState) Before(other ContainerState) bool {
	return s.rank() < other.rank()
}

// Terminal reports whether no further container transitions are legal.
func (s ContainerState) Terminal() bool {
	return s == ContainerCompleted
}

// Outcome is the normalized terminal status of the grading container.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeCrashed   Outcome = "CRASHED"
	OutcomeExpired   Outcome = "EXPIRED"
	OutcomeUnknown   Outcome = "UNKNOWN"
)

// UploadState tracks delivery of the grading result to the upstream
// learning-management system.
type UploadState string

const (
	UploadPending   UploadState = "PENDING"
	UploadScheduled UploadState = "SCHEDULED"
	UploadSucceeded UploadState = "SUCCEEDED"
	UploadFailed    UploadState = "FAILED"
)

// legalUploadTransitions holds the allowed upload state edges. FAILED
// may re-enter SCHEDULED for a retry.
var legalUploadTransitions = map[UploadState][]UploadState{
	UploadPending:   {UploadScheduled},
	UploadScheduled: {UploadSucceeded, UploadFailed},
	UploadFailed:    {UploadScheduled},
}

// CanTransitionTo reports whether the upload state may move to next.
func (s UploadState) CanTransitionTo(next UploadState) bool {
	if s == next {
		return true
	}
	for _, t := range legalUploadTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// SubmissionMeta carries the per-submission context that is not part of
// the immutable course/exercise reference.
type SubmissionMeta struct {
	// UserIDs identifies the submitting learners, newest format is a
	// dash-joined list of LMS user ids.
	UserIDs string `json:"uids"`
	// PersonalizedDir points at the pre-generated exercise variant
	// selected for these learners, empty when not personalized.
	PersonalizedDir string `json:"personalized_exercise,omitempty"`
	// WorkspaceDir is the submission workspace owned by this job.
	WorkspaceDir string `json:"dir"`
	// UploadURL is where the grading outcome is POSTed.
	UploadURL string `json:"url"`
}

// Result is the grading outcome pushed from inside the container, or
// synthesized for containers that died without reporting.
type Result struct {
	Points      int    `json:"points"`
	MaxPoints   int    `json:"max_points"`
	Feedback    string `json:"feedback"`
	Error       bool   `json:"error,omitempty"`
	GradingData string `json:"grading_data,omitempty"`
}

// Timing holds the container lifecycle timestamps extracted from the
// terminal pod status.
type Timing struct {
	Started   *time.Time `json:"started"`
	InitStart *time.Time `json:"init_start"`
	InitEnd   *time.Time `json:"init_end"`
	MainStart *time.Time `json:"main_start"`
	MainEnd   *time.Time `json:"main_end"`
}

// Job is a single grading attempt with durable state. The id doubles as
// the cluster correlation token and the bearer credential for the
// container callback endpoint.
type Job struct {
	ID string `json:"id"`

	// Immutable references into the course catalog.
	CourseKey   string `json:"course_key"`
	ExerciseKey string `json:"exercise_key"`
	Lang        string `json:"lang"`

	SubmissionMeta SubmissionMeta `json:"submission_meta"`

	// ContainerRef is the cluster-assigned workload id (the pod UID),
	// unique across live jobs. Empty until the job is ORDERED.
	ContainerRef     string         `json:"container_ref,omitempty"`
	ContainerState   ContainerState `json:"container_state"`
	ContainerOutcome Outcome        `json:"container_outcome,omitempty"`
	// PodName is kept from the terminal event for operators and the
	// retention sweep.
	PodName string `json:"pod_name,omitempty"`
	Timing  Timing `json:"timing"`

	Result *Result `json:"result_payload,omitempty"`

	UploadState        UploadState `json:"upload_state"`
	UploadAttempt      int         `json:"upload_attempt"`
	UploadCode         int         `json:"upload_code"`
	UploadStateUpdated time.Time   `json:"upload_state_updated"`
	UploadAt           time.Time   `json:"upload_at"`

	Created time.Time `json:"created"`
}

// New returns a Job in CREATED with upload delivery PENDING.
func New(id, courseKey, exerciseKey, lang string, meta SubmissionMeta, now time.Time) *Job {
	return &Job{
		ID:                 id,
		CourseKey:          courseKey,
		ExerciseKey:        exerciseKey,
		Lang:               lang,
		SubmissionMeta:     meta,
		ContainerState:     ContainerCreated,
		UploadState:        UploadPending,
		UploadStateUpdated: now,
		Created:            now,
	}
}

// SetUploadState moves the upload state and stamps UploadStateUpdated
// whenever the value actually changes. This is the single place the
// timestamp is computed.
func (j *Job) SetUploadState(s UploadState, now time.Time) {
	if j.UploadState == s {
		return
	}
	j.UploadState = s
	j.UploadStateUpdated = now
}

// RecordUploadCode stores the HTTP status of an upload attempt,
// incrementing the attempt counter and stamping UploadAt.
func (j *Job) RecordUploadCode(code int, now time.Time) {
	j.UploadCode = code
	j.UploadAttempt++
	j.UploadAt = now
}

// ReadyForUpload reports whether the upstream delivery may be attempted:
// the container finished and a result payload exists.
func (j *Job) ReadyForUpload() bool {
	return j.ContainerState == ContainerCompleted && j.Result != nil
}

// DeepCopy returns a copy that shares no mutable state with j.
func (j *Job) DeepCopy() *Job {
	out := *j
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	out.Timing = Timing{
		Started:   copyTime(j.Timing.Started),
		InitStart: copyTime(j.Timing.InitStart),
		InitEnd:   copyTime(j.Timing.InitEnd),
		MainStart: copyTime(j.Timing.MainStart),
		MainEnd:   copyTime(j.Timing.MainEnd),
	}
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
