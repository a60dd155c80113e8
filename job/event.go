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
	"encoding/json"
	"fmt"
	"time"
)

// Event is a normalized pod lifecycle event as it crosses the bus.
// State is "SCHEDULED" or "RUNNING" for intermediate transitions and
// one of the Outcome values for the terminal one.
type Event struct {
	State string     `json:"state"`
	Meta  EventMeta  `json:"meta"`
	Times EventTimes `json:"times"`
}

// EventMeta mirrors the pod identity the event was derived from.
type EventMeta struct {
	Phase   string  `json:"phase"`
	Reason  *string `json:"reason"`
	PodName string  `json:"pod_name"`
	PodID   string  `json:"pod_id"`
}

// EventTimes carries the lifecycle timestamps as ISO-8601 strings, null
// when unobserved.
type EventTimes struct {
	Started   *string `json:"started"`
	InitStart *string `json:"init_start"`
	InitEnd   *string `json:"init_end"`
	MainStart *string `json:"main_start"`
	MainEnd   *string `json:"main_end"`
}

const (
	eventScheduled = "SCHEDULED"
	eventRunning   = "RUNNING"
)

// ScheduledEvent builds the intermediate event for a pod that got a host.
func ScheduledEvent(meta EventMeta) Event {
	return Event{State: eventScheduled, Meta: meta}
}

// RunningEvent builds the intermediate event for a pod whose grade step
// started.
func RunningEvent(meta EventMeta) Event {
	return Event{State: eventRunning, Meta: meta}
}

// CompletedEvent builds the terminal event carrying the normalized
// outcome and the observed timing.
func CompletedEvent(outcome Outcome, meta EventMeta, times EventTimes) Event {
	return Event{State: string(outcome), Meta: meta, Times: times}
}

// TargetState maps the event onto the container state it advances the
// job to.
func (e Event) TargetState() (ContainerState, error) {
	switch e.State {
	case eventScheduled:
		return ContainerScheduled, nil
	case eventRunning:
		return ContainerRunning, nil
	case string(OutcomeSucceeded), string(OutcomeCrashed), string(OutcomeExpired), string(OutcomeUnknown):
		return ContainerCompleted, nil
	}
	return "", fmt.Errorf("unrecognized event state %q", e.State)
}

// Outcome returns the terminal outcome and whether the event is terminal.
func (e Event) Outcome() (Outcome, bool) {
	switch o := Outcome(e.State); o {
	case OutcomeSucceeded, OutcomeCrashed, OutcomeExpired, OutcomeUnknown:
		return o, true
	}
	return "", false
}

// Timing decodes the event timestamps back into time values. Malformed
// strings are treated as unobserved rather than failing the whole event.
func (e Event) Timing() Timing {
	return Timing{
		Started:   parseStamp(e.Times.Started),
		InitStart: parseStamp(e.Times.InitStart),
		InitEnd:   parseStamp(e.Times.InitEnd),
		MainStart: parseStamp(e.Times.MainStart),
		MainEnd:   parseStamp(e.Times.MainEnd),
	}
}

func parseStamp(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}

// Stamp formats a time for the wire, nil in for nil out.
func Stamp(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

// Marshal encodes the event for the bus.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent decodes a bus payload.
func UnmarshalEvent(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	if _, err := e.TargetState(); err != nil {
		return Event{}, err
	}
	return e, nil
}
