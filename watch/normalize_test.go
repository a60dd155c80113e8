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
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/edukube/grader/job"
)

var testNow = time.Date(2023, 4, 1, 12, 30, 0, 0, time.UTC)

func testPod(phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: "grader-abc",
			UID:  types.UID("pod-uid-1"),
		},
		Status: corev1.PodStatus{Phase: phase},
	}
}

func TestNormalizePhases(t *testing.T) {
	var testCases = []struct {
		name        string
		pod         *corev1.Pod
		wantOK      bool
		wantState   string
		wantRank    int
		wantOutcome job.Outcome
	}{
		{
			name:   "pending without node is silent",
			pod:    testPod(corev1.PodPending),
			wantOK: false,
		},
		{
			name: "pending with node is scheduled",
			pod: func() *corev1.Pod {
				p := testPod(corev1.PodPending)
				p.Spec.NodeName = "node-1"
				return p
			}(),
			wantOK:    true,
			wantState: "SCHEDULED",
			wantRank:  rankScheduled,
		},
		{
			name:      "running",
			pod:       testPod(corev1.PodRunning),
			wantOK:    true,
			wantState: "RUNNING",
			wantRank:  rankRunning,
		},
		{
			name:        "succeeded",
			pod:         testPod(corev1.PodSucceeded),
			wantOK:      true,
			wantState:   "SUCCEEDED",
			wantRank:    rankCompleted,
			wantOutcome: job.OutcomeSucceeded,
		},
		{
			name:        "failed is crashed",
			pod:         testPod(corev1.PodFailed),
			wantOK:      true,
			wantState:   "CRASHED",
			wantRank:    rankCompleted,
			wantOutcome: job.OutcomeCrashed,
		},
		{
			name: "deadline exceeded is expired",
			pod: func() *corev1.Pod {
				p := testPod(corev1.PodFailed)
				p.Status.Reason = "DeadlineExceeded"
				return p
			}(),
			wantOK:      true,
			wantState:   "EXPIRED",
			wantRank:    rankCompleted,
			wantOutcome: job.OutcomeExpired,
		},
		{
			name:   "unknown phase is silent",
			pod:    testPod(corev1.PodUnknown),
			wantOK: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ev, rank, ok := Normalize(tc.pod, testNow)
			if ok != tc.wantOK {
				t.Fatalf("ok = %t, want %t", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if ev.State != tc.wantState {
				t.Errorf("state = %q, want %q", ev.State, tc.wantState)
			}
			if rank != tc.wantRank {
				t.Errorf("rank = %d, want %d", rank, tc.wantRank)
			}
			if ev.Meta.PodID != "pod-uid-1" || ev.Meta.PodName != "grader-abc" {
				t.Errorf("meta = %+v", ev.Meta)
			}
			if tc.wantOutcome != "" {
				outcome, terminal := ev.Outcome()
				if !terminal || outcome != tc.wantOutcome {
					t.Errorf("outcome = %s/%t, want %s", outcome, terminal, tc.wantOutcome)
				}
			}
		})
	}
}

func TestNormalizeTiming(t *testing.T) {
	started := metav1.NewTime(testNow.Add(-10 * time.Minute))
	initStart := metav1.NewTime(testNow.Add(-9 * time.Minute))
	initEnd := metav1.NewTime(testNow.Add(-8 * time.Minute))
	mainStart := metav1.NewTime(testNow.Add(-7 * time.Minute))
	mainEnd := metav1.NewTime(testNow.Add(-1 * time.Minute))

	pod := testPod(corev1.PodSucceeded)
	pod.Status.StartTime = &started
	pod.Status.InitContainerStatuses = []corev1.ContainerStatus{{
		Name: "download",
		State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
			StartedAt:  initStart,
			FinishedAt: initEnd,
		}},
	}}
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
		Name: "grade",
		State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
			StartedAt:  mainStart,
			FinishedAt: mainEnd,
		}},
	}}

	ev, _, ok := Normalize(pod, testNow)
	if !ok {
		t.Fatal("expected a terminal event")
	}
	timing := ev.Timing()
	checks := []struct {
		name string
		got  *time.Time
		want time.Time
	}{
		{"started", timing.Started, started.Time},
		{"init start", timing.InitStart, initStart.Time},
		{"init end", timing.InitEnd, initEnd.Time},
		{"main start", timing.MainStart, mainStart.Time},
		{"main end", timing.MainEnd, mainEnd.Time},
	}
	for _, c := range checks {
		if c.got == nil || !c.got.Equal(c.want) {
			t.Errorf("%s = %v, want %s", c.name, c.got, c.want)
		}
	}
}

func TestNormalizeRunningMainGetsNowAsEnd(t *testing.T) {
	mainStart := metav1.NewTime(testNow.Add(-2 * time.Minute))
	pod := testPod(corev1.PodFailed)
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
		Name: "grade",
		State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{
			StartedAt: mainStart,
		}},
	}}

	ev, _, _ := Normalize(pod, testNow)
	timing := ev.Timing()
	if timing.MainEnd == nil || !timing.MainEnd.Equal(testNow) {
		t.Errorf("main end = %v, want %s", timing.MainEnd, testNow)
	}
}

func TestNormalizeDeleted(t *testing.T) {
	pod := testPod(corev1.PodRunning)
	ev := NormalizeDeleted(pod, testNow)
	outcome, terminal := ev.Outcome()
	if !terminal || outcome != job.OutcomeUnknown {
		t.Errorf("outcome = %s/%t, want UNKNOWN", outcome, terminal)
	}
	if ev.Meta.Reason == nil || *ev.Meta.Reason != "Deleted" {
		t.Errorf("reason = %v", ev.Meta.Reason)
	}
}
