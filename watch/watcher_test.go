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
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/edukube/grader/bus"
)

func testWatcher(t *testing.T) (*Watcher, *bus.MemBus) {
	t.Helper()
	b := bus.NewMemBus(time.Minute)
	t.Cleanup(func() { b.Close() })
	w := New(fake.NewSimpleClientset(), "grader", b)
	w.now = func() time.Time { return testNow }
	return w, b
}

// drain acks and returns every event currently on the bus.
func drain(t *testing.T, b *bus.MemBus) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	deliveries, err := b.Deliveries(ctx)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	var states []string
	for d := range deliveries {
		states = append(states, d.Event.State)
		if err := d.Ack(); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	return states
}

func TestObservePublishesLifecycleInOrder(t *testing.T) {
	w, b := testWatcher(t)
	ctx := context.Background()

	pending := testPod(corev1.PodPending)
	pending.Spec.NodeName = "node-1"
	w.observe(ctx, pending, false)
	w.observe(ctx, testPod(corev1.PodRunning), false)
	w.observe(ctx, testPod(corev1.PodSucceeded), false)

	got := drain(t, b)
	want := []string{"SCHEDULED", "RUNNING", "SUCCEEDED"}
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestObserveDropsDuplicatesAndRegressions(t *testing.T) {
	w, b := testWatcher(t)
	ctx := context.Background()

	w.observe(ctx, testPod(corev1.PodRunning), false)
	// A relist replays the same status and an out-of-date one.
	w.observe(ctx, testPod(corev1.PodRunning), false)
	scheduled := testPod(corev1.PodPending)
	scheduled.Spec.NodeName = "node-1"
	w.observe(ctx, scheduled, false)

	if got := drain(t, b); len(got) != 1 || got[0] != "RUNNING" {
		t.Errorf("published %v, want just RUNNING", got)
	}
}

func TestObserveDeletedMidFlight(t *testing.T) {
	w, b := testWatcher(t)
	ctx := context.Background()

	w.observe(ctx, testPod(corev1.PodRunning), false)
	w.observe(ctx, testPod(corev1.PodRunning), true)

	got := drain(t, b)
	if len(got) != 2 || got[1] != "UNKNOWN" {
		t.Errorf("published %v, want RUNNING then UNKNOWN", got)
	}
	if _, tracked := w.seen["pod-uid-1"]; tracked {
		t.Error("deleted pod still tracked in the dedup map")
	}
}

func TestObserveDeletedAfterTerminalIsSilent(t *testing.T) {
	w, b := testWatcher(t)
	ctx := context.Background()

	w.observe(ctx, testPod(corev1.PodSucceeded), false)
	// The cleaner removing the finished pod must not produce a second
	// terminal event, but it does retire the dedup entry.
	w.observe(ctx, testPod(corev1.PodSucceeded), true)

	if got := drain(t, b); len(got) != 1 || got[0] != "SUCCEEDED" {
		t.Errorf("published %v, want just SUCCEEDED", got)
	}
	if len(w.seen) != 0 {
		t.Errorf("dedup map = %v, want empty after deletion", w.seen)
	}
}
