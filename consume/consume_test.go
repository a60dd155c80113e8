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

package consume

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/edukube/grader/bus"
	"github.com/edukube/grader/job"
	"github.com/edukube/grader/jobstore"
)

type fakeUploader struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeUploader) Enqueue(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

func (f *fakeUploader) enqueued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func testStore(t *testing.T) *jobstore.Store {
	t.Helper()
	s, err := jobstore.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func orderedJob(t *testing.T, s *jobstore.Store, id, ref string) {
	t.Helper()
	j := job.New(id, "c1", "e1", "en", job.SubmissionMeta{UploadURL: "http://lms/submit"}, time.Now().UTC())
	j.ContainerState = job.ContainerOrdered
	j.ContainerRef = ref
	if err := s.Create(j); err != nil {
		t.Fatalf("creating job: %v", err)
	}
}

func publish(t *testing.T, b *bus.MemBus, ev job.Event) {
	t.Helper()
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

// runConsumer processes everything currently on the bus and returns
// once the queue stays empty.
func runConsumer(t *testing.T, c *Consumer, wait time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Run(ctx); err != nil {
			t.Errorf("consumer run: %v", err)
		}
	}()
	<-done
}

func meta(ref string) job.EventMeta {
	return job.EventMeta{Phase: "Running", PodName: "grader-abc", PodID: ref}
}

func TestConsumerAppliesOrderedEvents(t *testing.T) {
	s := testStore(t)
	b := bus.NewMemBus(time.Minute)
	defer b.Close()
	up := &fakeUploader{}
	orderedJob(t, s, "sub-1", "pod-uid-1")

	publish(t, b, job.ScheduledEvent(meta("pod-uid-1")))
	publish(t, b, job.RunningEvent(meta("pod-uid-1")))
	publish(t, b, job.CompletedEvent(job.OutcomeSucceeded, meta("pod-uid-1"), job.EventTimes{}))

	runConsumer(t, New(b, s, up), 500*time.Millisecond)

	got, err := s.Get("sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContainerState != job.ContainerCompleted {
		t.Errorf("state = %s, want COMPLETED", got.ContainerState)
	}
	if got.ContainerOutcome != job.OutcomeSucceeded {
		t.Errorf("outcome = %s, want SUCCEEDED", got.ContainerOutcome)
	}
	// Success without a callback result has nothing to upload yet.
	if ids := up.enqueued(); len(ids) != 0 {
		t.Errorf("unexpected uploads scheduled: %v", ids)
	}
}

func TestConsumerExpiredJobGetsDefaultResultAndUpload(t *testing.T) {
	s := testStore(t)
	b := bus.NewMemBus(time.Minute)
	defer b.Close()
	up := &fakeUploader{}
	orderedJob(t, s, "sub-1", "pod-uid-1")

	reason := "DeadlineExceeded"
	ev := job.CompletedEvent(job.OutcomeExpired, job.EventMeta{
		Phase: "Failed", Reason: &reason, PodName: "grader-abc", PodID: "pod-uid-1",
	}, job.EventTimes{})
	publish(t, b, ev)

	runConsumer(t, New(b, s, up), 500*time.Millisecond)

	got, err := s.Get("sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContainerOutcome != job.OutcomeExpired {
		t.Errorf("outcome = %s, want EXPIRED", got.ContainerOutcome)
	}
	if got.Result == nil || !got.Result.Error || got.Result.MaxPoints != 1 || got.Result.Points != 0 {
		t.Errorf("result = %+v, want default failure", got.Result)
	}
	if got.UploadState != job.UploadScheduled {
		t.Errorf("upload state = %s, want SCHEDULED", got.UploadState)
	}
	if ids := up.enqueued(); len(ids) != 1 || ids[0] != "sub-1" {
		t.Errorf("enqueued = %v, want [sub-1]", ids)
	}
}

func TestConsumerDuplicateTerminalEventIsNoOp(t *testing.T) {
	s := testStore(t)
	b := bus.NewMemBus(time.Minute)
	defer b.Close()
	up := &fakeUploader{}
	orderedJob(t, s, "sub-1", "pod-uid-1")

	_, err := s.Update("sub-1", func(j *job.Job) error {
		j.Result = &job.Result{Points: 8, MaxPoints: 10, Feedback: "ok"}
		return nil
	})
	if err != nil {
		t.Fatalf("storing callback result: %v", err)
	}

	terminal := job.CompletedEvent(job.OutcomeSucceeded, meta("pod-uid-1"), job.EventTimes{})
	publish(t, b, terminal)
	publish(t, b, terminal)

	runConsumer(t, New(b, s, up), 500*time.Millisecond)

	got, err := s.Get("sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Result.Points != 8 {
		t.Errorf("points = %d, want 8", got.Result.Points)
	}
	// Exactly one upload scheduled despite the duplicate.
	if ids := up.enqueued(); len(ids) != 1 {
		t.Errorf("enqueued = %v, want exactly one", ids)
	}
}

func TestConsumerSchedulesUploadForAlreadyCompletedJob(t *testing.T) {
	s := testStore(t)
	b := bus.NewMemBus(time.Minute)
	defer b.Close()
	up := &fakeUploader{}

	// A failed dispatch records the terminal state itself and then
	// publishes a completion event carrying the job id as correlation.
	// The transition is stale by the time it arrives, but the upload
	// handoff still has to happen.
	j := job.New("sub-1", "c1", "e1", "en", job.SubmissionMeta{UploadURL: "http://lms/submit"}, time.Now().UTC())
	j.ContainerState = job.ContainerCompleted
	j.ContainerOutcome = job.OutcomeUnknown
	j.ContainerRef = "sub-1"
	j.Result = job.DefaultFailureResult()
	if err := s.Create(j); err != nil {
		t.Fatalf("creating job: %v", err)
	}

	reason := "pods is forbidden"
	publish(t, b, job.CompletedEvent(job.OutcomeUnknown, job.EventMeta{
		Phase: "DispatchFailed", Reason: &reason, PodID: "sub-1",
	}, job.EventTimes{}))

	runConsumer(t, New(b, s, up), 500*time.Millisecond)

	got, err := s.Get("sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UploadState != job.UploadScheduled {
		t.Errorf("upload state = %s, want SCHEDULED", got.UploadState)
	}
	if ids := up.enqueued(); len(ids) != 1 || ids[0] != "sub-1" {
		t.Errorf("enqueued = %v, want [sub-1]", ids)
	}
}

func TestConsumerDropsUnknownContainer(t *testing.T) {
	s := testStore(t)
	b := bus.NewMemBus(time.Minute)
	defer b.Close()
	up := &fakeUploader{}

	publish(t, b, job.RunningEvent(meta("pod-uid-ghost")))

	runConsumer(t, New(b, s, up), 500*time.Millisecond)

	// The message must be gone, not redelivered forever.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	deliveries, err := b.Deliveries(ctx)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if d, ok := <-deliveries; ok {
		t.Errorf("unexpected redelivery of %q", d.CorrelationID)
	}
}
