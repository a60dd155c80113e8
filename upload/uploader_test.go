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

package upload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/edukube/grader/catalog"
	"github.com/edukube/grader/config"
	"github.com/edukube/grader/job"
	"github.com/edukube/grader/jobstore"
	"github.com/edukube/grader/workspace"
)

// upstream is a fake LMS endpoint that serves a scripted sequence of
// status codes and records every form it receives.
type upstream struct {
	mu    sync.Mutex
	codes []int
	forms []url.Values
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u.forms = append(u.forms, r.PostForm)
	code := http.StatusOK
	if len(u.codes) > 0 {
		code, u.codes = u.codes[0], u.codes[1:]
	}
	w.WriteHeader(code)
}

func (u *upstream) requests() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.forms)
}

func (u *upstream) form(i int) url.Values {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.forms[i]
}

func testConfig() config.Getter {
	c := &config.Config{
		GraderHost:    "https://grader.example.com",
		CoursesDir:    "unused",
		WorkspaceRoot: "unused",
		StorePath:     "unused",
	}
	c.Default()
	c.UploadWorkers = 1
	c.UploadRetryCeiling = 4
	c.UploadBackoffBase.Duration = time.Millisecond
	c.UploadBackoffCap.Duration = 10 * time.Millisecond
	return func() *config.Config { return c }
}

func testUploader(t *testing.T, cfg config.Getter) (*Uploader, *jobstore.Store, *workspace.Manager) {
	t.Helper()
	dir := t.TempDir()
	s, err := jobstore.Open(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	spaces, err := workspace.NewManager(filepath.Join(dir, "work"))
	if err != nil {
		t.Fatalf("workspace manager: %v", err)
	}
	cat, err := catalog.Load(t.TempDir())
	if err != nil {
		t.Fatalf("loading empty catalog: %v", err)
	}
	return New(s, cat, spaces, cfg), s, spaces
}

func completedJob(t *testing.T, s *jobstore.Store, spaces *workspace.Manager, id, target string, res job.Result) {
	t.Helper()
	j := job.New(id, "c1", "e1", "en", job.SubmissionMeta{UploadURL: target}, time.Now().UTC())
	j.ContainerState = job.ContainerCompleted
	j.ContainerOutcome = job.OutcomeSucceeded
	j.Result = &res
	if err := s.Create(j); err != nil {
		t.Fatalf("creating job: %v", err)
	}
	if _, err := spaces.Create(id, map[string][]byte{"main.py": []byte("print(1)")}, workspace.Meta{URL: target}); err != nil {
		t.Fatalf("creating workspace: %v", err)
	}
}

// waitForUpload polls until the job leaves SCHEDULED/PENDING or the
// deadline passes.
func waitForUpload(t *testing.T, s *jobstore.Store, id string, want job.UploadState) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := s.Get(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if j.UploadState == want {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	j, _ := s.Get(id)
	t.Fatalf("job %s never reached %s, stuck at %s after %d attempts", id, want, j.UploadState, j.UploadAttempt)
	return nil
}

func TestUploaderRetriesTransientFailures(t *testing.T) {
	up := &upstream{codes: []int{503, 503, 200}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	u, s, spaces := testUploader(t, testConfig())
	completedJob(t, s, spaces, "sub-1", srv.URL, job.Result{Points: 8, MaxPoints: 10, Feedback: "nice"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); u.Run(ctx) }()

	u.Enqueue("sub-1")
	got := waitForUpload(t, s, "sub-1", job.UploadSucceeded)
	cancel()
	<-done

	if got.UploadAttempt != 3 {
		t.Errorf("attempts = %d, want 3", got.UploadAttempt)
	}
	if got.UploadCode != 200 {
		t.Errorf("final code = %d, want 200", got.UploadCode)
	}
	if spaces.Exists("sub-1") {
		t.Error("workspace survived a successful upload")
	}
	form := up.form(2)
	if form.Get("points") != "8" || form.Get("max_points") != "10" || form.Get("feedback") != "nice" {
		t.Errorf("unexpected form %v", form)
	}
	if _, present := form["error"]; present {
		t.Error("error flag sent for a clean result")
	}
}

func TestUploaderStopsOnRejection(t *testing.T) {
	up := &upstream{codes: []int{400}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	u, s, spaces := testUploader(t, testConfig())
	completedJob(t, s, spaces, "sub-1", srv.URL, job.Result{Points: 0, MaxPoints: 1, Error: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); u.Run(ctx) }()

	u.Enqueue("sub-1")
	got := waitForUpload(t, s, "sub-1", job.UploadFailed)

	// Give any wrongly-scheduled retry a chance to fire.
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if got.UploadAttempt != 1 {
		t.Errorf("attempts = %d, want 1", got.UploadAttempt)
	}
	if n := up.requests(); n != 1 {
		t.Errorf("upstream saw %d requests, want 1", n)
	}
	if !spaces.Exists("sub-1") {
		t.Error("workspace of an undelivered result was deleted")
	}
	if form := up.form(0); form.Get("error") != "true" {
		t.Errorf("error flag missing from %v", form)
	}
}

func TestUploaderGivesUpAtCeiling(t *testing.T) {
	up := &upstream{codes: []int{503, 503, 503, 503, 503, 503}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	u, s, spaces := testUploader(t, testConfig())
	completedJob(t, s, spaces, "sub-1", srv.URL, job.Result{Points: 1, MaxPoints: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); u.Run(ctx) }()

	u.Enqueue("sub-1")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := s.Get("sub-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if j.UploadAttempt >= 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	got, err := s.Get("sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UploadAttempt != 4 {
		t.Errorf("attempts = %d, want ceiling of 4", got.UploadAttempt)
	}
	if got.UploadState != job.UploadFailed {
		t.Errorf("upload state = %s, want FAILED", got.UploadState)
	}
	if !spaces.Exists("sub-1") {
		t.Error("workspace deleted despite failed delivery")
	}
}

func TestUploaderRendersFeedbackTemplate(t *testing.T) {
	up := &upstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	coursesDir := t.TempDir()
	courseDir := filepath.Join(coursesDir, "c1")
	if err := os.MkdirAll(courseDir, 0755); err != nil {
		t.Fatal(err)
	}
	index := `
name: Test Course
exercises:
  - key: e1
    title: Exercise One
    feedback_template: feedback.html
`
	if err := os.WriteFile(filepath.Join(courseDir, "index.yaml"), []byte(index), 0644); err != nil {
		t.Fatal(err)
	}
	tmpl := `<p>{{.Points}}/{{.MaxPoints}}</p><pre>{{.Out}}</pre>`
	if err := os.WriteFile(filepath.Join(courseDir, "feedback.html"), []byte(tmpl), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	u, s, spaces := testUploader(t, cfg)
	cat, err := catalog.Load(coursesDir)
	if err != nil {
		t.Fatalf("loading catalog: %v", err)
	}
	u.cat = cat
	completedJob(t, s, spaces, "sub-1", srv.URL, job.Result{Points: 8, MaxPoints: 10, Feedback: "raw output"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); u.Run(ctx) }()

	u.Enqueue("sub-1")
	waitForUpload(t, s, "sub-1", job.UploadSucceeded)
	cancel()
	<-done

	if got, want := up.form(0).Get("feedback"), "<p>8/10</p><pre>raw output</pre>"; got != want {
		t.Errorf("feedback = %q, want %q", got, want)
	}
}

func TestPollRequeuesStaleClaims(t *testing.T) {
	u, s, spaces := testUploader(t, testConfig())
	completedJob(t, s, spaces, "sub-1", "http://unused", job.Result{Points: 1, MaxPoints: 1})

	claimed := time.Now().UTC()
	_, err := s.Update("sub-1", func(j *job.Job) error {
		j.SetUploadState(job.UploadScheduled, claimed)
		return nil
	})
	if err != nil {
		t.Fatalf("claiming: %v", err)
	}

	// A fresh claim stays out of the queue.
	u.now = func() time.Time { return claimed.Add(time.Minute) }
	u.poll(context.Background())
	if n := u.queue.Len(); n != 0 {
		t.Fatalf("queue length = %d after polling fresh claim, want 0", n)
	}

	// After the staleness window the claim is treated as orphaned.
	u.now = func() time.Time { return claimed.Add(claimStaleAfter + time.Minute) }
	u.poll(context.Background())
	if n := u.queue.Len(); n != 1 {
		t.Fatalf("queue length = %d after polling stale claim, want 1", n)
	}
}

func TestPollSkipsExhaustedFailures(t *testing.T) {
	u, s, spaces := testUploader(t, testConfig())

	// A permanent rejection must not come back.
	completedJob(t, s, spaces, "rejected", "http://unused", job.Result{Points: 1, MaxPoints: 1})
	// A transient failure below the ceiling must.
	completedJob(t, s, spaces, "transient", "http://unused", job.Result{Points: 1, MaxPoints: 1})

	fail := func(id string, code int) {
		_, err := s.Update(id, func(j *job.Job) error {
			j.SetUploadState(job.UploadScheduled, time.Now())
			return nil
		})
		if err != nil {
			t.Fatalf("claiming %s: %v", id, err)
		}
		_, err = s.Update(id, func(j *job.Job) error {
			j.RecordUploadCode(code, time.Now())
			j.SetUploadState(job.UploadFailed, time.Now())
			return nil
		})
		if err != nil {
			t.Fatalf("failing %s: %v", id, err)
		}
	}
	fail("rejected", 400)
	fail("transient", 503)

	u.poll(context.Background())
	// Rate-limited adds surface only after their backoff delay.
	deadline := time.Now().Add(time.Second)
	for u.queue.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := u.queue.Len(); n != 1 {
		t.Fatalf("queue length = %d, want only the transient failure", n)
	}
	key, _ := u.queue.Get()
	if key.(string) != "transient" {
		t.Errorf("queued %v, want transient", key)
	}
}

func TestTransient(t *testing.T) {
	for code, want := range map[int]bool{
		0:   true,
		200: false,
		400: false,
		403: false,
		408: true,
		429: true,
		500: true,
		503: true,
	} {
		if got := transient(code); got != want {
			t.Errorf("transient(%d) = %t, want %t", code, got, want)
		}
	}
}
