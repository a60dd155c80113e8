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

// Package upload delivers grading results to the upstream LMS, retrying
// transient failures with exponential backoff.
package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"

	"github.com/edukube/grader/catalog"
	"github.com/edukube/grader/config"
	"github.com/edukube/grader/feedback"
	"github.com/edukube/grader/job"
	"github.com/edukube/grader/jobstore"
	"github.com/edukube/grader/workspace"
)

const (
	// pollInterval is how often the store is scanned for deliveries
	// that are not sitting in the queue, e.g. after a restart.
	pollInterval = time.Minute
	// claimStaleAfter is how old a SCHEDULED claim must be before the
	// poller treats it as orphaned by a crash and requeues it.
	claimStaleAfter = 15 * time.Minute
)

// Uploader owns the delivery queue and its worker pool. Jobs enter via
// Enqueue after the consumer records a terminal result, or via the
// recovery poller.
type Uploader struct {
	store  *jobstore.Store
	cat    *catalog.Catalog
	spaces *workspace.Manager
	client *http.Client
	queue  workqueue.RateLimitingInterface
	cfg    config.Getter
	log    *logrus.Entry
	wg     sync.WaitGroup

	now func() time.Time
}

func New(store *jobstore.Store, cat *catalog.Catalog, spaces *workspace.Manager, cfg config.Getter) *Uploader {
	c := cfg()
	limiter := workqueue.NewMaxOfRateLimiter(
		workqueue.NewItemExponentialFailureRateLimiter(c.UploadBackoffBase.Duration, c.UploadBackoffCap.Duration),
		&workqueue.BucketRateLimiter{Limiter: rate.NewLimiter(rate.Limit(10), 100)},
	)
	return &Uploader{
		store:  store,
		cat:    cat,
		spaces: spaces,
		client: &http.Client{Timeout: c.UpstreamTimeout.Duration},
		queue:  workqueue.NewNamedRateLimitingQueue(limiter, "uploads"),
		cfg:    cfg,
		log:    logrus.WithField("component", "uploader"),
		now:    time.Now,
	}
}

// Enqueue schedules a delivery attempt for the job. Duplicate ids
// collapse in the queue.
func (u *Uploader) Enqueue(id string) {
	u.queue.Add(id)
}

// Run starts the worker pool and the recovery poller and blocks until
// ctx is cancelled. Workers drain in-flight items before Run returns.
func (u *Uploader) Run(ctx context.Context) {
	workers := u.cfg().UploadWorkers
	for i := 0; i < workers; i++ {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			for u.processNext() {
			}
		}()
	}
	u.log.WithField("workers", workers).Info("Started upload workers.")

	go wait.UntilWithContext(ctx, u.poll, pollInterval)

	<-ctx.Done()
	u.queue.ShutDown()
	u.wg.Wait()
}

// poll requeues deliveries the in-memory queue does not know about:
// fresh PENDING jobs, FAILED jobs awaiting retry, and SCHEDULED claims
// orphaned by a previous process.
func (u *Uploader) poll(ctx context.Context) {
	jobs, err := u.store.ListPendingUpload()
	if err != nil {
		u.log.WithError(err).Error("Failed to list pending uploads.")
		return
	}
	for _, j := range jobs {
		switch j.UploadState {
		case job.UploadPending:
			u.queue.Add(j.ID)
		case job.UploadFailed:
			if transient(j.UploadCode) && j.UploadAttempt < u.cfg().UploadRetryCeiling {
				u.queue.AddRateLimited(j.ID)
			}
		case job.UploadScheduled:
			if u.now().Sub(j.UploadStateUpdated) > claimStaleAfter {
				u.log.WithField("job", j.ID).Warn("Requeueing orphaned upload claim.")
				u.queue.Add(j.ID)
			}
		}
	}
}

func (u *Uploader) processNext() bool {
	key, quit := u.queue.Get()
	if quit {
		return false
	}
	defer u.queue.Done(key)

	id := key.(string)
	log := u.log.WithField("job", id)

	j, err := u.store.Get(id)
	if errors.Is(err, jobstore.ErrNotFound) {
		u.queue.Forget(key)
		return true
	}
	if err != nil {
		log.WithError(err).Error("Failed to load job.")
		u.queue.AddRateLimited(key)
		return true
	}
	if j.UploadState == job.UploadSucceeded || !j.ReadyForUpload() {
		u.queue.Forget(key)
		return true
	}

	// Claim the delivery. PENDING and FAILED records move to SCHEDULED;
	// a record already SCHEDULED was claimed by the consumer or the
	// poller for us.
	j, err = u.store.Update(id, func(rec *job.Job) error {
		if !rec.UploadState.CanTransitionTo(job.UploadScheduled) {
			return fmt.Errorf("%w: upload state %s", job.ErrIllegalTransition, rec.UploadState)
		}
		rec.SetUploadState(job.UploadScheduled, u.now())
		return nil
	})
	if errors.Is(err, job.ErrIllegalTransition) {
		u.queue.Forget(key)
		return true
	}
	if err != nil {
		log.WithError(err).Error("Failed to claim upload.")
		u.queue.AddRateLimited(key)
		return true
	}

	code, deliverErr := u.deliver(j, log)
	u.settle(key, j, code, deliverErr, log)
	return true
}

// deliver POSTs the result to the job's upload URL and returns the
// upstream status code, zero when the request never completed.
func (u *Uploader) deliver(j *job.Job, log *logrus.Entry) (int, error) {
	body := u.payload(j, log)

	ctx, cancel := context.WithTimeout(context.Background(), u.cfg().UpstreamTimeout.Duration)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.SubmissionMeta.UploadURL, strings.NewReader(body.Encode()))
	if err != nil {
		return 0, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := u.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return resp.StatusCode, fmt.Errorf("upstream returned %s", resp.Status)
	}
	return resp.StatusCode, nil
}

// payload builds the upstream form. A configured feedback template
// replaces the raw feedback, with a render failure falling back to the
// raw text.
func (u *Uploader) payload(j *job.Job, log *logrus.Entry) url.Values {
	res := j.Result
	text := res.Feedback

	course, ex, err := u.cat.Exercise(j.CourseKey, j.ExerciseKey)
	if err != nil {
		log.WithError(err).Warn("Exercise vanished from catalog, uploading raw feedback.")
	} else if ex.FeedbackTemplate != "" {
		rendered, err := feedback.Render(u.cat.FeedbackTemplatePath(course, ex.FeedbackTemplate), res, ex.Title)
		if err != nil {
			log.WithError(err).Error("Failed to render feedback template.")
		} else {
			text = rendered
		}
	}

	form := url.Values{}
	form.Set("points", strconv.Itoa(res.Points))
	form.Set("max_points", strconv.Itoa(res.MaxPoints))
	form.Set("feedback", text)
	if res.Error {
		form.Set("error", "true")
	}
	if res.GradingData != "" {
		form.Set("grading_data", res.GradingData)
	}
	return form
}

// settle records the attempt outcome and decides whether to retry.
func (u *Uploader) settle(key interface{}, j *job.Job, code int, deliverErr error, log *logrus.Entry) {
	now := u.now()
	succeeded := deliverErr == nil

	updated, err := u.store.Update(j.ID, func(rec *job.Job) error {
		rec.RecordUploadCode(code, now)
		if succeeded {
			rec.SetUploadState(job.UploadSucceeded, now)
		} else {
			rec.SetUploadState(job.UploadFailed, now)
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Failed to record upload attempt.")
		u.queue.AddRateLimited(key)
		return
	}
	log = log.WithFields(logrus.Fields{"code": code, "attempt": updated.UploadAttempt})

	if succeeded {
		uploads.WithLabelValues("success").Inc()
		log.Info("Delivered grading result.")
		u.queue.Forget(key)
		if err := u.spaces.Delete(updated.ID); err != nil {
			log.WithError(err).Error("Failed to delete workspace.")
		}
		return
	}

	if !transient(code) {
		uploads.WithLabelValues("rejected").Inc()
		log.WithError(deliverErr).Error("Upstream rejected the result, not retrying.")
		u.queue.Forget(key)
		return
	}
	if updated.UploadAttempt >= u.cfg().UploadRetryCeiling {
		uploads.WithLabelValues("exhausted").Inc()
		log.WithError(deliverErr).Error("Giving up on result delivery.")
		u.queue.Forget(key)
		return
	}
	uploads.WithLabelValues("retry").Inc()
	log.WithError(deliverErr).Info("Result delivery failed, retrying.")
	u.queue.AddRateLimited(key)
}

// transient reports whether the upstream response is worth retrying.
// Zero means the request itself failed.
func transient(code int) bool {
	switch {
	case code == 0:
		return true
	case code >= 500:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	}
	return false
}
