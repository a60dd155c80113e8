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

package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edukube/grader/job"
	"github.com/edukube/grader/jobstore"
	"github.com/edukube/grader/workspace"
)

// handleContainerPost receives the grading result pushed from inside
// the container. It stores the result payload on the job; lifecycle
// state still advances only through the cluster's terminal event.
func (s *Server) handleContainerPost(w http.ResponseWriter, r *http.Request) {
	sid := r.PostFormValue("sid")
	if sid == "" {
		http.Error(w, "Missing sid", http.StatusForbidden)
		return
	}
	log := s.log.WithField("job", sid)

	result, err := parseResult(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	override := *s.cfg().CallbackOverridesTerminal
	resultChanged := false
	updated, err := s.store.Update(sid, func(rec *job.Job) error {
		if rec.ContainerState.Terminal() && rec.Result != nil && !override {
			// The synthesized terminal result stands.
			return nil
		}
		if rec.Result == nil || *rec.Result != *result {
			resultChanged = true
		}
		rec.Result = result
		return nil
	})
	if errors.Is(err, jobstore.ErrNotFound) {
		http.Error(w, "Invalid sid", http.StatusForbidden)
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to store grading result.")
		http.Error(w, "failed to store result", http.StatusInternalServerError)
		return
	}
	log.WithField("points", result.Points).Info("Stored grading result.")

	// A callback that lands after the terminal event is the last write;
	// make sure delivery happens for it.
	if updated.ReadyForUpload() {
		s.scheduleUpload(updated, resultChanged, log)
	}

	fmt.Fprintln(w, "Ok")
}

func (s *Server) scheduleUpload(j *job.Job, resultChanged bool, log *logrus.Entry) {
	switch j.UploadState {
	case job.UploadPending:
		_, err := s.store.Update(j.ID, func(rec *job.Job) error {
			if rec.UploadState != job.UploadPending {
				return job.ErrStaleEvent
			}
			rec.SetUploadState(job.UploadScheduled, time.Now())
			return nil
		})
		if errors.Is(err, job.ErrStaleEvent) {
			return
		}
		if err != nil {
			log.WithError(err).Error("Failed to schedule upload.")
			return
		}
		s.uploader.Enqueue(j.ID)
	case job.UploadFailed:
		// A repeated callback with the identical payload would only
		// replay an already-rejected delivery; only a new payload earns
		// a fresh attempt.
		if !resultChanged {
			return
		}
		s.uploader.Enqueue(j.ID)
	}
}

// parseResult decodes the callback form. An "error" token of "no" or
// "false" counts as no error at all.
func parseResult(r *http.Request) (*job.Result, error) {
	points, err := formInt(r, "points", 0)
	if err != nil {
		return nil, err
	}
	maxPoints, err := formInt(r, "max_points", 1)
	if err != nil {
		return nil, err
	}
	res := &job.Result{
		Points:      points,
		MaxPoints:   maxPoints,
		Feedback:    r.PostFormValue("feedback"),
		GradingData: r.PostFormValue("grading_data"),
	}
	if v := r.PostFormValue("error"); v != "" {
		switch strings.ToLower(v) {
		case "no", "false":
		default:
			res.Error = true
		}
	}
	return res, nil
}

func formInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.PostFormValue(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("field %s is not a number", key)
	}
	return n, nil
}

type downloadKind int

const (
	downloadExercise downloadKind = iota
	downloadSubmission
	downloadPersonalized
)

// handleDownload streams a tar.gz of the requested directory to the
// grading container. The job id doubles as the bearer credential.
func (s *Server) handleDownload(kind downloadKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := bearerToken(r)
		if sid == "" && s.cfg().Debug {
			sid = r.URL.Query().Get("token")
		}
		if sid == "" {
			http.Error(w, "No token", http.StatusForbidden)
			return
		}
		j, err := s.store.Get(sid)
		if err != nil {
			http.Error(w, "Invalid sid", http.StatusForbidden)
			return
		}

		var dir, name string
		switch kind {
		case downloadExercise:
			course, ex, err := s.cat.Exercise(j.CourseKey, j.ExerciseKey)
			if err != nil {
				http.NotFound(w, r)
				return
			}
			dir, err = s.cat.ExerciseDir(course, ex)
			if err != nil {
				http.NotFound(w, r)
				return
			}
			name = "exercise.tar.gz"
		case downloadSubmission:
			if !s.spaces.Exists(j.ID) {
				http.NotFound(w, r)
				return
			}
			dir = s.spaces.Path(j.ID)
			name = "submission.tar.gz"
		case downloadPersonalized:
			if j.SubmissionMeta.PersonalizedDir == "" {
				http.NotFound(w, r)
				return
			}
			dir = j.SubmissionMeta.PersonalizedDir
			name = "personalized.tar.gz"
		}

		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		if err := workspace.WriteTar(w, dir); err != nil {
			s.log.WithError(err).WithField("job", j.ID).Error("Failed to stream tarball.")
		}
	}
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
