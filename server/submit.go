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
	"context"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/edukube/grader/job"
	"github.com/edukube/grader/workspace"
)

// maxSubmissionBytes bounds one multipart submission in memory.
const maxSubmissionBytes = 32 << 20

var acceptedPage = template.Must(template.New("accepted").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>Your submission has been accepted for grading. The result is
delivered when grading finishes.</p>
<p>Submission id: <code>{{.ID}}</code></p>
</body>
</html>
`))

// handleSubmit accepts an exercise attempt: it materializes the
// workspace, records the job and orders the grading container. The
// response does not wait for the dispatch.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	course, ex, err := s.cat.Exercise(vars["course"], vars["exercise"])
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if ex.Container == nil {
		http.Error(w, "exercise is not configured for container grading", http.StatusNotFound)
		return
	}

	files, err := submittedFiles(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	uploadURL := r.URL.Query().Get("submission_url")
	if uploadURL == "" {
		// Graded anyway so the learner sees feedback, the result just
		// has nowhere to go.
		s.log.WithField("exercise", ex.Key).Warn("Submission without submission_url.")
	}
	uids := r.URL.Query().Get("uid")
	attempt, _ := strconv.Atoi(r.URL.Query().Get("ordinal_number"))
	if attempt < 1 {
		attempt = 1
	}
	lang := r.PostFormValue("__grader_lang")
	if lang == "" {
		lang = r.URL.Query().Get("lang")
	}
	if lang == "" && len(course.Languages) > 0 {
		lang = course.Languages[0]
	}

	meta := job.SubmissionMeta{
		UserIDs:   uids,
		UploadURL: uploadURL,
	}
	if ex.Personalized {
		dir, err := s.cat.PersonalizedDir(course, ex, uids, attempt)
		if err != nil {
			s.log.WithError(err).Error("No personalized variant available.")
			http.Error(w, "exercise misconfigured", http.StatusInternalServerError)
			return
		}
		meta.PersonalizedDir = dir
	}

	id := uuid.New().String()
	dir, err := s.spaces.Create(id, files, workspace.Meta{
		URL:             uploadURL,
		CourseKey:       course.Key,
		ExerciseKey:     ex.Key,
		Lang:            lang,
		PersonalizedDir: meta.PersonalizedDir,
	})
	if err != nil {
		s.log.WithError(err).Error("Failed to create workspace.")
		http.Error(w, "failed to store submission", http.StatusInternalServerError)
		return
	}
	meta.WorkspaceDir = dir

	j := job.New(id, course.Key, ex.Key, lang, meta, time.Now())
	if err := s.store.Create(j); err != nil {
		s.log.WithError(err).Error("Failed to record job.")
		if err := s.spaces.Delete(id); err != nil {
			s.log.WithError(err).Error("Failed to clean up workspace.")
		}
		http.Error(w, "failed to store submission", http.StatusInternalServerError)
		return
	}

	log := s.log.WithFields(logrus.Fields{"job": id, "course": course.Key, "exercise": ex.Key})
	log.Info("Accepted submission.")

	// The request handler must stay short; a dispatch failure is
	// recorded on the job through the synthetic completion path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.dispatcher.Dispatch(ctx, id, course, ex); err != nil {
			log.WithError(err).Error("Failed to dispatch grading container.")
		}
	}()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := acceptedPage.Execute(w, struct {
		Title string
		ID    string
	}{Title: ex.Title, ID: id}); err != nil {
		log.WithError(err).Error("Failed to render accepted page.")
	}
}

// submittedFiles collects the multipart file parts keyed by field name.
func submittedFiles(r *http.Request) (map[string][]byte, error) {
	if err := r.ParseMultipartForm(maxSubmissionBytes); err != nil {
		return nil, fmt.Errorf("parsing submission: %w", err)
	}
	if r.MultipartForm == nil || len(r.MultipartForm.File) == 0 {
		return nil, fmt.Errorf("submission contains no files")
	}
	files := map[string][]byte{}
	for field, headers := range r.MultipartForm.File {
		for _, h := range headers {
			f, err := h.Open()
			if err != nil {
				return nil, fmt.Errorf("reading submitted file %s: %w", field, err)
			}
			content, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("reading submitted file %s: %w", field, err)
			}
			name := h.Filename
			if name == "" {
				name = field
			}
			files[name] = content
		}
	}
	return files, nil
}
