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

// Package server is the orchestrator's HTTP surface: submission intake,
// course listings, and the endpoints the grading container calls back
// into.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/edukube/grader/catalog"
	"github.com/edukube/grader/config"
	"github.com/edukube/grader/jobstore"
	"github.com/edukube/grader/workspace"
)

// Dispatcher orders a grading container for an accepted submission.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, course *catalog.Course, ex *catalog.Exercise) error
}

// Enqueuer schedules result uploads, satisfied by the uploader.
type Enqueuer interface {
	Enqueue(id string)
}

// Server wires the HTTP handlers to the pipeline components.
type Server struct {
	store      *jobstore.Store
	cat        *catalog.Catalog
	spaces     *workspace.Manager
	dispatcher Dispatcher
	uploader   Enqueuer
	cfg        config.Getter
	log        *logrus.Entry
}

func New(store *jobstore.Store, cat *catalog.Catalog, spaces *workspace.Manager, dispatcher Dispatcher, uploader Enqueuer, cfg config.Getter) *Server {
	return &Server{
		store:      store,
		cat:        cat,
		spaces:     spaces,
		dispatcher: dispatcher,
		uploader:   uploader,
		cfg:        cfg,
		log:        logrus.WithField("component", "server"),
	}
}

// Routes builds the router. Container callback paths are registered
// before the course wildcards so "container-post" is never read as a
// course key.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/container-post", s.handleContainerPost).Methods(http.MethodPost)
	r.HandleFunc("/container/exercise.tar.gz", s.handleDownload(downloadExercise)).Methods(http.MethodGet)
	r.HandleFunc("/container/submission.tar.gz", s.handleDownload(downloadSubmission)).Methods(http.MethodGet)
	r.HandleFunc("/container/personalized.tar.gz", s.handleDownload(downloadPersonalized)).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/{course}", s.handleCourse).Methods(http.MethodGet)
	r.HandleFunc("/{course}/aplus-config.json", s.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/{course}/{exercise}", s.handleSubmit).Methods(http.MethodPost)
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("Failed to write response.")
	}
}

// handleIndex signals readiness and lists the configured courses.
func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	type courseEntry struct {
		Key       string   `json:"key"`
		Name      string   `json:"name"`
		Languages []string `json:"languages"`
	}
	courses := []courseEntry{}
	for _, c := range s.cat.Courses() {
		courses = append(courses, courseEntry{Key: c.Key, Name: c.Name, Languages: c.Languages})
	}
	s.writeJSON(w, map[string]interface{}{
		"ready":   true,
		"courses": courses,
	})
}

// handleCourse lists the exercises of one course.
func (s *Server) handleCourse(w http.ResponseWriter, r *http.Request) {
	course, err := s.cat.Course(mux.Vars(r)["course"])
	if err != nil {
		http.NotFound(w, r)
		return
	}
	type exerciseEntry struct {
		Key   string `json:"key"`
		Title string `json:"title"`
	}
	exercises := []exerciseEntry{}
	for _, ex := range course.Exercises {
		exercises = append(exercises, exerciseEntry{Key: ex.Key, Title: ex.Title})
	}
	s.writeJSON(w, map[string]interface{}{
		"ready":       true,
		"course_name": course.Name,
		"exercises":   exercises,
	})
}

// handleExport serves the upstream-facing course description.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	export, err := s.cat.Export(mux.Vars(r)["course"])
	if err != nil {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, export)
}
