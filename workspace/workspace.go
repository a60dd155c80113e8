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

// Package workspace manages the per-submission directories that hold
// uploaded files while a job is being graded.
package workspace

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	gzip "github.com/klauspost/pgzip"
	"github.com/sirupsen/logrus"
)

// metaFile is the sidecar written next to the submission files. It lets
// an operator reconstruct where a stray workspace came from.
const metaFile = ".submission.json"

// Meta is the workspace sidecar payload.
type Meta struct {
	URL             string `json:"url"`
	Dir             string `json:"dir"`
	CourseKey       string `json:"course_key"`
	ExerciseKey     string `json:"exercise_key"`
	Lang            string `json:"lang"`
	PersonalizedDir string `json:"personalized_exercise,omitempty"`
}

// Manager owns a root directory with one subdirectory per job id.
type Manager struct {
	root string
	log  *logrus.Entry
}

// NewManager ensures the root exists and returns a manager for it.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace root %s: %w", root, err)
	}
	return &Manager{
		root: root,
		log:  logrus.NewEntry(logrus.StandardLogger()).WithField("component", "workspace"),
	}, nil
}

// Root returns the configured workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Path returns the directory owned by the given job.
func (m *Manager) Path(id string) string {
	return filepath.Join(m.root, id)
}

// Create materializes the workspace for a job: the submitted files plus
// the metadata sidecar. File names are kept relative to the workspace
// and must not escape it.
func (m *Manager) Create(id string, files map[string][]byte, meta Meta) (string, error) {
	dir := m.Path(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating workspace %s: %w", dir, err)
	}
	for name, content := range files {
		clean := filepath.Clean(name)
		if clean == metaFile || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return "", fmt.Errorf("refusing submitted file name %q", name)
		}
		dst := filepath.Join(dir, clean)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return "", err
		}
		if err := os.WriteFile(dst, content, 0644); err != nil {
			return "", fmt.Errorf("writing submitted file %s: %w", dst, err)
		}
	}
	meta.Dir = dir
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), raw, 0644); err != nil {
		return "", fmt.Errorf("writing workspace meta: %w", err)
	}
	return dir, nil
}

// ReadMeta loads the sidecar for a job, or ErrNotFound when the
// workspace is gone.
func (m *Manager) ReadMeta(id string) (*Meta, error) {
	raw, err := os.ReadFile(filepath.Join(m.Path(id), metaFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decoding workspace meta for %s: %w", id, err)
	}
	return &meta, nil
}

// Exists reports whether the job still owns a workspace directory.
func (m *Manager) Exists(id string) bool {
	_, err := os.Stat(m.Path(id))
	return err == nil
}

// Delete removes the workspace. Deleting an absent workspace is fine.
func (m *Manager) Delete(id string) error {
	dir := m.Path(id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing workspace %s: %w", dir, err)
	}
	return nil
}

// WriteTar streams dir as a gzipped tarball rooted at ".". This is what
// the grading container downloads through the callback endpoint.
func WriteTar(w io.Writer, dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		// The sidecar stays on the orchestrator side.
		if rel == metaFile {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		if rel == "." {
			hdr.Name = "./"
		} else {
			hdr.Name = "./" + filepath.ToSlash(rel)
			if info.IsDir() {
				hdr.Name += "/"
			}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("archiving %s: %w", dir, err)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
