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

// Package catalog reads the course/exercise configuration directory.
// The catalog is an external collaborator of the grading pipeline: the
// orchestrator only ever reads it.
package catalog

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"

	"sigs.k8s.io/yaml"
)

// ErrNotFound means the requested course or exercise is not configured.
var ErrNotFound = errors.New("not configured")

// Resources are the container resource requests for an exercise.
type Resources struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// Container describes the grading container for an exercise.
type Container struct {
	Image string `json:"image"`
	Mount string `json:"mount"`
	Cmd   string `json:"cmd"`

	Resources Resources `json:"resources,omitempty"`
	// RequireConstantEnvironment schedules the pod so that at most one
	// such grader runs per node.
	RequireConstantEnvironment bool `json:"require_constant_environment,omitempty"`
}

// Exercise is one gradable unit inside a course.
type Exercise struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Lang  string `json:"lang,omitempty"`

	MaxPoints int `json:"max_points,omitempty"`

	Container *Container `json:"container,omitempty"`

	// FeedbackTemplate, when set, renders the upstream feedback from
	// the result payload instead of passing it through verbatim.
	FeedbackTemplate string `json:"feedback_template,omitempty"`

	// Personalized exercises serve a pre-generated per-learner variant.
	Personalized bool `json:"personalized,omitempty"`
}

// Course groups exercises under a key and a human-readable name.
type Course struct {
	Key       string     `json:"key"`
	Name      string     `json:"name"`
	Languages []string   `json:"language,omitempty"`
	Exercises []Exercise `json:"exercises"`

	dir string
}

// Dir returns the course's directory inside the catalog.
func (c *Course) Dir() string {
	return c.dir
}

// Catalog is a snapshot of the configuration directory. Each course
// lives in <root>/<course-key>/index.yaml.
type Catalog struct {
	root    string
	courses map[string]*Course
}

// Load walks the catalog root and parses every course definition.
func Load(root string) (*Catalog, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading catalog root %s: %w", root, err)
	}
	c := &Catalog{root: root, courses: map[string]*Course{}}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(root, e.Name(), "index.yaml")
		raw, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading course config %s: %w", path, err)
		}
		course := &Course{}
		if err := yaml.Unmarshal(raw, course); err != nil {
			return nil, fmt.Errorf("parsing course config %s: %w", path, err)
		}
		course.Key = e.Name()
		course.dir = filepath.Join(root, e.Name())
		c.courses[course.Key] = course
	}
	return c, nil
}

// Courses lists all configured courses in key order.
func (c *Catalog) Courses() []*Course {
	out := make([]*Course, 0, len(c.courses))
	for _, course := range c.courses {
		out = append(out, course)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Key < out[k].Key })
	return out
}

// Course returns a course by key.
func (c *Catalog) Course(key string) (*Course, error) {
	course, ok := c.courses[key]
	if !ok {
		return nil, fmt.Errorf("%w: course %s", ErrNotFound, key)
	}
	return course, nil
}

// Exercise resolves a course/exercise pair.
func (c *Catalog) Exercise(courseKey, exerciseKey string) (*Course, *Exercise, error) {
	course, err := c.Course(courseKey)
	if err != nil {
		return nil, nil, err
	}
	for i := range course.Exercises {
		if course.Exercises[i].Key == exerciseKey {
			return course, &course.Exercises[i], nil
		}
	}
	return nil, nil, fmt.Errorf("%w: exercise %s/%s", ErrNotFound, courseKey, exerciseKey)
}

// ExerciseDir returns the directory mounted into the grading container.
func (c *Catalog) ExerciseDir(course *Course, ex *Exercise) (string, error) {
	if ex.Container == nil || ex.Container.Mount == "" {
		return "", fmt.Errorf("%w: exercise %s/%s has no container mount", ErrNotFound, course.Key, ex.Key)
	}
	return filepath.Join(course.dir, ex.Container.Mount), nil
}

// PersonalizedDir picks the pre-generated variant directory for the
// given learners. Variants live under
// <course>/personalized/<exercise>/<n>; selection is stable in the user
// ids and the attempt ordinal.
func (c *Catalog) PersonalizedDir(course *Course, ex *Exercise, userIDs string, attempt int) (string, error) {
	base := filepath.Join(course.dir, "personalized", ex.Key)
	entries, err := os.ReadDir(base)
	if err != nil || len(entries) == 0 {
		return "", fmt.Errorf("%w: no personalized variants for %s/%s", ErrNotFound, course.Key, ex.Key)
	}
	var variants []string
	for _, e := range entries {
		if e.IsDir() {
			variants = append(variants, e.Name())
		}
	}
	if len(variants) == 0 {
		return "", fmt.Errorf("%w: no personalized variants for %s/%s", ErrNotFound, course.Key, ex.Key)
	}
	sort.Strings(variants)
	h := fnv.New32a()
	fmt.Fprintf(h, "%s/%d", userIDs, attempt)
	return filepath.Join(base, variants[int(h.Sum32())%len(variants)]), nil
}

// FeedbackTemplatePath resolves a template reference relative to the
// course directory.
func (c *Catalog) FeedbackTemplatePath(course *Course, name string) string {
	return filepath.Join(course.dir, name)
}
