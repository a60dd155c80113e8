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

// Package feedback renders exercise feedback templates over grading
// results, tracking which result fields the template actually read.
package feedback

import (
	"fmt"
	"html/template"
	"strings"

	"github.com/edukube/grader/job"
)

// Alert is prepended when a template produced output without reading
// any grading field, which almost always means a broken template.
const Alert = `<div class="alert alert-warning">The feedback template did not use the grading result.</div>` + "\n"

// requiredFields are the result accessors that count as "using" the
// grading result.
var requiredFields = []string{"points", "max_points", "error", "out"}

// Result exposes a grading result to a template while recording which
// fields were read.
type Result struct {
	points    int
	maxPoints int
	err       bool
	out       string
	title     string

	accessed map[string]bool
}

// NewResult wraps r for template consumption. Title comes from the
// exercise config, not the result payload.
func NewResult(r *job.Result, title string) *Result {
	return &Result{
		points:    r.Points,
		maxPoints: r.MaxPoints,
		err:       r.Error,
		out:       r.Feedback,
		title:     title,
		accessed:  map[string]bool{},
	}
}

func (r *Result) Points() int     { r.accessed["points"] = true; return r.points }
func (r *Result) MaxPoints() int  { r.accessed["max_points"] = true; return r.maxPoints }
func (r *Result) Error() bool     { r.accessed["error"] = true; return r.err }
func (r *Result) Title() string   { r.accessed["title"] = true; return r.title }
func (r *Result) Out() template.HTML {
	r.accessed["out"] = true
	return template.HTML(r.out)
}

// UsedResult reports whether the template read at least one grading
// field.
func (r *Result) UsedResult() bool {
	for _, f := range requiredFields {
		if r.accessed[f] {
			return true
		}
	}
	return false
}

// Render executes the feedback template at path over the result and
// returns ASCII-safe HTML. Output of a template that never touched the
// grading result gets the alert prepended.
func Render(path string, res *job.Result, title string) (string, error) {
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return "", fmt.Errorf("parse feedback template: %w", err)
	}
	tracked := NewResult(res, title)
	var buf strings.Builder
	if err := tmpl.Execute(&buf, tracked); err != nil {
		return "", fmt.Errorf("render feedback template: %w", err)
	}
	out := buf.String()
	if !tracked.UsedResult() {
		out = Alert + out
	}
	return EscapeASCII(out), nil
}

// EscapeASCII replaces every non-ASCII rune with its numeric HTML
// character reference, so the feedback survives transports that mangle
// unicode.
func EscapeASCII(s string) string {
	ascii := true
	for _, r := range s {
		if r > 127 {
			ascii = false
			break
		}
	}
	if ascii {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r > 127 {
			fmt.Fprintf(&b, "&#%d;", r)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
