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

package dispatch

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Label values must be valid Kubernetes label data, shorter than 63
// characters.
const maxLabelLen = 62

var (
	leadingJunk = regexp.MustCompile(`^[^a-zA-Z0-9]*`)
	disallowed  = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

// SanitizeLabel turns a human-visible name (course name, exercise
// title) into a pod label: Unicode is decomposed and reduced to ASCII,
// whitespace becomes underscore, a non-alphanumeric prefix is dropped,
// only alphanumerics and "-", "_", "." survive, and the result is
// truncated to 62 characters. The function is idempotent.
func SanitizeLabel(l string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(l) {
		if r > unicode.MaxASCII {
			continue
		}
		if unicode.IsSpace(r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	s := leadingJunk.ReplaceAllString(b.String(), "")
	s = disallowed.ReplaceAllString(s, "")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// hostLabel derives the orchestrator-identity label from its external
// URL: scheme stripped, ":" and "/" flattened.
func hostLabel(graderHost string) string {
	host := graderHost
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+len("://"):]
	}
	host = strings.ReplaceAll(host, ":", "-")
	host = strings.ReplaceAll(host, "/", "_")
	return SanitizeLabel(host)
}
