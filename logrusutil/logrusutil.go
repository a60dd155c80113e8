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

// Package logrusutil implements some helpers for using logrus
package logrusutil

import (
	"github.com/sirupsen/logrus"
)

// Init configures logrus the way every grader binary logs: JSON lines
// stamped with the component name.
func Init(component string) {
	logrus.SetFormatter(NewDefaultFieldsFormatter(nil, logrus.Fields{
		"component": component,
	}))
}

// DefaultFieldsFormatter wraps another logrus.Formatter and injects
// DefaultFields into every entry. Fields already present on the entry
// win over the defaults.
type DefaultFieldsFormatter struct {
	WrappedFormatter logrus.Formatter
	DefaultFields    logrus.Fields
}

// NewDefaultFieldsFormatter returns a DefaultFieldsFormatter wrapping
// the given formatter, or a JSONFormatter when nil.
func NewDefaultFieldsFormatter(wrapped logrus.Formatter, defaults logrus.Fields) *DefaultFieldsFormatter {
	if wrapped == nil {
		wrapped = &logrus.JSONFormatter{}
	}
	return &DefaultFieldsFormatter{WrappedFormatter: wrapped, DefaultFields: defaults}
}

// Format implements logrus.Formatter. The entry's field map is copied
// rather than mutated, entries may be shared across goroutines.
func (d *DefaultFieldsFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+len(d.DefaultFields))
	for k, v := range d.DefaultFields {
		data[k] = v
	}
	for k, v := range entry.Data {
		data[k] = v
	}
	merged := *entry
	merged.Data = data
	return d.WrappedFormatter.Format(&merged)
}
