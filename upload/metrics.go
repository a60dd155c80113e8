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

import "github.com/prometheus/client_golang/prometheus"

var uploads = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "grader_uploads_total",
	Help: "Result delivery attempts by outcome.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(uploads)
}
