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

import "github.com/prometheus/client_golang/prometheus"

const (
	resultOK    = "ok"
	resultError = "error"
)

var dispatchMetrics = struct {
	results *prometheus.CounterVec
}{
	results: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grader_dispatches_total",
		Help: "Count of pod dispatch attempts by result.",
	}, []string{"result"}),
}

func init() {
	prometheus.MustRegister(dispatchMetrics.results)
}
