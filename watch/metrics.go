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

package watch

import "github.com/prometheus/client_golang/prometheus"

var podEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "grader_pod_events_total",
	Help: "Pod lifecycle events by target state and publish result.",
}, []string{"state", "result"})

func init() {
	prometheus.MustRegister(podEvents)
}
