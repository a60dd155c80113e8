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

// Package watch follows grading pods in the cluster and turns their
// status updates into ordered lifecycle events on the bus.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	apiwatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	watchtools "k8s.io/client-go/tools/watch"

	"github.com/edukube/grader/bus"
	"github.com/edukube/grader/dispatch"
)

// relistDelay is how long to back off before rebuilding the watch
// after it dies or falls too far behind.
const relistDelay = 5 * time.Second

// Watcher streams grading pod lifecycle events to the bus. Each pod's
// events are published in lifecycle order, with duplicates and
// regressions dropped.
type Watcher struct {
	client    kubernetes.Interface
	namespace string
	publisher bus.Publisher
	log       *logrus.Entry

	// seen maps pod UID to the highest rank already published.
	seen map[string]int

	now func() time.Time
}

func New(client kubernetes.Interface, namespace string, publisher bus.Publisher) *Watcher {
	return &Watcher{
		client:    client,
		namespace: namespace,
		publisher: publisher,
		log:       logrus.WithField("component", "watcher"),
		seen:      map[string]int{},
		now:       time.Now,
	}
}

// selector matches any pod carrying the grader marker label,
// regardless of which grader host stamped it.
func selector() string {
	return dispatch.GraderLabel
}

// Run lists and watches grading pods until the context is cancelled.
// A broken watch is rebuilt from a fresh list, so events missed during
// the gap are recovered from pod status on the next pass.
func (w *Watcher) Run(ctx context.Context) {
	for {
		if err := w.watch(ctx); err != nil {
			w.log.WithError(err).Error("Pod watch failed, relisting.")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(relistDelay):
		}
	}
}

func (w *Watcher) watch(ctx context.Context) error {
	pods := w.client.CoreV1().Pods(w.namespace)
	list, err := pods.List(ctx, metav1.ListOptions{LabelSelector: selector()})
	if err != nil {
		return fmt.Errorf("list pods: %w", err)
	}
	for i := range list.Items {
		w.observe(ctx, &list.Items[i], false)
	}

	rw, err := watchtools.NewRetryWatcher(list.ResourceVersion, &cache.ListWatch{
		WatchFunc: func(opts metav1.ListOptions) (apiwatch.Interface, error) {
			opts.LabelSelector = selector()
			return pods.Watch(ctx, opts)
		},
	})
	if err != nil {
		return fmt.Errorf("start watch: %w", err)
	}
	defer rw.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case recv, open := <-rw.ResultChan():
			if !open {
				return fmt.Errorf("watch channel closed")
			}
			switch recv.Type {
			case apiwatch.Added, apiwatch.Modified:
				if pod, isPod := recv.Object.(*corev1.Pod); isPod {
					w.observe(ctx, pod, false)
				}
			case apiwatch.Deleted:
				if pod, isPod := recv.Object.(*corev1.Pod); isPod {
					w.observe(ctx, pod, true)
				}
			case apiwatch.Error:
				return fmt.Errorf("watch error event: %v", recv.Object)
			}
		}
	}
}

// observe publishes whatever lifecycle progress the pod's status shows
// beyond what was already published for it.
func (w *Watcher) observe(ctx context.Context, pod *corev1.Pod, deleted bool) {
	uid := string(pod.ObjectMeta.UID)
	log := w.log.WithFields(logrus.Fields{"pod": pod.ObjectMeta.Name, "uid": uid})

	ev, rank, ok := Normalize(pod, w.now())
	if deleted {
		// A deleted pod emits nothing further, so its dedup entry can
		// go no matter what happens below.
		defer delete(w.seen, uid)
		if rank < rankCompleted {
			// The pod vanished mid-flight. Report it terminal so the
			// submission does not hang forever.
			ev, rank, ok = NormalizeDeleted(pod, w.now()), rankCompleted, true
		}
	}
	if !ok || rank <= w.seen[uid] {
		return
	}

	if err := w.publisher.Publish(ctx, ev); err != nil {
		// Leave seen untouched so the next status update or relist
		// retries this transition.
		log.WithError(err).Error("Failed to publish pod event.")
		podEvents.WithLabelValues(ev.State, "error").Inc()
		return
	}
	w.seen[uid] = rank
	podEvents.WithLabelValues(ev.State, "published").Inc()
	log.WithField("state", ev.State).Info("Published pod event.")
}
