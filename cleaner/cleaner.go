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

// Package cleaner reclaims what finished submissions leave behind:
// terminal grading pods, delivered job records and their workspaces.
package cleaner

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	corev1client "k8s.io/client-go/kubernetes/typed/core/v1"

	"github.com/edukube/grader/config"
	"github.com/edukube/grader/dispatch"
	"github.com/edukube/grader/job"
	"github.com/edukube/grader/jobstore"
	"github.com/edukube/grader/workspace"
)

// resyncPeriod is how often the sweep runs.
const resyncPeriod = time.Hour

// maxPodAge is how long a terminal pod may linger before deletion. Kept
// well under the record retention so pod logs stay inspectable for a
// while after grading.
const maxPodAge = 2 * time.Hour

// Cleaner owns the periodic retention sweep.
type Cleaner struct {
	pods   corev1client.PodInterface
	store  *jobstore.Store
	spaces *workspace.Manager
	cfg    config.Getter
	log    *logrus.Entry

	now func() time.Time
}

func New(client kubernetes.Interface, store *jobstore.Store, spaces *workspace.Manager, cfg config.Getter) *Cleaner {
	return &Cleaner{
		pods:   client.CoreV1().Pods(cfg().Namespace),
		store:  store,
		spaces: spaces,
		cfg:    cfg,
		log:    logrus.WithField("component", "cleaner"),
		now:    time.Now,
	}
}

// Run sweeps immediately and then on every resync period until ctx is
// cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	for {
		start := c.now()
		c.clean(ctx)
		c.log.WithField("duration", time.Since(start).String()).Info("Sweep complete.")
		select {
		case <-ctx.Done():
			return
		case <-time.After(resyncPeriod):
		}
	}
}

func (c *Cleaner) clean(ctx context.Context) {
	c.cleanRecords()
	c.cleanPods(ctx)
}

// cleanRecords purges delivered jobs past the retention window,
// together with any workspace still on disk.
func (c *Cleaner) cleanRecords() {
	jobs, err := c.store.List()
	if err != nil {
		c.log.WithError(err).Error("Error listing jobs.")
		return
	}
	retention := c.cfg().WorkspaceRetention.Duration
	for _, j := range jobs {
		if j.UploadState != job.UploadSucceeded {
			continue
		}
		if c.now().Sub(j.UploadStateUpdated) <= retention {
			continue
		}
		log := c.log.WithField("job", j.ID)
		if err := c.spaces.Delete(j.ID); err != nil {
			log.WithError(err).Error("Error deleting workspace.")
			continue
		}
		if err := c.store.Delete(j.ID); err != nil {
			log.WithError(err).Error("Error deleting job record.")
			continue
		}
		log.Info("Purged delivered job.")
	}
}

// cleanPods deletes grading pods that reached a terminal phase long
// enough ago. The watcher has seen their terminal status well before
// maxPodAge, so nothing is lost.
func (c *Cleaner) cleanPods(ctx context.Context) {
	pods, err := c.pods.List(ctx, metav1.ListOptions{LabelSelector: dispatch.GraderLabel})
	if err != nil {
		c.log.WithError(err).Error("Error listing pods.")
		return
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodSucceeded && pod.Status.Phase != corev1.PodFailed {
			continue
		}
		if pod.Status.StartTime != nil && c.now().Sub(pod.Status.StartTime.Time) <= maxPodAge {
			continue
		}
		log := c.log.WithField("pod", pod.ObjectMeta.Name)
		if err := c.pods.Delete(ctx, pod.ObjectMeta.Name, metav1.DeleteOptions{}); err != nil {
			log.WithError(err).Error("Error deleting pod.")
			continue
		}
		log.Info("Deleted terminal pod.")
	}
}
