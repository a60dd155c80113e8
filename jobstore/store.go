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

// Package jobstore persists grading jobs in a local transactional store.
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/edukube/grader/job"
)

var (
	// ErrNotFound means no record exists for the given key.
	ErrNotFound = errors.New("job not found")
	// ErrConflict means a record with the same id or container ref
	// already exists.
	ErrConflict = errors.New("job already exists")
)

var (
	bucketJobs = []byte("jobs")
	// bucketRefs indexes container ref -> job id and enforces ref
	// uniqueness across live jobs.
	bucketRefs = []byte("container_refs")
)

// Store is a bbolt-backed job store. Update transactions are serialized
// by the database's single writer, which gives every record the
// exclusive per-record guard the state machine needs.
type Store struct {
	db  *bolt.DB
	log *logrus.Entry
}

// Open opens or creates the store file.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening job store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketJobs, bucketRefs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing job store buckets: %w", err)
	}
	return &Store{
		db:  db,
		log: logrus.NewEntry(logrus.StandardLogger()).WithField("component", "jobstore"),
	}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a new job. It fails with ErrConflict when the id is
// taken, or when the job arrives with a container ref that is already
// claimed by a live job.
func (s *Store) Create(j *job.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		if jobs.Get([]byte(j.ID)) != nil {
			return fmt.Errorf("%w: id %s", ErrConflict, j.ID)
		}
		if j.ContainerRef != "" {
			refs := tx.Bucket(bucketRefs)
			if refs.Get([]byte(j.ContainerRef)) != nil {
				return fmt.Errorf("%w: container ref %s", ErrConflict, j.ContainerRef)
			}
			if err := refs.Put([]byte(j.ContainerRef), []byte(j.ID)); err != nil {
				return err
			}
		}
		return putJob(jobs, j)
	})
}

// Get returns the job or ErrNotFound.
func (s *Store) Get(id string) (*job.Job, error) {
	var out *job.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		j, err := getJob(tx.Bucket(bucketJobs), id)
		if err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

// FindByContainerRef resolves the cluster-assigned ref to its job.
func (s *Store) FindByContainerRef(ref string) (*job.Job, error) {
	var out *job.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketRefs).Get([]byte(ref))
		if id == nil {
			return fmt.Errorf("%w: container ref %s", ErrNotFound, ref)
		}
		j, err := getJob(tx.Bucket(bucketJobs), string(id))
		if err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

// Update applies mutate to the latest record under the write guard. The
// mutator sees a private copy; the transaction commits only when the
// mutator succeeds and the resulting transition is legal. The updated
// record is returned.
func (s *Store) Update(id string, mutate func(*job.Job) error) (*job.Job, error) {
	var out *job.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		cur, err := getJob(jobs, id)
		if err != nil {
			return err
		}
		next := cur.DeepCopy()
		if err := mutate(next); err != nil {
			return err
		}
		if err := job.Validate(cur, next); err != nil {
			return err
		}
		if next.ContainerRef != "" && cur.ContainerRef == "" {
			refs := tx.Bucket(bucketRefs)
			if owner := refs.Get([]byte(next.ContainerRef)); owner != nil && string(owner) != id {
				return fmt.Errorf("%w: container ref %s", ErrConflict, next.ContainerRef)
			}
			if err := refs.Put([]byte(next.ContainerRef), []byte(id)); err != nil {
				return err
			}
		}
		if err := putJob(jobs, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// ListPendingUpload returns completed jobs whose result still needs
// delivering, oldest upload activity first. FAILED records ride along so
// the uploader's scheduler can retry them, and SCHEDULED ones so claims
// orphaned by a crash can be detected.
func (s *Store) ListPendingUpload() ([]*job.Job, error) {
	var out []*job.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var j job.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.ContainerState != job.ContainerCompleted {
				return nil
			}
			if j.UploadState == job.UploadSucceeded {
				return nil
			}
			out = append(out, &j)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].UploadStateUpdated.Before(out[k].UploadStateUpdated)
	})
	return out, nil
}

// List returns every stored job. Used by the retention sweep.
func (s *Store) List() ([]*job.Job, error) {
	var out []*job.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var j job.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			out = append(out, &j)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete purges a job record and frees its container ref.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		cur, err := getJob(jobs, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if cur.ContainerRef != "" {
			if err := tx.Bucket(bucketRefs).Delete([]byte(cur.ContainerRef)); err != nil {
				return err
			}
		}
		return jobs.Delete([]byte(id))
	})
}

func getJob(b *bolt.Bucket, id string) (*job.Job, error) {
	raw := b.Get([]byte(id))
	if raw == nil {
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	var j job.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &j, nil
}

func putJob(b *bolt.Bucket, j *job.Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", j.ID, err)
	}
	return b.Put([]byte(j.ID), raw)
}
