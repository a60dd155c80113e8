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

// Package config loads the orchestrator configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// Duration is a time.Duration that unmarshals from strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements the yaml/json decoding for Duration.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := yaml.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalJSON implements the yaml/json encoding for Duration.
func (d Duration) MarshalJSON() ([]byte, error) {
	return yaml.Marshal(d.String())
}

// Config is the orchestrator configuration. Zero values are filled with
// defaults by Load.
type Config struct {
	// Namespace is the cluster namespace grading pods run in.
	Namespace string `json:"namespace,omitempty"`
	// GraderHost is the externally reachable base URL of this
	// orchestrator; the container downloads inputs from it.
	GraderHost string `json:"grader_host,omitempty"`

	// CoursesDir is the course catalog root.
	CoursesDir string `json:"courses_dir,omitempty"`
	// WorkspaceRoot holds the per-submission directories.
	WorkspaceRoot string `json:"workspace_root,omitempty"`
	// StorePath is the job store database file.
	StorePath string `json:"store_path,omitempty"`

	// InitImage is the init container that downloads the exercise and
	// submission tarballs into the pod's scratch volumes.
	InitImage string `json:"init_image,omitempty"`

	// DefaultCPU / DefaultMemory are the grading container resource
	// limits when the exercise does not override them.
	DefaultCPU    string `json:"default_cpu,omitempty"`
	DefaultMemory string `json:"default_memory,omitempty"`
	// ActiveDeadlineSeconds is the hard wall-clock limit per pod.
	ActiveDeadlineSeconds int64 `json:"active_deadline_seconds,omitempty"`

	// BusURL is the AMQP connection URL for the event bus. Empty means
	// the in-process bus, which is only sound on a single node.
	BusURL string `json:"bus_url,omitempty"`

	// UpstreamTimeout bounds every result upload request.
	UpstreamTimeout Duration `json:"upstream_timeout,omitempty"`
	// UploadRetryCeiling is the number of delivery attempts before the
	// job is left FAILED for operators.
	UploadRetryCeiling int `json:"upload_retry_ceiling,omitempty"`
	// UploadBackoffBase and UploadBackoffCap bound the exponential
	// retry backoff.
	UploadBackoffBase Duration `json:"upload_backoff_base,omitempty"`
	UploadBackoffCap  Duration `json:"upload_backoff_cap,omitempty"`
	// UploadWorkers is the size of the uploader worker pool.
	UploadWorkers int `json:"upload_workers,omitempty"`

	// WorkspaceRetention is how long workspaces and finished job
	// records of delivered submissions are kept around.
	WorkspaceRetention Duration `json:"workspace_retention,omitempty"`

	// DrainTimeout bounds how long shutdown waits for the consumer to
	// drain in-flight bus deliveries.
	DrainTimeout Duration `json:"drain_timeout,omitempty"`

	// CallbackOverridesTerminal decides whether a grader callback that
	// arrives after a CRASHED/EXPIRED terminal event replaces the
	// synthesized zero-point result. The source system let the callback
	// win, so that is the default.
	CallbackOverridesTerminal *bool `json:"callback_overrides_terminal,omitempty"`

	// Debug allows the ?token= fallback on container downloads.
	Debug bool `json:"debug,omitempty"`
}

// Getter returns the current config. It exists so components keep
// working unchanged if config reloading is ever added.
type Getter func() *Config

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	c := &Config{}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	c.Default()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return c, nil
}

// Default fills unset fields.
func (c *Config) Default() {
	if c.Namespace == "" {
		c.Namespace = "grader"
	}
	if c.InitImage == "" {
		c.InitImage = "edukube/grader-init"
	}
	if c.DefaultCPU == "" {
		c.DefaultCPU = "1"
	}
	if c.DefaultMemory == "" {
		c.DefaultMemory = "1Gi"
	}
	if c.ActiveDeadlineSeconds == 0 {
		c.ActiveDeadlineSeconds = 1800
	}
	if c.UpstreamTimeout.Duration == 0 {
		c.UpstreamTimeout.Duration = 30 * time.Second
	}
	if c.UploadRetryCeiling == 0 {
		c.UploadRetryCeiling = 8
	}
	if c.UploadBackoffBase.Duration == 0 {
		c.UploadBackoffBase.Duration = time.Second
	}
	if c.UploadBackoffCap.Duration == 0 {
		c.UploadBackoffCap.Duration = 5 * time.Minute
	}
	if c.UploadWorkers == 0 {
		c.UploadWorkers = 4
	}
	if c.WorkspaceRetention.Duration == 0 {
		c.WorkspaceRetention.Duration = 24 * time.Hour
	}
	if c.DrainTimeout.Duration == 0 {
		c.DrainTimeout.Duration = 10 * time.Second
	}
	if c.CallbackOverridesTerminal == nil {
		t := true
		c.CallbackOverridesTerminal = &t
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.GraderHost == "" {
		return errors.New("grader_host must be set, the grading container downloads inputs from it")
	}
	if c.CoursesDir == "" {
		return errors.New("courses_dir must be set")
	}
	if c.WorkspaceRoot == "" {
		return errors.New("workspace_root must be set")
	}
	if c.StorePath == "" {
		return errors.New("store_path must be set")
	}
	if c.UploadBackoffBase.Duration > c.UploadBackoffCap.Duration {
		return fmt.Errorf("upload_backoff_base %s exceeds upload_backoff_cap %s",
			c.UploadBackoffBase, c.UploadBackoffCap)
	}
	return nil
}
