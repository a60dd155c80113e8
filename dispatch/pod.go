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
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/edukube/grader/catalog"
	"github.com/edukube/grader/config"
	"github.com/edukube/grader/job"
)

const (
	// GraderLabel marks pods created by this orchestrator and names the
	// instance that made them.
	GraderLabel   = "mooc-grader"
	courseLabel   = "course"
	exerciseLabel = "exercise"

	// appLabel tags constant-environment pods so scheduling can keep
	// them apart.
	appLabel    = "grader.edukube.io/app"
	constantEnv = "constant-env-grading"

	initContainerName = "download"
	mainContainerName = "grade"

	hostnameTopologyKey = "kubernetes.io/hostname"
)

// BuildPod translates a job plus its resolved exercise config into the
// pod spec submitted to the cluster. The pod carries one init step that
// downloads the exercise and submission tarballs from the callback
// endpoint, authenticated by the job id, and one main step running the
// grading command.
func BuildPod(j *job.Job, course *catalog.Course, ex *catalog.Exercise, cfg *config.Config) (*corev1.Pod, error) {
	if ex.Container == nil {
		return nil, fmt.Errorf("exercise %s/%s has no container config", course.Key, ex.Key)
	}

	volumes := []corev1.Volume{
		emptyDir("run", corev1.StorageMediumMemory, "100Mi"),
		emptyDir("submission", corev1.StorageMediumDefault, "1Gi"),
		emptyDir("exercise", corev1.StorageMediumDefault, ""),
	}
	mounts := []corev1.VolumeMount{
		{Name: "run", MountPath: "/run"},
		{Name: "submission", MountPath: "/submission"},
		{Name: "exercise", MountPath: "/exercise"},
	}
	if j.SubmissionMeta.PersonalizedDir != "" {
		volumes = append(volumes, emptyDir("personalized", corev1.StorageMediumDefault, ""))
		mounts = append(mounts, corev1.VolumeMount{Name: "personalized", MountPath: "/personalized_exercise"})
	}

	resources, err := buildResources(ex, cfg)
	if err != nil {
		return nil, err
	}

	env := []corev1.EnvVar{
		{Name: "SID", Value: j.ID},
		{Name: "REC", Value: cfg.GraderHost},
	}

	deadline := cfg.ActiveDeadlineSeconds
	autoMount := false
	serviceLinks := false

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: "grader-",
			Namespace:    cfg.Namespace,
			Labels: map[string]string{
				GraderLabel:   hostLabel(cfg.GraderHost),
				courseLabel:   SanitizeLabel(course.Name),
				exerciseLabel: SanitizeLabel(ex.Title),
			},
		},
		Spec: corev1.PodSpec{
			ActiveDeadlineSeconds: &deadline,
			InitContainers: []corev1.Container{{
				Name:            initContainerName,
				Image:           cfg.InitImage,
				ImagePullPolicy: corev1.PullIfNotPresent,
				VolumeMounts:    mounts,
				Resources:       resources,
				Env:             env,
			}},
			Containers: []corev1.Container{{
				Name:            mainContainerName,
				Image:           ex.Container.Image,
				Args:            []string{ex.Container.Cmd},
				ImagePullPolicy: corev1.PullIfNotPresent,
				VolumeMounts:    mounts,
				Resources:       resources,
				Env:             env,
			}},
			Volumes:                      volumes,
			RestartPolicy:                corev1.RestartPolicyNever,
			AutomountServiceAccountToken: &autoMount,
			EnableServiceLinks:           &serviceLinks,
		},
	}

	if ex.Container.RequireConstantEnvironment {
		applyConstantEnvironment(pod)
	}

	return pod, nil
}

// applyConstantEnvironment pins the pod to the dedicated node pool and
// forbids two such graders from sharing a node, so measured performance
// stays comparable between submissions.
func applyConstantEnvironment(pod *corev1.Pod) {
	pod.ObjectMeta.Labels[appLabel] = constantEnv
	pod.Spec.Affinity = &corev1.Affinity{
		PodAntiAffinity: &corev1.PodAntiAffinity{
			RequiredDuringSchedulingIgnoredDuringExecution: []corev1.PodAffinityTerm{{
				LabelSelector: &metav1.LabelSelector{
					MatchLabels: map[string]string{appLabel: constantEnv},
				},
				TopologyKey: hostnameTopologyKey,
			}},
		},
	}
	pod.Spec.NodeSelector = map[string]string{appLabel: constantEnv}
	pod.Spec.Tolerations = []corev1.Toleration{{
		Key:      appLabel,
		Operator: corev1.TolerationOpEqual,
		Value:    constantEnv,
	}}
}

// buildResources derives the container resources from the exercise
// config with the configured defaults: the cpu request is half the
// limit, the memory request a fixed small baseline.
func buildResources(ex *catalog.Exercise, cfg *config.Config) (corev1.ResourceRequirements, error) {
	cpuStr := ex.Container.Resources.CPU
	if cpuStr == "" {
		cpuStr = cfg.DefaultCPU
	}
	memStr := ex.Container.Resources.Memory
	if memStr == "" {
		memStr = cfg.DefaultMemory
	}

	cpu, err := resource.ParseQuantity(cpuStr)
	if err != nil {
		return corev1.ResourceRequirements{}, fmt.Errorf("parsing cpu %q: %w", cpuStr, err)
	}
	mem, err := resource.ParseQuantity(memStr)
	if err != nil {
		return corev1.ResourceRequirements{}, fmt.Errorf("parsing memory %q: %w", memStr, err)
	}
	halfCPU := resource.NewMilliQuantity(cpu.MilliValue()/2, resource.DecimalSI)

	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    *halfCPU,
			corev1.ResourceMemory: resource.MustParse("128Mi"),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    cpu,
			corev1.ResourceMemory: mem,
		},
	}, nil
}

func emptyDir(name string, medium corev1.StorageMedium, sizeLimit string) corev1.Volume {
	src := &corev1.EmptyDirVolumeSource{Medium: medium}
	if sizeLimit != "" {
		limit := resource.MustParse(sizeLimit)
		src.SizeLimit = &limit
	}
	return corev1.Volume{
		Name:         name,
		VolumeSource: corev1.VolumeSource{EmptyDir: src},
	}
}
