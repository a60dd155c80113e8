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

// The watcher follows grading pods in the cluster and publishes their
// normalized lifecycle events to the event bus consumed by cmd/grader.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/edukube/grader/bus"
	"github.com/edukube/grader/config"
	"github.com/edukube/grader/logrusutil"
	"github.com/edukube/grader/metrics"
	"github.com/edukube/grader/watch"
)

type options struct {
	masterURL  string
	kubeConfig string
	configPath string

	metricsPort int
}

func (o *options) validate() error {
	if o.configPath == "" {
		return errors.New("--config-path must be set")
	}
	return nil
}

func parseOptions() options {
	var o options
	flag.StringVar(&o.masterURL, "masterurl", "", "URL to k8s master")
	flag.StringVar(&o.kubeConfig, "kubeconfig", "", "Cluster config for the cluster you want to connect to")
	flag.StringVar(&o.configPath, "config-path", "", "Path to config.yaml.")
	flag.IntVar(&o.metricsPort, "metrics-port", 9091, "Prometheus metrics port")
	flag.Parse()
	if err := o.validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid flag options")
	}
	return o
}

func loadClusterConfig(masterURL, kubeConfig string) (*rest.Config, error) {
	clusterConfig, err := clientcmd.BuildConfigFromFlags(masterURL, kubeConfig)
	if err == nil {
		return clusterConfig, nil
	}
	credentials, err := clientcmd.NewDefaultClientConfigLoadingRules().Load()
	if err != nil {
		return nil, fmt.Errorf("could not load credentials from config: %w", err)
	}
	return clientcmd.NewDefaultClientConfig(*credentials, &clientcmd.ConfigOverrides{}).ClientConfig()
}

func main() {
	o := parseOptions()
	logrusutil.Init("watcher")

	cfg, err := config.Load(o.configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Error loading config")
	}
	if cfg.BusURL == "" {
		logrus.Fatal("bus_url must be set, the watcher runs in its own process and needs a shared bus")
	}

	clusterConfig, err := loadClusterConfig(o.masterURL, o.kubeConfig)
	if err != nil {
		logrus.WithError(err).Fatal("Error loading cluster config")
	}
	client, err := kubernetes.NewForConfig(clusterConfig)
	if err != nil {
		logrus.WithError(err).Fatal("Error building cluster client")
	}

	publisher, err := bus.DialAMQP(cfg.BusURL)
	if err != nil {
		logrus.WithError(err).Fatal("Error connecting to event bus")
	}
	defer publisher.Close()

	go metrics.Serve(o.metricsPort)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logrus.Info("Shutting down.")
		cancel()
	}()

	watch.New(client, cfg.Namespace, publisher).Run(ctx)
}
