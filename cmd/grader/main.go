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

// The grader orchestrator: submission intake, container dispatch, event
// consumption, result upload and retention cleanup in one binary. The
// pod watch runs separately, see cmd/watcher.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/edukube/grader/bus"
	"github.com/edukube/grader/catalog"
	"github.com/edukube/grader/cleaner"
	"github.com/edukube/grader/config"
	"github.com/edukube/grader/consume"
	"github.com/edukube/grader/dispatch"
	"github.com/edukube/grader/jobstore"
	"github.com/edukube/grader/logrusutil"
	"github.com/edukube/grader/metrics"
	"github.com/edukube/grader/server"
	"github.com/edukube/grader/upload"
	"github.com/edukube/grader/watch"
	"github.com/edukube/grader/workspace"
)

type options struct {
	masterURL  string
	kubeConfig string
	configPath string

	port        int
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
	flag.IntVar(&o.port, "port", 8080, "HTTP port for intake and container callbacks")
	flag.IntVar(&o.metricsPort, "metrics-port", 9090, "Prometheus metrics port")
	flag.Parse()
	if err := o.validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid flag options")
	}
	return o
}

// loadClusterConfig prefers in-cluster configuration and falls back to
// the default loading rules.
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
	logrusutil.Init("grader")

	cfg, err := config.Load(o.configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Error loading config")
	}
	getConfig := config.Getter(func() *config.Config { return cfg })

	clusterConfig, err := loadClusterConfig(o.masterURL, o.kubeConfig)
	if err != nil {
		logrus.WithError(err).Fatal("Error loading cluster config")
	}
	client, err := kubernetes.NewForConfig(clusterConfig)
	if err != nil {
		logrus.WithError(err).Fatal("Error building cluster client")
	}

	store, err := jobstore.Open(cfg.StorePath)
	if err != nil {
		logrus.WithError(err).Fatal("Error opening job store")
	}
	defer store.Close()

	cat, err := catalog.Load(cfg.CoursesDir)
	if err != nil {
		logrus.WithError(err).Fatal("Error loading course catalog")
	}
	spaces, err := workspace.NewManager(cfg.WorkspaceRoot)
	if err != nil {
		logrus.WithError(err).Fatal("Error preparing workspace root")
	}

	var eventBus interface {
		bus.Publisher
		bus.Consumer
	}
	// Without a broker the pod watch has to live in this process too:
	// nothing else can feed an in-process queue.
	inProcessBus := cfg.BusURL == ""
	if inProcessBus {
		logrus.Warn("No bus_url configured, using the in-process bus and watcher; this is only sound on a single node.")
		eventBus = bus.NewMemBus(bus.DefaultVisibilityTimeout)
	} else {
		amqpBus, err := bus.DialAMQP(cfg.BusURL)
		if err != nil {
			logrus.WithError(err).Fatal("Error connecting to event bus")
		}
		eventBus = amqpBus
	}
	defer eventBus.Close()

	dispatcher := dispatch.New(client, store, eventBus, getConfig)
	uploader := upload.New(store, cat, spaces, getConfig)
	consumer := consume.New(eventBus, store, uploader)
	sweeper := cleaner.New(client, store, spaces, getConfig)
	srv := server.New(store, cat, spaces, dispatcher, uploader, getConfig)

	go metrics.Serve(o.metricsPort)

	watcherCtx, stopWatcher := context.WithCancel(context.Background())
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	workerCtx, stopWorkers := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	if inProcessBus {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watch.New(client, cfg.Namespace, eventBus).Run(watcherCtx)
		}()
	}
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := consumer.Run(consumerCtx); err != nil {
			logrus.WithError(err).Error("Consumer exited.")
		}
	}()
	go func() {
		defer wg.Done()
		uploader.Run(workerCtx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(workerCtx)
	}()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", o.port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logrus.WithField("port", o.port).Info("Serving HTTP.")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logrus.Info("Shutting down.")

	// Stop taking new work first, then let the consumer drain in-flight
	// deliveries before the upload pool goes away.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout.Duration)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Error shutting down HTTP server.")
	}

	stopWatcher()
	time.Sleep(cfg.DrainTimeout.Duration)
	stopConsumer()
	stopWorkers()
	wg.Wait()
}
