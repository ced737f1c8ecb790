/*
Copyright 2025 The Urpo Authors.

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

// Package app wires the urpo daemon: storage, write path, degradation
// control, metrics, OTLP receivers, and the read-only HTTP API.
package app

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/yairfalse/urpo/cmd/urpo/app/options"
	"github.com/yairfalse/urpo/pkg/api"
	"github.com/yairfalse/urpo/pkg/degradation"
	"github.com/yairfalse/urpo/pkg/metrics"
	"github.com/yairfalse/urpo/pkg/query"
	"github.com/yairfalse/urpo/pkg/receiver"
	"github.com/yairfalse/urpo/pkg/storage"
)

// monitorInterval is the pressure sampling cadence.
const monitorInterval = time.Second

// shutdownGrace bounds graceful server drains.
const shutdownGrace = 10 * time.Second

// UrpoServer owns the daemon's components and background loops.
type UrpoServer struct {
	config *options.UrpoConfig

	store    *storage.Store
	writer   *storage.Writer
	ctrl     *degradation.Controller
	agg      *metrics.Aggregator
	exec     *query.Executor
	receiver *receiver.Receiver
	apiSrv   *api.Server

	statsdClient *statsd.Client
	exitChan     chan struct{}
}

// NewUrpoServer builds the daemon from its configuration.
func NewUrpoServer(config *options.UrpoConfig) (*UrpoServer, error) {
	cleanupCfg := storage.DefaultCleanupConfig()
	cleanupCfg.MaxMemoryBytes = int64(config.MaxMemoryMB) * 1024 * 1024
	cleanupCfg.Retention = config.Retention
	cleanupCfg.CleanupInterval = config.CleanupInterval

	store := storage.NewStoreWithConfig(config.MaxSpans, cleanupCfg)

	writer, err := storage.NewWriter(store, storage.WriterConfig{
		RingCapacity:  config.RingCapacity,
		BatchSize:     config.BatchSize,
		FlushInterval: config.FlushInterval,
		MaxRetries:    3,
		PoolCapacity:  config.PoolCapacity,
	})
	if err != nil {
		return nil, err
	}

	ctrl := degradation.NewController(config.DegradationConfig())
	ctrl.Sampler().SetRate(config.SamplingRate)
	writer.SetGate(ctrl.Sampler())

	agg := metrics.NewAggregator(config.MetricsWindow)
	writer.SetObserver(agg)

	s := &UrpoServer{
		config:   config,
		store:    store,
		writer:   writer,
		ctrl:     ctrl,
		agg:      agg,
		exitChan: make(chan struct{}),
	}

	if config.StatsdAddress != "" {
		client, err := statsd.New(config.StatsdAddress)
		if err != nil {
			klog.Errorf("Disabling statsd, cannot reach %s: %v", config.StatsdAddress, err)
		} else {
			s.statsdClient = client
			agg.SetStatsd(client)
		}
	}

	s.exec = query.NewExecutor(store, writer, agg, ctrl)
	s.receiver = receiver.New(receiver.Config{
		GRPCAddress: config.OTLPGRPCAddress,
		HTTPAddress: config.OTLPHTTPAddress,
	}, writer)
	s.apiSrv = api.NewServer(config.APIAddress, s.exec)
	return s, nil
}

// Run starts everything and blocks until SIGINT or SIGTERM.
func (s *UrpoServer) Run() error {
	pflag.VisitAll(func(flag *pflag.Flag) {
		klog.V(2).Infof("FLAG: --%s=%q", flag.Name, flag.Value)
	})

	s.writer.Start()
	if err := s.receiver.Start(); err != nil {
		return err
	}
	if err := s.apiSrv.Start(); err != nil {
		return err
	}
	initMetrics(s.config.MetricsAddress, s.store, s.writer, s.ctrl)

	go s.monitorLoop()
	go s.cleanupLoop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	klog.V(0).Infof("Received signal %v, shutting down", sig)

	s.shutdown()
	return nil
}

func (s *UrpoServer) shutdown() {
	close(s.exitChan)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Stop intake first so the final flush sees a quiesced ring.
	s.receiver.Stop(ctx)
	s.writer.ForceFlush()
	s.writer.Close()
	s.apiSrv.Stop(ctx)
	if s.statsdClient != nil {
		s.statsdClient.Close()
	}
	klog.Flush()
}

// monitorLoop samples pressure once per second and feeds the degradation
// controller. CPU pressure is approximated by the GC CPU fraction; error
// pressure is the store's processing error rate.
func (s *UrpoServer) monitorLoop() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	var memStats runtime.MemStats
	for {
		select {
		case <-s.exitChan:
			return
		case <-ticker.C:
			runtime.ReadMemStats(&memStats)
			stats := s.store.GetStats()
			s.ctrl.UpdatePressure(stats.MemoryPressure, memStats.GCCPUFraction, stats.ErrorRate)

			// Tighten retention when degraded; never loosen past the
			// configured horizon.
			retention := s.config.Retention
			if modeRetention := s.ctrl.Mode().Retention(); modeRetention < retention {
				retention = modeRetention
			}
			s.store.SetRetention(retention)
		}
	}
}

// cleanupLoop runs the store's tiered cleanup on its interval and prunes
// idle metric windows.
func (s *UrpoServer) cleanupLoop() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.exitChan:
			klog.V(2).Infof("Exiting cleanup goroutine")
			return
		case <-ticker.C:
			if s.store.ShouldCleanup() {
				s.store.EmergencyCleanup()
			}
			s.agg.CleanupInactive(time.Now().Add(-15 * time.Minute))
		}
	}
}
