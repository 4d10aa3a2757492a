// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command orbitmeshd assembles and runs the OrbitMesh control plane: the
// agent registry, session manager, job dispatcher, workflow engine, trigger
// service, and metrics endpoint. Transport (how agent sessions physically
// connect) is left to the caller's Handler/Transport implementation, per
// spec §6's abstract RPC contract.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/dispatcher"
	"github.com/orbitmesh/orbitmesh/internal/jobstore"
	"github.com/orbitmesh/orbitmesh/internal/log"
	"github.com/orbitmesh/orbitmesh/internal/registry"
	"github.com/orbitmesh/orbitmesh/internal/session"
	"github.com/orbitmesh/orbitmesh/internal/stepexec"
	"github.com/orbitmesh/orbitmesh/internal/telemetry"
	"github.com/orbitmesh/orbitmesh/internal/trigger"
	"github.com/orbitmesh/orbitmesh/internal/workflow/engine"
	"github.com/orbitmesh/orbitmesh/internal/workflow/store"
	"github.com/orbitmesh/orbitmesh/pkg/eventlog"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		workflowsDir = flag.String("workflows-dir", "./workflows", "Directory of *.workflow.yaml definitions")
		metricsAddr  = flag.String("metrics-addr", ":9090", "Address the Prometheus metrics endpoint listens on")
		eventLogPath = flag.String("event-log", "", "Path to the sqlite event log (empty: in-memory, non-durable)")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("orbitmeshd %s (commit %s)\n", version, commit)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *workflowsDir, *metricsAddr, *eventLogPath); err != nil {
		logger.Error("orbitmeshd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, workflowsDir, metricsAddr, eventLogPath string) error {
	events, err := newEventStore(eventLogPath)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}

	reg := registry.New(registry.DefaultConfig(), events)
	reg.StartHeartbeatSweep(ctx)

	sessions := session.NewManager(noopHandler, logger)

	jobs := jobstore.NewMemoryStore(events)
	dispatchCfg := dispatcher.DefaultConfig()
	dispatchCfg.Logger = logger
	disp := dispatcher.New(dispatchCfg, jobs, reg, sessions)
	disp.Start(ctx)
	defer disp.Stop()

	defs, err := store.NewWorkflowDefinitionStore(workflowsDir, "", logger)
	if err != nil {
		return fmt.Errorf("opening workflow definition store: %w", err)
	}
	defer defs.Close()

	instances := store.NewMemoryInstanceStore(events)

	exec := stepexec.New(
		stepexec.WithJobRunner(disp, jobs),
		stepexec.WithLogger(logger),
	)
	eng := engine.New(defs, instances, exec, logger, engine.DefaultConfig())
	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recovering in-flight workflow instances: %w", err)
	}
	eng.StartApprovalSweep(ctx)
	defer eng.Stop()

	triggerSvc, err := trigger.NewService(trigger.Config{
		Defs:    defs,
		Starter: eng,
		Events:  eng,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("building trigger service: %w", err)
	}
	if err := triggerSvc.Start(ctx); err != nil {
		return fmt.Errorf("starting trigger service: %w", err)
	}
	defer triggerSvc.Stop()

	telemetryProvider, err := telemetry.NewProvider("orbitmesh", version)
	if err != nil {
		return fmt.Errorf("starting telemetry: %w", err)
	}
	defer telemetryProvider.Shutdown(context.Background())
	telemetryProvider.Collector.SetInstanceCounter(instances)

	metricsServer := &http.Server{Addr: metricsAddr, Handler: telemetryProvider.MetricsHandler()}
	go pollDispatcherGauges(ctx, disp, telemetryProvider)
	go func() {
		logger.Info("metrics endpoint listening", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("orbitmeshd started", "version", version, "workflows_dir", workflowsDir)
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return metricsServer.Shutdown(shutdownCtx)
}

func newEventStore(path string) (eventlog.Store, error) {
	if path == "" {
		return eventlog.NewMemoryStore(), nil
	}
	return eventlog.NewSQLiteStore(eventlog.SQLiteConfig{Path: path, WAL: true})
}

// pollDispatcherGauges samples the dispatcher's queue depth into the
// telemetry gauge every second, since the dispatcher has no push hook of
// its own for this value.
func pollDispatcherGauges(ctx context.Context, disp *dispatcher.Dispatcher, provider *telemetry.Provider) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			provider.Collector.SetQueueDepth(disp.QueueDepth())
		}
	}
}

// noopHandler rejects every inbound RPC. Replace with a real Handler once a
// Transport implementation (spec §6) is wired into the session manager.
func noopHandler(agentID, method string, params json.RawMessage) (any, error) {
	return nil, fmt.Errorf("no handler configured for method %q from agent %q", method, agentID)
}
