// Mortality driver — runs the emergent timer council and writes the run
// bundle consumed by the dashboard UI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mortality-lab/mortality/pkg/api"
	"github.com/mortality-lab/mortality/pkg/config"
	"github.com/mortality-lab/mortality/pkg/experiment"
	"github.com/mortality-lab/mortality/pkg/llm"
	"github.com/mortality-lab/mortality/pkg/runtime"
	"github.com/mortality-lab/mortality/pkg/telemetry"
	"github.com/mortality-lab/mortality/pkg/version"
)

const (
	experimentSlug = "emergent-timers"

	wsWriteTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		return 1
	}

	slog.Info("Starting mortality",
		"version", version.Full(),
		"provider", cfg.Experiment.Provider,
		"models", len(cfg.Experiment.Models),
		"live_dashboard", cfg.LiveDashboard)

	recorder := telemetry.NewRecorder()
	sinks := []telemetry.Sink{recorder, telemetry.NewConsoleSink(nil)}

	var dashboard *api.Server
	var wsSink *api.WebSocketSink
	if cfg.LiveDashboard {
		manager := api.NewConnectionManager(wsWriteTimeout)
		wsSink = api.NewWebSocketSink(manager)
		sinks = append(sinks, wsSink)

		dashboard = api.NewServer(manager)
		go func() {
			slog.Info("Dashboard listening", "port", cfg.WSPort)
			if err := dashboard.Start(cfg.WSPort); err != nil {
				slog.Error("Dashboard server error", "error", err)
			}
		}()
	}

	registry := llm.NewRegistry()
	llm.RegisterDefaultClients(registry)
	rt := runtime.New(registry, telemetry.NewMultiSink(sinks...))

	e, err := experiment.NewEmergent(cfg.Experiment)
	if err != nil {
		slog.Error("Invalid experiment config", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	status := "completed"
	result, err := e.Run(ctx, rt)

	var diaries map[string]any
	var metadata map[string]any
	switch {
	case err == nil:
		diaries = result.Diaries
		metadata = result.Metadata
	case errors.Is(err, context.Canceled):
		slog.Info("Run interrupted, snapshotting state")
		status = "interrupted"
		diaries = rt.SnapshotDiaries()
		metadata = map[string]any{
			"interrupted_at": time.Now().Format(time.RFC3339),
			"reason":         "cancelled by Ctrl+C",
		}
	default:
		slog.Error("Experiment failed", "error", err)
		shutdown(rt, dashboard, wsSink)
		return 1
	}
	metadata["status"] = status
	if _, ok := metadata["agent_ids"]; !ok {
		agentIDs := make([]string, 0, len(diaries))
		for agentID := range diaries {
			agentIDs = append(agentIDs, agentID)
		}
		sort.Strings(agentIDs)
		metadata["agent_ids"] = agentIDs
	}

	shutdown(rt, dashboard, wsSink)

	bundle := recorder.BuildBundle(telemetry.BundleInput{
		Experiment:   experimentSlug,
		Config:       configAsMap(cfg.Experiment),
		LLM:          map[string]any{"provider": string(cfg.Experiment.Provider), "models": cfg.Experiment.Models},
		Metadata:     metadata,
		Diaries:      diaries,
		Extra:        map[string]any{"status": status, "version": version.Full()},
		SystemPrompt: cfg.Experiment.EnvironmentPrompt,
	})

	out, err := writeBundle(bundle)
	if err != nil {
		slog.Error("Failed to write bundle", "error", err)
		return 1
	}
	slog.Info("Run finished", "status", status, "bundle", out)

	if status != "completed" {
		return 130
	}
	return 0
}

func shutdown(rt *runtime.Runtime, dashboard *api.Server, wsSink *api.WebSocketSink) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		slog.Error("Runtime shutdown error", "error", err)
	}
	if wsSink != nil {
		wsSink.Close()
	}
	if dashboard != nil {
		if err := dashboard.Shutdown(ctx); err != nil {
			slog.Error("Dashboard shutdown error", "error", err)
		}
	}
}

// writeBundle persists the bundle under runs/ with a timestamped name.
func writeBundle(bundle telemetry.Bundle) (string, error) {
	if err := os.MkdirAll("runs", 0o755); err != nil {
		return "", err
	}
	out := fmt.Sprintf("runs/emergent-%s.json", time.Now().Format("20060102-150405"))
	data, err := json.Marshal(bundle)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", err
	}
	return out, nil
}

func configAsMap(c experiment.EmergentConfig) map[string]any {
	return map[string]any{
		"provider":             string(c.Provider),
		"models":               c.Models,
		"replicas_per_model":   c.ReplicasPerModel,
		"spread_start_minutes": c.SpreadStartMinutes,
		"spread_end_minutes":   c.SpreadEndMinutes,
		"tick_seconds":         c.TickSeconds,
		"tick_seconds_max":     c.TickSecondsMax,
		"tick_jitter_ms":       c.TickJitterMs,
		"diary_limit":          c.DiaryLimit,
	}
}
