// Command nvr runs the multi-camera detection-triggered recorder: one
// Recorder per configured camera stream, a dispatcher routing bus
// messages to the recorders bound to each topic, an operational audit
// log, and a read-only status API.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Spatial-NVR/SpatialNVR/internal/api"
	"github.com/Spatial-NVR/SpatialNVR/internal/audit"
	"github.com/Spatial-NVR/SpatialNVR/internal/bus"
	"github.com/Spatial-NVR/SpatialNVR/internal/config"
	"github.com/Spatial-NVR/SpatialNVR/internal/dispatch"
	"github.com/Spatial-NVR/SpatialNVR/internal/logging"
	"github.com/Spatial-NVR/SpatialNVR/internal/recording"
)

const defaultConfigPath = "/data/config.yaml"

// shutdownGrace bounds how long main waits for in-flight finalization
// to finish after a shutdown signal, beyond which it exits anyway.
const shutdownGrace = 2 * time.Minute

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logBuffer := logging.NewRingBuffer(1000)
	logger := slog.New(logging.NewStreamHandler(logBuffer, os.Stdout, logLevel))
	slog.SetDefault(logger)

	configPath := getEnv("CONFIG_PATH", defaultConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	auditLog, err := audit.Open(cfg.Audit.Path, logger)
	if err != nil {
		logger.Error("failed to open audit log", "path", cfg.Audit.Path, "error", err)
		os.Exit(1)
	}
	defer func() { _ = auditLog.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brokerConn, err := bus.Connect(bus.Config{
		Host:             cfg.Bus.Host,
		Port:             cfg.Bus.Port,
		Username:         cfg.Bus.Username,
		Password:         cfg.Bus.Password,
		KeepaliveSeconds: cfg.Bus.KeepaliveSeconds,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to message bus", "error", err)
		os.Exit(1)
	}
	defer brokerConn.Close()

	recorders := buildRecorders(cfg, logger)
	for deviceID, byStream := range recorders {
		for streamType, rec := range byStream {
			if err := rec.EnsureDirs(); err != nil {
				logger.Error("failed to create recorder directories", "device_id", deviceID, "stream_type", streamType, "error", err)
				os.Exit(1)
			}
		}
	}

	statusSources := make([]api.StatusSource, 0, len(recorders))
	triggersByTopic := make(map[string][]dispatch.Trigger)
	for deviceID, byStream := range recorders {
		cam := cfg.Cameras[deviceID]
		for _, rec := range byStream {
			statusSources = append(statusSources, rec)
			triggersByTopic[cam.Topic] = append(triggersByTopic[cam.Topic], rec)
		}
	}

	apiServer := api.New(statusSources, auditLog, logBuffer, logger)
	wireTransitionLogging(recorders, auditLog, apiServer.Hub())

	d := dispatch.New(triggersByTopic, logger)
	if err := d.Subscribe(brokerConn); err != nil {
		logger.Error("failed to subscribe dispatcher", "error", err)
		os.Exit(1)
	}

	go apiServer.Run()

	httpServer := &http.Server{
		Addr:    cfg.API.Addr,
		Handler: apiServer.Router(),
	}
	go func() {
		logger.Info("status API listening", "addr", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status API server failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	for deviceID, byStream := range recorders {
		for streamType, rec := range byStream {
			wg.Add(1)
			go func(deviceID, streamType string, rec *recording.Recorder) {
				defer wg.Done()
				rec.Run(ctx)
			}(deviceID, streamType, rec)
			logger.Info("recorder started", "device_id", deviceID, "stream_type", streamType)
		}
	}

	logger.Info("nvr started", "cameras", len(cfg.Cameras))

	<-ctx.Done()
	logger.Info("shutdown signal received, waiting for in-flight finalization", "grace", shutdownGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	// ctx cancellation already propagated to every recorder's Run;
	// wait for their goroutines to exit, bounded by shutdownGrace so a
	// stuck finalization can't hang the process indefinitely.
	recordersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(recordersDone)
	}()

	select {
	case <-recordersDone:
	case <-time.After(shutdownGrace):
		logger.Warn("shutdown grace period elapsed with recorders still running")
	}
}

// buildRecorders constructs one Recorder per (device, stream) pair
// named in the configuration.
func buildRecorders(cfg *config.Config, logger *slog.Logger) map[string]map[string]*recording.Recorder {
	recorders := make(map[string]map[string]*recording.Recorder, len(cfg.Cameras))
	for deviceID, cam := range cfg.Cameras {
		recorders[deviceID] = make(map[string]*recording.Recorder, len(cam.Streams))
		for streamType, stream := range cam.Streams {
			recorders[deviceID][streamType] = recording.NewRecorder(deviceID, streamType, stream, cfg, logger)
		}
	}
	return recorders
}

// wireTransitionLogging registers callbacks on every recorder that
// append state transitions and finalization outcomes to the audit log
// and broadcast them to connected status-stream clients.
func wireTransitionLogging(recorders map[string]map[string]*recording.Recorder, auditLog *audit.Log, hub *api.Hub) {
	for _, byStream := range recorders {
		for _, rec := range byStream {
			rec.OnTransition(func(from, to recording.State, correlationID string) {
				auditLog.Record(context.Background(), audit.Event{
					CorrelationID: correlationID,
					DeviceID:      rec.DeviceID,
					StreamType:    rec.StreamType,
					FromState:     string(from),
					ToState:       string(to),
				})
				hub.Broadcast("transition", rec.Status())
			})
			rec.OnFinalized(func(outcome recording.FinalizeOutcome) {
				detail := "ok"
				if outcome.Aborted {
					detail = "aborted"
				} else if outcome.Err != nil {
					detail = outcome.Err.Error()
				}
				auditLog.Record(context.Background(), audit.Event{
					CorrelationID: outcome.CorrelationID,
					DeviceID:      outcome.DeviceID,
					StreamType:    outcome.StreamType,
					FromState:     string(recording.StateFinalizing),
					ToState:       string(recording.StateIdle),
					Detail:        detail,
				})
				hub.Broadcast("finalized", outcome)
			})
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
