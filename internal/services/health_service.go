package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"devicehub/internal/config"
	"devicehub/pkg/contracts"
)

// ClientCounter reports open websocket transports.
type ClientCounter interface {
	ClientCount() int
}

// OnlineCounter reports devices with a live transport.
type OnlineCounter interface {
	OnlineCount() int
}

// HealthService provides health check functionality
type HealthService struct {
	paths     *config.Paths
	driver    string
	hub       ClientCounter
	presence  OnlineCounter
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Runtime   map[string]interface{}   `json:"runtime,omitempty"`
	Services  map[string]ServiceHealth `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewHealthService creates a health service.
func NewHealthService(paths *config.Paths, driver string, hub ClientCounter, presence OnlineCounter, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		paths:     paths,
		driver:    driver,
		hub:       hub,
		presence:  presence,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// HealthCheck reports readiness of storage directories plus runtime
// counters. Status is "ok" or "degraded".
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   contracts.Version,
		Services: map[string]ServiceHealth{
			"storage":   hs.checkDir(hs.paths.DataDir, hs.driver),
			"artifacts": hs.checkDir(hs.paths.ArtifactsDir, ""),
		},
		Runtime: map[string]interface{}{
			"uptime_seconds": time.Since(hs.startTime).Seconds(),
			"go_version":     runtime.Version(),
			"goroutines":     runtime.NumGoroutine(),
		},
	}
	if hs.hub != nil {
		status.Runtime["websocket_clients"] = hs.hub.ClientCount()
	}
	if hs.presence != nil {
		status.Runtime["devices_online"] = hs.presence.OnlineCount()
	}

	for name, svc := range status.Services {
		if svc.Status != "ready" {
			status.Status = "degraded"
			hs.logger.WarnContext(ctx, "health check degraded",
				slog.String("service", name),
				slog.String("message", svc.Message))
		}
	}
	return status
}

func (hs *HealthService) checkDir(dir, note string) ServiceHealth {
	info, err := os.Stat(dir)
	if err != nil {
		return ServiceHealth{Status: "not_ready", Message: fmt.Sprintf("directory unavailable: %v", err)}
	}
	if !info.IsDir() {
		return ServiceHealth{Status: "not_ready", Message: fmt.Sprintf("%s is not a directory", dir)}
	}
	return ServiceHealth{Status: "ready", Message: note}
}
