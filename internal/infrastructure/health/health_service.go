package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nmstate-agent/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
)

// HealthService provides health check functionality for serve mode
type HealthService struct {
	mu              sync.RWMutex
	clock           interfaces.Clock
	logger          *logrus.Logger
	startTime       time.Time
	journalHealthy  bool
	journalError    error
	backend         string
	openCheckpoints func() int
	sweeps          int64
	recovered       int64
	pruned          int64
	lastSweep       time.Time
	sweepError      error
}

// HealthStatus represents health check status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthResponse is the health check response struct
type HealthResponse struct {
	Status     HealthStatus           `json:"status"`
	Timestamp  string                 `json:"timestamp"`
	Components map[string]interface{} `json:"components"`
	Statistics map[string]interface{} `json:"statistics"`
}

// NewHealthService creates a new HealthService
func NewHealthService(clock interfaces.Clock, logger *logrus.Logger) *HealthService {
	return &HealthService{
		clock:     clock,
		logger:    logger,
		startTime: clock.Now(),
	}
}

// UpdateJournalHealth updates the checkpoint journal health status
func (h *HealthService) UpdateJournalHealth(healthy bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.journalHealthy = healthy
	h.journalError = err
}

// SetBackend sets the state backend name in use
func (h *HealthService) SetBackend(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.backend = name
}

// SetOpenCheckpoints registers the source of the open checkpoint count
func (h *HealthService) SetOpenCheckpoints(count func() int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.openCheckpoints = count
}

// RecordSweep records the outcome of one watchdog cycle
func (h *HealthService) RecordSweep(recovered, pruned int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sweeps++
	h.recovered += int64(recovered)
	h.pruned += int64(pruned)
	h.lastSweep = h.clock.Now()
	h.sweepError = err
}

// ServeHTTP handles the HTTP health check endpoint
func (h *HealthService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := h.buildHealthResponse()

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.WithError(err).Error("failed to encode health check response")
	}
}

func (h *HealthService) buildHealthResponse() HealthResponse {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.clock.Now()

	open := 0
	if h.openCheckpoints != nil {
		open = h.openCheckpoints()
	}

	watchdog := map[string]interface{}{
		"error": h.formatError(h.sweepError),
	}
	if !h.lastSweep.IsZero() {
		watchdog["last_sweep"] = h.lastSweep.Format(time.RFC3339)
	}

	components := map[string]interface{}{
		"journal": map[string]interface{}{
			"healthy": h.journalHealthy,
			"error":   h.formatError(h.journalError),
		},
		"backend": map[string]interface{}{
			"name":             h.backend,
			"open_checkpoints": open,
		},
		"watchdog": watchdog,
	}

	statistics := map[string]interface{}{
		"watchdog_sweeps":       h.sweeps,
		"recovered_checkpoints": h.recovered,
		"pruned_results":        h.pruned,
		"uptime":                h.formatUptime(now.Sub(h.startTime)),
	}

	return HealthResponse{
		Status:     h.determineOverallStatus(),
		Timestamp:  now.Format(time.RFC3339),
		Components: components,
		Statistics: statistics,
	}
}

// determineOverallStatus determines the overall health status
func (h *HealthService) determineOverallStatus() HealthStatus {
	if !h.journalHealthy {
		return StatusUnhealthy
	}
	if h.sweepError != nil {
		return StatusDegraded
	}
	return StatusHealthy
}

func (h *HealthService) formatError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// formatUptime formats uptime duration to human-readable format
func (h *HealthService) formatUptime(duration time.Duration) string {
	days := int(duration.Hours()) / 24
	hours := int(duration.Hours()) % 24
	minutes := int(duration.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd%dh%dm", days, hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%dh%dm", hours, minutes)
	} else {
		return fmt.Sprintf("%dm", minutes)
	}
}
