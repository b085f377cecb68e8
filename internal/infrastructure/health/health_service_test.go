package health

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nmstate-agent/internal/infrastructure/adapters"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthService_ServeHTTP(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(h *HealthService)
		method       string
		expectedCode int
		expected     HealthStatus
	}{
		{
			name:         "저널 연결 전에는 unhealthy",
			setup:        func(h *HealthService) {},
			method:       http.MethodGet,
			expectedCode: http.StatusServiceUnavailable,
			expected:     StatusUnhealthy,
		},
		{
			name: "정상",
			setup: func(h *HealthService) {
				h.UpdateJournalHealth(true, nil)
				h.RecordSweep(1, 2, nil)
			},
			method:       http.MethodGet,
			expectedCode: http.StatusOK,
			expected:     StatusHealthy,
		},
		{
			name: "watchdog 실패는 degraded",
			setup: func(h *HealthService) {
				h.UpdateJournalHealth(true, nil)
				h.RecordSweep(0, 0, errors.New("journal scan failed"))
			},
			method:       http.MethodGet,
			expectedCode: http.StatusOK,
			expected:     StatusDegraded,
		},
		{
			name:         "GET 이외 메서드 거부",
			setup:        func(h *HealthService) {},
			method:       http.MethodPost,
			expectedCode: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := logrus.New()
			logger.SetOutput(io.Discard)
			clock := adapters.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
			h := NewHealthService(clock, logger)
			h.SetBackend("memory")
			h.SetOpenCheckpoints(func() int { return 1 })
			tt.setup(h)
			clock.Advance(25 * time.Hour)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, "/", nil))

			assert.Equal(t, tt.expectedCode, rec.Code)
			if tt.expected == "" {
				return
			}
			var resp HealthResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.expected, resp.Status)
			assert.Equal(t, "1d1h0m", resp.Statistics["uptime"])
			backend := resp.Components["backend"].(map[string]interface{})
			assert.Equal(t, "memory", backend["name"])
			assert.Equal(t, float64(1), backend["open_checkpoints"])
		})
	}
}
