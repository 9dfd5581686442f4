package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Dv04/DAU-MAU-counter/internal/accountant"
	"github.com/Dv04/DAU-MAU-counter/internal/apperr"
	"github.com/Dv04/DAU-MAU-counter/internal/domain"
	"github.com/Dv04/DAU-MAU-counter/internal/dto"
	"github.com/Dv04/DAU-MAU-counter/internal/pipeline"
)

// stubEngine is a lightweight hand-written double: the engine's behavior
// under test is almost entirely about HTTP status/shape translation, which
// a few fixed fields cover more plainly than a full mock.Mock expectation
// set would.
type stubEngine struct {
	ingested []pipeline.IncomingEvent
	daily    map[string]*pipeline.ReleaseResult
	dauErr   error
}

func (s *stubEngine) Ingest(ctx context.Context, events []pipeline.IncomingEvent) error {
	s.ingested = append(s.ingested, events...)
	return nil
}

func (s *stubEngine) ReleaseDAU(ctx context.Context, day string) (*pipeline.ReleaseResult, error) {
	if s.dauErr != nil {
		return nil, s.dauErr
	}
	if result, ok := s.daily[day]; ok {
		return result, nil
	}
	return &pipeline.ReleaseResult{Day: day, BudgetSnapshot: &accountant.Snapshot{RDPCurve: map[float64]float64{}}}, nil
}

func (s *stubEngine) ReleaseMAU(ctx context.Context, end string, windowDays int) (*pipeline.ReleaseResult, error) {
	return &pipeline.ReleaseResult{Day: end, WindowDays: windowDays, BudgetSnapshot: &accountant.Snapshot{RDPCurve: map[float64]float64{}}}, nil
}

func (s *stubEngine) BudgetSnapshot(ctx context.Context, metric domain.Metric, day string) (*accountant.Snapshot, error) {
	return &accountant.Snapshot{Metric: metric, Period: day[:7], RDPCurve: map[float64]float64{}}, nil
}

func TestHandler_Health(t *testing.T) {
	h := NewHandler(&stubEngine{}, zap.NewNop(), nil, "", 30, "test")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp dto.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandler_PostEvent_RejectsMalformedBody(t *testing.T) {
	h := NewHandler(&stubEngine{}, zap.NewNop(), nil, "", 30, "test")

	req := httptest.NewRequest(http.MethodPost, "/event", bytes.NewBufferString(`{"events":[{"user_id":""}]}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_PostEvent_RequiresAPIKeyWhenConfigured(t *testing.T) {
	h := NewHandler(&stubEngine{}, zap.NewNop(), nil, "secret-key", 30, "test")

	body, _ := json.Marshal(dto.IngestEventsRequest{Events: []dto.EventModel{{UserID: "alice", Op: "+", Day: "2026-01-01"}}})
	req := httptest.NewRequest(http.MethodPost, "/event", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_PostEvent_AcceptsValidBatch(t *testing.T) {
	engine := &stubEngine{}
	h := NewHandler(engine, zap.NewNop(), nil, "", 30, "test")

	body, _ := json.Marshal(dto.IngestEventsRequest{Events: []dto.EventModel{{UserID: "alice", Op: "+", Day: "2026-01-01"}}})
	req := httptest.NewRequest(http.MethodPost, "/event", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	var resp dto.IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Ingested)
	assert.Len(t, engine.ingested, 1)
}

func TestHandler_GetDAU_ReturnsMetricResponse(t *testing.T) {
	engine := &stubEngine{
		daily: map[string]*pipeline.ReleaseResult{
			"2026-01-15": {
				Day: "2026-01-15", Raw: 120, Estimate: 118.4, CILow: 100, CIHigh: 136,
				Epsilon: 0.3, Mechanism: domain.MechanismLaplace, SketchImpl: "kmv",
				BudgetSnapshot: &accountant.Snapshot{EpsilonCap: 3, EpsilonRemaining: 2.7, RDPCurve: map[float64]float64{}},
			},
		},
	}
	h := NewHandler(engine, zap.NewNop(), nil, "", 30, "test")

	req := httptest.NewRequest(http.MethodGet, "/dau/2026-01-15?include_raw=true", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp dto.MetricResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 118.4, resp.Estimate)
	assert.Equal(t, "test", resp.Version)
	require.NotNil(t, resp.Raw)
	assert.Equal(t, float64(120), *resp.Raw)
}

func TestHandler_GetDAU_BudgetExhaustedReturns429(t *testing.T) {
	engine := &stubEngine{
		dauErr: &apperr.BudgetExhausted{Metric: "DAU", Cap: 3, Spent: 3, Remaining: 0, ResetMonth: "2026-01"},
	}
	h := NewHandler(engine, zap.NewNop(), nil, "", 30, "test")

	req := httptest.NewRequest(http.MethodGet, "/dau/2026-01-15", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	var resp dto.BudgetExhaustedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "budget_exhausted", resp.Error)
	assert.Equal(t, "2026-02-01", resp.NextReset)
}

func TestHandler_GetBudget_RejectsUnknownMetric(t *testing.T) {
	h := NewHandler(&stubEngine{}, zap.NewNop(), nil, "", 30, "test")

	req := httptest.NewRequest(http.MethodGet, "/budget/weekly?day=2026-01-15", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
