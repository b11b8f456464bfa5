package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/actuator"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/coordinator"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/engine"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/history"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/metrics"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/notify"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/store"
)

func init() { gin.SetMode(gin.TestMode) }

type env struct {
	st     *store.Memory
	router *gin.Engine
	fail   bool
}

func newEnv(t *testing.T, checks ...Check) *env {
	t.Helper()
	e := &env{st: store.NewMemory()}
	sink := &notify.Recorder{}
	rec := history.NewRecorder(e.st, sink)
	act := actuator.Func(func(context.Context, model.DeviceCommand) (model.DeviceResponse, error) {
		if e.fail {
			return model.DeviceResponse{Success: false, ErrorCode: "PUMP_JAMMED", Message: "stuck"}, nil
		}
		return model.DeviceResponse{Success: true}, nil
	})
	coord := coordinator.New(coordinator.Config{Grace: -1}, act, rec, e.st, sink)
	require.NoError(t, e.st.UpsertSchedule(context.Background(), model.WateringSchedule{
		ID: "s1", DeviceID: "D1", Name: "morning", CronExpression: "0 7 * * *", WaterAmountMl: 100, IsActive: false,
	}))
	e.router = NewRouter(Deps{
		Waterer:       coord,
		History:       rec,
		Schedules:     e.st,
		Registry:      engine.NewRegistry(),
		Metrics:       metrics.New(),
		Checks:        checks,
		AverageWindow: 10,
	})
	return e
}

func (e *env) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var resp Response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestWaterNow(t *testing.T) {
	e := newEnv(t)

	w, resp := e.do(t, http.MethodPost, "/devices/D1/water", `{"waterAmountMl":120,"initiatedBy":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "success", resp.Message)

	list, err := e.st.ListHistory(context.Background(), "D1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.WateringManual, list[0].WateringType)
	assert.Equal(t, "alice", list[0].InitiatedBy)
	assert.Equal(t, 120, list[0].WaterAmountMl)
}

func TestWaterNow_DeviceFailure(t *testing.T) {
	e := newEnv(t)
	e.fail = true

	w, resp := e.do(t, http.MethodPost, "/devices/D1/water", `{"waterAmountMl":50}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, resp.Message, "PUMP_JAMMED")
}

func TestWaterNow_BadRequest(t *testing.T) {
	e := newEnv(t)
	for _, body := range []string{`{}`, `{"waterAmountMl":0}`, `not json`} {
		w, _ := e.do(t, http.MethodPost, "/devices/D1/water", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestHistoryAndStats(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 3; i++ {
		w, _ := e.do(t, http.MethodPost, "/devices/D1/water", `{"waterAmountMl":100}`)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, resp := e.do(t, http.MethodGet, "/devices/D1/history?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp.Data, 2)

	w, _ = e.do(t, http.MethodGet, "/devices/D1/history?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = e.do(t, http.MethodGet, "/devices/D9/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{}, resp.Data)

	w, resp = e.do(t, http.MethodGet, "/devices/D1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 3, stats["successful"])
	assert.EqualValues(t, 300, stats["totalWaterMl"])
}

func TestSchedules(t *testing.T) {
	e := newEnv(t)

	w, resp := e.do(t, http.MethodGet, "/schedules", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp.Data, 1)

	w, _ = e.do(t, http.MethodGet, "/schedules/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp = e.do(t, http.MethodPut, "/schedules/s1/active", `{"isActive":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sched, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, sched["isActive"])

	active, err := e.st.GetActiveSchedules(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 1)

	w, _ = e.do(t, http.MethodPut, "/schedules/missing/active", `{"isActive":true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = e.do(t, http.MethodPut, "/schedules/s1/active", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndReady(t *testing.T) {
	healthy := true
	e := newEnv(t, Check{Name: "store", Fn: func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("down")
	}})

	w, _ := e.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	healthy = false
	w, _ = e.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w, _ = e.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "down", body.Checks["store"])
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/devices/D1/water", `{"waterAmountMl":10}`)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
