// Package api is the operations HTTP surface: health, metrics, manual
// watering and read access to history and schedule state.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/engine"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/history"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/metrics"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/store"
)

// Waterer runs manual waterings; implemented by the coordinator.
type Waterer interface {
	WaterNow(ctx context.Context, deviceID string, amountMl int, initiatedBy string) (model.WateringHistory, error)
}

// HistoryReader is implemented by history.Recorder.
type HistoryReader interface {
	List(ctx context.Context, deviceID string, limit int) ([]model.WateringHistory, error)
	Stats(ctx context.Context, deviceID string, limit int) (history.Stats, error)
	AverageIntervalHours(ctx context.Context, deviceID string, limit int) (float64, error)
}

// Check is a named dependency probe used by /healthz and /readyz.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Deps struct {
	Waterer       Waterer
	History       HistoryReader
	Schedules     store.ScheduleAdmin
	Registry      *engine.Registry
	Metrics       *metrics.Metrics
	Checks        []Check
	AverageWindow int
}

type handler struct {
	Deps
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	h := &handler{Deps: d}
	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)
	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	devices := r.Group("/devices/:id")
	{
		devices.POST("/water", h.waterNow)
		devices.GET("/history", h.history)
		devices.GET("/stats", h.stats)
	}

	schedules := r.Group("/schedules")
	{
		schedules.GET("", h.listSchedules)
		schedules.GET("/:id", h.getSchedule)
		schedules.PUT("/:id/active", h.setActive)
	}
	return r
}

func (h *handler) runChecks(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out := make(map[string]string, len(h.Checks))
	allOK := true
	for _, c := range h.Checks {
		if err := c.Fn(ctx); err != nil {
			out[c.Name] = err.Error()
			allOK = false
			continue
		}
		out[c.Name] = "ok"
	}
	return out, allOK
}

func (h *handler) health(c *gin.Context) {
	checks, ok := h.runChecks(c.Request.Context())
	status := "ok"
	if !ok {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "checks": checks})
}

func (h *handler) ready(c *gin.Context) {
	checks, ok := h.runChecks(c.Request.Context())
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"ready": ok, "checks": checks})
}

type waterRequest struct {
	WaterAmountMl int    `json:"waterAmountMl" binding:"required,min=1"`
	InitiatedBy   string `json:"initiatedBy"`
}

func (h *handler) waterNow(c *gin.Context) {
	deviceID := strings.TrimSpace(c.Param("id"))
	var req waterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	entry, err := h.Waterer.WaterNow(c.Request.Context(), deviceID, req.WaterAmountMl, req.InitiatedBy)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	switch entry.Outcome {
	case model.OutcomeSuccess:
		success(c, entry)
	case model.OutcomeSkipped:
		respond(c, http.StatusConflict, entry.Reason, entry)
	default:
		respond(c, http.StatusBadGateway, entry.Reason, entry)
	}
}

func limitParam(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		badRequest(c, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func (h *handler) history(c *gin.Context) {
	limit, ok := limitParam(c, 50)
	if !ok {
		return
	}
	list, err := h.History.List(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		internalError(c, err.Error())
		return
	}
	if list == nil {
		list = []model.WateringHistory{}
	}
	success(c, list)
}

func (h *handler) stats(c *gin.Context) {
	limit, ok := limitParam(c, 0)
	if !ok {
		return
	}
	st, err := h.History.Stats(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		internalError(c, err.Error())
		return
	}
	if avg, err := h.History.AverageIntervalHours(c.Request.Context(), c.Param("id"), h.AverageWindow); err == nil {
		st.AverageIntervalHours = avg
	}
	success(c, st)
}

type scheduleView struct {
	model.WateringSchedule
	Evaluation *engine.EvalState `json:"evaluation,omitempty"`
}

func (h *handler) view(s model.WateringSchedule) scheduleView {
	v := scheduleView{WateringSchedule: s}
	if h.Registry != nil {
		if st, ok := h.Registry.Get(s.ID); ok {
			v.Evaluation = &st
		}
	}
	return v
}

func (h *handler) listSchedules(c *gin.Context) {
	list, err := h.Schedules.ListSchedules(c.Request.Context())
	if err != nil {
		internalError(c, err.Error())
		return
	}
	out := make([]scheduleView, 0, len(list))
	for _, s := range list {
		out = append(out, h.view(s))
	}
	success(c, out)
}

func (h *handler) getSchedule(c *gin.Context) {
	s, err := h.Schedules.GetSchedule(c.Request.Context(), c.Param("id"))
	if errors.Is(err, model.ErrNotFound) {
		notFound(c, err.Error())
		return
	}
	if err != nil {
		internalError(c, err.Error())
		return
	}
	success(c, h.view(s))
}

// setActive re-enables a schedule after it was disabled for device failures.
func (h *handler) setActive(c *gin.Context) {
	var req struct {
		IsActive *bool `json:"isActive" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	err := h.Schedules.SetActive(c.Request.Context(), c.Param("id"), *req.IsActive)
	if errors.Is(err, model.ErrNotFound) {
		notFound(c, err.Error())
		return
	}
	if err != nil {
		internalError(c, err.Error())
		return
	}
	h.getSchedule(c)
}
