// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package screening_api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	internal_audio "github.com/callwarden/api/screening-api/internal/audio"
	internal_callrecord "github.com/callwarden/api/screening-api/internal/callrecord"
	internal_coordinator "github.com/callwarden/api/screening-api/internal/coordinator"
	internal_rule "github.com/callwarden/api/screening-api/internal/rule"
	internal_type "github.com/callwarden/api/screening-api/internal/type"
	"github.com/callwarden/config"
	"github.com/callwarden/pkg/commons"
)

// ScreeningApi exposes the platform event intake, the audio push
// channel, the rule-management surface and the read-only call history.
type ScreeningApi struct {
	cfg         *config.AppConfig
	logger      commons.Logger
	rules       internal_rule.Store
	records     internal_callrecord.Store
	coordinator *internal_coordinator.Coordinator
	bridge      *internal_audio.StreamBridge
}

// New creates the HTTP api for the screening service.
func New(
	cfg *config.AppConfig,
	logger commons.Logger,
	rules internal_rule.Store,
	records internal_callrecord.Store,
	coordinator *internal_coordinator.Coordinator,
	bridge *internal_audio.StreamBridge,
) *ScreeningApi {
	return &ScreeningApi{
		cfg:         cfg,
		logger:      logger,
		rules:       rules,
		records:     records,
		coordinator: coordinator,
		bridge:      bridge,
	}
}

// callEventRequest is the platform's call-lifecycle message.
type callEventRequest struct {
	CallID string  `json:"callId" binding:"required"`
	Caller *string `json:"caller"`
	Event  string  `json:"event" binding:"required,oneof=incoming_call call_ended"`
	Time   *int64  `json:"time"` // unix millis; defaults to now
}

// CallEvent receives a platform call event and returns the screening
// decision for incoming calls.
func (a *ScreeningApi) CallEvent(c *gin.Context) {
	var req callEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev := internal_type.CallEvent{
		CallID: req.CallID,
		Caller: req.Caller,
		Kind:   internal_type.CallEventKind(req.Event),
		Time:   time.Now(),
	}
	if req.Time != nil {
		ev.Time = time.UnixMilli(*req.Time)
	}

	decision, err := a.coordinator.HandleEvent(c.Request.Context(), ev)
	if err != nil && !errors.Is(err, internal_type.ErrConcurrentSession) {
		a.logger.Errorw("call event handling failed",
			"callId", req.CallID,
			"error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if decision == nil {
		// call_ended has no decision payload.
		c.JSON(http.StatusAccepted, gin.H{"callId": req.CallID})
		return
	}
	c.JSON(http.StatusOK, decision)
}

// PushAudio accepts one raw audio chunk from the platform for the call
// being recorded. The body is the chunk payload as-is.
func (a *ScreeningApi) PushAudio(c *gin.Context) {
	callID := c.Param("callId")
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty audio chunk"})
		return
	}

	if err := a.bridge.Push(callID, data); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"callId": callID})
}

// EndAudio signals the end of the platform's media for the call.
func (a *ScreeningApi) EndAudio(c *gin.Context) {
	callID := c.Param("callId")
	a.bridge.EndStream(callID, nil)
	c.JSON(http.StatusAccepted, gin.H{"callId": callID})
}

// ruleRequest is the rule create/update payload.
type ruleRequest struct {
	Kind        string `json:"kind" binding:"required,oneof=exact prefix unknown default"`
	Pattern     string `json:"pattern"`
	Action      string `json:"action" binding:"required,oneof=allow reject silent_reject screen_and_record"`
	Enabled     *bool  `json:"enabled"`
	WindowStart string `json:"windowStart"`
	WindowEnd   string `json:"windowEnd"`
}

func (r *ruleRequest) toRule() *internal_rule.Rule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &internal_rule.Rule{
		Kind:        r.Kind,
		Pattern:     r.Pattern,
		Action:      internal_type.Verdict(r.Action),
		Enabled:     enabled,
		WindowStart: r.WindowStart,
		WindowEnd:   r.WindowEnd,
	}
}

// CreateRule stores a new screening rule.
func (a *ScreeningApi) CreateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := req.toRule()
	if _, err := a.rules.Create(c.Request.Context(), rule); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, internal_rule.ErrDuplicateDefault) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// ListRules returns all rules, newest first.
func (a *ScreeningApi) ListRules(c *gin.Context) {
	rules, err := a.rules.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

// UpdateRule mutates an existing rule.
func (a *ScreeningApi) UpdateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := req.toRule()
	rule.RuleID = c.Param("ruleId")
	if err := a.rules.Update(c.Request.Context(), rule); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, internal_rule.ErrDuplicateDefault) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ruleId": rule.RuleID})
}

// DeleteRule removes a rule.
func (a *ScreeningApi) DeleteRule(c *gin.Context) {
	if err := a.rules.Delete(c.Request.Context(), c.Param("ruleId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ruleId": c.Param("ruleId")})
}

// ListRecords returns call-record snapshots, newest first.
func (a *ScreeningApi) ListRecords(c *gin.Context) {
	limit := 100
	records, err := a.records.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// GetRecord returns one call record by callId.
func (a *ScreeningApi) GetRecord(c *gin.Context) {
	record, err := a.records.Get(c.Request.Context(), c.Param("callId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

// Healthz reports process liveness.
func (a *ScreeningApi) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": a.cfg.Name,
		"version": a.cfg.Version,
		"status":  "ok",
	})
}
