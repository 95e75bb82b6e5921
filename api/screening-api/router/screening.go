// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package screening_routers

import (
	"github.com/gin-gonic/gin"

	screeningApi "github.com/callwarden/api/screening-api/api"
	internal_audio "github.com/callwarden/api/screening-api/internal/audio"
	internal_callrecord "github.com/callwarden/api/screening-api/internal/callrecord"
	internal_coordinator "github.com/callwarden/api/screening-api/internal/coordinator"
	internal_rule "github.com/callwarden/api/screening-api/internal/rule"
	"github.com/callwarden/config"
	"github.com/callwarden/pkg/commons"
)

// ScreeningRoutes registers the call-event intake, rule management and
// call-history endpoints.
func ScreeningRoutes(
	cfg *config.AppConfig,
	engine *gin.Engine,
	logger commons.Logger,
	rules internal_rule.Store,
	records internal_callrecord.Store,
	coordinator *internal_coordinator.Coordinator,
	bridge *internal_audio.StreamBridge,
) {
	logger.Info("Screening routes added to engine.")
	api := screeningApi.New(cfg, logger, rules, records, coordinator, bridge)

	apiv1 := engine.Group("v1")
	{
		// platform call-lifecycle intake
		apiv1.POST("/calls/event", api.CallEvent)
		apiv1.POST("/calls/:callId/audio", api.PushAudio)
		apiv1.POST("/calls/:callId/audio/end", api.EndAudio)

		// rule management (settings surface)
		apiv1.POST("/rules", api.CreateRule)
		apiv1.GET("/rules", api.ListRules)
		apiv1.PUT("/rules/:ruleId", api.UpdateRule)
		apiv1.DELETE("/rules/:ruleId", api.DeleteRule)

		// read-only call history
		apiv1.GET("/records", api.ListRecords)
		apiv1.GET("/records/:callId", api.GetRecord)
	}

	engine.GET("/healthz", api.Healthz)
}
