// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	internal_audio "github.com/callwarden/api/screening-api/internal/audio"
	internal_callrecord "github.com/callwarden/api/screening-api/internal/callrecord"
	internal_capture "github.com/callwarden/api/screening-api/internal/capture"
	internal_coordinator "github.com/callwarden/api/screening-api/internal/coordinator"
	internal_engine "github.com/callwarden/api/screening-api/internal/engine"
	internal_rule "github.com/callwarden/api/screening-api/internal/rule"
	screening_routers "github.com/callwarden/api/screening-api/router"
	"github.com/callwarden/config"
	"github.com/callwarden/pkg/commons"
	"github.com/callwarden/pkg/connectors"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	v, err := config.InitConfig()
	if err != nil {
		log.Fatalf("configuration load failed: %v", err)
	}
	cfg, err := config.GetApplicationConfig(v)
	if err != nil {
		log.Fatalf("configuration invalid: %v", err)
	}

	logger, err := commons.NewApplicationLogger(
		commons.Name(cfg.Name),
		commons.Path(cfg.LogPath),
		commons.Level(cfg.LogLevel),
	)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	connector, err := connectors.NewSqliteConnector(cfg.SqlitePath, logger)
	if err != nil {
		logger.Errorw("database open failed", "error", err.Error())
		return
	}
	defer connector.Close()
	if err := connector.AutoMigrate(&internal_rule.Rule{}, &internal_callrecord.CallRecord{}); err != nil {
		logger.Errorw("database migration failed", "error", err.Error())
		return
	}

	ruleStore := internal_rule.NewStore(connector, logger)
	recordStore := internal_callrecord.NewStore(connector, logger)

	snapshots := internal_rule.NewSnapshotHolder(ruleStore, logger)
	engine := internal_engine.NewEngine(snapshots, logger,
		internal_engine.WithDeadline(time.Duration(cfg.DecisionDeadlineMs)*time.Millisecond))

	// Telephony sources push µ-law; chunks are decoded to linear16 before
	// buffering, so the persisted artifact is linear16 at the source rate.
	sourceCfg := internal_audio.NewMulaw8khzMonoAudioConfig()
	sinkCfg := internal_audio.NewLinear8khzMonoAudioConfig()
	sink, err := internal_capture.NewFileSink(cfg.RecordingsDir, sinkCfg, cfg.MinFreeBytes, logger)
	if err != nil {
		logger.Errorw("recordings directory unusable", "error", err.Error())
		return
	}
	bridge := internal_audio.NewStreamBridge(logger)

	newSession := func(callID string) *internal_capture.Session {
		return internal_capture.NewSession(callID, sink, recordStore, logger,
			internal_capture.WithBufferThreshold(cfg.BufferThresholdBytes),
			internal_capture.WithFlushInterval(time.Duration(cfg.FlushIntervalMs)*time.Millisecond),
			internal_capture.WithStopGrace(time.Duration(cfg.StopGraceMs)*time.Millisecond),
			internal_capture.WithMaxDuration(time.Duration(cfg.MaxRecordingMs)*time.Millisecond),
			internal_capture.WithSourceAudioConfig(sourceCfg),
		)
	}
	coordinator := internal_coordinator.NewCoordinator(engine, recordStore, bridge, newSession, logger)

	if err := coordinator.ReconcileTruncated(rootCtx, sink); err != nil {
		logger.Warnw("truncation reconcile failed", "error", err.Error())
	}

	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())
	screening_routers.ScreeningRoutes(cfg, ginEngine, logger, ruleStore, recordStore, coordinator, bridge)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           ginEngine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(rootCtx)
	group.Go(func() error {
		snapshots.Run(groupCtx, time.Duration(cfg.RuleRefreshMs)*time.Millisecond)
		return nil
	})
	group.Go(func() error {
		logger.Infof("screening api listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		coordinator.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Errorw("screening api exited", "error", err.Error())
	}
}
