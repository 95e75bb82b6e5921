// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_callrecord

import (
	"context"
	"fmt"
	"time"

	internal_type "github.com/callwarden/api/screening-api/internal/type"
	"github.com/callwarden/pkg/commons"
	"github.com/callwarden/pkg/connectors"
)

// Store provides operations to save and retrieve call records from
// sqlite.
//
// Records are single-writer: only the capture session owning a record may
// move it out of the "recording" state, and the terminal transitions are
// guarded with a status predicate so a late abort can never clobber a
// finalize (or the other way round).
type Store interface {
	// Create stores a new call record at verdict time.
	Create(ctx context.Context, cr *CallRecord) error

	// Get retrieves a record by callId regardless of state.
	Get(ctx context.Context, callID string) (*CallRecord, error)

	// List retrieves records newest first, capped at limit (0 = all).
	List(ctx context.Context, limit int) ([]CallRecord, error)

	// MarkFinalized atomically transitions recording→finalized, attaching
	// the artifact path, duration and an optional note. Fails when the
	// record is not in the recording state.
	MarkFinalized(ctx context.Context, callID, artifactPath string, durationMs int64, note string) error

	// MarkFailed atomically transitions recording→failed with a cause
	// note. Fails when the record is not in the recording state.
	MarkFailed(ctx context.Context, callID, note string) error
}

type sqliteStore struct {
	sqlite connectors.SqliteConnector
	logger commons.Logger
}

// NewStore creates a new call record store backed by sqlite.
func NewStore(sqlite connectors.SqliteConnector, logger commons.Logger) Store {
	return &sqliteStore{sqlite: sqlite, logger: logger}
}

func (s *sqliteStore) Create(ctx context.Context, cr *CallRecord) error {
	db := s.sqlite.DB(ctx)
	if err := db.Create(cr).Error; err != nil {
		return fmt.Errorf("failed to save call record %s: %w", cr.CallID, err)
	}
	s.logger.Infof("saved call record: callId=%s, verdict=%s, recording=%s",
		cr.CallID, cr.Verdict, cr.RecordingState)
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, callID string) (*CallRecord, error) {
	db := s.sqlite.DB(ctx)
	var cr CallRecord
	if err := db.Where("call_id = ?", callID).First(&cr).Error; err != nil {
		return nil, fmt.Errorf("call record not found: %s: %w", callID, err)
	}
	return &cr, nil
}

func (s *sqliteStore) List(ctx context.Context, limit int) ([]CallRecord, error) {
	db := s.sqlite.DB(ctx).Order("started_date DESC, id DESC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	var records []CallRecord
	if err := db.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}
	return records, nil
}

func (s *sqliteStore) MarkFinalized(ctx context.Context, callID, artifactPath string, durationMs int64, note string) error {
	return s.transition(ctx, callID, internal_type.RecordingFinalized, map[string]interface{}{
		"recording_state": internal_type.RecordingFinalized,
		"artifact_path":   artifactPath,
		"duration_ms":     durationMs,
		"note":            note,
		"updated_date":    time.Now(),
	})
}

func (s *sqliteStore) MarkFailed(ctx context.Context, callID, note string) error {
	return s.transition(ctx, callID, internal_type.RecordingFailed, map[string]interface{}{
		"recording_state": internal_type.RecordingFailed,
		"note":            note,
		"updated_date":    time.Now(),
	})
}

// transition applies a terminal update only while the record is still in
// the recording state. Exactly one terminal transition can win.
func (s *sqliteStore) transition(ctx context.Context, callID string, to internal_type.RecordingState, updates map[string]interface{}) error {
	db := s.sqlite.DB(ctx)
	result := db.Model(&CallRecord{}).
		Where("call_id = ? AND recording_state = ?", callID, internal_type.RecordingActive).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to mark call record %s %s: %w", callID, to, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("call record %s not found or not recording", callID)
	}
	s.logger.Debugf("call record transition: callId=%s, recording=%s", callID, to)
	return nil
}
