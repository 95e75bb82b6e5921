// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_callrecord

import (
	"time"

	"gorm.io/gorm"

	internal_type "github.com/callwarden/api/screening-api/internal/type"
)

// CallRecord is one call's screening and recording outcome.
//
// Created at verdict time by the coordinator, mutated only by the capture
// session that owns it while recording, immutable once the recording
// state reaches finalized or failed. Stored in sqlite (call_records
// table). External readers (history surface) get read-only snapshots.
type CallRecord struct {
	Id     uint64 `json:"id" gorm:"primaryKey;autoIncrement;<-:create"`
	CallID string `json:"callId" gorm:"column:call_id;type:varchar(64);not null;uniqueIndex"`

	// Caller is empty for blocked/anonymous identities; CallerPresent
	// distinguishes "anonymous" from "empty string number".
	Caller        string `json:"caller" gorm:"column:caller;type:varchar(50);not null;default:''"`
	CallerPresent bool   `json:"callerPresent" gorm:"column:caller_present;not null;default:false"`

	Verdict        internal_type.Verdict        `json:"verdict" gorm:"column:verdict;type:varchar(30);not null"`
	RecordingState internal_type.RecordingState `json:"recordingState" gorm:"column:recording_state;type:varchar(20);not null"`

	// ArtifactPath is set once the recording finalizes.
	ArtifactPath string `json:"artifactPath" gorm:"column:artifact_path;type:text;not null;default:''"`

	// Note carries terminal context: truncation, conflict, failure cause.
	Note string `json:"note" gorm:"column:note;type:text;not null;default:''"`

	DurationMs  int64     `json:"durationMs" gorm:"column:duration_ms;not null;default:0"`
	StartedDate time.Time `json:"startedDate" gorm:"column:started_date;type:timestamp;not null;<-:create"`
	UpdatedDate time.Time `json:"updatedDate" gorm:"column:updated_date;type:timestamp;default:null"`
}

func (CallRecord) TableName() string {
	return "call_records"
}

func (cr *CallRecord) BeforeCreate(tx *gorm.DB) (err error) {
	if cr.StartedDate.IsZero() {
		cr.StartedDate = time.Now()
	}
	if cr.RecordingState == "" {
		cr.RecordingState = internal_type.RecordingNotRecording
	}
	return nil
}

// Terminal reports whether the record can no longer be mutated.
func (cr *CallRecord) Terminal() bool {
	return cr.RecordingState == internal_type.RecordingFinalized ||
		cr.RecordingState == internal_type.RecordingFailed
}
