// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_type

import (
	"context"
	"time"
)

// Verdict is the screening disposition for an incoming call.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictReject          Verdict = "reject"
	VerdictSilentReject    Verdict = "silent_reject"
	VerdictScreenAndRecord Verdict = "screen_and_record"
)

// RecordingState tracks the capture outcome on a call record.
type RecordingState string

const (
	RecordingNotRecording RecordingState = "not_recording"
	RecordingActive       RecordingState = "recording"
	RecordingFinalized    RecordingState = "finalized"
	RecordingFailed       RecordingState = "failed"
)

// CallEventKind discriminates platform call-lifecycle events.
type CallEventKind string

const (
	EventIncomingCall CallEventKind = "incoming_call"
	EventCallEnded    CallEventKind = "call_ended"
)

// CallEvent is the message-passing boundary with the platform telephony
// collaborator. Caller is nil for blocked/anonymous numbers.
type CallEvent struct {
	CallID string
	Caller *string
	Kind   CallEventKind
	Time   time.Time
}

// AudioStream yields the finite per-call sequence of raw audio chunks.
// Chunks is closed when the source ends (call dropped, media torn down);
// Err reports why, nil meaning a clean end. Release must be safe to call
// more than once and on every exit path.
type AudioStream interface {
	Chunks() <-chan []byte
	Err() error
	Release()
}

// AudioSource acquires the device audio route for one call. The route is
// an exclusive resource: a second Acquire before the prior stream's
// Release must fail.
type AudioSource interface {
	Acquire(ctx context.Context, callID string) (AudioStream, error)
}

// ArtifactRef identifies a finalized recording artifact.
type ArtifactRef struct {
	Path string `json:"path"`
}

// Sink is the durable chunk store for one call's audio.
//
// Append persists a sequence-numbered chunk; sequence numbers from the
// capture session are strictly increasing and gapless. Finalize writes the
// terminal marker and returns the artifact reference; a call directory
// without the marker is a truncated recording on recovery.
type Sink interface {
	Prepare(ctx context.Context, callID string) error
	Append(ctx context.Context, callID string, seq uint64, data []byte) error
	Finalize(ctx context.Context, callID string) (*ArtifactRef, error)
}
