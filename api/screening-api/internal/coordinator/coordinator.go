// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	internal_callrecord "github.com/callwarden/api/screening-api/internal/callrecord"
	internal_capture "github.com/callwarden/api/screening-api/internal/capture"
	internal_engine "github.com/callwarden/api/screening-api/internal/engine"
	internal_type "github.com/callwarden/api/screening-api/internal/type"
	"github.com/callwarden/pkg/commons"
)

// SessionFactory builds a capture session for one call record. Injected
// so tests can substitute sessions with controlled sinks and clocks.
type SessionFactory func(callID string) *internal_capture.Session

// TruncationScanner finds recordings that never reached finalize.
type TruncationScanner interface {
	RecoverTruncated(ctx context.Context) ([]string, error)
}

// Decision is what the platform collaborator gets back for an incoming
// call: the verdict to act on plus the recording outcome so far.
type Decision struct {
	CallID         string                       `json:"callId"`
	Verdict        internal_type.Verdict        `json:"verdict"`
	RecordingState internal_type.RecordingState `json:"recordingState"`
	Diagnostic     string                       `json:"diagnostic,omitempty"`
}

// Coordinator is the single point translating platform call-lifecycle
// events into engine invocations and capture session lifecycle calls.
//
// It owns the single-active-recording invariant: at most one session is
// live at any time, and a new session cannot start until the prior one
// has released the audio source. A second call arriving while a session
// is active is still screened independently — the screening step is
// never dropped — but its recording is refused with a concurrent-session
// conflict instead of being merged into the active capture.
type Coordinator struct {
	engine     *internal_engine.Engine
	records    internal_callrecord.Store
	source     internal_type.AudioSource
	newSession SessionFactory
	logger     commons.Logger

	mu     sync.Mutex
	active *internal_capture.Session
}

// NewCoordinator wires the decision engine and capture pipeline behind
// the platform event intake.
func NewCoordinator(
	engine *internal_engine.Engine,
	records internal_callrecord.Store,
	source internal_type.AudioSource,
	newSession SessionFactory,
	logger commons.Logger,
) *Coordinator {
	return &Coordinator{
		engine:     engine,
		records:    records,
		source:     source,
		newSession: newSession,
		logger:     logger,
	}
}

// HandleEvent dispatches one platform call event.
func (c *Coordinator) HandleEvent(ctx context.Context, ev internal_type.CallEvent) (*Decision, error) {
	switch ev.Kind {
	case internal_type.EventIncomingCall:
		return c.handleIncomingCall(ctx, ev)
	case internal_type.EventCallEnded:
		c.handleCallEnded(ctx, ev)
		return nil, nil
	}
	return nil, fmt.Errorf("unknown call event kind %q", ev.Kind)
}

func (c *Coordinator) handleIncomingCall(ctx context.Context, ev internal_type.CallEvent) (*Decision, error) {
	now := ev.Time
	if now.IsZero() {
		now = time.Now()
	}

	verdict, diag := c.engine.Decide(ev.Caller, now)
	decision := &Decision{
		CallID:  ev.CallID,
		Verdict: verdict,
	}
	if diag != nil {
		decision.Diagnostic = diag.Error()
		c.logger.Warnw("decision engine diagnostic",
			"callId", ev.CallID,
			"diagnostic", diag.Error())
	}

	record := &internal_callrecord.CallRecord{
		CallID:         ev.CallID,
		Verdict:        verdict,
		RecordingState: internal_type.RecordingNotRecording,
		StartedDate:    now,
	}
	if ev.Caller != nil {
		record.Caller = *ev.Caller
		record.CallerPresent = true
	}

	if verdict != internal_type.VerdictScreenAndRecord {
		if err := c.records.Create(ctx, record); err != nil {
			return decision, err
		}
		decision.RecordingState = internal_type.RecordingNotRecording
		return decision, nil
	}

	return c.startRecording(ctx, record, decision)
}

// startRecording creates the record in the recording state and starts a
// capture session bound to it, holding the session slot lock so two
// starts can never interleave around the exclusive audio source.
func (c *Coordinator) startRecording(ctx context.Context, record *internal_callrecord.CallRecord, decision *Decision) (*Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeLocked() != nil {
		// Invariant violation path: screening already happened above,
		// only the recording is refused.
		c.logger.Errorw("concurrent capture session refused",
			"callId", record.CallID,
			"activeCallId", c.active.CallID())
		record.RecordingState = internal_type.RecordingFailed
		record.Note = "concurrent capture session conflict"
		if err := c.records.Create(ctx, record); err != nil {
			return decision, err
		}
		decision.RecordingState = internal_type.RecordingFailed
		decision.Diagnostic = internal_type.ErrConcurrentSession.Error()
		return decision, internal_type.ErrConcurrentSession
	}

	record.RecordingState = internal_type.RecordingActive
	if err := c.records.Create(ctx, record); err != nil {
		return decision, err
	}

	session := c.newSession(record.CallID)
	if err := session.Start(ctx, c.source); err != nil {
		// The session already marked the record failed; the call
		// disposition is unaffected.
		c.logger.Warnw("recording unavailable for call",
			"callId", record.CallID,
			"error", err.Error())
		decision.RecordingState = internal_type.RecordingFailed
		decision.Diagnostic = err.Error()
		return decision, nil
	}

	c.active = session
	go func() {
		<-session.Done()
		c.clearActive(session)
	}()

	decision.RecordingState = internal_type.RecordingActive
	return decision, nil
}

func (c *Coordinator) handleCallEnded(ctx context.Context, ev internal_type.CallEvent) {
	c.mu.Lock()
	session := c.activeLocked()
	c.mu.Unlock()

	if session == nil || session.CallID() != ev.CallID {
		c.logger.Debugf("call ended with no active session: callId=%s", ev.CallID)
		return
	}

	result := session.Stop(ctx)
	c.logger.Infof("capture session stopped: callId=%s, state=%s, durationMs=%d",
		ev.CallID, result.State, result.DurationMs)
}

// activeLocked returns the live session, treating terminal sessions as
// already gone. Callers must hold c.mu.
func (c *Coordinator) activeLocked() *internal_capture.Session {
	if c.active == nil {
		return nil
	}
	switch c.active.State() {
	case internal_capture.StateFinalized, internal_capture.StateFailed:
		c.active = nil
		return nil
	}
	return c.active
}

func (c *Coordinator) clearActive(session *internal_capture.Session) {
	c.mu.Lock()
	if c.active == session {
		c.active = nil
	}
	c.mu.Unlock()
}

// Shutdown aborts any active session so the process can exit without
// leaking the audio source or leaving a record stuck in "recording".
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	session := c.activeLocked()
	c.mu.Unlock()

	if session == nil {
		return
	}
	result := session.Abort("service shutting down")
	c.logger.Infof("active session aborted on shutdown: callId=%s, state=%s",
		session.CallID(), result.State)
}

// ReconcileTruncated repairs records left in the recording state by a
// crash: call directories without a terminal marker become failed
// records with a truncation note.
func (c *Coordinator) ReconcileTruncated(ctx context.Context, scanner TruncationScanner) error {
	callIDs, err := scanner.RecoverTruncated(ctx)
	if err != nil {
		return err
	}
	for _, callID := range callIDs {
		if err := c.records.MarkFailed(ctx, callID, "truncated: no terminal marker"); err != nil {
			// Records already terminal are fine; only log.
			c.logger.Debugf("truncation reconcile skipped: callId=%s (%v)", callID, err)
			continue
		}
		c.logger.Warnw("reconciled truncated recording", "callId", callID)
	}
	return nil
}
