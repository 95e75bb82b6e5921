// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_engine

import (
	"time"

	internal_rule "github.com/callwarden/api/screening-api/internal/rule"
	internal_type "github.com/callwarden/api/screening-api/internal/type"
	"github.com/callwarden/pkg/commons"
)

// SnapshotProvider hands the engine the current in-memory rule set.
// Returning nil means the rule store is unavailable.
type SnapshotProvider interface {
	Current() *internal_rule.Snapshot
}

// Engine produces a screening verdict for an incoming call. Decide runs
// synchronously on the caller's goroutine with no I/O: all rule data is
// already in memory via the snapshot provider. The platform gives us a
// ~5 second response window; the configured deadline keeps engine work
// well inside it.
//
// Fail-open policy: on any internal fault (no snapshot, deadline blown)
// the verdict is Allow with a diagnostic error. Legitimate calls are
// never blocked by an engine malfunction.
type Engine struct {
	snapshots SnapshotProvider
	logger    commons.Logger
	deadline  time.Duration
	// clock is injectable for testing; defaults to time.Now.
	clock func() time.Time
}

// Option configures a new Engine.
type Option func(*Engine)

// WithDeadline overrides the evaluation deadline.
func WithDeadline(d time.Duration) Option {
	return func(e *Engine) { e.deadline = d }
}

// WithClock overrides the deadline clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// DefaultDeadline bounds engine-internal work; the platform ceiling is
// about 5 seconds, so 2 leaves margin for dispatch overhead.
const DefaultDeadline = 2 * time.Second

// NewEngine creates a decision engine reading rules from snapshots.
func NewEngine(snapshots SnapshotProvider, logger commons.Logger, opts ...Option) *Engine {
	e := &Engine{
		snapshots: snapshots,
		logger:    logger,
		deadline:  DefaultDeadline,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide returns the verdict for the caller at time now. The verdict is
// always usable; a non-nil error is a diagnostic condition
// (ErrRuleStoreUnavailable, ErrDeadlineExceeded), never a failed
// disposition.
//
// Evaluation order: exact > prefix > unknown > default; within a tier the
// most recently created rule wins. A rule only matches while its daily
// window (if any) contains now. No enabled rule matching means the
// implicit fallback Allow.
func (e *Engine) Decide(caller *string, now time.Time) (internal_type.Verdict, error) {
	snap := e.snapshots.Current()
	if snap == nil {
		e.logger.Warnw("rule snapshot unavailable, failing open",
			"verdict", internal_type.VerdictAllow)
		return internal_type.VerdictAllow, internal_type.ErrRuleStoreUnavailable
	}

	started := e.clock()
	for tier := 0; tier <= 3; tier++ {
		rules := snap.Tier(tier)
		for i := range rules {
			// The deadline is non-negotiable: a pathological rule set
			// fails closed to the safe default rather than running over.
			if e.clock().Sub(started) > e.deadline {
				e.logger.Errorw("decision deadline exceeded, failing open",
					"rules", snap.Len(),
					"deadline", e.deadline.String())
				return internal_type.VerdictAllow, internal_type.ErrDeadlineExceeded
			}
			r := &rules[i]
			if !r.MatchesCaller(caller) || !r.ActiveAt(now) {
				continue
			}
			e.logger.Debugf("rule matched: ruleId=%s, kind=%s, action=%s",
				r.RuleID, r.Kind, r.Action)
			return r.Action, nil
		}
	}
	return internal_type.VerdictAllow, nil
}
