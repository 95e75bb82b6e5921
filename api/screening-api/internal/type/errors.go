// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_type

import "errors"

// Failure taxonomy. All of these are local and recoverable: answering or
// rejecting a call never blocks on a storage or audio fault.
var (
	// ErrRuleStoreUnavailable is a diagnostic from the decision engine;
	// the returned verdict is still valid (fail-open Allow).
	ErrRuleStoreUnavailable = errors.New("rule store unavailable")

	// ErrDeadlineExceeded means rule evaluation ran out of budget and the
	// engine failed closed to the safe default verdict.
	ErrDeadlineExceeded = errors.New("decision deadline exceeded")

	// ErrAudioSourceUnavailable means the capture session could not acquire
	// the audio route; no partial artifact exists.
	ErrAudioSourceUnavailable = errors.New("audio source unavailable")

	// ErrStorageWrite covers chunk flush and finalize failures. Chunks
	// already flushed stay durable.
	ErrStorageWrite = errors.New("storage write failure")

	// ErrConcurrentSession is the coordinator's single-active-recording
	// invariant firing on a second start.
	ErrConcurrentSession = errors.New("concurrent capture session")
)
