// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_callrecord "github.com/callwarden/api/screening-api/internal/callrecord"
	internal_type "github.com/callwarden/api/screening-api/internal/type"
	"github.com/callwarden/pkg/commons"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeStream struct {
	ch  chan []byte
	err error

	mu       sync.Mutex
	released bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan []byte, 16)}
}

func (s *fakeStream) Chunks() <-chan []byte { return s.ch }

func (s *fakeStream) Err() error { return s.err }

func (s *fakeStream) Release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

func (s *fakeStream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakeSource struct {
	stream *fakeStream
	err    error
}

func (s *fakeSource) Acquire(ctx context.Context, callID string) (internal_type.AudioStream, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.stream, nil
}

// blockingSource parks Acquire until the test releases it, so tests can
// interleave termination with acquisition.
type blockingSource struct {
	stream  *fakeStream
	entered chan struct{}
	release chan struct{}
}

func newBlockingSource(stream *fakeStream) *blockingSource {
	return &blockingSource{
		stream:  stream,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *blockingSource) Acquire(ctx context.Context, callID string) (internal_type.AudioStream, error) {
	close(s.entered)
	<-s.release
	return s.stream, nil
}

// memSink collects appended chunks in memory and can be made slow or
// failing per operation. It keeps an ordered event log so tests can
// assert write/marker ordering.
type memSink struct {
	mu            sync.Mutex
	prepareErr    error
	appendErr     error
	appendDelay   time.Duration
	finalizeErr   error
	finalizeDelay time.Duration
	seqs          []uint64
	data          []byte
	events        []string
	finalized     bool
}

func (s *memSink) record(event string) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *memSink) Prepare(ctx context.Context, callID string) error {
	return s.prepareErr
}

func (s *memSink) Append(ctx context.Context, callID string, seq uint64, data []byte) error {
	s.record("append-start")
	if s.appendDelay > 0 {
		time.Sleep(s.appendDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.seqs = append(s.seqs, seq)
	s.data = append(s.data, data...)
	s.events = append(s.events, "append-end")
	return nil
}

func (s *memSink) Finalize(ctx context.Context, callID string) (*internal_type.ArtifactRef, error) {
	if s.finalizeDelay > 0 {
		time.Sleep(s.finalizeDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalizeErr != nil {
		return nil, s.finalizeErr
	}
	s.finalized = true
	s.events = append(s.events, "finalize")
	return &internal_type.ArtifactRef{Path: "mem://" + callID}, nil
}

func (s *memSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *memSink) Seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seqs...)
}

func (s *memSink) Data() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

func (s *memSink) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// memRecords mimics the guarded terminal transition of the sqlite store:
// the first terminal transition wins, later ones error.
type memRecords struct {
	mu        sync.Mutex
	failDelay time.Duration
	terminal  map[string]internal_type.RecordingState
	notes     map[string]string
	artifacts map[string]string
}

func newMemRecords() *memRecords {
	return &memRecords{
		terminal:  make(map[string]internal_type.RecordingState),
		notes:     make(map[string]string),
		artifacts: make(map[string]string),
	}
}

func (r *memRecords) Create(ctx context.Context, cr *internal_callrecord.CallRecord) error {
	return nil
}

func (r *memRecords) Get(ctx context.Context, callID string) (*internal_callrecord.CallRecord, error) {
	return nil, errors.New("not implemented")
}

func (r *memRecords) List(ctx context.Context, limit int) ([]internal_callrecord.CallRecord, error) {
	return nil, nil
}

func (r *memRecords) MarkFinalized(ctx context.Context, callID, artifactPath string, durationMs int64, note string) error {
	return r.transition(callID, internal_type.RecordingFinalized, artifactPath, note)
}

func (r *memRecords) MarkFailed(ctx context.Context, callID, note string) error {
	if r.failDelay > 0 {
		time.Sleep(r.failDelay)
	}
	return r.transition(callID, internal_type.RecordingFailed, "", note)
}

func (r *memRecords) transition(callID string, to internal_type.RecordingState, artifactPath, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.terminal[callID]; done {
		return fmt.Errorf("call record %s not found or not recording", callID)
	}
	r.terminal[callID] = to
	r.notes[callID] = note
	r.artifacts[callID] = artifactPath
	return nil
}

func (r *memRecords) State(callID string) internal_type.RecordingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal[callID]
}

func (r *memRecords) Note(callID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notes[callID]
}

// ============================================================================
// Test helpers
// ============================================================================

func newSessionFixture(t *testing.T, opts ...Option) (*Session, *fakeStream, *memSink, *memRecords) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	stream := newFakeStream()
	sink := &memSink{}
	records := newMemRecords()
	session := NewSession("call-1", sink, records, logger, opts...)
	return session, stream, sink, records
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ============================================================================
// Start failures
// ============================================================================

func TestStartFailsWhenStoragePreparationFails(t *testing.T) {
	session, stream, sink, records := newSessionFixture(t)
	sink.prepareErr = errors.New("disk full")

	err := session.Start(context.Background(), &fakeSource{stream: stream})
	require.Error(t, err)
	assert.Equal(t, StateFailed, session.State())
	assert.Equal(t, internal_type.RecordingFailed, records.State("call-1"))
	assert.Contains(t, records.Note("call-1"), "storage unavailable")
}

func TestStartFailsWhenSourceUnavailable(t *testing.T) {
	session, _, _, records := newSessionFixture(t)

	err := session.Start(context.Background(), &fakeSource{err: errors.New("busy")})
	require.Error(t, err)
	assert.ErrorIs(t, err, internal_type.ErrAudioSourceUnavailable)
	assert.Equal(t, StateFailed, session.State())
	assert.Equal(t, internal_type.RecordingFailed, records.State("call-1"))
	assert.Contains(t, records.Note("call-1"), "audio source unavailable")

	result := session.Result()
	require.NotNil(t, result)
	assert.Nil(t, result.Artifact, "a failed start must leave no partial artifact")
}

func TestStartTwiceIsRejected(t *testing.T) {
	session, stream, _, _ := newSessionFixture(t)

	require.NoError(t, session.Start(context.Background(), &fakeSource{stream: stream}))
	assert.Error(t, session.Start(context.Background(), &fakeSource{stream: stream}))

	session.Stop(context.Background())
}

// ============================================================================
// Capture and clean stop
// ============================================================================

func TestCleanStopProducesOrderedGaplessChunks(t *testing.T) {
	session, stream, sink, records := newSessionFixture(t,
		WithBufferThreshold(4),
		WithFlushInterval(10*time.Millisecond),
	)
	require.NoError(t, session.Start(context.Background(), &fakeSource{stream: stream}))

	var pushed []byte
	for i := 0; i < 3; i++ {
		chunk := bytes.Repeat([]byte{byte(i + 1)}, 4)
		pushed = append(pushed, chunk...)
		stream.ch <- chunk
		want := i + 1
		waitFor(t, func() bool { return len(sink.Seqs()) >= want }, "chunk never flushed")
	}
	close(stream.ch)

	result := session.Stop(context.Background())
	require.NotNil(t, result)
	assert.Equal(t, internal_type.RecordingFinalized, result.State)
	require.NotNil(t, result.Artifact)
	assert.Equal(t, "mem://call-1", result.Artifact.Path)

	seqs := sink.Seqs()
	require.Len(t, seqs, 3)
	for i, seq := range seqs {
		assert.Equal(t, uint64(i), seq, "sequence numbers must be gapless from zero")
	}
	assert.Equal(t, pushed, sink.Data(), "persisted bytes must match pushed bytes in order")
	assert.True(t, sink.Finalized())
	assert.True(t, stream.Released(), "stop must release the audio source")
	assert.Equal(t, internal_type.RecordingFinalized, records.State("call-1"))
}

func TestStopIsIdempotent(t *testing.T) {
	session, stream, _, _ := newSessionFixture(t)
	require.NoError(t, session.Start(context.Background(), &fakeSource{stream: stream}))

	first := session.Stop(context.Background())
	second := session.Stop(context.Background())
	assert.Same(t, first, second, "repeated stop must return the same terminal result")
}

func TestStopGraceForcesFailure(t *testing.T) {
	session, stream, sink, records := newSessionFixture(t, WithStopGrace(50*time.Millisecond))
	sink.finalizeDelay = 500 * time.Millisecond
	require.NoError(t, session.Start(context.Background(), &fakeSource{stream: stream}))

	result := session.Stop(context.Background())
	require.NotNil(t, result)
	assert.Equal(t, internal_type.RecordingFailed, result.State)
	assert.Contains(t, result.Note, "stop grace period exceeded")
	assert.Equal(t, internal_type.RecordingFailed, records.State("call-1"))
}

func TestDurationLimitFinalizesSession(t *testing.T) {
	session, stream, sink, records := newSessionFixture(t, WithMaxDuration(30*time.Millisecond))
	require.NoError(t, session.Start(context.Background(), &fakeSource{stream: stream}))

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never terminated at the duration limit")
	}

	result := session.Result()
	require.NotNil(t, result)
	assert.Equal(t, internal_type.RecordingFinalized, result.State)
	assert.Contains(t, result.Note, "duration limit reached")
	assert.True(t, sink.Finalized())
	assert.Equal(t, internal_type.RecordingFinalized, records.State("call-1"))
}

// ============================================================================
// Failure paths
// ============================================================================

func TestFlushFailureFailsSession(t *testing.T) {
	session, stream, sink, records := newSessionFixture(t,
		WithBufferThreshold(4),
		WithFlushInterval(10*time.Millisecond),
	)
	sink.appendErr = errors.New("device gone")
	require.NoError(t, session.Start(context.Background(), &fakeSource{stream: stream}))

	stream.ch <- bytes.Repeat([]byte{0x01}, 8)

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never failed after the flush error")
	}

	result := session.Result()
	require.NotNil(t, result)
	assert.Equal(t, internal_type.RecordingFailed, result.State)
	assert.Contains(t, result.Note, "storage write failure")
	assert.Equal(t, internal_type.RecordingFailed, records.State("call-1"))
	assert.True(t, stream.Released())
}

func TestSourceErrorAbortsSession(t *testing.T) {
	session, stream, _, records := newSessionFixture(t)
	require.NoError(t, session.Start(context.Background(), &fakeSource{stream: stream}))

	stream.err = errors.New("route lost")
	close(stream.ch)

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never terminated after the source error")
	}

	result := session.Result()
	require.NotNil(t, result)
	// Nothing was buffered, so the abort truncates cleanly.
	assert.Equal(t, internal_type.RecordingFinalized, result.State)
	assert.Contains(t, result.Note, "truncated: audio source disconnected")
	assert.Equal(t, internal_type.RecordingFinalized, records.State("call-1"))
}

func TestAbortWithUnflushedAudioFails(t *testing.T) {
	session, stream, sink, records := newSessionFixture(t,
		WithFlushInterval(time.Minute),
	)
	require.NoError(t, session.Start(context.Background(), &fakeSource{stream: stream}))

	stream.ch <- []byte{0x01, 0x02}
	time.Sleep(50 * time.Millisecond) // let ingestion buffer the chunk

	result := session.Abort("call dropped")
	require.NotNil(t, result)
	assert.Equal(t, internal_type.RecordingFailed, result.State)
	assert.Contains(t, result.Note, "unflushed audio lost")
	assert.False(t, sink.Finalized(), "an aborted session must not fabricate an artifact")
	assert.True(t, stream.Released())
	assert.Equal(t, internal_type.RecordingFailed, records.State("call-1"))
}

func TestAbortRetainsFlushedChunks(t *testing.T) {
	session, stream, sink, _ := newSessionFixture(t,
		WithBufferThreshold(4),
		WithFlushInterval(10*time.Millisecond),
	)
	require.NoError(t, session.Start(context.Background(), &fakeSource{stream: stream}))

	stream.ch <- bytes.Repeat([]byte{0x01}, 4)
	waitFor(t, func() bool { return len(sink.Seqs()) == 1 }, "chunk never flushed")

	result := session.Abort("call dropped")
	require.NotNil(t, result)
	// Buffer was empty at abort time: already-flushed audio survives as a
	// truncated artifact.
	assert.Equal(t, internal_type.RecordingFinalized, result.State)
	assert.Contains(t, result.Note, "truncated: call dropped")
	assert.Len(t, sink.Seqs(), 1, "flushed chunks must be retained")
}

func TestAbortWaitsForInFlightFlush(t *testing.T) {
	session, stream, sink, records := newSessionFixture(t,
		WithBufferThreshold(4),
		WithFlushInterval(time.Minute),
	)
	sink.appendDelay = 300 * time.Millisecond
	require.NoError(t, session.Start(context.Background(), &fakeSource{stream: stream}))

	chunk := []byte{0x01, 0x02, 0x03, 0x04}
	stream.ch <- chunk
	waitFor(t, func() bool { return len(sink.Events()) > 0 }, "flush never started")

	result := session.Abort("call dropped")
	require.NotNil(t, result)
	assert.Equal(t, internal_type.RecordingFinalized, result.State)
	assert.Contains(t, result.Note, "truncated: call dropped")
	assert.Equal(t, chunk, sink.Data(), "the in-flight chunk must reach storage")
	assert.Equal(t, []string{"append-start", "append-end", "finalize"}, sink.Events(),
		"the terminal marker must be written after the in-flight write completes")
	assert.Equal(t, internal_type.RecordingFinalized, records.State("call-1"))
}

func TestStopReturnsFinalizedWhenFinalizeWinsAtDeadline(t *testing.T) {
	session, stream, sink, records := newSessionFixture(t, WithStopGrace(50*time.Millisecond))
	sink.finalizeDelay = 100 * time.Millisecond
	records.failDelay = 300 * time.Millisecond
	require.NoError(t, session.Start(context.Background(), &fakeSource{stream: stream}))

	// The grace timer fires first, but the record transition loses to the
	// finalize path: the reported outcome must match the record.
	result := session.Stop(context.Background())
	require.NotNil(t, result)
	assert.Equal(t, internal_type.RecordingFinalized, result.State)
	require.NotNil(t, result.Artifact)
	assert.Equal(t, internal_type.RecordingFinalized, records.State("call-1"))
}

func TestAbortDuringAcquisitionReleasesStream(t *testing.T) {
	session, stream, _, _ := newSessionFixture(t)
	source := newBlockingSource(stream)

	startErr := make(chan error, 1)
	go func() { startErr <- session.Start(context.Background(), source) }()

	<-source.entered
	result := session.Abort("caller hung up")
	require.NotNil(t, result)
	assert.Equal(t, internal_type.RecordingFailed, result.State)

	close(source.release)
	select {
	case err := <-startErr:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "terminated during acquisition")
	case <-time.After(2 * time.Second):
		t.Fatal("start never returned")
	}

	assert.True(t, stream.Released(), "a stream acquired after termination must be released")
	assert.Equal(t, StateFailed, session.State())
}

func TestBackpressureDropsAndRecordsLoss(t *testing.T) {
	session, stream, sink, _ := newSessionFixture(t,
		WithBufferThreshold(4),
		WithFlushInterval(time.Minute),
	)
	sink.appendDelay = 100 * time.Millisecond
	require.NoError(t, session.Start(context.Background(), &fakeSource{stream: stream}))

	// First chunk fills the buffer and starts a slow flush; while the
	// flusher is stuck the second refills the buffer and the third is
	// dropped at the hard cap.
	stream.ch <- bytes.Repeat([]byte{0x01}, 4)
	time.Sleep(30 * time.Millisecond)
	stream.ch <- bytes.Repeat([]byte{0x02}, 4)
	time.Sleep(10 * time.Millisecond)
	stream.ch <- bytes.Repeat([]byte{0x03}, 4)
	waitFor(t, func() bool { return len(sink.Seqs()) >= 1 }, "first chunk never flushed")

	result := session.Stop(context.Background())
	require.NotNil(t, result)
	assert.Equal(t, internal_type.RecordingFinalized, result.State)
	assert.Contains(t, result.Note, "dropped under backpressure")
	assert.NotContains(t, string(sink.Data()), string([]byte{0x03, 0x03, 0x03, 0x03}),
		"the dropped chunk must not reach storage")
}
