// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_capture

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	internal_audio "github.com/callwarden/api/screening-api/internal/audio"
	internal_callrecord "github.com/callwarden/api/screening-api/internal/callrecord"
	internal_type "github.com/callwarden/api/screening-api/internal/type"
	"github.com/callwarden/pkg/commons"
)

// State is the capture session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateAcquiring  State = "acquiring"
	StateActive     State = "active"
	StateFinalizing State = "finalizing"
	StateFinalized  State = "finalized"
	StateFailed     State = "failed"
)

// Defaults for the capture tunables; production values come from config.
const (
	DefaultBufferThreshold = 64 * 1024
	DefaultFlushInterval   = 2 * time.Second
	DefaultStopGrace       = 3 * time.Second
)

// Result is the terminal outcome of a session.
type Result struct {
	State      internal_type.RecordingState
	Artifact   *internal_type.ArtifactRef
	DurationMs int64
	Note       string
}

// Option configures a new Session.
type Option func(*Session)

// WithBufferThreshold sets the in-memory buffer size that triggers a
// flush. It is also the hard cap: when flushing falls persistently
// behind, chunks beyond the cap are dropped with a logged data-loss
// event rather than growing memory unboundedly.
func WithBufferThreshold(n int) Option {
	return func(s *Session) { s.bufferThreshold = n }
}

// WithFlushInterval sets the time threshold: the buffer is flushed at
// least this often even when below the size threshold, bounding data
// loss on crash to one buffer window.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Session) { s.flushInterval = d }
}

// WithStopGrace bounds how long Stop may spend flushing and finalizing
// before the session force-fails instead of hanging its caller.
func WithStopGrace(d time.Duration) Option {
	return func(s *Session) { s.stopGrace = d }
}

// WithMaxDuration caps the recording length; when hit the session
// finalizes cleanly with a limit note. Zero means no cap.
func WithMaxDuration(d time.Duration) Option {
	return func(s *Session) { s.maxDuration = d }
}

// WithSourceAudioConfig declares the native format of the audio source;
// chunks are normalized to linear16 before buffering.
func WithSourceAudioConfig(cfg internal_audio.AudioConfig) Option {
	return func(s *Session) { s.sourceCfg = cfg }
}

// WithClock overrides the session clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) { s.clock = clock }
}

// Session owns the lifecycle of one active recording: source
// acquisition, buffering, chunked persistence and finalization.
//
// Lifecycle: Idle → Acquiring → Active → Finalizing → {Finalized,
// Failed}. Chunk ingestion is non-blocking; flushing runs on a dedicated
// goroutine (single writer) so a slow sink never stalls capture. The
// audio source handle is released on every transition out of
// Acquiring/Active, including abort.
type Session struct {
	logger  commons.Logger
	sink    internal_type.Sink
	records internal_callrecord.Store

	sourceCfg       internal_audio.AudioConfig
	bufferThreshold int
	flushInterval   time.Duration
	stopGrace       time.Duration
	maxDuration     time.Duration
	clock           func() time.Time

	callID string

	mu           sync.Mutex
	state        State
	buf          bytes.Buffer
	seq          uint64
	droppedBytes int64
	stream       internal_type.AudioStream
	startTime    time.Time
	result       *Result

	// flushMu serializes flush operations: chunks reach the sink in
	// strictly increasing sequence order with a single writer.
	flushMu sync.Mutex

	flushCh  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSession creates an idle capture session bound to one call record.
func NewSession(callID string, sink internal_type.Sink, records internal_callrecord.Store, logger commons.Logger, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		logger:          logger,
		sink:            sink,
		records:         records,
		sourceCfg:       internal_audio.NewLinear8khzMonoAudioConfig(),
		bufferThreshold: DefaultBufferThreshold,
		flushInterval:   DefaultFlushInterval,
		stopGrace:       DefaultStopGrace,
		clock:           time.Now,
		callID:          callID,
		state:           StateIdle,
		flushCh:         make(chan struct{}, 1),
		done:            make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CallID returns the call record this session owns.
func (s *Session) CallID() string { return s.callID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the terminal outcome, nil while the session is live.
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Start acquires the audio source and begins capturing. On acquisition
// or storage-preparation failure the session transitions directly to
// Failed with no partial artifact and the call record is marked failed.
func (s *Session) Start(ctx context.Context, source internal_type.AudioSource) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("capture session for %s already started (state=%s)", s.callID, s.state)
	}
	s.state = StateAcquiring
	s.mu.Unlock()

	if err := s.sink.Prepare(ctx, s.callID); err != nil {
		s.failBeforeActive(fmt.Sprintf("storage unavailable: %v", err))
		return err
	}

	stream, err := source.Acquire(ctx, s.callID)
	if err != nil {
		s.failBeforeActive(fmt.Sprintf("audio source unavailable: %v", err))
		return fmt.Errorf("%w: %v", internal_type.ErrAudioSourceUnavailable, err)
	}

	s.mu.Lock()
	if s.state != StateAcquiring {
		// Stop/Abort fired while we were acquiring; the session is
		// already terminal and must not come back to life.
		state := s.state
		s.mu.Unlock()
		stream.Release()
		return fmt.Errorf("capture session for %s terminated during acquisition (state=%s)", s.callID, state)
	}
	s.stream = stream
	s.startTime = s.clock()
	s.state = StateActive
	s.mu.Unlock()

	s.logger.Infof("capture session active: callId=%s, threshold=%d, flushInterval=%s",
		s.callID, s.bufferThreshold, s.flushInterval)

	go s.ingestLoop()
	go s.flushLoop()
	return nil
}

// ingestLoop pulls chunks from the audio source until it ends. A source
// error aborts the session; a clean close just stops ingestion and
// leaves finalization to Stop (driven by the call-ended event).
func (s *Session) ingestLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data, ok := <-s.stream.Chunks():
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.logger.Warnw("audio source ended with error, aborting session",
						"callId", s.callID,
						"error", err.Error())
					s.Abort("audio source disconnected")
				}
				return
			}
			s.ingest(data)
		}
	}
}

// ingest appends a chunk to the in-memory buffer without blocking. The
// buffer threshold is a hard cap: when the flusher cannot keep up the
// chunk is dropped and the loss logged.
func (s *Session) ingest(data []byte) {
	if len(data) == 0 {
		return
	}
	pcm := internal_audio.Normalize(data, s.sourceCfg)

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	if s.buf.Len() >= s.bufferThreshold {
		s.droppedBytes += int64(len(pcm))
		dropped := s.droppedBytes
		s.mu.Unlock()
		s.logger.Warnw("capture buffer full, dropping audio",
			"callId", s.callID,
			"droppedBytes", dropped)
		s.signalFlush()
		return
	}
	s.buf.Write(pcm)
	full := s.buf.Len() >= s.bufferThreshold
	s.mu.Unlock()

	if full {
		s.signalFlush()
	}
}

func (s *Session) signalFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// flushLoop is the single writer towards the sink. It flushes on the
// size signal, on the time threshold, and enforces the duration cap.
func (s *Session) flushLoop() {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	var limitCh <-chan time.Time
	if s.maxDuration > 0 {
		limit := time.NewTimer(s.maxDuration)
		defer limit.Stop()
		limitCh = limit.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.flushCh:
			s.handleFlushErr(s.flushOnce())
		case <-ticker.C:
			s.handleFlushErr(s.flushOnce())
		case <-limitCh:
			s.logger.Infof("recording duration limit reached: callId=%s", s.callID)
			go s.stop("duration limit reached")
			limitCh = nil
		}
	}
}

// flushOnce drains the in-memory buffer into one sequence-numbered sink
// chunk. Chunks already flushed stay durable regardless of the outcome.
func (s *Session) flushOnce() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.state != StateActive && s.state != StateFinalizing {
		s.mu.Unlock()
		return nil
	}
	if s.buf.Len() == 0 {
		s.mu.Unlock()
		return nil
	}
	data := make([]byte, s.buf.Len())
	copy(data, s.buf.Bytes())
	s.buf.Reset()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	if err := s.sink.Append(s.ctx, s.callID, seq, data); err != nil {
		s.logger.Errorw("chunk flush failed",
			"callId", s.callID,
			"seq", seq,
			"error", err.Error())
		return fmt.Errorf("storage write failure at chunk %d: %v", seq, err)
	}
	s.logger.Debugf("flushed chunk: callId=%s, seq=%d, bytes=%d", s.callID, seq, len(data))
	return nil
}

// handleFlushErr fails the session after a background flush error.
func (s *Session) handleFlushErr(err error) {
	if err == nil {
		return
	}
	s.failFromFlush(err.Error())
}

// Stop cleanly ends the session: flush the remainder, write the terminal
// marker, transition Finalizing → Finalized. Bounded by the stop grace
// period; a slow sink force-fails the session instead of hanging the
// caller.
func (s *Session) Stop(ctx context.Context) *Result {
	return s.stop("")
}

// Abort is the abrupt-termination path. Unflushed data fails the record
// (already-flushed chunks are retained, nothing is fabricated); an empty
// buffer finalizes with a truncated note.
func (s *Session) Abort(note string) *Result {
	s.stopOnce.Do(func() {
		s.setResult(s.doAbort(note))
	})
	<-s.done
	return s.Result()
}

func (s *Session) stop(note string) *Result {
	s.stopOnce.Do(func() {
		s.setResult(s.doStop(note))
	})
	<-s.done
	return s.Result()
}

func (s *Session) setResult(r *Result) {
	s.mu.Lock()
	s.result = r
	switch r.State {
	case internal_type.RecordingFinalized:
		s.state = StateFinalized
	default:
		s.state = StateFailed
	}
	s.mu.Unlock()
	s.cancel()
	close(s.done)
}

// failBeforeActive terminates a session that never reached Active.
func (s *Session) failBeforeActive(note string) {
	s.stopOnce.Do(func() {
		s.markFailed(note)
		s.setResult(&Result{State: internal_type.RecordingFailed, Note: note})
	})
}

// failFromFlush terminates the session after a sink write failure.
func (s *Session) failFromFlush(note string) {
	s.stopOnce.Do(func() {
		s.releaseStream()
		s.markFailed(note)
		s.setResult(&Result{
			State:      internal_type.RecordingFailed,
			DurationMs: s.elapsedMs(),
			Note:       note,
		})
	})
}

func (s *Session) doStop(note string) *Result {
	s.mu.Lock()
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		return &Result{
			State: internal_type.RecordingFailed,
			Note:  fmt.Sprintf("stop in state %s", state),
		}
	}
	s.state = StateFinalizing
	s.mu.Unlock()

	s.releaseStream()

	finalized := make(chan *Result, 1)
	go func() {
		finalized <- s.finalize(note)
	}()

	select {
	case r := <-finalized:
		return r
	case <-time.After(s.stopGrace):
		failNote := "stop grace period exceeded"
		if err := s.markFailed(failNote); err != nil {
			// The record transition is the arbiter: if marking failed
			// lost, the finalize path already won at the deadline and
			// its outcome is the truth.
			select {
			case r := <-finalized:
				return r
			case <-time.After(time.Second):
			}
		}
		s.logger.Errorw("capture session stop timed out, forcing failure",
			"callId", s.callID,
			"grace", s.stopGrace.String())
		return &Result{
			State:      internal_type.RecordingFailed,
			DurationMs: s.elapsedMs(),
			Note:       failNote,
		}
	}
}

// finalize flushes the buffered remainder and writes the terminal
// marker. Runs off the caller goroutine so the stop grace can bound it.
func (s *Session) finalize(note string) *Result {
	if err := s.flushOnce(); err != nil {
		failNote := fmt.Sprintf("final flush failed: %v", err)
		s.markFailed(failNote)
		return &Result{
			State:      internal_type.RecordingFailed,
			DurationMs: s.elapsedMs(),
			Note:       failNote,
		}
	}

	s.mu.Lock()
	dropped := s.droppedBytes
	s.mu.Unlock()

	artifact, err := s.sink.Finalize(s.ctx, s.callID)
	if err != nil {
		failNote := fmt.Sprintf("finalize failed: %v", err)
		s.markFailed(failNote)
		return &Result{
			State:      internal_type.RecordingFailed,
			DurationMs: s.elapsedMs(),
			Note:       failNote,
		}
	}

	if dropped > 0 {
		if note != "" {
			note += "; "
		}
		note += fmt.Sprintf("%d bytes dropped under backpressure", dropped)
	}

	durationMs := s.elapsedMs()
	s.markFinalized(artifact.Path, durationMs, note)
	return &Result{
		State:      internal_type.RecordingFinalized,
		Artifact:   artifact,
		DurationMs: durationMs,
		Note:       note,
	}
}

func (s *Session) doAbort(note string) *Result {
	s.mu.Lock()
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		return &Result{
			State: internal_type.RecordingFailed,
			Note:  fmt.Sprintf("abort in state %s", state),
		}
	}
	s.state = StateFinalizing
	s.mu.Unlock()

	s.releaseStream()

	// Wait out any in-flight flush: the single-writer guarantee holds on
	// the abort path too, and the terminal marker is written last.
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	unflushed := s.buf.Len() > 0
	s.mu.Unlock()

	if unflushed {
		failNote := note + "; unflushed audio lost"
		s.markFailed(failNote)
		return &Result{
			State:      internal_type.RecordingFailed,
			DurationMs: s.elapsedMs(),
			Note:       failNote,
		}
	}

	artifact, err := s.sink.Finalize(s.ctx, s.callID)
	if err != nil {
		failNote := fmt.Sprintf("%s; finalize failed: %v", note, err)
		s.markFailed(failNote)
		return &Result{
			State:      internal_type.RecordingFailed,
			DurationMs: s.elapsedMs(),
			Note:       failNote,
		}
	}

	durationMs := s.elapsedMs()
	truncNote := "truncated: " + note
	s.markFinalized(artifact.Path, durationMs, truncNote)
	return &Result{
		State:      internal_type.RecordingFinalized,
		Artifact:   artifact,
		DurationMs: durationMs,
		Note:       truncNote,
	}
}

// releaseStream lets go of the exclusive audio source handle. Safe to
// call multiple times and with no stream acquired.
func (s *Session) releaseStream() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()
	if stream != nil {
		stream.Release()
	}
}

func (s *Session) elapsedMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startTime.IsZero() {
		return 0
	}
	return s.clock().Sub(s.startTime).Milliseconds()
}

// Record-store transitions run on a background context: the session must
// persist its terminal state even when the triggering caller has gone.
func (s *Session) markFailed(note string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.records.MarkFailed(ctx, s.callID, note); err != nil {
		s.logger.Errorw("failed to mark call record failed",
			"callId", s.callID,
			"error", err.Error())
		return err
	}
	return nil
}

func (s *Session) markFinalized(artifactPath string, durationMs int64, note string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.records.MarkFinalized(ctx, s.callID, artifactPath, durationMs, note); err != nil {
		s.logger.Errorw("failed to mark call record finalized",
			"callId", s.callID,
			"error", err.Error())
	}
}
