// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	internal_audio "github.com/callwarden/api/screening-api/internal/audio"
	internal_type "github.com/callwarden/api/screening-api/internal/type"
	"github.com/callwarden/pkg/commons"
)

const (
	chunkSuffix  = ".pcm"
	markerName   = "final.marker"
	artifactName = "recording.wav"
)

// FileSink persists one call's audio as ordered, sequence-numbered chunk
// files under <root>/<call_id>/, plus a terminal marker on finalize.
// Finalize concatenates the chunks into a WAV artifact. A call directory
// without the marker is a truncated recording; RecoverTruncated finds
// those on startup.
type FileSink struct {
	root         string
	logger       commons.Logger
	audioCfg     internal_audio.AudioConfig
	minFreeBytes int64
	// freeBytes is injectable for testing; defaults to a statfs probe.
	freeBytes func(dir string) (int64, error)
}

// NewFileSink creates a sink rooted at dir. minFreeBytes is the
// free-space floor below which Prepare refuses new recordings; zero
// disables the guard.
func NewFileSink(dir string, audioCfg internal_audio.AudioConfig, minFreeBytes int64, logger commons.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recordings dir %s: %w", dir, err)
	}
	return &FileSink{
		root:         dir,
		logger:       logger,
		audioCfg:     audioCfg,
		minFreeBytes: minFreeBytes,
		freeBytes:    statfsFreeBytes,
	}, nil
}

func statfsFreeBytes(dir string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

func (s *FileSink) callDir(callID string) string {
	return filepath.Join(s.root, callID)
}

// Prepare creates the call directory and enforces the free-space floor.
func (s *FileSink) Prepare(ctx context.Context, callID string) error {
	if s.minFreeBytes > 0 {
		free, err := s.freeBytes(s.root)
		if err != nil {
			return fmt.Errorf("%w: free-space probe failed: %v", internal_type.ErrStorageWrite, err)
		}
		if free < s.minFreeBytes {
			return fmt.Errorf("%w: %d bytes free, %d required", internal_type.ErrStorageWrite, free, s.minFreeBytes)
		}
	}
	if err := os.MkdirAll(s.callDir(callID), 0o755); err != nil {
		return fmt.Errorf("%w: %v", internal_type.ErrStorageWrite, err)
	}
	return nil
}

// Append durably writes one sequence-numbered chunk. The write is synced
// before returning so a crash loses at most the unflushed in-memory
// buffer, never an acknowledged chunk.
func (s *FileSink) Append(ctx context.Context, callID string, seq uint64, data []byte) error {
	path := filepath.Join(s.callDir(callID), fmt.Sprintf("%06d%s", seq, chunkSuffix))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", internal_type.ErrStorageWrite, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", internal_type.ErrStorageWrite, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", internal_type.ErrStorageWrite, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", internal_type.ErrStorageWrite, err)
	}
	return nil
}

// Finalize concatenates the flushed chunks in sequence order into a WAV
// artifact and writes the terminal marker. The marker is written last:
// its presence means the artifact is complete.
func (s *FileSink) Finalize(ctx context.Context, callID string) (*internal_type.ArtifactRef, error) {
	dir := s.callDir(callID)
	chunks, err := s.chunkPaths(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", internal_type.ErrStorageWrite, err)
	}

	var pcm []byte
	for _, p := range chunks {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", internal_type.ErrStorageWrite, err)
		}
		pcm = append(pcm, data...)
	}

	wavPath := filepath.Join(dir, artifactName)
	if err := os.WriteFile(wavPath, internal_audio.RenderWAV(pcm, s.audioCfg), 0o644); err != nil {
		return nil, fmt.Errorf("%w: %v", internal_type.ErrStorageWrite, err)
	}

	marker := fmt.Sprintf("chunks=%d\n", len(chunks))
	if err := os.WriteFile(filepath.Join(dir, markerName), []byte(marker), 0o644); err != nil {
		return nil, fmt.Errorf("%w: %v", internal_type.ErrStorageWrite, err)
	}

	s.logger.Infof("finalized recording: callId=%s, chunks=%d, pcmBytes=%d",
		callID, len(chunks), len(pcm))
	return &internal_type.ArtifactRef{Path: wavPath}, nil
}

// chunkPaths lists the chunk files of a call directory in sequence order.
func (s *FileSink) chunkPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), chunkSuffix) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	// Zero-padded sequence numbers sort lexically.
	sort.Strings(paths)
	return paths, nil
}

// RecoverTruncated returns the call IDs of recordings that never reached
// finalize (no terminal marker). Called on startup so interrupted
// recordings get reconciled to failed records rather than lingering as
// "recording" forever.
func (s *FileSink) RecoverTruncated(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan recordings dir: %w", err)
	}
	var truncated []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), markerName)); os.IsNotExist(err) {
			truncated = append(truncated, e.Name())
		}
	}
	return truncated, nil
}
