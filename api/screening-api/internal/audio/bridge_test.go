// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_audio

import (
	"bytes"
	"context"
	"testing"

	"github.com/callwarden/pkg/commons"
)

func newTestBridge(t *testing.T) *StreamBridge {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return NewStreamBridge(logger)
}

func TestBridgeAcquireIsExclusive(t *testing.T) {
	bridge := newTestBridge(t)
	ctx := context.Background()

	stream, err := bridge.Acquire(ctx, "call-1")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	if _, err := bridge.Acquire(ctx, "call-2"); err == nil {
		t.Fatal("second acquire should fail while the first stream is held")
	}

	stream.Release()
	if _, err := bridge.Acquire(ctx, "call-2"); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}

func TestBridgePushDeliversChunks(t *testing.T) {
	bridge := newTestBridge(t)
	stream, err := bridge.Acquire(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	want := []byte{0x01, 0x02, 0x03}
	if err := bridge.Push("call-1", want); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	got := <-stream.Chunks()
	if !bytes.Equal(got, want) {
		t.Errorf("chunk mismatch: got %v", got)
	}
}

func TestBridgePushWrongCall(t *testing.T) {
	bridge := newTestBridge(t)
	if _, err := bridge.Acquire(context.Background(), "call-1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := bridge.Push("call-2", []byte{0x01}); err == nil {
		t.Error("push for a different call should fail")
	}
}

func TestBridgePushWithoutAcquire(t *testing.T) {
	bridge := newTestBridge(t)
	if err := bridge.Push("call-1", []byte{0x01}); err == nil {
		t.Error("push with no acquired stream should fail")
	}
}

func TestBridgeEndStreamClosesChannel(t *testing.T) {
	bridge := newTestBridge(t)
	stream, err := bridge.Acquire(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	bridge.EndStream("call-1", nil)
	if _, ok := <-stream.Chunks(); ok {
		t.Error("channel should be closed after EndStream")
	}
	if stream.Err() != nil {
		t.Errorf("clean end should leave no stream error, got %v", stream.Err())
	}
	if err := bridge.Push("call-1", []byte{0x01}); err == nil {
		t.Error("push after end should fail")
	}
}

func TestBridgeReleaseIsIdempotent(t *testing.T) {
	bridge := newTestBridge(t)
	stream, err := bridge.Acquire(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	stream.Release()
	stream.Release()

	if _, err := bridge.Acquire(context.Background(), "call-2"); err != nil {
		t.Fatalf("acquire after double release failed: %v", err)
	}
}
