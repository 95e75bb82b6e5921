// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_audio

import (
	"context"
	"fmt"
	"sync"

	internal_type "github.com/callwarden/api/screening-api/internal/type"
	"github.com/callwarden/pkg/commons"
)

// DefaultBridgeChannelSize bounds in-flight chunks between the platform
// push and the capture session.
const DefaultBridgeChannelSize = 64

// StreamBridge adapts the platform's pushed audio into the capture
// pipeline's AudioSource. It models the device audio route as an
// exclusive resource: one acquired stream at a time, a second Acquire
// fails until the first is released.
type StreamBridge struct {
	logger   commons.Logger
	chanSize int

	mu     sync.Mutex
	active *bridgeStream
}

// NewStreamBridge creates an idle bridge.
func NewStreamBridge(logger commons.Logger) *StreamBridge {
	return &StreamBridge{logger: logger, chanSize: DefaultBridgeChannelSize}
}

// Acquire claims the audio route for callID.
func (b *StreamBridge) Acquire(ctx context.Context, callID string) (internal_type.AudioStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active != nil {
		return nil, fmt.Errorf("audio source busy with call %s", b.active.callID)
	}
	stream := &bridgeStream{
		bridge: b,
		callID: callID,
		ch:     make(chan []byte, b.chanSize),
	}
	b.active = stream
	b.logger.Debugf("audio source acquired: callId=%s", callID)
	return stream, nil
}

// Push delivers one chunk from the platform for the acquired call.
// Non-blocking: a full channel drops the chunk (the session applies its
// own backpressure accounting downstream).
func (b *StreamBridge) Push(callID string, data []byte) error {
	b.mu.Lock()
	stream := b.active
	b.mu.Unlock()

	if stream == nil || stream.callID != callID {
		return fmt.Errorf("no acquired audio stream for call %s", callID)
	}
	return stream.push(data)
}

// EndStream signals that the platform's media for the call ended; err is
// nil for a clean end.
func (b *StreamBridge) EndStream(callID string, err error) {
	b.mu.Lock()
	stream := b.active
	b.mu.Unlock()

	if stream == nil || stream.callID != callID {
		return
	}
	stream.end(err)
}

func (b *StreamBridge) release(stream *bridgeStream) {
	b.mu.Lock()
	if b.active == stream {
		b.active = nil
	}
	b.mu.Unlock()
	b.logger.Debugf("audio source released: callId=%s", stream.callID)
}

type bridgeStream struct {
	bridge *StreamBridge
	callID string
	ch     chan []byte

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *bridgeStream) Chunks() <-chan []byte { return s.ch }

func (s *bridgeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *bridgeStream) push(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("audio stream for call %s already closed", s.callID)
	}
	s.mu.Unlock()

	select {
	case s.ch <- data:
		return nil
	default:
		return fmt.Errorf("audio stream for call %s is backed up, chunk dropped", s.callID)
	}
}

func (s *bridgeStream) end(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

// Release gives the route back to the bridge. Safe to call more than
// once; always closes the chunk channel.
func (s *bridgeStream) Release() {
	s.end(nil)
	s.bridge.release(s)
}
