// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_audio

import (
	"bytes"
	"encoding/binary"
)

const wavPCMFormat = 1 // WAV PCM format tag

// RenderWAV wraps raw linear16 PCM in a RIFF/WAVE container.
func RenderWAV(pcmData []byte, cfg AudioConfig) []byte {
	var buf bytes.Buffer
	bps := int(cfg.SampleRate) * int(cfg.Channels) * BytesPerSample

	buf.Write([]byte("RIFF"))
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcmData)))
	buf.Write([]byte("WAVE"))

	buf.Write([]byte("fmt "))
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(wavPCMFormat))
	binary.Write(&buf, binary.LittleEndian, cfg.Channels)
	binary.Write(&buf, binary.LittleEndian, cfg.SampleRate)
	binary.Write(&buf, binary.LittleEndian, uint32(bps))
	binary.Write(&buf, binary.LittleEndian, uint16(BytesPerSample*int(cfg.Channels)))
	binary.Write(&buf, binary.LittleEndian, uint16(BitsPerSample))

	// data chunk
	buf.Write([]byte("data"))
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcmData)))
	buf.Write(pcmData)

	return buf.Bytes()
}
