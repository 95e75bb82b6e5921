// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_audio

import "github.com/zaf/g711"

// Normalize converts a chunk in the source's native format to linear16.
// Linear16 input passes through untouched.
func Normalize(data []byte, cfg AudioConfig) []byte {
	if cfg.Format != FormatMuLaw8 {
		return data
	}
	return g711.DecodeUlaw(data)
}
