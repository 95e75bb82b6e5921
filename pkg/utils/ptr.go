// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package utils

// Ptr returns a pointer to v. Useful for optional struct fields.
func Ptr[T any](v T) *T {
	return &v
}
