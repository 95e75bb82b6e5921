// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_rule

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/callwarden/pkg/commons"
)

// Snapshot is an immutable view of the enabled rule set, pre-bucketed by
// priority tier. The decision engine reads only snapshots, so a rule
// write never leaves it observing a half-updated set.
type Snapshot struct {
	// tiers[i] holds tier-i rules newest first (last-write-wins order).
	tiers    [4][]Rule
	loadedAt time.Time
	total    int
}

// NewSnapshot buckets enabled rules by tier, preserving the input order
// (which must be newest first).
func NewSnapshot(rules []Rule, loadedAt time.Time) *Snapshot {
	snap := &Snapshot{loadedAt: loadedAt}
	for _, r := range rules {
		t := r.Tier()
		if t > 3 {
			continue
		}
		snap.tiers[t] = append(snap.tiers[t], r)
		snap.total++
	}
	return snap
}

// Tier returns the rules of one priority tier, newest first.
func (s *Snapshot) Tier(i int) []Rule {
	if i < 0 || i > 3 {
		return nil
	}
	return s.tiers[i]
}

// Len returns the number of rules across all tiers.
func (s *Snapshot) Len() int { return s.total }

// LoadedAt returns when the snapshot was refreshed from the store.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// SnapshotHolder owns the current rule snapshot and refreshes it
// asynchronously out-of-band. Swaps are atomic; readers never block.
type SnapshotHolder struct {
	store   Store
	logger  commons.Logger
	current atomic.Pointer[Snapshot]
	clock   func() time.Time
}

// NewSnapshotHolder creates a holder with no snapshot loaded. Call
// Refresh (or Run) before serving decisions; until then Current returns
// nil and the engine fails open.
func NewSnapshotHolder(store Store, logger commons.Logger) *SnapshotHolder {
	return &SnapshotHolder{store: store, logger: logger, clock: time.Now}
}

// Current returns the latest snapshot, or nil when none has loaded yet.
func (h *SnapshotHolder) Current() *Snapshot {
	return h.current.Load()
}

// Refresh reloads enabled rules from the store and swaps the snapshot.
// On failure the previous snapshot stays in place.
func (h *SnapshotHolder) Refresh(ctx context.Context) error {
	rules, err := h.store.ListEnabled(ctx)
	if err != nil {
		h.logger.Warnw("rule snapshot refresh failed, keeping previous snapshot",
			"error", err.Error())
		return err
	}
	snap := NewSnapshot(rules, h.clock())
	h.current.Store(snap)
	h.logger.Debugf("rule snapshot refreshed: rules=%d", snap.Len())
	return nil
}

// Run refreshes on a fixed interval until the context ends. The initial
// refresh happens immediately.
func (h *SnapshotHolder) Run(ctx context.Context, interval time.Duration) {
	_ = h.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = h.Refresh(ctx)
		}
	}
}
