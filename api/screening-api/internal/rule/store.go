// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_rule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/callwarden/pkg/commons"
	"github.com/callwarden/pkg/connectors"
)

// ErrDuplicateDefault fires when a second enabled default rule would be
// created; at most one default rule may exist.
var ErrDuplicateDefault = errors.New("an enabled default rule already exists")

// Store provides operations to save and retrieve screening rules from
// sqlite. The decision engine never reads through the store directly —
// it reads the in-memory snapshot (see SnapshotHolder) so the decide
// path stays free of I/O.
type Store interface {
	// Create stores a rule with a generated ruleId (UUID) and returns it.
	Create(ctx context.Context, r *Rule) (string, error)

	// Get retrieves a rule by ruleId.
	Get(ctx context.Context, ruleID string) (*Rule, error)

	// List retrieves all rules, newest first.
	List(ctx context.Context) ([]Rule, error)

	// ListEnabled retrieves enabled rules ordered newest first; this is
	// the snapshot refresh query.
	ListEnabled(ctx context.Context) ([]Rule, error)

	// Update mutates an existing rule's predicate, action, window or
	// enabled flag.
	Update(ctx context.Context, r *Rule) error

	// Delete removes a rule by ruleId.
	Delete(ctx context.Context, ruleID string) error
}

type sqliteStore struct {
	sqlite connectors.SqliteConnector
	logger commons.Logger
}

// NewStore creates a new rule store backed by sqlite.
func NewStore(sqlite connectors.SqliteConnector, logger commons.Logger) Store {
	return &sqliteStore{sqlite: sqlite, logger: logger}
}

func (s *sqliteStore) Create(ctx context.Context, r *Rule) (string, error) {
	if !ValidKind(r.Kind) {
		return "", fmt.Errorf("unknown predicate kind %q", r.Kind)
	}
	if !ValidAction(r.Action) {
		return "", fmt.Errorf("unknown action %q", r.Action)
	}

	db := s.sqlite.DB(ctx)
	if r.Kind == KindDefault && r.Enabled {
		if err := s.ensureSingleDefault(db, ""); err != nil {
			return "", err
		}
	}
	if err := db.Create(r).Error; err != nil {
		return "", fmt.Errorf("failed to save rule: %w", err)
	}

	s.logger.Infof("saved rule: ruleId=%s, kind=%s, pattern=%s, action=%s",
		r.RuleID, r.Kind, r.Pattern, r.Action)
	return r.RuleID, nil
}

func (s *sqliteStore) Get(ctx context.Context, ruleID string) (*Rule, error) {
	db := s.sqlite.DB(ctx)
	var r Rule
	if err := db.Where("rule_id = ?", ruleID).First(&r).Error; err != nil {
		return nil, fmt.Errorf("rule not found: %s: %w", ruleID, err)
	}
	return &r, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]Rule, error) {
	db := s.sqlite.DB(ctx)
	var rules []Rule
	if err := db.Order("created_date DESC, id DESC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

// ListEnabled returns enabled rules newest first. Within a priority tier
// the engine takes the first match, so this ordering is what gives
// last-write-wins tie-breaking.
func (s *sqliteStore) ListEnabled(ctx context.Context) ([]Rule, error) {
	db := s.sqlite.DB(ctx)
	var rules []Rule
	if err := db.Where("enabled = ?", true).
		Order("created_date DESC, id DESC").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to list enabled rules: %w", err)
	}
	return rules, nil
}

func (s *sqliteStore) Update(ctx context.Context, r *Rule) error {
	if !ValidKind(r.Kind) {
		return fmt.Errorf("unknown predicate kind %q", r.Kind)
	}
	if !ValidAction(r.Action) {
		return fmt.Errorf("unknown action %q", r.Action)
	}

	db := s.sqlite.DB(ctx)
	if r.Kind == KindDefault && r.Enabled {
		if err := s.ensureSingleDefault(db, r.RuleID); err != nil {
			return err
		}
	}

	result := db.Model(&Rule{}).
		Where("rule_id = ?", r.RuleID).
		Updates(map[string]interface{}{
			"kind":         r.Kind,
			"pattern":      r.Pattern,
			"action":       r.Action,
			"enabled":      r.Enabled,
			"window_start": r.WindowStart,
			"window_end":   r.WindowEnd,
			"updated_date": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update rule %s: %w", r.RuleID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("rule not found: %s", r.RuleID)
	}

	s.logger.Debugf("updated rule: ruleId=%s", r.RuleID)
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, ruleID string) error {
	db := s.sqlite.DB(ctx)
	result := db.Where("rule_id = ?", ruleID).Delete(&Rule{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete rule %s: %w", ruleID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("rule not found: %s", ruleID)
	}

	s.logger.Debugf("deleted rule: ruleId=%s", ruleID)
	return nil
}

// ensureSingleDefault rejects the write if another enabled default rule
// exists. exceptRuleID exempts the rule being updated.
func (s *sqliteStore) ensureSingleDefault(db *gorm.DB, exceptRuleID string) error {
	var count int64
	q := db.Model(&Rule{}).Where("kind = ? AND enabled = ?", KindDefault, true)
	if exceptRuleID != "" {
		q = q.Where("rule_id <> ?", exceptRuleID)
	}
	if err := q.Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check default rule uniqueness: %w", err)
	}
	if count > 0 {
		return ErrDuplicateDefault
	}
	return nil
}
