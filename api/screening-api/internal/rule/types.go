// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_rule

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	internal_type "github.com/callwarden/api/screening-api/internal/type"
)

// Predicate kinds, in priority tier order. A lower tier wins over a
// higher one regardless of creation order.
const (
	KindExact   = "exact"   // full number match
	KindPrefix  = "prefix"  // number prefix match (e.g. "+1555")
	KindUnknown = "unknown" // absent/anonymous caller identity
	KindDefault = "default" // fallback when nothing else matched
)

// Rule maps a caller predicate to a screening action. Rules are created
// and mutated only through the rule-management surface; the decision
// engine reads immutable snapshots.
//
// Stored in sqlite (screening_rules table). At most one enabled rule of
// kind "default" may exist; the store enforces this on create and update.
type Rule struct {
	Id      uint64                `json:"id" gorm:"primaryKey;autoIncrement;<-:create"`
	RuleID  string                `json:"ruleId" gorm:"column:rule_id;type:varchar(36);not null;uniqueIndex"`
	Kind    string                `json:"kind" gorm:"column:kind;type:varchar(20);not null"`
	Pattern string                `json:"pattern" gorm:"column:pattern;type:varchar(50);not null;default:''"`
	Action  internal_type.Verdict `json:"action" gorm:"column:action;type:varchar(30);not null"`
	Enabled bool                  `json:"enabled" gorm:"column:enabled;not null;default:true"`

	// Optional daily active window, "HH:MM" local time. Both empty means
	// always active. A window may wrap past midnight (22:00 → 07:00).
	WindowStart string `json:"windowStart" gorm:"column:window_start;type:varchar(5);not null;default:''"`
	WindowEnd   string `json:"windowEnd" gorm:"column:window_end;type:varchar(5);not null;default:''"`

	CreatedDate time.Time `json:"createdDate" gorm:"column:created_date;type:timestamp;not null;<-:create"`
	UpdatedDate time.Time `json:"updatedDate" gorm:"column:updated_date;type:timestamp;default:null"`
}

func (Rule) TableName() string {
	return "screening_rules"
}

func (r *Rule) BeforeCreate(tx *gorm.DB) (err error) {
	if r.RuleID == "" {
		r.RuleID = uuid.New().String()
	}
	if r.CreatedDate.IsZero() {
		r.CreatedDate = time.Now()
	}
	return nil
}

// Tier returns the precedence tier of the rule's predicate; lower wins.
func (r *Rule) Tier() int {
	switch r.Kind {
	case KindExact:
		return 0
	case KindPrefix:
		return 1
	case KindUnknown:
		return 2
	case KindDefault:
		return 3
	}
	return 4
}

// MatchesCaller reports whether the predicate applies to the caller
// identity. An absent identity is only eligible for unknown and default
// rules.
func (r *Rule) MatchesCaller(caller *string) bool {
	switch r.Kind {
	case KindExact:
		return caller != nil && *caller == r.Pattern
	case KindPrefix:
		return caller != nil && r.Pattern != "" && strings.HasPrefix(*caller, r.Pattern)
	case KindUnknown:
		return caller == nil || *caller == ""
	case KindDefault:
		return true
	}
	return false
}

// ActiveAt reports whether now falls inside the rule's daily window.
func (r *Rule) ActiveAt(now time.Time) bool {
	if r.WindowStart == "" && r.WindowEnd == "" {
		return true
	}
	start, okStart := parseMinuteOfDay(r.WindowStart)
	end, okEnd := parseMinuteOfDay(r.WindowEnd)
	if !okStart || !okEnd {
		// Unparseable window: treat the rule as always active rather
		// than silently disabling it.
		return true
	}
	minute := now.Hour()*60 + now.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	// Wraps past midnight.
	return minute >= start || minute < end
}

func parseMinuteOfDay(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// ValidKind reports whether kind names a known predicate kind.
func ValidKind(kind string) bool {
	switch kind {
	case KindExact, KindPrefix, KindUnknown, KindDefault:
		return true
	}
	return false
}

// ValidAction reports whether action names a known verdict.
func ValidAction(action internal_type.Verdict) bool {
	switch action {
	case internal_type.VerdictAllow, internal_type.VerdictReject,
		internal_type.VerdictSilentReject, internal_type.VerdictScreenAndRecord:
		return true
	}
	return false
}
