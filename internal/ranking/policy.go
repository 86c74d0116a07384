// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ranking selects the best candidate for a target given a priority
// policy over sources, resolution tiers and episode coverage.
package ranking

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/mediahunt/internal/classify"
	"github.com/autobrr/mediahunt/internal/domain"
)

// ConfigError reports a ranking policy field that is missing or unusable.
// The policy fails fast at construction instead of defaulting silently deep
// inside selection.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ranking config incomplete: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	_, ok := target.(*ConfigError)
	return ok
}

// Policy is a validated, immutable-per-run ranking configuration.
type Policy struct {
	Sources             []string
	PreferredResolution string
	FallbackResolution  string
	ExcludeKeywords     []string
	PreferKeywords      []string

	filter *vm.Program
}

// NewPolicy validates the raw config and compiles the optional candidate
// filter expression.
func NewPolicy(cfg domain.RankingConfig) (*Policy, error) {
	if len(cfg.Sources) == 0 {
		return nil, &ConfigError{Field: "sources", Reason: "at least one source is required"}
	}
	if strings.TrimSpace(cfg.PreferredResolution) == "" {
		return nil, &ConfigError{Field: "preferredResolution", Reason: "must not be empty"}
	}
	if strings.TrimSpace(cfg.FallbackResolution) == "" {
		return nil, &ConfigError{Field: "fallbackResolution", Reason: "must not be empty"}
	}

	p := &Policy{
		Sources:             append([]string(nil), cfg.Sources...),
		PreferredResolution: cfg.PreferredResolution,
		FallbackResolution:  cfg.FallbackResolution,
		ExcludeKeywords:     append([]string(nil), cfg.ExcludeKeywords...),
		PreferKeywords:      append([]string(nil), cfg.PreferKeywords...),
	}

	if strings.TrimSpace(cfg.FilterExpr) != "" {
		prog, err := expr.Compile(cfg.FilterExpr, expr.Env(classify.Candidate{}), expr.AsBool())
		if err != nil {
			return nil, &ConfigError{Field: "filterExpr", Reason: err.Error()}
		}
		p.filter = prog
	}

	return p, nil
}

// Tier maps a raw resolution onto this policy's tiers.
func (p *Policy) Tier(resolution string) classify.Tier {
	return classify.TierFor(resolution, p.PreferredResolution, p.FallbackResolution)
}

// excluded reports whether a candidate title contains any exclude keyword.
func (p *Policy) excluded(title string) bool {
	lower := strings.ToLower(title)
	for _, kw := range p.ExcludeKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// preferScore counts how many prefer keywords a title matches. Each keyword
// counts once regardless of repetitions.
func (p *Policy) preferScore(title string) int {
	lower := strings.ToLower(title)
	score := 0
	for _, kw := range p.PreferKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			score++
		}
	}
	return score
}

// passesFilter evaluates the optional filter expression. Evaluation errors
// are absorbed and keep the candidate, matching the rule that a bad single
// candidate never aborts a run.
func (p *Policy) passesFilter(c classify.Candidate) bool {
	if p.filter == nil {
		return true
	}
	out, err := expr.Run(p.filter, c)
	if err != nil {
		log.Warn().Err(err).Str("title", c.Title).Msg("Candidate filter expression failed, keeping candidate")
		return true
	}
	keep, ok := out.(bool)
	if !ok {
		return true
	}
	return keep
}
