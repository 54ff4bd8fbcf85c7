// Package parser turns raw located text into typed values. Every Rule is pure
// and pairs a parse step with a validity predicate.
package parser

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmpty    = errors.New("empty input")
	ErrNoMatch  = errors.New("no value found in input")
	ErrRejected = errors.New("value rejected by validity predicate")
)

// Rule is a named parse function plus a validity predicate.
type Rule struct {
	Name  string
	parse func(string) (any, error)
	valid func(any) bool
}

func NewRule(name string, parse func(string) (any, error), valid func(any) bool) Rule {
	return Rule{Name: name, parse: parse, valid: valid}
}

// Apply parses raw and checks the predicate. raw is trimmed first; blank
// input is never valid.
func (r Rule) Apply(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmpty
	}
	if r.parse == nil {
		return nil, fmt.Errorf("rule %q has no parse function", r.Name)
	}

	v, err := r.parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.Name, err)
	}
	if r.valid != nil && !r.valid(v) {
		return nil, fmt.Errorf("%s: %w", r.Name, ErrRejected)
	}
	return v, nil
}
