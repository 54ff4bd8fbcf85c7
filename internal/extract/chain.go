package extract

import (
	"errors"
	"fmt"

	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/parser"
)

var ErrEmptyChain = errors.New("locator chain has no alternatives")

// Alternative pairs one Locator with the ParseRule applied to what it reads.
type Alternative struct {
	Locator Locator
	Rule    parser.Rule
}

func Try(l Locator, r parser.Rule) Alternative {
	return Alternative{Locator: l, Rule: r}
}

// DefaultFunc computes a field's documented default. It may read fields
// resolved earlier in the same record. A nil result leaves the value to the
// normalizer's type fallback.
type DefaultFunc func(r *models.Record) any

// Chain is the ordered fallback list for exactly one field.
type Chain struct {
	Field        string
	Alternatives []Alternative
	Default      DefaultFunc
}

func NewChain(field string, def DefaultFunc, alts ...Alternative) (Chain, error) {
	if len(alts) == 0 {
		return Chain{}, fmt.Errorf("%s: %w", field, ErrEmptyChain)
	}
	return Chain{Field: field, Alternatives: alts, Default: def}, nil
}

// MustChain is NewChain for package level declarations.
func MustChain(field string, def DefaultFunc, alts ...Alternative) Chain {
	c, err := NewChain(field, def, alts...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Chain) defaultValue(r *models.Record) any {
	if c.Default == nil {
		return nil
	}
	return c.Default(r)
}

// Constant returns a DefaultFunc yielding v.
func Constant(v any) DefaultFunc {
	return func(*models.Record) any { return v }
}
