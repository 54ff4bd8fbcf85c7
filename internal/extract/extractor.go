// Package extract resolves typed fields from item nodes through ordered
// locator chains.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maltedev/listing-scraper/internal/driver"
	"github.com/maltedev/listing-scraper/internal/models"
)

// Observer receives per-field outcomes. metrics.Metrics satisfies it.
type Observer interface {
	ObserveField(field string, provenance models.Provenance)
}

type Extractor struct {
	driver   driver.PageDriver
	logger   *slog.Logger
	observer Observer
}

func NewExtractor(d driver.PageDriver, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		driver: d,
		logger: logger.With("component", "extractor"),
	}
}

func (e *Extractor) WithObserver(o Observer) *Extractor {
	e.observer = o
	return e
}

// Extract applies chains in order against node. It never fails: a field
// whose alternatives all fail resolves to its default. Chains are evaluated
// in slice order so defaults may depend on earlier fields.
func (e *Extractor) Extract(ctx context.Context, node driver.Node, identity string, chains []Chain) *models.Record {
	rec := models.NewRecord(identity)

	for _, chain := range chains {
		v := e.resolve(ctx, node, chain, rec)
		rec.Set(chain.Field, v)
		if e.observer != nil {
			e.observer.ObserveField(chain.Field, v.Provenance)
		}
	}

	return rec
}

func (e *Extractor) resolve(ctx context.Context, node driver.Node, chain Chain, rec *models.Record) models.FieldValue {
	var driverErr error

	for i, alt := range chain.Alternatives {
		raw, err := e.read(ctx, node, alt.Locator)
		if err != nil {
			if !errors.Is(err, driver.ErrNoMatch) {
				driverErr = err
			}
			continue
		}

		value, err := alt.Rule.Apply(raw)
		if err != nil {
			e.logger.Debug("alternative rejected",
				"field", chain.Field,
				"locator", alt.Locator.String(),
				"error", err)
			continue
		}

		return models.FieldValue{
			Value:       value,
			Provenance:  models.ProvenanceExtracted,
			Alternative: i,
		}
	}

	fv := models.FieldValue{
		Value:       chain.defaultValue(rec),
		Provenance:  models.ProvenanceDefault,
		Alternative: -1,
	}
	if driverErr != nil {
		fv.Provenance = models.ProvenanceError
		fv.Error = driverErr.Error()
		e.logger.Warn("field fell back after driver error",
			"field", chain.Field,
			"error", driverErr)
	}
	return fv
}

func (e *Extractor) read(ctx context.Context, node driver.Node, loc Locator) (string, error) {
	if loc.Source == SourcePageURL {
		return e.driver.CurrentURL(), nil
	}

	target := node
	if loc.Selector != "" {
		found, err := e.driver.Find(ctx, loc.Selector, node)
		if err != nil {
			return "", err
		}
		target = found
	}
	if target == nil {
		return "", driver.ErrNoMatch
	}

	switch loc.Source {
	case SourceAttribute:
		return e.driver.ReadAttribute(ctx, target, loc.Attr)
	case SourceContent:
		return driver.ReadContent(ctx, e.driver, target)
	case SourceText:
		return e.driver.ReadText(ctx, target)
	default:
		return "", fmt.Errorf("unknown locator source %d", loc.Source)
	}
}
