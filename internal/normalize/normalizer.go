// Package normalize maps partially filled records onto a fixed output schema.
package normalize

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/parser"
)

type Normalizer struct {
	now    func() time.Time
	logger *slog.Logger
}

func New(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		now:    time.Now,
		logger: logger.With("component", "normalizer"),
	}
}

// WithClock fixes the processing time used for date fallbacks.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Normalize returns one value per schema column, coerced to the column type.
// Missing or unusable values fall back per type: numbers to 0, timestamps to
// the processing time, booleans to false and strings to "". Bounded columns
// are clamped. The result always has exactly len(schema.Columns) values.
func (n *Normalizer) Normalize(rec *models.Record, schema *models.Schema) models.OutputRow {
	processed := n.now().UTC()
	values := make([]any, len(schema.Columns))
	prov := make([]models.Provenance, len(schema.Columns))

	for i, col := range schema.Columns {
		fv, ok := rec.Get(col.Field)
		if !ok {
			fv = models.FieldValue{Provenance: models.ProvenanceDefault, Alternative: -1}
		}

		v, coerced := coerce(col, fv.Value, processed)
		if !coerced && fv.Value != nil {
			n.logger.Debug("value coerced to fallback",
				"column", col.Name,
				"value", fmt.Sprint(fv.Value))
		}
		if !coerced && fv.Provenance == models.ProvenanceExtracted {
			fv.Provenance = models.ProvenanceDefault
		}

		values[i] = v
		prov[i] = fv.Provenance
	}

	return models.NewOutputRow(schema, values, prov)
}

func coerce(col models.Column, v any, processed time.Time) (any, bool) {
	switch col.Type {
	case models.TypeNumber:
		f, ok := toFloat(v)
		if !ok {
			return clamp(col, 0), false
		}
		return clamp(col, f), true
	case models.TypeInteger:
		f, ok := toFloat(v)
		if !ok {
			return int64(clamp(col, 0)), false
		}
		return int64(math.Round(clamp(col, f))), true
	case models.TypeBoolean:
		b, ok := toBool(v)
		return b, ok
	case models.TypeTimestamp:
		t, ok := toTime(v)
		if !ok {
			return processed, false
		}
		return t.UTC(), true
	default:
		s, ok := toString(v)
		return s, ok
	}
}

func clamp(col models.Column, f float64) float64 {
	if !col.Bounded {
		return f
	}
	return math.Max(col.Min, math.Min(col.Max, f))
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case string:
		parsed, err := parser.ParseNumber(x)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, false
	}
	return f, true
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return time.Time{}, false
		}
		return x, true
	case string:
		t, err := parser.ParseDate(x)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

func toString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case fmt.Stringer:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int:
		return strconv.Itoa(x), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return fmt.Sprint(x), true
	}
}
