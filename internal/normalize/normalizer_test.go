package normalize

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/listing-scraper/internal/models"
)

var fixedNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func newNormalizer() *Normalizer {
	return New(nil).WithClock(func() time.Time { return fixedNow })
}

func extracted(v any) models.FieldValue {
	return models.FieldValue{Value: v, Provenance: models.ProvenanceExtracted}
}

func TestNormalize_FullRecord(t *testing.T) {
	rec := models.NewRecord(models.FieldID)
	rec.Set(models.FieldID, extracted("B08XYZ1234"))
	rec.Set(models.FieldTitle, extracted("Desk Lamp"))
	rec.Set(models.FieldPrice, extracted(29.99))
	rec.Set(models.FieldRating, extracted(4.5))
	rec.Set(models.FieldReviewCount, extracted(int64(1234)))
	rec.Set(models.FieldURL, extracted("https://www.amazon.com/dp/B08XYZ1234"))
	rec.Set(models.FieldDate, extracted(time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)))

	row := newNormalizer().Normalize(rec, models.ProductSchema)

	assert.Equal(t, "B08XYZ1234", row.ID())
	assert.Equal(t, 29.99, row.Float("price"))
	assert.Equal(t, int64(1234), row.Int("review_count"))
	assert.Equal(t, []string{
		"B08XYZ1234", "Desk Lamp", "29.99", "4.5", "1234",
		"https://www.amazon.com/dp/B08XYZ1234", "2024-03-03",
	}, row.Strings())
	assert.Equal(t, models.ProvenanceExtracted, row.Provenance("rating"))
}

func TestNormalize_Fallbacks(t *testing.T) {
	rec := models.NewRecord(models.FieldID)
	rec.Set(models.FieldID, extracted("B000000001"))
	rec.Set(models.FieldPrice, extracted("call for price"))
	rec.Set(models.FieldRating, extracted(7.2))
	rec.Set(models.FieldReviewCount, extracted(math.NaN()))
	rec.Set(models.FieldDate, extracted("sometime"))

	row := newNormalizer().Normalize(rec, models.ProductSchema)

	assert.Equal(t, "", row.String("title"))
	assert.Equal(t, models.ProvenanceDefault, row.Provenance("title"))
	assert.Equal(t, 0.0, row.Float("price"))
	assert.Equal(t, models.ProvenanceDefault, row.Provenance("price"))
	assert.Equal(t, 5.0, row.Float("rating"), "rating is clamped to the scale")
	assert.Equal(t, int64(0), row.Int("review_count"))
	assert.True(t, fixedNow.Equal(row.Time("date")))
}

func TestNormalize_ReviewBooleans(t *testing.T) {
	rec := models.NewRecord(models.FieldReviewID)
	rec.Set(models.FieldReviewID, extracted("R1"))
	rec.Set(models.FieldVerified, extracted("true"))

	row := newNormalizer().Normalize(rec, models.ReviewSchema)
	assert.True(t, row.Bool("verified_purchase"))

	empty := newNormalizer().Normalize(models.NewRecord(models.FieldReviewID), models.ReviewSchema)
	assert.False(t, empty.Bool("verified_purchase"))
	assert.Equal(t, int64(0), empty.Int("helpful"))
}

func TestNormalize_SchemaInvariance(t *testing.T) {
	junk := []any{nil, "", "abc", -3.0, 12.5, int64(-1), int64(9), true, math.Inf(1), time.Time{}, struct{}{}, "4,5 von 5"}
	provs := []models.Provenance{models.ProvenanceExtracted, models.ProvenanceDefault, models.ProvenanceError}
	n := newNormalizer()

	for _, schema := range []*models.Schema{models.ProductSchema, models.ReviewSchema} {
		for i := 0; i < len(junk)*3; i++ {
			rec := models.NewRecord(schema.Identity)
			for j, col := range schema.Columns {
				if (i+j)%4 == 0 {
					continue
				}
				rec.Set(col.Field, models.FieldValue{
					Value:      junk[(i+j)%len(junk)],
					Provenance: provs[(i*j)%len(provs)],
				})
			}

			row := n.Normalize(rec, schema)
			require.Equal(t, len(schema.Columns), row.Len())
			require.Len(t, row.Strings(), len(schema.Columns))

			for k, col := range schema.Columns {
				v := row.Value(k)
				switch col.Type {
				case models.TypeNumber:
					f, ok := v.(float64)
					require.True(t, ok, "%s: %T", col.Name, v)
					assert.False(t, math.IsNaN(f) || math.IsInf(f, 0))
					if col.Bounded {
						assert.GreaterOrEqual(t, f, col.Min)
						assert.LessOrEqual(t, f, col.Max)
					}
				case models.TypeInteger:
					n, ok := v.(int64)
					require.True(t, ok, "%s: %T", col.Name, v)
					assert.GreaterOrEqual(t, n, int64(0))
				case models.TypeBoolean:
					_, ok := v.(bool)
					assert.True(t, ok, "%s: %T", col.Name, v)
				case models.TypeTimestamp:
					ts, ok := v.(time.Time)
					require.True(t, ok, "%s: %T", col.Name, v)
					assert.False(t, ts.IsZero())
				default:
					_, ok := v.(string)
					assert.True(t, ok, "%s: %T", col.Name, v)
				}
			}
		}
	}
}
