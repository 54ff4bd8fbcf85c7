package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/listing-scraper/internal/models"
)

var day = time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)

func productRow(id string, price float64) models.OutputRow {
	return models.NewOutputRow(models.ProductSchema,
		[]any{id, "Desk Lamp", price, 4.5, int64(120), "https://shop.test/dp/" + id, day},
		nil)
}

func TestFileName(t *testing.T) {
	at := time.Date(2024, 5, 1, 13, 4, 5, 0, time.UTC)

	assert.Equal(t, filepath.Join("out", "Amazon_Products_desk_lamp_20240501_130405.csv"),
		FileName("out", "Amazon_Products", "desk lamp", at, "csv"))
	assert.Equal(t, "Amazon_Products_all_20240501_130405.csv",
		FileName("", "Amazon_Products", " / ", at, "csv"))
}

func TestCSVWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rows.csv")

	w, err := NewCSVWriter(path, models.ProductSchema)
	require.NoError(t, err)
	require.NoError(t, w.WriteRow(productRow("B000000001", 19.99)))
	require.NoError(t, w.WriteRow(productRow("B000000002", 5)))
	require.NoError(t, w.Close())

	rows, schema, err := ReadCSV(path)
	require.NoError(t, err)
	assert.Same(t, models.ProductSchema, schema)
	require.Len(t, rows, 2)
	assert.Equal(t, "B000000001", rows[0].ID())
	assert.InDelta(t, 19.99, rows[0].Float(models.FieldPrice), 0.0001)
	assert.Equal(t, day, rows[1].Time(models.FieldDate))
}

func TestReadCSVRejectsUnknownHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644))

	_, _, err := ReadCSV(path)
	assert.Error(t, err)
}

func TestOpenSession(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2024, 5, 1, 13, 4, 5, 0, time.UTC)

	out, err := OpenSession(dir, "Amazon_Products", "lamp", at, []string{"csv", "json"}, models.ProductSchema)
	require.NoError(t, err)
	require.NoError(t, out.WriteRow(productRow("B000000001", 1)))
	require.NoError(t, out.Close())

	paths := out.Paths()
	require.Len(t, paths, 2)
	assert.Equal(t, 1, out.Rows())

	f, err := os.Open(paths[1])
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var obj map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &obj))
	assert.Equal(t, "B000000001", obj["id"])
	assert.Equal(t, "2024-03-03", obj["date"])
}

func TestOpenSessionEmptyLeavesNoFiles(t *testing.T) {
	dir := t.TempDir()
	out, err := OpenSession(dir, "Amazon_Products", "lamp", time.Now(), nil, models.ProductSchema)
	require.NoError(t, err)
	require.NoError(t, out.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpenSessionSameSecondSessionsKeepTheirFiles(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2024, 5, 1, 13, 4, 5, 0, time.UTC)

	first, err := OpenSession(dir, "Amazon_Products", "desk lamp", at, []string{"csv", "json"}, models.ProductSchema)
	require.NoError(t, err)
	second, err := OpenSession(dir, "Amazon_Products", "desk-lamp", at, []string{"csv", "json"}, models.ProductSchema)
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(dir, "Amazon_Products_desk_lamp_20240501_130405.csv"),
		filepath.Join(dir, "Amazon_Products_desk_lamp_20240501_130405.jsonl"),
	}, first.Paths())
	assert.Equal(t, []string{
		filepath.Join(dir, "Amazon_Products_desk_lamp_20240501_130405_2.csv"),
		filepath.Join(dir, "Amazon_Products_desk_lamp_20240501_130405_2.jsonl"),
	}, second.Paths())

	require.NoError(t, first.WriteRow(productRow("B000000001", 1)))
	require.NoError(t, first.Close())
	// An empty session removes only the files it created.
	require.NoError(t, second.Close())

	rows, _, err := ReadCSV(first.Paths()[0])
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "B000000001", rows[0].ID())
	assert.FileExists(t, first.Paths()[1])
	for _, p := range second.Paths() {
		assert.NoFileExists(t, p)
	}
}

func TestOpenSessionDoesNotTruncateExistingFile(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2024, 5, 1, 13, 4, 5, 0, time.UTC)
	existing := FileName(dir, "P", "q", at, "csv")
	require.NoError(t, os.WriteFile(existing, []byte("keep me\n"), 0o644))

	out, err := OpenSession(dir, "P", "q", at, nil, models.ProductSchema)
	require.NoError(t, err)
	require.NoError(t, out.Close())

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "keep me\n", string(data))
}

func TestOpenSessionUnavailable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := OpenSession(filepath.Join(blocker, "out"), "P", "q", time.Now(), nil, models.ProductSchema)
	assert.ErrorIs(t, err, ErrOutputUnavailable)

	_, err = OpenSession(dir, "P", "q", time.Now(), []string{"xml"}, models.ProductSchema)
	assert.Error(t, err)
}

func TestMergeWriterConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "combined.csv")
	m, err := NewMergeWriter(path, models.ProductSchema)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch := []models.OutputRow{productRow("B000000001", 1), productRow("B000000002", 2)}
			assert.NoError(t, m.Append(batch))
		}()
	}
	wg.Wait()
	require.NoError(t, m.Close())
	assert.Equal(t, 8, m.Rows())

	rows, _, err := ReadCSV(path)
	require.NoError(t, err)
	require.Len(t, rows, 8)
	for i := 0; i < len(rows); i += 2 {
		assert.Equal(t, "B000000001", rows[i].ID())
		assert.Equal(t, "B000000002", rows[i+1].ID())
	}

	review := models.NewOutputRow(models.ReviewSchema, make([]any, len(models.ReviewSchema.Columns)), nil)
	m2, err := NewMergeWriter(filepath.Join(t.TempDir(), "c.csv"), models.ProductSchema)
	require.NoError(t, err)
	defer m2.Close()
	assert.Error(t, m2.Append([]models.OutputRow{review}))
}

func TestManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")

	m, err := NewManifest(path)
	require.NoError(t, err)

	require.NoError(t, m.Add(&ManifestEntry{SessionID: "s1", Profile: "products", Query: "lamp"}))
	require.NoError(t, m.Add(&ManifestEntry{SessionID: "s2", Profile: "products", Query: "hub"}))
	assert.Error(t, m.Add(&ManifestEntry{}))

	require.NoError(t, m.Complete("s1", StatusCompleted, "target-reached", 10, []string{"a.csv"}, ""))
	assert.Error(t, m.Complete("missing", StatusFailed, "", 0, nil, "boom"))

	reloaded, err := NewManifest(path)
	require.NoError(t, err)

	entry, ok := reloaded.Get("s1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, entry.Status)
	assert.Equal(t, 10, entry.Rows)
	assert.Equal(t, []string{"a.csv"}, entry.Files)

	stats := reloaded.GetStats()
	assert.Equal(t, 2, stats["total"])
	assert.Equal(t, 1, stats[StatusRunning])
	assert.Len(t, reloaded.List(), 2)
}
