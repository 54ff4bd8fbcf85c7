// Package storage writes session rows to files and keeps a manifest of what
// was written.
package storage

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/maltedev/listing-scraper/internal/models"
)

// ErrOutputUnavailable means the output location cannot be created or
// written. It is fatal to a session.
var ErrOutputUnavailable = errors.New("output unavailable")

const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9]+`)

// maxNameSuffix bounds the _2, _3... suffixes tried for a taken session file
// name.
const maxNameSuffix = 100

// FileName builds <dir>/<prefix>_<query>_<yyyymmdd_hhmmss>.<ext>. Queries
// differing only in punctuation map to the same name; OpenSession adds a
// suffix when the name is taken.
func FileName(dir, prefix, query string, at time.Time, ext string) string {
	q := strings.Trim(unsafeName.ReplaceAllString(query, "_"), "_")
	if q == "" {
		q = "all"
	}
	name := fmt.Sprintf("%s_%s_%s.%s", prefix, q, at.Format("20060102_150405"), ext)
	return filepath.Join(dir, name)
}

// RowWriter streams rows to one file.
type RowWriter interface {
	WriteRow(row models.OutputRow) error
	Path() string
	Close() error
}

// CSVWriter writes a header from the schema followed by one line per row.
type CSVWriter struct {
	path   string
	file   *os.File
	writer *csv.Writer
	schema *models.Schema
	mu     sync.Mutex
}

// NewCSVWriter creates or truncates filename.
func NewCSVWriter(filename string, schema *models.Schema) (*CSVWriter, error) {
	f, err := create(filename)
	if err != nil {
		return nil, err
	}
	return newCSVWriter(f, filename, schema)
}

func newCSVWriter(f *os.File, filename string, schema *models.Schema) (*CSVWriter, error) {
	writer := csv.NewWriter(f)
	if err := writer.Write(schema.Header()); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: write csv header: %v", ErrOutputUnavailable, err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: flush csv header: %v", ErrOutputUnavailable, err)
	}

	return &CSVWriter{
		path:   filename,
		file:   f,
		writer: writer,
		schema: schema,
	}, nil
}

func (cw *CSVWriter) Path() string { return cw.path }

// WriteRow appends and flushes one row.
func (cw *CSVWriter) WriteRow(row models.OutputRow) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if err := cw.writer.Write(row.Strings()); err != nil {
		return fmt.Errorf("%w: write csv record: %v", ErrOutputUnavailable, err)
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("%w: flush csv record: %v", ErrOutputUnavailable, err)
	}
	return nil
}

func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		cw.file.Close()
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// JSONWriter writes newline-delimited JSON objects keyed by column name.
type JSONWriter struct {
	path    string
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

func NewJSONWriter(filename string) (*JSONWriter, error) {
	f, err := create(filename)
	if err != nil {
		return nil, err
	}
	return newJSONWriter(f, filename), nil
}

func newJSONWriter(f *os.File, filename string) *JSONWriter {
	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		path:    filename,
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}
}

func (jw *JSONWriter) Path() string { return jw.path }

func (jw *JSONWriter) WriteRow(row models.OutputRow) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.encoder.Encode(row); err != nil {
		return fmt.Errorf("%w: encode json record: %v", ErrOutputUnavailable, err)
	}
	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush json writer: %v", ErrOutputUnavailable, err)
	}
	return nil
}

func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		jw.file.Close()
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// SessionOutput fans rows out to one writer per requested format.
type SessionOutput struct {
	writers []RowWriter
	rows    int
}

// OpenSession creates the record files of one session. Existing files are
// never reused, so the files it returns, and removes again when no row was
// written, belong to this session alone. Nothing is left behind when any
// format fails to open.
func OpenSession(dir, prefix, query string, at time.Time, formats []string, schema *models.Schema) (*SessionOutput, error) {
	if len(formats) == 0 {
		formats = []string{FormatCSV}
	}

	out := &SessionOutput{}
	for _, format := range formats {
		var (
			w   RowWriter
			err error
		)
		switch strings.ToLower(strings.TrimSpace(format)) {
		case FormatCSV:
			w, err = openSessionFile(FileName(dir, prefix, query, at, "csv"), func(f *os.File, path string) (RowWriter, error) {
				return newCSVWriter(f, path, schema)
			})
		case FormatJSON:
			w, err = openSessionFile(FileName(dir, prefix, query, at, "jsonl"), func(f *os.File, path string) (RowWriter, error) {
				return newJSONWriter(f, path), nil
			})
		default:
			err = fmt.Errorf("unknown output format %q", format)
		}
		if err != nil {
			out.discard()
			return nil, err
		}
		out.writers = append(out.writers, w)
	}
	return out, nil
}

func openSessionFile(filename string, wrap func(*os.File, string) (RowWriter, error)) (RowWriter, error) {
	f, path, err := createUnique(filename)
	if err != nil {
		return nil, err
	}
	w, err := wrap(f, path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

func (o *SessionOutput) WriteRow(row models.OutputRow) error {
	for _, w := range o.writers {
		if err := w.WriteRow(row); err != nil {
			return err
		}
	}
	o.rows++
	return nil
}

func (o *SessionOutput) Rows() int { return o.rows }

func (o *SessionOutput) Paths() []string {
	paths := make([]string, len(o.writers))
	for i, w := range o.writers {
		paths[i] = w.Path()
	}
	return paths
}

// Close closes every file. A session that wrote no rows leaves no files
// behind.
func (o *SessionOutput) Close() error {
	var errs []error
	for _, w := range o.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if o.rows == 0 {
		o.remove()
	}
	return errors.Join(errs...)
}

func (o *SessionOutput) discard() {
	for _, w := range o.writers {
		w.Close()
	}
	o.remove()
}

func (o *SessionOutput) remove() {
	for _, w := range o.writers {
		os.Remove(w.Path())
	}
}

// ReadCSV loads a record file. The schema is recognised from the header.
func ReadCSV(path string) ([]models.OutputRow, *models.Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	schema, err := schemaFor(header)
	if err != nil {
		return nil, nil, err
	}

	var rows []models.OutputRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, schema, fmt.Errorf("failed to read record %d: %w", len(rows)+1, err)
		}
		row, err := models.RowFromStrings(schema, record)
		if err != nil {
			return rows, schema, fmt.Errorf("invalid record %d: %w", len(rows)+1, err)
		}
		rows = append(rows, row)
	}
	return rows, schema, nil
}

func schemaFor(header []string) (*models.Schema, error) {
	for _, s := range []*models.Schema{models.ProductSchema, models.ReviewSchema} {
		if equalHeader(s.Header(), header) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unrecognised header %v", header)
}

func equalHeader(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != strings.TrimSpace(b[i]) {
			return false
		}
	}
	return true
}

func create(filename string) (*os.File, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrOutputUnavailable, filename, err)
	}
	return f, nil
}

// createUnique creates filename exclusively. A taken name gets a numeric
// suffix before the extension: rows_2.csv, rows_3.csv and so on.
func createUnique(filename string) (*os.File, string, error) {
	if err := ensureDir(filename); err != nil {
		return nil, "", err
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	path := filename
	for n := 1; ; n++ {
		if n > 1 {
			path = fmt.Sprintf("%s_%d%s", base, n, ext)
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) || n >= maxNameSuffix {
			return nil, "", fmt.Errorf("%w: create %s: %v", ErrOutputUnavailable, path, err)
		}
	}
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create directory %q: %v", ErrOutputUnavailable, dir, err)
	}
	return nil
}
