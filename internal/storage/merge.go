package storage

import (
	"fmt"
	"sync"

	"github.com/maltedev/listing-scraper/internal/models"
)

// MergeWriter appends rows from concurrent sessions to one combined CSV.
// Rows of one Append call stay contiguous.
type MergeWriter struct {
	mu     sync.Mutex
	csv    *CSVWriter
	schema *models.Schema
	rows   int
}

func NewMergeWriter(filename string, schema *models.Schema) (*MergeWriter, error) {
	w, err := NewCSVWriter(filename, schema)
	if err != nil {
		return nil, err
	}
	return &MergeWriter{csv: w, schema: schema}, nil
}

func (m *MergeWriter) Append(rows []models.OutputRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range rows {
		if row.Schema() != m.schema {
			return fmt.Errorf("row schema %s does not match combined file schema %s", row.Schema().Name, m.schema.Name)
		}
		if err := m.csv.WriteRow(row); err != nil {
			return err
		}
		m.rows++
	}
	return nil
}

func (m *MergeWriter) Rows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows
}

func (m *MergeWriter) Path() string { return m.csv.Path() }

func (m *MergeWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.csv.Close()
}
