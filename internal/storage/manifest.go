package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// ManifestEntry records the files one session wrote.
type ManifestEntry struct {
	SessionID string    `json:"session_id"`
	Profile   string    `json:"profile"`
	Query     string    `json:"query"`
	Files     []string  `json:"files"`
	Rows      int       `json:"rows"`
	Reason    string    `json:"reason,omitempty"`
	Status    string    `json:"status"`
	AddedAt   time.Time `json:"added_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// Manifest is a JSON index of session outputs, rewritten atomically on every
// change.
type Manifest struct {
	mu       sync.RWMutex
	entries  map[string]*ManifestEntry
	filename string
}

func NewManifest(filename string) (*Manifest, error) {
	m := &Manifest{
		entries:  make(map[string]*ManifestEntry),
		filename: filename,
	}

	if err := m.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return m, nil
}

func (m *Manifest) Add(entry *ManifestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.SessionID == "" {
		return fmt.Errorf("session id is required")
	}

	now := time.Now()
	entry.AddedAt = now
	entry.UpdatedAt = now
	if entry.Status == "" {
		entry.Status = StatusRunning
	}

	m.entries[entry.SessionID] = entry
	return m.save()
}

func (m *Manifest) Get(sessionID string) (*ManifestEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.entries[sessionID]
	return entry, exists
}

// Complete records the final state of a session.
func (m *Manifest) Complete(sessionID, status, reason string, rows int, files []string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[sessionID]
	if !exists {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	entry.Status = status
	entry.Reason = reason
	entry.Rows = rows
	entry.Files = files
	entry.Error = errMsg
	entry.UpdatedAt = time.Now()

	return m.save()
}

// List returns entries ordered by AddedAt.
func (m *Manifest) List() []*ManifestEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ManifestEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

func (m *Manifest) GetStats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]int)
	for _, e := range m.entries {
		stats[e.Status]++
	}
	stats["total"] = len(m.entries)
	return stats
}

func (m *Manifest) save() error {
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return err
	}

	if err := ensureDir(m.filename); err != nil {
		return err
	}

	// write to a temp file first so readers never see a partial manifest
	tmpFile := m.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputUnavailable, err)
	}

	return os.Rename(tmpFile, m.filename)
}

func (m *Manifest) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filename)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &m.entries)
}
