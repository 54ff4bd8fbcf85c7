package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/listing-scraper/internal/models"
)

const (
	EventListingsScraped = "LISTINGS_SCRAPED"
	AggregateSession     = "scrape_session"
)

var ErrListingNotFound = errors.New("listing not found")

// Listing is one stored output row keyed by schema and identity.
type Listing struct {
	Schema      string          `db:"schema_name"`
	ID          string          `db:"id"`
	SessionID   string          `db:"session_id"`
	Query       string          `db:"query"`
	Data        json.RawMessage `db:"data"`
	Provenance  json.RawMessage `db:"provenance"`
	FirstSeenAt time.Time       `db:"first_seen_at"`
	LastSeenAt  time.Time       `db:"last_seen_at"`
}

// SessionBatch is everything one finished session hands to the repository.
type SessionBatch struct {
	SessionID string
	Profile   string
	Query     string
	Reason    string
	Rows      []models.OutputRow
	At        time.Time
}

// ScrapedPayload is the body of a LISTINGS_SCRAPED event.
type ScrapedPayload struct {
	SessionID string    `json:"session_id"`
	Profile   string    `json:"profile"`
	Query     string    `json:"query"`
	Reason    string    `json:"reason"`
	Schema    string    `json:"schema"`
	Count     int       `json:"count"`
	IDs       []string  `json:"ids"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// ListingFromRow converts an output row into its stored form.
func ListingFromRow(sessionID, query string, row models.OutputRow) (*Listing, error) {
	if row.Schema() == nil {
		return nil, fmt.Errorf("row has no schema")
	}
	if row.ID() == "" {
		return nil, fmt.Errorf("row has no identity")
	}

	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal row %s: %w", row.ID(), err)
	}

	prov := make(map[string]models.Provenance, len(row.Schema().Columns))
	for _, c := range row.Schema().Columns {
		if p := row.Provenance(c.Name); p != "" {
			prov[c.Name] = p
		}
	}
	provJSON, err := json.Marshal(prov)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provenance of %s: %w", row.ID(), err)
	}

	return &Listing{
		Schema:     row.Schema().Name,
		ID:         row.ID(),
		SessionID:  sessionID,
		Query:      query,
		Data:       data,
		Provenance: provJSON,
	}, nil
}

// ScrapedEvent builds the outbox event announcing a stored session.
func ScrapedEvent(b SessionBatch) (*OutboxEvent, error) {
	payload := ScrapedPayload{
		SessionID: b.SessionID,
		Profile:   b.Profile,
		Query:     b.Query,
		Reason:    b.Reason,
		Count:     len(b.Rows),
		IDs:       make([]string, 0, len(b.Rows)),
		ScrapedAt: b.At,
	}
	for _, row := range b.Rows {
		if payload.Schema == "" && row.Schema() != nil {
			payload.Schema = row.Schema().Name
		}
		payload.IDs = append(payload.IDs, row.ID())
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	return &OutboxEvent{
		AggregateType: AggregateSession,
		AggregateID:   b.SessionID,
		EventType:     EventListingsScraped,
		Payload:       data,
		TargetStream:  StreamListings,
	}, nil
}

type ListingRepository struct {
	db     *DB
	outbox *OutboxRepository
}

func NewListingRepository(db *DB) *ListingRepository {
	return &ListingRepository{db: db, outbox: NewOutboxRepository(db)}
}

// SaveSession upserts every row of the batch and records a LISTINGS_SCRAPED
// event in the same transaction. An empty batch writes nothing.
func (r *ListingRepository) SaveSession(ctx context.Context, b SessionBatch) error {
	if len(b.Rows) == 0 {
		return nil
	}
	if b.At.IsZero() {
		b.At = time.Now()
	}

	listings := make([]*Listing, 0, len(b.Rows))
	for _, row := range b.Rows {
		l, err := ListingFromRow(b.SessionID, b.Query, row)
		if err != nil {
			return err
		}
		listings = append(listings, l)
	}

	event, err := ScrapedEvent(b)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO listings (
			schema_name, id, session_id, query, data, provenance,
			first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (schema_name, id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			query = EXCLUDED.query,
			data = EXCLUDED.data,
			provenance = EXCLUDED.provenance,
			last_seen_at = EXCLUDED.last_seen_at`

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, l := range listings {
			batch.Queue(query, l.Schema, l.ID, l.SessionID, l.Query, l.Data, l.Provenance, b.At)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to upsert listings: %w", err)
		}
		return r.outbox.InsertWithTx(ctx, tx, event)
	})
}

func (r *ListingRepository) Get(ctx context.Context, schema, id string) (*Listing, error) {
	query := `
		SELECT schema_name, id, session_id, query, data, provenance,
			first_seen_at, last_seen_at
		FROM listings
		WHERE schema_name = $1 AND id = $2`

	l := &Listing{}
	err := r.db.pool.QueryRow(ctx, query, schema, id).Scan(
		&l.Schema, &l.ID, &l.SessionID, &l.Query, &l.Data, &l.Provenance,
		&l.FirstSeenAt, &l.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrListingNotFound, schema, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return l, nil
}

// CountBySession returns how many stored listings were last seen by sessionID.
func (r *ListingRepository) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.db.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM listings WHERE session_id = $1", sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count listings: %w", err)
	}
	return n, nil
}
