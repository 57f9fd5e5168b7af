package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/charity-auction/internal/journal"
)

// JournalStore implements journal.Store backed by Postgres.
type JournalStore struct {
	db *sqlx.DB
}

// NewJournalStore returns a new JournalStore.
func NewJournalStore(db *sqlx.DB) *JournalStore {
	return &JournalStore{db: db}
}

func (s *JournalStore) Append(ctx context.Context, entries ...journal.Entry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO journal (item_id, type, data, created_at)
		 VALUES ($1, $2, $3, COALESCE($4, now()))`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var at any
		if !e.CreatedAt.IsZero() {
			at = e.CreatedAt
		}
		data := []byte(e.Data)
		if len(data) == 0 {
			data = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx, e.ItemID, e.Type, data, at); err != nil {
			return fmt.Errorf("inserting journal entry (item=%s, type=%s): %w", e.ItemID, e.Type, err)
		}
	}

	return tx.Commit()
}

func (s *JournalStore) Load(ctx context.Context, itemID string) ([]journal.Entry, error) {
	var entries []journal.Entry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT id, item_id, type, data, created_at
		   FROM journal WHERE item_id = $1 ORDER BY created_at ASC, id ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("loading journal: %w", err)
	}
	return entries, nil
}

func (s *JournalStore) LoadByType(ctx context.Context, t journal.Type) ([]journal.Entry, error) {
	var entries []journal.Entry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT id, item_id, type, data, created_at
		   FROM journal WHERE type = $1 ORDER BY created_at ASC, id ASC`, t)
	if err != nil {
		return nil, fmt.Errorf("loading journal by type: %w", err)
	}
	return entries, nil
}
