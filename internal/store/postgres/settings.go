package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/charity-auction/internal/clock"
)

const keyAutoPaymentRequests = "auto_payment_requests"

// SettingsRepo implements store.SettingsRepository on a key/value table.
type SettingsRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewSettingsRepo returns a new SettingsRepo.
func NewSettingsRepo(db *sqlx.DB, clk clock.Clock) *SettingsRepo {
	return &SettingsRepo{db: db, clock: clk}
}

func (r *SettingsRepo) AutoPaymentRequests(ctx context.Context) (bool, bool, error) {
	var raw string
	err := r.db.GetContext(ctx, &raw, `SELECT value FROM settings WHERE key = $1`, keyAutoPaymentRequests)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("reading %s: %w", keyAutoPaymentRequests, err)
	}
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, fmt.Errorf("parsing %s=%q: %w", keyAutoPaymentRequests, raw, err)
	}
	return enabled, true, nil
}

func (r *SettingsRepo) SetAutoPaymentRequests(ctx context.Context, enabled bool) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		keyAutoPaymentRequests, strconv.FormatBool(enabled), r.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("writing %s: %w", keyAutoPaymentRequests, err)
	}
	return nil
}
