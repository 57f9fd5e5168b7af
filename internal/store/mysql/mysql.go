// Package mysql provides the "mysql" store.Driver, built on gorm over an
// otelsql-instrumented go-sql-driver/mysql connection.
package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	gomysql "github.com/go-sql-driver/mysql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jensholdgaard/charity-auction/internal/clock"
	"github.com/jensholdgaard/charity-auction/internal/config"
	"github.com/jensholdgaard/charity-auction/internal/store"
)

func init() {
	store.Register(config.DriverMySQL, open)
}

func open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db, err := Connect(ctx, cfg, clk)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrapping gorm connection: %w", err)
	}
	if cfg.AutoMigrate {
		if err := Migrate(ctx, db); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}
	repos := NewRepositories(db, clk)
	repos.Closer = sqlDB
	repos.Ping = sqlDB.PingContext
	return repos, nil
}

// NewRepositories wires every repository to db. Closer and Ping are left
// to the caller that owns the connection.
func NewRepositories(db *gorm.DB, clk clock.Clock) *store.Repositories {
	return &store.Repositories{
		Items:    &ItemRepo{db: db, clock: clk},
		Bids:     &BidRepo{db: db},
		Payments: &PaymentRepo{db: db},
		Events:   &EventRepo{db: db, clock: clk},
		Settings: &SettingsRepo{db: db, clock: clk},
		Journal:  &JournalStore{db: db, clock: clk},
	}
}

// Connect opens a MySQL connection through otelsql and hands it to gorm.
func Connect(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*gorm.DB, error) {
	sqlDB, err := otelsql.Open("mysql", cfg.MySQLDSN(),
		otelsql.WithAttributes(semconv.DBSystemMySQL),
	)
	if err != nil {
		return nil, fmt.Errorf("opening mysql database: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging mysql database: %w", err)
	}

	db, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: sqlDB}), &gorm.Config{
		Logger:  logger.Discard,
		NowFunc: func() time.Time { return clk.Now().UTC() },
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("opening gorm: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the schema from the row models.
func Migrate(ctx context.Context, db *gorm.DB) error {
	err := db.WithContext(ctx).AutoMigrate(
		&eventRow{}, &itemRow{}, &bidRow{}, &paymentRow{}, &settingRow{}, &journalRow{},
	)
	if err != nil {
		return fmt.Errorf("migrating mysql schema: %w", err)
	}
	return nil
}

// mapError translates gorm and MySQL errors into the store sentinels.
func mapError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062: // ER_DUP_ENTRY
			return fmt.Errorf("%w: %s", store.ErrDuplicate, myErr.Message)
		case 1452: // ER_NO_REFERENCED_ROW_2
			return fmt.Errorf("%w: %s", store.ErrNotFound, myErr.Message)
		}
	}
	return err
}

// missingOrStale explains why a conditional update touched no row.
func missingOrStale(tx *gorm.DB, model any, table, id string) error {
	var n int64
	if err := tx.Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("checking %s %s: %w", table, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", table, id, store.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", table, id, store.ErrStale)
}
