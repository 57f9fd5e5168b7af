package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jensholdgaard/charity-auction/internal/auction"
	"github.com/jensholdgaard/charity-auction/internal/clock"
	"github.com/jensholdgaard/charity-auction/internal/store"
	"github.com/jensholdgaard/charity-auction/internal/store/postgres"
)

// newTestDB starts a Postgres container, applies the schema, and returns
// a connected *sqlx.DB. The container is terminated when the test ends.
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("auction_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := postgres.Migrate(ctx, db); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	return db
}

func gbp(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// seedActiveItem creates an event ending at eventEnd and one active lot in it.
func seedActiveItem(t *testing.T, repos *store.Repositories, clk clock.Clock, slug string, eventEnd time.Time) *auction.Item {
	t.Helper()
	ctx := context.Background()

	ev := &auction.Event{Slug: "gala-" + slug, Name: "Gala", EndsAt: &eventEnd}
	if err := repos.Events.Create(ctx, ev); err != nil {
		t.Fatalf("Create event: %v", err)
	}

	it, err := auction.NewItem(auction.NewItemParams{
		EventID:      ev.ID,
		Slug:         slug,
		Title:        "Lot " + slug,
		DonorID:      "donor-1",
		StartingBid:  gbp("50.00"),
		MinIncrement: gbp("1.00"),
		BuyNowPrice:  decimal.NewNullDecimal(gbp("500.00")),
		MarketValue:  decimal.NewNullDecimal(gbp("100.00")),
	})
	if err != nil {
		t.Fatalf("NewItem: %v", err)
	}
	if err := repos.Items.Create(ctx, it); err != nil {
		t.Fatalf("Create item: %v", err)
	}
	if _, err := repos.Events.Open(ctx, ev.ID, clk.Now()); err != nil {
		t.Fatalf("Open event: %v", err)
	}
	got, err := repos.Items.GetByID(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return got
}
