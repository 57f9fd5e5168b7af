package store_test

import (
	"context"
	"strings"
	"testing"

	"github.com/jensholdgaard/charity-auction/internal/clock"
	"github.com/jensholdgaard/charity-auction/internal/config"
	"github.com/jensholdgaard/charity-auction/internal/store"

	// Import drivers so their init() functions register them.
	_ "github.com/jensholdgaard/charity-auction/internal/store/memstore"
	_ "github.com/jensholdgaard/charity-auction/internal/store/mysql"
	_ "github.com/jensholdgaard/charity-auction/internal/store/postgres"
)

// fakeDriver is a store.Driver that always succeeds without connecting to a DB.
func fakeDriver(_ context.Context, _ config.DatabaseConfig, _ clock.Clock) (*store.Repositories, error) {
	return &store.Repositories{}, nil
}

func TestOpen(t *testing.T) {
	store.Register("test-driver", fakeDriver)

	tests := []struct {
		name    string
		driver  string
		wantErr bool
	}{
		{name: "registered driver succeeds", driver: "test-driver"},
		{name: "memory driver succeeds", driver: config.DriverMemory},
		{name: "unknown driver fails", driver: "nonexistent", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DatabaseConfig{Driver: tt.driver}
			repos, err := store.Open(context.Background(), cfg, clock.Real{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open(driver=%q) error = %v, wantErr %v", tt.driver, err, tt.wantErr)
			}
			if !tt.wantErr && repos == nil {
				t.Fatal("expected repositories")
			}
		})
	}
}

func TestRegister(t *testing.T) {
	// The SQL drivers are registered via init() but cannot connect here, so
	// only check the error is a connection error rather than an unknown driver.
	for _, tt := range []struct {
		driver string
		port   int
	}{
		{config.DriverPostgres, 5432},
		{config.DriverMySQL, 3306},
	} {
		t.Run(tt.driver, func(t *testing.T) {
			cfg := config.DatabaseConfig{Driver: tt.driver, Host: "127.0.0.1", Port: 1, DBName: "none", SSLMode: "disable"}
			_, err := store.Open(context.Background(), cfg, clock.Real{})
			if err == nil {
				t.Fatal("expected error (no DB running), got nil")
			}
			if strings.Contains(err.Error(), "unknown store driver") {
				t.Errorf("expected connection error, got unknown driver error: %v", err)
			}
		})
	}
}
