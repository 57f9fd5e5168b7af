package journal

import "context"

// Store persists and retrieves journal entries.
type Store interface {
	// Append persists one or more entries atomically.
	Append(ctx context.Context, entries ...Entry) error
	// Load returns all entries for a lot, oldest first.
	Load(ctx context.Context, itemID string) ([]Entry, error)
	// LoadByType returns entries of one type, oldest first.
	LoadByType(ctx context.Context, t Type) ([]Entry, error)
}
