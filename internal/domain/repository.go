package domain

import (
	"context"
	"time"
)

// EventStore is the read-mostly interface over the event/product/user
// store. The decision core never mutates events after creation; the save
// methods exist for ingest and seeding.
type EventStore interface {
	// Event reads
	CountEvents(ctx context.Context, userID string, typ EventType, since time.Time) (int64, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	// Reference data
	GetUser(ctx context.Context, userID string) (*User, error)
	GetProduct(ctx context.Context, productID string) (*Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]*Product, error)

	// Ingest
	SaveEvent(ctx context.Context, e *Event) error
	SaveProduct(ctx context.Context, p *Product) error
	SaveUser(ctx context.Context, u *User) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for event-store initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
