// Package repository provides the SQL-backed event/product/user store.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-retail/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLStore implements domain.EventStore using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// New creates a new store based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLStore, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &SQLStore{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *SQLStore) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// CountEvents returns the number of events of one type for a user since
// the given time. A zero since counts the user's lifetime.
func (s *SQLStore) CountEvents(ctx context.Context, userID string, typ domain.EventType, since time.Time) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `SELECT COUNT(*) FROM events WHERE user_id = ? AND type = ?`
	args := []any{userID, string(typ)}

	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// ListEvents returns events matching the filter, newest first.
func (s *SQLStore) ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error) {
	query := `
		SELECT id, user_id, product_id, type, meta, created_at
		FROM events
	`

	var conds []string
	var args []any

	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ProductID != "" {
		conds = append(conds, "product_id = ?")
		args = append(args, filter.ProductID)
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(filter.Type))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since)
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var e domain.Event
		var meta sql.NullString
		var typ string

		if err := rows.Scan(&e.ID, &e.UserID, &e.ProductID, &typ, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(typ)

		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &e.Meta)
		}

		events = append(events, &e)
	}

	return events, rows.Err()
}

// GetUser retrieves a user by ID. Returns ErrNotFound for absent users;
// the risk evaluator treats absent as unknown/new.
func (s *SQLStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	var u domain.User
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, created_at FROM users WHERE id = ?`), userID,
	).Scan(&u.ID, &u.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetProduct retrieves a product by ID.
func (s *SQLStore) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	if productID == "" {
		return nil, fmt.Errorf("%w: productID is required", ErrInvalidInput)
	}

	var p domain.Product
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, name, category_id, price, created_at FROM products WHERE id = ?`),
		productID,
	).Scan(&p.ID, &p.Name, &p.CategoryID, &p.Price, &p.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProducts returns products matching the filter in insertion order.
// Candidate enumeration order is the tie-break order for ranking, so the
// ordering here must be deterministic.
func (s *SQLStore) ListProducts(ctx context.Context, filter domain.ProductFilter) ([]*domain.Product, error) {
	query := `SELECT id, name, category_id, price, created_at FROM products`

	var conds []string
	var args []any

	if filter.CategoryID != "" {
		conds = append(conds, "category_id = ?")
		args = append(args, filter.CategoryID)
	}
	if filter.ExcludeID != "" {
		conds = append(conds, "id <> ?")
		args = append(args, filter.ExcludeID)
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []*domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.CategoryID, &p.Price, &p.CreatedAt); err != nil {
			return nil, err
		}
		products = append(products, &p)
	}

	return products, rows.Err()
}

// SaveEvent stores a behavioral event.
func (s *SQLStore) SaveEvent(ctx context.Context, e *domain.Event) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	if !domain.ValidEventType(e.Type) {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, e.Type)
	}

	meta, _ := json.Marshal(e.Meta)

	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO events (id, user_id, product_id, type, meta, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.UserID, e.ProductID, string(e.Type), string(meta), e.CreatedAt,
	)
	return err
}

// SaveProduct stores a product.
func (s *SQLStore) SaveProduct(ctx context.Context, p *domain.Product) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("%w: product id is required", ErrInvalidInput)
	}

	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO products (id, name, category_id, price, created_at) VALUES (?, ?, ?, ?, ?)`),
		p.ID, p.Name, p.CategoryID, p.Price, p.CreatedAt,
	)
	return err
}

// SaveUser stores a user.
func (s *SQLStore) SaveUser(ctx context.Context, u *domain.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO users (id, created_at) VALUES (?, ?)`),
		u.ID, u.CreatedAt,
	)
	return err
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $N for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
