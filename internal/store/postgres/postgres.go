// Package postgres implements the store backend on PostgreSQL using a pgx
// connection pool.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/shineum/flymail/internal/directory"
	"github.com/shineum/flymail/internal/email"
	"github.com/shineum/flymail/internal/store"
	"github.com/shineum/flymail/internal/store/migrations"
)

const addressColumns = `a.id, a.local_part, a.domain_id, d.domain, a.catch_all`

// Store is a store.Backend on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	dsn  string
}

var _ store.Backend = (*Store)(nil)

// Open connects to connString. maxConns caps the pool when positive.
func Open(ctx context.Context, connString string, maxConns int) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}
	return &Store{pool: pool, dsn: connString}, nil
}

// Migrate brings the schema up to date over a dedicated database/sql
// connection, as golang-migrate requires.
func (s *Store) Migrate(ctx context.Context) error {
	sqlDB, err := sql.Open("pgx", s.dsn)
	if err != nil {
		return fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return migrations.Up(sqlDB, migrations.Postgres)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// AddDomain inserts a domain and returns its id.
func (s *Store) AddDomain(ctx context.Context, name string, verified bool) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO domains (id, domain, verified) VALUES ($1, $2, $3)`,
		id, strings.ToLower(name), verified)
	if err != nil {
		return "", fmt.Errorf("failed to insert domain %s: %w", name, err)
	}
	return id, nil
}

// AddAddress inserts an address on domainID and returns its id.
func (s *Store) AddAddress(ctx context.Context, domainID, localPart string, catchAll bool) (string, error) {
	if catchAll {
		localPart = email.CatchAllLocalPart
	}
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO addresses (id, domain_id, local_part, catch_all) VALUES ($1, $2, $3, $4)`,
		id, domainID, strings.ToLower(localPart), catchAll)
	if err != nil {
		return "", fmt.Errorf("failed to insert address %s: %w", localPart, err)
	}
	return id, nil
}

// DomainID returns the id of domain name, verified or not.
func (s *Store) DomainID(ctx context.Context, name string) (string, error) {
	return s.lookupID(ctx, `SELECT id FROM domains WHERE lower(domain) = $1`, strings.ToLower(name))
}

// AddressID returns the id of localPart on domainID.
func (s *Store) AddressID(ctx context.Context, domainID, localPart string) (string, error) {
	return s.lookupID(ctx,
		`SELECT id FROM addresses WHERE domain_id = $1 AND lower(local_part) = $2`,
		domainID, strings.ToLower(localPart))
}

func (s *Store) lookupID(ctx context.Context, query string, args ...any) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, query, args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", directory.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup failed: %w", err)
	}
	return id, nil
}

// FindAddress returns the non-catch-all address for localPart on a verified domain.
func (s *Store) FindAddress(ctx context.Context, localPart, domain string) (*email.Address, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+addressColumns+`
		FROM addresses a
		JOIN domains d ON d.id = a.domain_id
		WHERE lower(a.local_part) = $1 AND lower(d.domain) = $2
		  AND d.verified AND NOT a.catch_all
		LIMIT 1`,
		strings.ToLower(localPart), strings.ToLower(domain))
	return scanAddress(row)
}

// FindCatchAll returns the catch-all address of a verified domain.
func (s *Store) FindCatchAll(ctx context.Context, domain string) (*email.Address, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+addressColumns+`
		FROM addresses a
		JOIN domains d ON d.id = a.domain_id
		WHERE a.catch_all AND lower(d.domain) = $1 AND d.verified
		LIMIT 1`,
		strings.ToLower(domain))
	return scanAddress(row)
}

func scanAddress(row pgx.Row) (*email.Address, error) {
	var a email.Address
	err := row.Scan(&a.ID, &a.LocalPart, &a.DomainID, &a.Domain, &a.CatchAll)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, directory.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveMessage inserts the message row and queues every attachment row in one
// batch inside the same transaction.
func (s *Store) SaveMessage(ctx context.Context, msg *email.Inbound) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: begin: %v", store.ErrStorage, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	id := uuid.NewString()
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO emails (id, message_id, envelope_from, from_address, from_name, to_address,
			subject, text_content, html_content, raw_content, received_at, address_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		id, msg.MessageID, msg.EnvelopeFrom, msg.From, nullable(msg.FromName), msg.To,
		msg.Subject, nullable(msg.TextBody), nullable(msg.HTMLBody), msg.Raw,
		receivedAt.UTC(), msg.AddressID)
	if err != nil {
		return "", fmt.Errorf("%w: insert email: %v", store.ErrStorage, err)
	}

	if len(msg.Attachments) > 0 {
		batch := &pgx.Batch{}
		for _, att := range msg.Attachments {
			batch.Queue(`
				INSERT INTO attachments (id, email_id, filename, content_type, size, path, content_hash)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				uuid.NewString(), id, att.Filename, att.ContentType, att.Size, att.Locator, att.ContentHash)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return "", fmt.Errorf("%w: insert attachments: %v", store.ErrStorage, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrCommitUnknown, err)
	}
	return id, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
