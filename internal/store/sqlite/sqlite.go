// Package sqlite implements the store backend on an embedded SQLite database
// for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/shineum/flymail/internal/directory"
	"github.com/shineum/flymail/internal/email"
	"github.com/shineum/flymail/internal/store"
	"github.com/shineum/flymail/internal/store/migrations"
)

const defaultPragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

const addressColumns = `a.id, a.local_part, a.domain_id, d.domain, a.catch_all`

// Store is a store.Backend on SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Backend = (*Store)(nil)

// Open opens the database at dsn, a file path optionally followed by
// query parameters. Foreign keys, a busy timeout and WAL are enabled when no
// parameters are given; foreign keys stay on unless the dsn sets them.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("sqlite dsn is empty")
	}
	switch {
	case !strings.Contains(dsn, "?"):
		dsn += "?" + defaultPragmas
	case !strings.Contains(dsn, "foreign_keys"):
		dsn += "&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate brings the schema up to date.
func (s *Store) Migrate() error {
	return migrations.Up(s.db, migrations.SQLite)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddDomain inserts a domain and returns its id.
func (s *Store) AddDomain(ctx context.Context, name string, verified bool) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO domains (id, domain, verified) VALUES (?, ?, ?)`,
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO addresses (id, domain_id, local_part, catch_all) VALUES (?, ?, ?, ?)`,
		id, domainID, strings.ToLower(localPart), catchAll)
	if err != nil {
		return "", fmt.Errorf("failed to insert address %s: %w", localPart, err)
	}
	return id, nil
}

// DomainID returns the id of domain name, verified or not.
func (s *Store) DomainID(ctx context.Context, name string) (string, error) {
	return s.lookupID(ctx, `SELECT id FROM domains WHERE lower(domain) = ?`, strings.ToLower(name))
}

// AddressID returns the id of localPart on domainID.
func (s *Store) AddressID(ctx context.Context, domainID, localPart string) (string, error) {
	return s.lookupID(ctx,
		`SELECT id FROM addresses WHERE domain_id = ? AND lower(local_part) = ?`,
		domainID, strings.ToLower(localPart))
}

func (s *Store) lookupID(ctx context.Context, query string, args ...any) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", directory.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup failed: %w", err)
	}
	return id, nil
}

// FindAddress returns the non-catch-all address for localPart on a verified domain.
func (s *Store) FindAddress(ctx context.Context, localPart, domain string) (*email.Address, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+addressColumns+`
		FROM addresses a
		JOIN domains d ON d.id = a.domain_id
		WHERE lower(a.local_part) = ? AND lower(d.domain) = ?
		  AND d.verified = 1 AND a.catch_all = 0
		LIMIT 1`,
		strings.ToLower(localPart), strings.ToLower(domain))
	return scanAddress(row)
}

// FindCatchAll returns the catch-all address of a verified domain.
func (s *Store) FindCatchAll(ctx context.Context, domain string) (*email.Address, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+addressColumns+`
		FROM addresses a
		JOIN domains d ON d.id = a.domain_id
		WHERE a.catch_all = 1 AND lower(d.domain) = ? AND d.verified = 1
		LIMIT 1`,
		strings.ToLower(domain))
	return scanAddress(row)
}

func scanAddress(row *sql.Row) (*email.Address, error) {
	var a email.Address
	err := row.Scan(&a.ID, &a.LocalPart, &a.DomainID, &a.Domain, &a.CatchAll)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveMessage inserts the message row and its attachment rows in one
// transaction.
func (s *Store) SaveMessage(ctx context.Context, msg *email.Inbound) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: begin: %v", store.ErrStorage, err)
	}
	defer tx.Rollback() //nolint:errcheck

	id := uuid.NewString()
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO emails (id, message_id, envelope_from, from_address, from_name, to_address,
			subject, text_content, html_content, raw_content, received_at, address_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, msg.MessageID, msg.EnvelopeFrom, msg.From, nullable(msg.FromName), msg.To,
		msg.Subject, nullable(msg.TextBody), nullable(msg.HTMLBody), msg.Raw,
		receivedAt.UTC().Format(time.RFC3339Nano), msg.AddressID)
	if err != nil {
		return "", fmt.Errorf("%w: insert email: %v", store.ErrStorage, err)
	}

	for _, att := range msg.Attachments {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attachments (id, email_id, filename, content_type, size, path, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), id, att.Filename, att.ContentType, att.Size, att.Locator, att.ContentHash)
		if err != nil {
			return "", fmt.Errorf("%w: insert attachment %s: %v", store.ErrStorage, att.Filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrCommitUnknown, err)
	}
	return id, nil
}

// CountMessages returns the number of stored messages for addressID.
func (s *Store) CountMessages(ctx context.Context, addressID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM emails WHERE address_id = ?`, addressID).Scan(&n)
	return n, err
}

// AttachmentPaths returns the stored locators of every attachment of emailID.
func (s *Store) AttachmentPaths(ctx context.Context, emailID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM attachments WHERE email_id = ? ORDER BY path`, emailID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
