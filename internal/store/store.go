// Package store defines the persistence gateway and the backends that serve
// both recipient lookups and message commits.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shineum/flymail/internal/directory"
	"github.com/shineum/flymail/internal/email"
)

// ErrStorage wraps failures to commit a message. Callers treat it as
// transient.
var ErrStorage = errors.New("message storage failure")

// ErrCommitUnknown wraps a failed COMMIT. The transaction may have been
// applied, so files it references must be kept.
var ErrCommitUnknown = fmt.Errorf("%w: commit outcome unknown", ErrStorage)

// ErrNotFound is what backends return from directory lookups that match
// nothing.
var ErrNotFound = directory.ErrNotFound

// Gateway commits a routed message and its attachment records as one unit.
type Gateway interface {
	// SaveMessage stores msg and returns the new row id. Either the message
	// and all of its attachment rows become visible, or none of them do.
	SaveMessage(ctx context.Context, msg *email.Inbound) (string, error)
}

// Backend is a store serving both sides of the inbound pipeline.
type Backend interface {
	directory.Store
	Gateway

	// AddDomain and AddAddress populate the directory. They exist for
	// seeding and tests; the domain management API owns these tables.
	AddDomain(ctx context.Context, name string, verified bool) (string, error)
	AddAddress(ctx context.Context, domainID, localPart string, catchAll bool) (string, error)

	// DomainID and AddressID return the id of an existing row whatever its
	// verification state, or ErrNotFound.
	DomainID(ctx context.Context, name string) (string, error)
	AddressID(ctx context.Context, domainID, localPart string) (string, error)

	Close() error
}

// SanitizeText makes s safe for TEXT columns: invalid UTF-8 sequences are
// replaced and NUL bytes dropped.
func SanitizeText(s string) string {
	s = strings.ToValidUTF8(s, "�")
	return strings.ReplaceAll(s, "\x00", "")
}

// Seed parses entries of the form "local@domain" or "*@domain" and creates
// verified domains and addresses for them. Entries that already exist are
// left as they are, so Seed can run on every startup.
func Seed(ctx context.Context, b Backend, entries []string) error {
	domains := make(map[string]string)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		localPart, domain, err := directory.Split(entry)
		if err != nil {
			return err
		}
		domainID, ok := domains[domain]
		if !ok {
			domainID, err = ensureDomain(ctx, b, domain)
			if err != nil {
				return err
			}
			domains[domain] = domainID
		}
		if err := ensureAddress(ctx, b, domainID, localPart); err != nil {
			return err
		}
	}
	return nil
}

func ensureDomain(ctx context.Context, b Backend, domain string) (string, error) {
	id, err := b.DomainID(ctx, domain)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	return b.AddDomain(ctx, domain, true)
}

func ensureAddress(ctx context.Context, b Backend, domainID, localPart string) error {
	_, err := b.AddressID(ctx, domainID, localPart)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err = b.AddAddress(ctx, domainID, localPart, localPart == email.CatchAllLocalPart)
	return err
}
