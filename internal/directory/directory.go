// Package directory resolves envelope recipients against the domain and
// address table owned by the domain-management component.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shineum/flymail/internal/email"
	"github.com/shineum/flymail/internal/metrics"
)

var (
	// ErrNotFound is returned by a Store when no eligible address matches.
	ErrNotFound = errors.New("address not found")

	// ErrUnknownRecipient means neither an exact nor a catch-all address
	// exists on a verified domain.
	ErrUnknownRecipient = errors.New("unknown recipient")

	// ErrInvalidAddress means the recipient has no usable local part or domain.
	ErrInvalidAddress = errors.New("invalid recipient address")

	// ErrLookupFailed means the backing store could not answer.
	ErrLookupFailed = errors.New("recipient lookup failed")
)

// Store is the read side of the domain/address store. Both lookups only
// consider addresses whose domain is verified, compare case-insensitively
// and return ErrNotFound when nothing matches.
type Store interface {
	FindAddress(ctx context.Context, localPart, domain string) (*email.Address, error)
	FindCatchAll(ctx context.Context, domain string) (*email.Address, error)
}

// Resolver composes the exact and catch-all lookups.
type Resolver struct {
	store Store
}

// NewResolver creates a Resolver backed by store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve maps an envelope recipient to a deliverable address. An exact
// address always wins over the domain's catch-all.
func (r *Resolver) Resolve(ctx context.Context, recipient string) (*email.Address, error) {
	localPart, domain, err := Split(recipient)
	if err != nil {
		return nil, err
	}

	addr, err := r.exact(ctx, localPart, domain)
	if err == nil {
		metrics.RecipientLookups.WithLabelValues("exact").Inc()
		return addr, nil
	}
	if !errors.Is(err, ErrNotFound) {
		metrics.RecipientLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	addr, err = r.catchAll(ctx, domain)
	if err == nil {
		metrics.RecipientLookups.WithLabelValues("catch_all").Inc()
		return addr, nil
	}
	if !errors.Is(err, ErrNotFound) {
		metrics.RecipientLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	metrics.RecipientLookups.WithLabelValues("unknown").Inc()
	return nil, ErrUnknownRecipient
}

func (r *Resolver) exact(ctx context.Context, localPart, domain string) (*email.Address, error) {
	return r.store.FindAddress(ctx, localPart, domain)
}

func (r *Resolver) catchAll(ctx context.Context, domain string) (*email.Address, error) {
	return r.store.FindCatchAll(ctx, domain)
}

// Split breaks an address at its last '@' and lowercases both halves.
func Split(address string) (localPart, domain string, err error) {
	address = strings.TrimSpace(address)
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	localPart = strings.ToLower(address[:at])
	domain = strings.ToLower(strings.TrimSuffix(address[at+1:], "."))
	if domain == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return localPart, domain, nil
}
