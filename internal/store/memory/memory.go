// Package memory implements an in-process store for tests and for running the
// listener without a database.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shineum/flymail/internal/directory"
	"github.com/shineum/flymail/internal/email"
	"github.com/shineum/flymail/internal/store"
)

// Store keeps domains, addresses and committed messages in maps guarded by a
// RWMutex. Lookups take the read lock only.
type Store struct {
	mu        sync.RWMutex
	domains   map[string]*email.Domain
	addresses map[string]*email.Address
	messages  []*Saved

	// failSave, when set, makes SaveMessage fail. Used by tests.
	failSave error
}

// Saved is a committed message together with its row id.
type Saved struct {
	ID string
	email.Inbound
}

var _ store.Backend = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		domains:   make(map[string]*email.Domain),
		addresses: make(map[string]*email.Address),
	}
}

// AddDomain registers a domain. Names are unique case-insensitively.
func (s *Store) AddDomain(_ context.Context, name string, verified bool) (string, error) {
	name = strings.ToLower(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.domains {
		if d.Name == name {
			return "", fmt.Errorf("domain %s already exists", name)
		}
	}
	d := &email.Domain{ID: uuid.NewString(), Name: name, Verified: verified}
	s.domains[d.ID] = d
	return d.ID, nil
}

// SetVerified flips a domain's verification flag.
func (s *Store) SetVerified(domainID string, verified bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.domains[domainID]; ok {
		d.Verified = verified
	}
}

// AddAddress registers an address, enforcing one address per local part and
// one catch-all per domain.
func (s *Store) AddAddress(_ context.Context, domainID, localPart string, catchAll bool) (string, error) {
	localPart = strings.ToLower(localPart)
	if catchAll {
		localPart = email.CatchAllLocalPart
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[domainID]
	if !ok {
		return "", fmt.Errorf("domain %s not found", domainID)
	}
	for _, a := range s.addresses {
		if a.DomainID != domainID {
			continue
		}
		if a.LocalPart == localPart || (catchAll && a.CatchAll) {
			return "", fmt.Errorf("address %s@%s already exists", localPart, d.Name)
		}
	}

	a := &email.Address{
		ID:        uuid.NewString(),
		LocalPart: localPart,
		DomainID:  domainID,
		Domain:    d.Name,
		CatchAll:  catchAll,
	}
	s.addresses[a.ID] = a
	return a.ID, nil
}

// DomainID returns the id of domain name, verified or not.
func (s *Store) DomainID(_ context.Context, name string) (string, error) {
	name = strings.ToLower(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.domains {
		if d.Name == name {
			return d.ID, nil
		}
	}
	return "", directory.ErrNotFound
}

// AddressID returns the id of localPart on domainID.
func (s *Store) AddressID(_ context.Context, domainID, localPart string) (string, error) {
	localPart = strings.ToLower(localPart)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.addresses {
		if a.DomainID == domainID && a.LocalPart == localPart {
			return a.ID, nil
		}
	}
	return "", directory.ErrNotFound
}

// FindAddress returns the non-catch-all address for localPart on a verified domain.
func (s *Store) FindAddress(_ context.Context, localPart, domain string) (*email.Address, error) {
	return s.find(func(a *email.Address) bool {
		return !a.CatchAll && a.LocalPart == strings.ToLower(localPart) && a.Domain == strings.ToLower(domain)
	})
}

// FindCatchAll returns the catch-all address of a verified domain.
func (s *Store) FindCatchAll(_ context.Context, domain string) (*email.Address, error) {
	return s.find(func(a *email.Address) bool {
		return a.CatchAll && a.Domain == strings.ToLower(domain)
	})
}

func (s *Store) find(match func(*email.Address) bool) (*email.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.addresses {
		d := s.domains[a.DomainID]
		if d == nil || !d.Verified || !match(a) {
			continue
		}
		found := *a
		return &found, nil
	}
	return nil, directory.ErrNotFound
}

// SaveMessage appends msg. The stored copy shares nothing with the caller.
func (s *Store) SaveMessage(_ context.Context, msg *email.Inbound) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSave != nil {
		return "", fmt.Errorf("%w: %v", store.ErrStorage, s.failSave)
	}
	if _, ok := s.addresses[msg.AddressID]; !ok {
		return "", fmt.Errorf("%w: address %s does not exist", store.ErrStorage, msg.AddressID)
	}

	saved := &Saved{ID: uuid.NewString(), Inbound: *msg}
	saved.Raw = append([]byte(nil), msg.Raw...)
	saved.Attachments = append([]email.StoredAttachment(nil), msg.Attachments...)
	s.messages = append(s.messages, saved)
	return saved.ID, nil
}

// FailSaves makes every subsequent SaveMessage fail with err; nil restores
// normal behaviour.
func (s *Store) FailSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSave = err
}

// Messages returns a snapshot of all committed messages.
func (s *Store) Messages() []Saved {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Saved, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	return out
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
