package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/flymail/internal/directory"
	"github.com/shineum/flymail/internal/email"
	"github.com/shineum/flymail/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "flymail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate())
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.Migrate())
}

func TestFindAddress(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	domainID, err := s.AddDomain(ctx, "Example.COM", true)
	require.NoError(t, err)
	alice, err := s.AddAddress(ctx, domainID, "Alice", false)
	require.NoError(t, err)
	catchAll, err := s.AddAddress(ctx, domainID, "", true)
	require.NoError(t, err)

	got, err := s.FindAddress(ctx, "ALICE", "example.com")
	require.NoError(t, err)
	assert.Equal(t, alice, got.ID)
	assert.Equal(t, "alice", got.LocalPart)
	assert.Equal(t, "example.com", got.Domain)
	assert.False(t, got.CatchAll)

	// The catch-all row never answers an exact lookup.
	_, err = s.FindAddress(ctx, email.CatchAllLocalPart, "example.com")
	assert.ErrorIs(t, err, directory.ErrNotFound)

	got, err = s.FindCatchAll(ctx, "EXAMPLE.com")
	require.NoError(t, err)
	assert.Equal(t, catchAll, got.ID)
	assert.True(t, got.CatchAll)

	_, err = s.FindAddress(ctx, "bob", "other.org")
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestUnverifiedDomainNeverResolves(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	domainID, err := s.AddDomain(ctx, "pending.org", false)
	require.NoError(t, err)
	_, err = s.AddAddress(ctx, domainID, "alice", false)
	require.NoError(t, err)
	_, err = s.AddAddress(ctx, domainID, "", true)
	require.NoError(t, err)

	_, err = directory.NewResolver(s).Resolve(ctx, "alice@pending.org")
	assert.ErrorIs(t, err, directory.ErrUnknownRecipient)
}

func TestSchemaConstraints(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	domainID, err := s.AddDomain(ctx, "example.com", true)
	require.NoError(t, err)

	_, err = s.AddDomain(ctx, "EXAMPLE.com", true)
	assert.Error(t, err, "domain names are unique case-insensitively")

	_, err = s.AddAddress(ctx, domainID, "alice", false)
	require.NoError(t, err)
	_, err = s.AddAddress(ctx, domainID, "ALICE", false)
	assert.Error(t, err, "local parts are unique per domain")

	_, err = s.AddAddress(ctx, domainID, "", true)
	require.NoError(t, err)
	_, err = s.AddAddress(ctx, domainID, "", true)
	assert.Error(t, err, "one catch-all per domain")

	_, err = s.AddAddress(ctx, "missing-domain", "bob", false)
	assert.Error(t, err, "foreign keys are enforced")
}

func TestSaveMessage(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	domainID, err := s.AddDomain(ctx, "example.com", true)
	require.NoError(t, err)
	addrID, err := s.AddAddress(ctx, domainID, "alice", false)
	require.NoError(t, err)

	id, err := s.SaveMessage(ctx, &email.Inbound{
		MessageID:    "<m1@example.org>",
		EnvelopeFrom: "sender@example.org",
		From:         "sender@example.org",
		To:           "alice@example.com",
		Subject:      "hello",
		TextBody:     "body",
		Raw:          []byte("Subject: hello\r\n\r\nbody\r\n"),
		AddressID:    addrID,
		ReceivedAt:   time.Now(),
		Attachments: []email.StoredAttachment{
			{Filename: "a.pdf", ContentType: "application/pdf", Size: 3, Locator: "01A-a.pdf"},
			{Filename: "b.txt", ContentType: "text/plain", Size: 1, Locator: "01B-b.txt"},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	n, err := s.CountMessages(ctx, addrID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	paths, err := s.AttachmentPaths(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"01A-a.pdf", "01B-b.txt"}, paths)
}

func TestSaveMessageIsAtomic(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	// A message pointing at a missing address violates the foreign key, so
	// neither the message nor its attachment rows may remain.
	_, err := s.SaveMessage(ctx, &email.Inbound{
		MessageID: "<m2@example.org>",
		From:      "sender@example.org",
		To:        "ghost@example.com",
		Subject:   "lost",
		Raw:       []byte("x"),
		AddressID: "missing",
		Attachments: []email.StoredAttachment{
			{Filename: "a.pdf", ContentType: "application/pdf", Size: 3, Locator: "01A-a.pdf"},
		},
	})
	require.ErrorIs(t, err, store.ErrStorage)

	var emails, attachments int
	require.NoError(t, s.db.QueryRow(`SELECT count(*) FROM emails`).Scan(&emails))
	require.NoError(t, s.db.QueryRow(`SELECT count(*) FROM attachments`).Scan(&attachments))
	assert.Zero(t, emails)
	assert.Zero(t, attachments)
}

func TestConcurrentSaves(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	domainID, err := s.AddDomain(ctx, "example.com", true)
	require.NoError(t, err)
	addrID, err := s.AddAddress(ctx, domainID, "alice", false)
	require.NoError(t, err)

	const n = 20
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SaveMessage(ctx, &email.Inbound{
				MessageID: "<c@example.org>",
				From:      "sender@example.org",
				To:        "alice@example.com",
				Subject:   "concurrent",
				Raw:       []byte("x"),
				AddressID: addrID,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	count, err := s.CountMessages(ctx, addrID)
	require.NoError(t, err)
	assert.Equal(t, n, count)
}

func TestSeed(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Seed(ctx, s, []string{"alice@example.com", "*@example.com", " ", "bob@other.org"}))

	r := directory.NewResolver(s)
	got, err := r.Resolve(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, got.CatchAll)

	got, err = r.Resolve(ctx, "anyone@example.com")
	require.NoError(t, err)
	assert.True(t, got.CatchAll)

	_, err = r.Resolve(ctx, "anyone@other.org")
	assert.True(t, errors.Is(err, directory.ErrUnknownRecipient))
}

func TestSeedOnEveryStartup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "flymail.db")
	entries := []string{"alice@example.com", "*@example.com"}

	var ids []string
	for startup := 0; startup < 2; startup++ {
		s, err := Open(ctx, path)
		require.NoError(t, err)
		require.NoError(t, s.Migrate())
		require.NoError(t, store.Seed(ctx, s, entries), "startup %d", startup)

		got, err := directory.NewResolver(s).Resolve(ctx, "alice@example.com")
		require.NoError(t, err)
		ids = append(ids, got.ID)
		require.NoError(t, s.Close())
	}
	assert.Equal(t, ids[0], ids[1], "seeding again keeps the existing address")
}

func TestSeedKeepsExistingDomain(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	pendingID, err := s.AddDomain(ctx, "Pending.org", false)
	require.NoError(t, err)
	require.NoError(t, store.Seed(ctx, s, []string{"bob@pending.org"}))

	id, err := s.DomainID(ctx, "pending.org")
	require.NoError(t, err)
	assert.Equal(t, pendingID, id)

	_, err = s.AddressID(ctx, pendingID, "BOB")
	require.NoError(t, err)
	_, err = s.AddressID(ctx, pendingID, "carol")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The domain stays unverified.
	_, err = directory.NewResolver(s).Resolve(ctx, "bob@pending.org")
	assert.ErrorIs(t, err, directory.ErrUnknownRecipient)
}

func TestOpenKeepsForeignKeysWithCustomParams(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "flymail.db")+"?_pragma=busy_timeout(1000)")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate())

	var on int
	require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&on))
	assert.Equal(t, 1, on)

	_, err = s.AddAddress(ctx, "missing-domain", "bob", false)
	assert.Error(t, err, "foreign keys are enforced")
}
