package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/flymail/internal/attachment"
	"github.com/shineum/flymail/internal/email"
	"github.com/shineum/flymail/internal/store"
	"github.com/shineum/flymail/internal/store/memory"
)

type fixture struct {
	db    *memory.Store
	files *attachment.Local
	rcpt  email.Recipient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db := memory.New()
	domainID, err := db.AddDomain(ctx, "example.com", true)
	require.NoError(t, err)
	_, err = db.AddAddress(ctx, domainID, "alice", false)
	require.NoError(t, err)
	target, err := db.FindAddress(ctx, "alice", "example.com")
	require.NoError(t, err)

	files, err := attachment.NewLocal(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)

	return &fixture{
		db:    db,
		files: files,
		rcpt:  email.Recipient{Address: "Alice@example.com", Target: *target},
	}
}

func (f *fixture) fileCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.files.Dir())
	require.NoError(t, err)
	return len(entries)
}

func sampleMessage() *email.Message {
	return &email.Message{
		MessageID: "<m1@example.org>",
		From:      "sender@example.org",
		FromName:  "Sender",
		Subject:   "Report",
		TextBody:  "see attached",
		Raw:       []byte("raw bytes"),
		Attachments: []email.Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4")},
			{Filename: "report.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.5")},
		},
	}
}

func TestDeliver(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := New(f.files, f.db)

	id, err := d.Deliver(context.Background(), sampleMessage(), "bounce@example.org", f.rcpt)
	require.NoError(t, err)

	saved := f.db.Messages()
	require.Len(t, saved, 1)
	got := saved[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "bounce@example.org", got.EnvelopeFrom)
	assert.Equal(t, "sender@example.org", got.From)
	assert.Equal(t, "Alice@example.com", got.To)
	assert.Equal(t, f.rcpt.Target.ID, got.AddressID)
	assert.Equal(t, []byte("raw bytes"), got.Raw)
	assert.False(t, got.ReceivedAt.IsZero())

	// Same-named attachments land under distinct locators with their own bytes.
	require.Len(t, got.Attachments, 2)
	assert.NotEqual(t, got.Attachments[0].Locator, got.Attachments[1].Locator)
	for i, want := range []string{"%PDF-1.4", "%PDF-1.5"} {
		rc, err := f.files.Open(got.Attachments[i].Locator)
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
		assert.Equal(t, int64(len(want)), got.Attachments[i].Size)
	}
}

func TestDeliverSanitizesText(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := New(f.files, f.db)

	msg := &email.Message{
		MessageID: "<id@x>",
		From:      "a@b.c",
		Subject:   "nul\x00byte \xff",
		TextBody:  "line\x00",
		Raw:       []byte("raw"),
	}
	_, err := d.Deliver(context.Background(), msg, "", f.rcpt)
	require.NoError(t, err)

	got := f.db.Messages()[0]
	assert.Equal(t, "nulbyte �", got.Subject)
	assert.Equal(t, "line", got.TextBody)
}

func TestDeliverCommitFailureRemovesFiles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.db.FailSaves(errors.New("connection reset"))
	d := New(f.files, f.db)

	_, err := d.Deliver(context.Background(), sampleMessage(), "", f.rcpt)
	require.ErrorIs(t, err, store.ErrStorage)

	assert.Empty(t, f.db.Messages())
	assert.Zero(t, f.fileCount(t))
}

// lostAckGateway commits the message and then reports the commit as failed,
// as when the connection drops before the acknowledgement arrives.
type lostAckGateway struct {
	*memory.Store
}

func (g lostAckGateway) SaveMessage(ctx context.Context, msg *email.Inbound) (string, error) {
	if _, err := g.Store.SaveMessage(ctx, msg); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%w: unexpected EOF", store.ErrCommitUnknown)
}

func TestDeliverUnknownCommitKeepsFiles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := New(f.files, lostAckGateway{f.db})

	_, err := d.Deliver(context.Background(), sampleMessage(), "", f.rcpt)
	require.ErrorIs(t, err, store.ErrStorage)
	require.ErrorIs(t, err, store.ErrCommitUnknown)

	saved := f.db.Messages()
	require.Len(t, saved, 1)
	require.Len(t, saved[0].Attachments, 2)
	for _, sa := range saved[0].Attachments {
		rc, err := f.files.Open(sa.Locator)
		require.NoError(t, err, "committed row must not point at a removed file")
		rc.Close()
	}
	assert.Equal(t, 2, f.fileCount(t))
}

// flakyFiles fails the nth Put.
type flakyFiles struct {
	*attachment.Local
	failAt int
	puts   int
}

func (s *flakyFiles) Put(ctx context.Context, r io.Reader, filename, contentType string) (email.StoredAttachment, error) {
	s.puts++
	if s.puts == s.failAt {
		return email.StoredAttachment{}, attachment.ErrStorage
	}
	return s.Local.Put(ctx, r, filename, contentType)
}

func TestDeliverAttachmentFailureRemovesEarlierFiles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	files := &flakyFiles{Local: f.files, failAt: 2}
	d := New(files, f.db)

	_, err := d.Deliver(context.Background(), sampleMessage(), "", f.rcpt)
	require.ErrorIs(t, err, attachment.ErrStorage)

	assert.Empty(t, f.db.Messages())
	assert.Zero(t, f.fileCount(t))
}

func TestDeliverPerRecipientCopies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := New(f.files, f.db)
	msg := sampleMessage()

	_, err := d.Deliver(context.Background(), msg, "", f.rcpt)
	require.NoError(t, err)
	_, err = d.Deliver(context.Background(), msg, "", f.rcpt)
	require.NoError(t, err)

	saved := f.db.Messages()
	require.Len(t, saved, 2)
	assert.NotEqual(t, saved[0].Attachments[0].Locator, saved[1].Attachments[0].Locator)
	assert.Equal(t, 4, f.fileCount(t))
}
