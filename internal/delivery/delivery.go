// Package delivery turns a decoded message into one committed record per
// resolved recipient.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shineum/flymail/internal/attachment"
	"github.com/shineum/flymail/internal/email"
	"github.com/shineum/flymail/internal/metrics"
	"github.com/shineum/flymail/internal/store"
)

// cleanupTimeout bounds best-effort removal of files whose commit failed.
const cleanupTimeout = 10 * time.Second

// Deliverer writes attachments and commits messages.
type Deliverer struct {
	files   attachment.Store
	gateway store.Gateway
	now     func() time.Time
}

// New creates a Deliverer.
func New(files attachment.Store, gateway store.Gateway) *Deliverer {
	return &Deliverer{
		files:   files,
		gateway: gateway,
		now:     time.Now,
	}
}

// Deliver stores msg for rcpt and returns the new message id. Attachments
// are written before the commit; if anything fails afterwards the files
// written so far are removed. A file may be orphaned, but a committed record
// never points at a missing file.
func (d *Deliverer) Deliver(ctx context.Context, msg *email.Message, envelopeFrom string, rcpt email.Recipient) (string, error) {
	start := d.now()
	defer func() {
		metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	}()

	stored := make([]email.StoredAttachment, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		sa, err := d.files.Put(ctx, bytes.NewReader(att.Content), att.Filename, att.ContentType)
		if err != nil {
			d.cleanup(stored)
			metrics.MessagesTotal.WithLabelValues("failed").Inc()
			return "", err
		}
		sa.Filename = store.SanitizeText(sa.Filename)
		sa.ContentType = store.SanitizeText(sa.ContentType)
		stored = append(stored, sa)
	}

	in := &email.Inbound{
		MessageID:    store.SanitizeText(msg.MessageID),
		EnvelopeFrom: store.SanitizeText(envelopeFrom),
		From:         store.SanitizeText(msg.From),
		FromName:     store.SanitizeText(msg.FromName),
		To:           store.SanitizeText(rcpt.Address),
		Subject:      store.SanitizeText(msg.Subject),
		TextBody:     store.SanitizeText(msg.TextBody),
		HTMLBody:     store.SanitizeText(msg.HTMLBody),
		Raw:          msg.Raw,
		AddressID:    rcpt.Target.ID,
		ReceivedAt:   d.now().UTC(),
		Attachments:  stored,
	}

	id, err := d.gateway.SaveMessage(ctx, in)
	if errors.Is(err, store.ErrCommitUnknown) {
		// The rows may be durable; leave the files as possible orphans.
		slog.Warn("commit outcome unknown, keeping attachments",
			"message_id", in.MessageID,
			"to", in.To,
			"attachments", len(stored),
			"error", err,
		)
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return "", err
	}
	if err != nil {
		d.cleanup(stored)
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return "", err
	}

	metrics.MessagesTotal.WithLabelValues("stored").Inc()
	slog.Info("message stored",
		"id", id,
		"message_id", in.MessageID,
		"to", in.To,
		"address_id", in.AddressID,
		"attachments", len(stored),
		"backend", d.files.Name(),
	)
	return id, nil
}

// cleanup removes written files on a fresh context so a cancelled session
// still gets its files removed.
func (d *Deliverer) cleanup(stored []email.StoredAttachment) {
	if len(stored) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	for _, sa := range stored {
		if err := d.files.Remove(ctx, sa.Locator); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("failed to remove orphaned attachment",
				"locator", sa.Locator,
				"backend", d.files.Name(),
				"error", err,
			)
		}
	}
}
