// Package email defines the core data model shared by the inbound mail pipeline.
package email

import "time"

// CatchAllLocalPart is the local part stored for a domain-wide catch-all address.
const CatchAllLocalPart = "*"

// Domain is a mail domain owned by the external domain-management component.
type Domain struct {
	ID       string
	Name     string
	Verified bool
}

// Address is a deliverable recipient on a domain. Catch-all addresses match
// any local part of their domain when no exact address exists.
type Address struct {
	ID        string
	LocalPart string
	DomainID  string
	Domain    string
	CatchAll  bool
}

// String returns the address in local@domain form.
func (a Address) String() string {
	return a.LocalPart + "@" + a.Domain
}

// Message is a decoded inbound message as produced by the parser.
type Message struct {
	MessageID   string
	From        string
	FromName    string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	Raw         []byte
}

// Attachment is a decoded MIME part that is not one of the message bodies.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// StoredAttachment describes attachment bytes that have already been
// written to durable storage.
type StoredAttachment struct {
	Filename    string
	ContentType string
	Size        int64
	Locator     string
	ContentHash string
}

// Inbound is a message routed to exactly one resolved address, ready to be
// committed together with its attachment records.
type Inbound struct {
	MessageID    string
	EnvelopeFrom string
	From         string
	FromName     string
	To           string
	Subject      string
	TextBody     string
	HTMLBody     string
	Raw          []byte
	AddressID    string
	ReceivedAt   time.Time
	Attachments  []StoredAttachment
}

// Recipient is an accepted envelope recipient together with the address it
// resolved to.
type Recipient struct {
	Address string
	Target  Address
}
