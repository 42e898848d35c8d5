// Package parser decodes raw RFC 5322 messages into the structured form
// stored for each inbound email.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/k3a/html2text"

	"github.com/shineum/flymail/internal/email"
)

// ErrMalformedMessage is returned when the payload cannot be turned into a
// structured message at all.
var ErrMalformedMessage = errors.New("malformed message")

const (
	// DefaultSubject is used when the message carries no Subject header.
	DefaultSubject = "(No Subject)"

	// UnknownSender is used when neither the From header nor the envelope
	// names a sender.
	UnknownSender = "unknown@unknown.com"

	defaultContentType = "application/octet-stream"
	defaultFilename    = "unnamed"
)

// maxDepth bounds multipart nesting.
const maxDepth = 16

// Parse decodes raw into a Message. envelopeFrom is used when the From header
// is missing or unparseable. Unknown charsets, unknown transfer encodings and
// broken multipart boundaries are tolerated. Header lines that are not fields
// are dropped, and a payload without a header block is read as a plain text
// body. Only an empty payload fails with ErrMalformedMessage.
func Parse(raw []byte, envelopeFrom string) (*email.Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedMessage)
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		slog.Warn("repairing unreadable header block", "error", err)
		entity, err = message.Read(bytes.NewReader(repairHeader(raw)))
		if err != nil && !tolerable(err) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}
	if err != nil {
		slog.Warn("decoding message with unsupported charset or encoding", "error", err)
	}

	header := mail.Header{Header: entity.Header}
	result := &email.Message{
		MessageID: messageID(header),
		Subject:   subject(header),
		Raw:       raw,
	}
	result.From, result.FromName = sender(header, envelopeFrom)

	w := &walker{msg: result}
	w.walk(entity, 0)

	if result.TextBody == "" && result.HTMLBody != "" {
		result.TextBody = html2text.HTML2Text(result.HTMLBody)
	}

	return result, nil
}

// repairHeader keeps the well-formed fields of raw's header block and drops
// everything else in it. When no field survives, the whole payload becomes
// the body of a message with an empty header.
func repairHeader(raw []byte) []byte {
	block, body, ok := splitHeader(raw)
	if !ok {
		return append([]byte("\r\n"), raw...)
	}

	var kept bytes.Buffer
	keeping := false
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		switch {
		case len(line) > 0 && (line[0] == ' ' || line[0] == '\t'):
			// Continuation lines follow their field.
			if !keeping {
				continue
			}
		case headerField(line):
			keeping = true
		default:
			keeping = false
			continue
		}
		kept.Write(line)
		kept.WriteString("\r\n")
	}
	if kept.Len() == 0 {
		return append([]byte("\r\n"), raw...)
	}
	kept.WriteString("\r\n")
	kept.Write(body)
	return kept.Bytes()
}

// splitHeader splits raw at the first blank line.
func splitHeader(raw []byte) (header, body []byte, ok bool) {
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return raw[:crlf], raw[crlf+4:], true
	case lf >= 0:
		return raw[:lf], raw[lf+2:], true
	}
	return nil, nil, false
}

// headerField reports whether line starts a field: a non-empty name of
// printable ASCII other than ':' followed by a colon.
func headerField(line []byte) bool {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return false
	}
	for _, c := range line[:i] {
		if c < 33 || c > 126 {
			return false
		}
	}
	return true
}

func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// walker collects bodies and attachments from an entity tree.
type walker struct {
	msg *email.Message
}

func (w *walker) walk(entity *message.Entity, depth int) {
	mediaType, params, err := entity.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") && depth < maxDepth {
		if params["boundary"] == "" {
			slog.Warn("multipart part without boundary, treating as text")
			w.leaf(entity, "text/plain", params)
			return
		}
		w.walkMultipart(entity, depth)
		return
	}

	w.leaf(entity, mediaType, params)
}

func (w *walker) walkMultipart(entity *message.Entity, depth int) {
	mr := entity.MultipartReader()
	if mr == nil {
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil && !tolerable(err) {
			// Keep what was decoded before the broken boundary.
			slog.Warn("stopping at malformed multipart boundary", "error", err)
			return
		}
		if part == nil {
			continue
		}
		w.walk(part, depth+1)
	}
}

func (w *walker) leaf(entity *message.Entity, mediaType string, params map[string]string) {
	content, err := io.ReadAll(entity.Body)
	if err != nil {
		slog.Warn("failed to read part content, keeping partial data",
			"content_type", mediaType,
			"error", err,
		)
	}

	disposition, _, _ := entity.Header.ContentDisposition()
	filename := partFilename(entity, params)
	isBody := (mediaType == "text/plain" || mediaType == "text/html") &&
		filename == "" && !strings.EqualFold(disposition, "attachment")

	if !isBody {
		if filename == "" {
			filename = defaultFilename
		}
		if mediaType == "" {
			mediaType = defaultContentType
		}
		w.msg.Attachments = append(w.msg.Attachments, email.Attachment{
			Filename:    filename,
			ContentType: mediaType,
			Content:     content,
		})
		return
	}

	switch mediaType {
	case "text/plain":
		w.msg.TextBody = appendBody(w.msg.TextBody, string(content))
	case "text/html":
		w.msg.HTMLBody = appendBody(w.msg.HTMLBody, string(content))
	}
}

func appendBody(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "\n" + next
}

// partFilename checks Content-Disposition first, then the Content-Type name
// parameter.
func partFilename(entity *message.Entity, params map[string]string) string {
	ah := mail.AttachmentHeader{Header: entity.Header}
	if fn, err := ah.Filename(); err == nil && fn != "" {
		return fn
	}
	if name := params["name"]; name != "" {
		return name
	}
	return ""
}

func messageID(header mail.Header) string {
	if id := strings.TrimSpace(header.Get("Message-Id")); id != "" {
		return id
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString())
}

func subject(header mail.Header) string {
	s, err := header.Subject()
	if err != nil {
		s = header.Get("Subject")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultSubject
	}
	return s
}

// sender returns the first From address and its display name, falling back to
// the envelope sender.
func sender(header mail.Header, envelopeFrom string) (string, string) {
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 && list[0].Address != "" {
		return list[0].Address, list[0].Name
	}
	if envelopeFrom != "" {
		return envelopeFrom, ""
	}
	return UnknownSender, ""
}
