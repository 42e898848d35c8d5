package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shineum/flymail/internal/directory"
	"github.com/shineum/flymail/internal/email"
	"github.com/shineum/flymail/internal/metrics"
	"github.com/shineum/flymail/internal/parser"
)

const (
	// DefaultMaxMessageSize is the payload cap advertised with SIZE (25 MiB).
	DefaultMaxMessageSize = 25 * 1024 * 1024

	// DefaultMaxRecipients caps RCPT commands per transaction.
	DefaultMaxRecipients = 100

	// maxFailures is the number of consecutive failed commands after which
	// the connection is closed.
	maxFailures = 10
)

var (
	// ErrBadSequence is returned for a command the current state does not permit.
	ErrBadSequence = errors.New("bad sequence of commands")

	// ErrSizeExceeded is returned when the payload grows past the size cap.
	ErrSizeExceeded = errors.New("message size exceeded")
)

// State is a position in the session state machine.
type State int

const (
	StateConnected State = iota
	StateGreeted
	StateSenderSet
	StateRecipientAccepted
	StateReceivingData
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateGreeted:
		return "greeted"
	case StateSenderSet:
		return "sender_set"
	case StateRecipientAccepted:
		return "recipient_accepted"
	case StateReceivingData:
		return "receiving_data"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Resolver maps an envelope recipient to a deliverable address.
type Resolver interface {
	Resolve(ctx context.Context, recipient string) (*email.Address, error)
}

// Deliverer stores one decoded message for one recipient.
type Deliverer interface {
	Deliver(ctx context.Context, msg *email.Message, envelopeFrom string, rcpt email.Recipient) (string, error)
}

// Transaction is the envelope collected between MAIL and end of data.
type Transaction struct {
	From       string
	Recipients []email.Recipient
}

// SessionConfig configures a Session.
type SessionConfig struct {
	Hostname       string
	Resolver       Resolver
	Deliverer      Deliverer
	Logger         *slog.Logger
	MaxMessageSize int64
	MaxRecipients  int
}

// Session is the SMTP state machine for one connection. It is driven by
// command lines through Handle and by unstuffed payload bytes through
// WriteData and EndData, and never touches the network itself.
type Session struct {
	hostname  string
	resolver  Resolver
	deliverer Deliverer
	log       *slog.Logger
	maxSize   int64
	maxRcpts  int

	state    State
	tx       Transaction
	data     bytes.Buffer
	received int64
	overflow bool
	failures int
}

// NewSession creates a session in StateConnected.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = DefaultMaxRecipients
	}
	return &Session{
		hostname:  cfg.Hostname,
		resolver:  cfg.Resolver,
		deliverer: cfg.Deliverer,
		log:       cfg.Logger,
		maxSize:   cfg.MaxMessageSize,
		maxRcpts:  cfg.MaxRecipients,
		state:     StateConnected,
	}
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Transaction returns a copy of the current envelope.
func (s *Session) Transaction() Transaction {
	return Transaction{
		From:       s.tx.From,
		Recipients: append([]email.Recipient(nil), s.tx.Recipients...),
	}
}

// Greeting is the banner sent when the connection opens.
func (s *Session) Greeting() Reply {
	return reply(220, s.hostname+" ESMTP flymail ready")
}

// Handle processes one command line without its line terminator.
func (s *Session) Handle(ctx context.Context, line string) Reply {
	if s.state == StateClosed {
		return replyClosed
	}

	verb, arg := parseCommand(line)
	r := s.dispatch(ctx, verb, arg)
	metrics.CommandsTotal.WithLabelValues(metricVerb(verb), r.class()).Inc()
	return s.track(r)
}

// OverlongLine answers a command line that exceeded the length limit.
func (s *Session) OverlongLine() Reply {
	metrics.CommandsTotal.WithLabelValues("unknown", replyLineTooLong.class()).Inc()
	return s.track(replyLineTooLong)
}

// track counts consecutive failures and closes the session once the limit
// is reached.
func (s *Session) track(r Reply) Reply {
	if !r.Failed() || r.Code == 421 {
		s.failures = 0
		return r
	}
	s.failures++
	if s.failures >= maxFailures {
		s.log.Info("closing session after repeated errors", "failures", s.failures)
		s.Close()
		return replyTooManyErrors
	}
	return r
}

func (s *Session) dispatch(ctx context.Context, verb, arg string) Reply {
	if s.state == StateReceivingData {
		return replyFor(ErrBadSequence)
	}

	switch verb {
	case "HELO", "EHLO":
		return s.hello(verb, arg)
	case "MAIL":
		return s.mail(arg)
	case "RCPT":
		return s.rcpt(ctx, arg)
	case "DATA":
		return s.beginData()
	case "RSET":
		s.reset()
		return replyOK
	case "NOOP":
		return replyOK
	case "VRFY":
		return replyVerify
	case "QUIT":
		s.Close()
		return replyBye
	case "STARTTLS", "AUTH", "EXPN", "TURN", "BDAT":
		return replyNotImplemented
	default:
		return replyUnrecognized
	}
}

func (s *Session) hello(verb, arg string) Reply {
	name := strings.TrimSpace(arg)
	if name == "" {
		return reply(501, "5.5.4 Syntax: "+verb+" hostname")
	}

	s.resetTransaction()
	s.state = StateGreeted
	s.log.Debug("client greeted", "verb", verb, "name", name)

	if verb == "HELO" {
		return reply(250, s.hostname+" Hello "+name)
	}
	return Reply{Code: 250, Lines: []string{
		s.hostname + " Hello " + name,
		"SIZE " + strconv.FormatInt(s.maxSize, 10),
		"8BITMIME",
		"ENHANCEDSTATUSCODES",
	}}
}

func (s *Session) mail(arg string) Reply {
	switch s.state {
	case StateGreeted, StateSenderSet, StateRecipientAccepted:
	case StateConnected:
		return replyNeedHelo
	default:
		return replyFor(ErrBadSequence)
	}

	addr, params, err := parsePath(arg, "FROM:")
	if err != nil {
		return replyMailSyntax
	}
	for _, p := range params {
		key, value, _ := strings.Cut(p, "=")
		if !strings.EqualFold(key, "SIZE") {
			continue
		}
		size, err := strconv.ParseInt(value, 10, 64)
		if err != nil || size < 0 {
			return replyMailSyntax
		}
		if size > s.maxSize {
			return replyDeclaredTooBig
		}
	}

	s.resetTransaction()
	s.tx.From = addr
	s.state = StateSenderSet
	return reply(250, "2.1.0 Sender OK")
}

func (s *Session) rcpt(ctx context.Context, arg string) Reply {
	if s.state != StateSenderSet && s.state != StateRecipientAccepted {
		return replyFor(ErrBadSequence)
	}

	addr, _, err := parsePath(arg, "TO:")
	if err != nil || addr == "" {
		return replyRcptSyntax
	}
	if len(s.tx.Recipients) >= s.maxRcpts {
		return replyTooManyRcpts
	}

	target, err := s.resolver.Resolve(ctx, addr)
	if err != nil {
		if errors.Is(err, directory.ErrLookupFailed) {
			s.log.Error("recipient lookup failed", "recipient", addr, "error", err)
		} else {
			s.log.Info("recipient rejected", "recipient", addr, "error", err)
		}
		return replyFor(err)
	}

	s.tx.Recipients = append(s.tx.Recipients, email.Recipient{Address: addr, Target: *target})
	s.state = StateRecipientAccepted
	return reply(250, "2.1.5 Recipient OK")
}

func (s *Session) beginData() Reply {
	if s.state != StateRecipientAccepted {
		return replyFor(ErrBadSequence)
	}
	s.discardData()
	s.state = StateReceivingData
	return replyStartData
}

// WriteData appends unstuffed payload bytes. Once the size cap is crossed the
// buffer is released and later bytes are only counted.
func (s *Session) WriteData(p []byte) {
	if s.state != StateReceivingData {
		return
	}
	s.received += int64(len(p))
	if s.overflow {
		return
	}
	if s.received > s.maxSize {
		s.overflow = true
		s.data = bytes.Buffer{}
		return
	}
	s.data.Write(p)
}

// EndData completes the payload: it decodes the message and delivers one
// copy per accepted recipient. The session returns to StateGreeted whatever
// the outcome.
func (s *Session) EndData(ctx context.Context) Reply {
	if s.state != StateReceivingData {
		return replyFor(ErrBadSequence)
	}
	defer func() {
		s.resetTransaction()
		s.state = StateGreeted
	}()

	if s.overflow {
		s.log.Info("message rejected", "reason", "size", "received", s.received, "limit", s.maxSize)
		metrics.MessagesTotal.WithLabelValues("too_large").Inc()
		return replyFor(ErrSizeExceeded)
	}

	raw := s.data.Bytes()
	metrics.MessageSizeBytes.Observe(float64(len(raw)))

	msg, err := parser.Parse(raw, s.tx.From)
	if err != nil {
		s.log.Warn("failed to decode message", "error", err, "size", len(raw))
		metrics.MessagesTotal.WithLabelValues("malformed").Inc()
		return replyFor(err)
	}

	ids := make([]string, 0, len(s.tx.Recipients))
	for _, rcpt := range s.tx.Recipients {
		id, err := s.deliverer.Deliver(ctx, msg, s.tx.From, rcpt)
		if err != nil {
			s.log.Error("failed to store message",
				"recipient", rcpt.Address,
				"address_id", rcpt.Target.ID,
				"stored", len(ids),
				"error", err,
			)
			return replyFor(err)
		}
		ids = append(ids, id)
	}
	return reply(250, "2.0.0 OK: queued as "+strings.Join(ids, ","))
}

// Close moves the session to StateClosed and drops any buffered payload.
// Calling it again has no effect.
func (s *Session) Close() {
	if s.state == StateClosed {
		return
	}
	s.resetTransaction()
	s.state = StateClosed
}

// reset handles RSET: the transaction is cleared and a greeted session goes
// back to StateGreeted.
func (s *Session) reset() {
	s.resetTransaction()
	if s.state != StateConnected {
		s.state = StateGreeted
	}
}

func (s *Session) resetTransaction() {
	s.tx = Transaction{}
	s.discardData()
}

func (s *Session) discardData() {
	s.data = bytes.Buffer{}
	s.received = 0
	s.overflow = false
}

// replyFor maps an error to the reply sent to the client.
func replyFor(err error) Reply {
	switch {
	case errors.Is(err, ErrBadSequence):
		return replyBadSequence
	case errors.Is(err, ErrSizeExceeded):
		return replySizeExceeded
	case errors.Is(err, directory.ErrUnknownRecipient):
		return replyUnknownMailbox
	case errors.Is(err, directory.ErrInvalidAddress):
		return replyBadAddress
	case errors.Is(err, directory.ErrLookupFailed):
		return replyLookupFailed
	default:
		return replyProcessing
	}
}

// parseCommand splits a command line into its upper-cased verb and argument.
func parseCommand(line string) (string, string) {
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}

var errPathSyntax = errors.New("invalid path")

// parsePath parses "FROM:<addr> params" or "TO:<addr> params". The angle
// brackets may be omitted; a source route prefix is dropped.
func parsePath(arg, prefix string) (string, []string, error) {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", nil, errPathSyntax
	}
	rest := strings.TrimSpace(arg[len(prefix):])

	var addr string
	var params []string
	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return "", nil, errPathSyntax
		}
		addr = rest[1:end]
		params = strings.Fields(rest[end+1:])
	} else {
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return "", nil, errPathSyntax
		}
		addr, params = fields[0], fields[1:]
	}

	if strings.HasPrefix(addr, "@") {
		_, after, ok := strings.Cut(addr, ":")
		if !ok {
			return "", nil, errPathSyntax
		}
		addr = after
	}
	if strings.ContainsAny(addr, " <>") {
		return "", nil, errPathSyntax
	}
	return addr, params, nil
}

// metricVerb bounds the command label to known verbs.
func metricVerb(verb string) string {
	switch verb {
	case "HELO", "EHLO", "MAIL", "RCPT", "DATA", "RSET", "NOOP", "VRFY", "QUIT", "STARTTLS", "AUTH", "EXPN", "TURN", "BDAT":
		return verb
	default:
		return "unknown"
	}
}
