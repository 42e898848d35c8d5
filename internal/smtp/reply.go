package smtp

import (
	"fmt"
	"strings"
)

// Reply is an SMTP response. Multi-line replies are written with a hyphen
// after the code on every line but the last.
type Reply struct {
	Code  int
	Lines []string
}

func reply(code int, text string) Reply {
	return Reply{Code: code, Lines: []string{text}}
}

// String renders the reply in wire format, including the trailing CRLF.
func (r Reply) String() string {
	lines := r.Lines
	if len(lines) == 0 {
		lines = []string{""}
	}
	var b strings.Builder
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(&b, "%d%s%s\r\n", r.Code, sep, line)
	}
	return b.String()
}

// Failed reports whether the reply is a 4xx or 5xx rejection.
func (r Reply) Failed() bool {
	return r.Code >= 400
}

// class returns the metric label for the reply code.
func (r Reply) class() string {
	switch {
	case r.Code >= 500:
		return "5xx"
	case r.Code >= 400:
		return "4xx"
	case r.Code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

var (
	replyOK             = reply(250, "2.0.0 OK")
	replyStartData      = reply(354, "Start mail input; end with <CRLF>.<CRLF>")
	replyBye            = reply(221, "2.0.0 Bye")
	replyVerify         = reply(252, "2.5.0 Cannot VRFY user, but will accept message and attempt delivery")
	replyBadSequence    = reply(503, "5.5.1 Bad sequence of commands")
	replyNeedHelo       = reply(503, "5.5.1 Send HELO/EHLO first")
	replyNotImplemented = reply(502, "5.5.1 Command not implemented")
	replyUnrecognized   = reply(500, "5.5.2 Syntax error, command unrecognized")
	replyLineTooLong    = reply(500, "5.5.2 Line too long")
	replyMailSyntax     = reply(501, "5.5.4 Syntax: MAIL FROM:<address>")
	replyRcptSyntax     = reply(501, "5.5.4 Syntax: RCPT TO:<address>")
	replyBadAddress     = reply(501, "5.1.3 Bad recipient address syntax")
	replyUnknownMailbox = reply(550, "5.1.1 Mailbox not found")
	replyLookupFailed   = reply(451, "4.3.0 Temporary lookup failure, try again later")
	replyTooManyRcpts   = reply(452, "4.5.3 Too many recipients")
	replyDeclaredTooBig = reply(552, "5.3.4 Message size exceeds fixed maximum message size")
	replySizeExceeded   = reply(452, "4.3.1 Message size exceeds fixed maximum message size")
	replyProcessing     = reply(451, "4.3.0 Error processing message, try again later")
	replyTooManyErrors  = reply(421, "4.7.0 Too many errors, closing connection")
	replyShuttingDown   = reply(421, "4.3.2 Service shutting down")
	replyClosed         = reply(421, "4.4.2 Connection closed")
	replyTooManyConns   = reply(421, "4.7.0 Too many connections, try again later")
	replyTooManyConnsIP = reply(421, "4.7.0 Too many connections from your address, try again later")
)
