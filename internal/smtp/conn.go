package smtp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

const (
	// maxLineLength bounds a command line, excluding CRLF.
	maxLineLength = 2048

	readBufferSize = 4096
)

var errLineTooLong = errors.New("command line too long")

// conn drives a Session from a network connection. It owns the socket and
// does the framing: command lines, dot-stuffed payload, idle deadlines.
type conn struct {
	nc   net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	sess *Session
	idle time.Duration
	log  *slog.Logger
}

func newConn(nc net.Conn, sess *Session, idle time.Duration, log *slog.Logger) *conn {
	return &conn{
		nc:   nc,
		r:    bufio.NewReaderSize(nc, readBufferSize),
		w:    bufio.NewWriter(nc),
		sess: sess,
		idle: idle,
		log:  log,
	}
}

// serve runs the session until the client quits, the connection drops or
// ctx is cancelled. A cancelled ctx is noticed before the next command.
func (c *conn) serve(ctx context.Context) {
	defer c.nc.Close()
	defer c.sess.Close()

	if err := c.write(c.sess.Greeting()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = c.write(replyShuttingDown)
			return
		default:
		}

		line, err := c.readLine()
		switch {
		case errors.Is(err, errLineTooLong):
			if err := c.write(c.sess.OverlongLine()); err != nil {
				return
			}
		case err != nil:
			c.readFailed(err)
			return
		default:
			if err := c.write(c.sess.Handle(ctx, line)); err != nil {
				return
			}
		}

		if c.sess.State() == StateReceivingData {
			if err := c.readData(); err != nil {
				c.readFailed(err)
				return
			}
			// Delivery finishes even if shutdown started mid-transfer.
			if err := c.write(c.sess.EndData(context.WithoutCancel(ctx))); err != nil {
				return
			}
		}

		if c.sess.State() == StateClosed {
			return
		}
	}
}

// readLine reads one command line. A line longer than maxLineLength is
// consumed in buffer-sized fragments and reported as errLineTooLong.
func (c *conn) readLine() (string, error) {
	if err := c.extendDeadline(); err != nil {
		return "", err
	}

	var line []byte
	tooLong := false
	for {
		frag, err := c.r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(frag) > maxLineLength+2 {
				tooLong = true
				line = nil
			} else {
				line = append(line, frag...)
			}
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", err
	}
	if tooLong {
		return "", errLineTooLong
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// readData streams the payload into the session until the lone "." line,
// undoing dot-stuffing. Lines are passed on in fragments and never held
// whole.
func (c *conn) readData() error {
	atLineStart := true
	for {
		if err := c.extendDeadline(); err != nil {
			return err
		}
		frag, err := c.r.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
		complete := err == nil

		if atLineStart && complete && isTerminator(frag) {
			return nil
		}
		if atLineStart && len(frag) > 0 && frag[0] == '.' {
			frag = frag[1:]
		}
		c.sess.WriteData(frag)
		atLineStart = complete
	}
}

func isTerminator(line []byte) bool {
	return string(line) == ".\r\n" || string(line) == ".\n"
}

func (c *conn) extendDeadline() error {
	if c.idle <= 0 {
		return nil
	}
	return c.nc.SetReadDeadline(time.Now().Add(c.idle))
}

func (c *conn) write(r Reply) error {
	if _, err := c.w.WriteString(r.String()); err != nil {
		c.log.Debug("failed to write to client", "error", err)
		return err
	}
	if err := c.w.Flush(); err != nil {
		c.log.Debug("failed to flush to client", "error", err)
		return err
	}
	return nil
}

// readFailed logs why reading stopped. Disconnects and idle timeouts end
// the session silently.
func (c *conn) readFailed(err error) {
	switch {
	case errors.Is(err, io.EOF):
		c.log.Debug("client disconnected", "state", c.sess.State().String())
	case errors.Is(err, os.ErrDeadlineExceeded):
		c.log.Info("idle timeout", "state", c.sess.State().String(), "timeout", c.idle)
	default:
		c.log.Debug("connection read error", "state", c.sess.State().String(), "error", err)
	}
}
