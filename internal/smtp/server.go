package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shineum/flymail/internal/metrics"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

const (
	// DefaultIdleTimeout closes a connection that sends nothing for this long.
	DefaultIdleTimeout = 5 * time.Minute

	maxAcceptDelay = time.Second
)

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "0.0.0.0:2525").
	ListenAddr string

	// Hostname is announced in the greeting and EHLO responses.
	Hostname string

	Resolver  Resolver
	Deliverer Deliverer

	// IdleTimeout bounds each read. Zero means DefaultIdleTimeout.
	IdleTimeout time.Duration

	// MaxConnections and MaxConnectionsPerIP limit concurrent sessions;
	// zero disables a limit.
	MaxConnections      int
	MaxConnectionsPerIP int

	// MaxMessageSize and MaxRecipients default to the package constants.
	MaxMessageSize int64
	MaxRecipients  int
}

// Server accepts SMTP connections and runs one Session per connection.
type Server struct {
	config  ServerConfig
	limiter *ConnectionLimiter

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	return &Server{
		config:  cfg,
		limiter: NewConnectionLimiter(cfg.MaxConnections, cfg.MaxConnectionsPerIP),
		conns:   make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled. A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or accepting fails
// permanently. On cancellation it stops accepting, lets sessions answer 421
// at their next command and waits up to 30 seconds for them to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"hostname", s.config.Hostname,
		"idle_timeout", s.config.IdleTimeout,
		"max_connections", s.config.MaxConnections,
		"max_connections_per_ip", s.config.MaxConnectionsPerIP,
	)

	stop := context.AfterFunc(ctx, func() {
		slog.Info("shutting down SMTP server")
		ln.Close()
	})
	defer stop()

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.waitForSessions()
				return nil
			}
			if temporary(err) {
				delay = nextAcceptDelay(delay)
				slog.Warn("temporary accept error, retrying", "error", err, "delay", delay)
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					s.waitForSessions()
					return nil
				}
			}
			ln.Close()
			s.waitForSessions()
			return fmt.Errorf("accept failed: %w", err)
		}
		delay = 0

		release, err := s.limiter.Accept(nc.RemoteAddr())
		if err != nil {
			// The 421 is written off the accept loop.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.reject(nc, err)
			}()
			continue
		}

		s.track(nc, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer release()
			defer s.track(nc, false)
			s.handle(ctx, nc)
		}()
	}
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()
	defer metrics.ConnectionsCurrent.Dec()

	log := slog.With("remote", nc.RemoteAddr().String(), "session", ulid.Make().String())
	log.Debug("connection opened")
	defer log.Debug("connection closed")

	sess := NewSession(SessionConfig{
		Hostname:       s.config.Hostname,
		Resolver:       s.config.Resolver,
		Deliverer:      s.config.Deliverer,
		Logger:         log,
		MaxMessageSize: s.config.MaxMessageSize,
		MaxRecipients:  s.config.MaxRecipients,
	})
	newConn(nc, sess, s.config.IdleTimeout, log).serve(ctx)
}

// reject answers 421 and closes a connection refused by the limiter.
func (s *Server) reject(nc net.Conn, err error) {
	defer nc.Close()

	r := replyTooManyConns
	reason := "total"
	if errors.Is(err, ErrTooManyConnectionsPerIP) {
		r = replyTooManyConnsIP
		reason = "per_ip"
	}
	metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
	slog.Warn("connection rejected", "remote", nc.RemoteAddr().String(), "error", err)

	_ = nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = nc.Write([]byte(r.String()))
}

func (s *Server) track(nc net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[nc] = struct{}{}
	} else {
		delete(s.conns, nc)
	}
}

// waitForSessions waits for all in-flight sessions to complete. Sessions
// still running after shutdownTimeout have their connections closed.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
		s.mu.Lock()
		for nc := range s.conns {
			nc.Close()
		}
		s.mu.Unlock()
		<-done
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// temporary reports whether an accept error is worth retrying: descriptor
// or buffer exhaustion, aborted handshakes and timeouts.
func temporary(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM, syscall.ECONNABORTED, syscall.ECONNRESET, syscall.EINTR} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > maxAcceptDelay {
		d = maxAcceptDelay
	}
	return d
}
