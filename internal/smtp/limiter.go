package smtp

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

var (
	// ErrTooManyConnections is returned when the global limit is reached.
	ErrTooManyConnections = errors.New("maximum connections reached")

	// ErrTooManyConnectionsPerIP is returned when one address holds too many
	// connections.
	ErrTooManyConnectionsPerIP = errors.New("maximum connections per IP reached")
)

// ConnectionLimiter enforces global and per-IP connection limits. A limit of
// zero disables that check.
type ConnectionLimiter struct {
	maxConnections int
	maxPerIP       int

	mu    sync.Mutex
	total int
	perIP map[string]int
}

// NewConnectionLimiter creates a limiter.
func NewConnectionLimiter(maxConnections, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxConnections: maxConnections,
		maxPerIP:       maxPerIP,
		perIP:          make(map[string]int),
	}
}

// Accept registers a connection from remoteAddr. The returned release func
// must be called exactly once when the connection ends.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	ip := hostOf(remoteAddr)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.maxConnections > 0 && cl.total >= cl.maxConnections {
		return nil, fmt.Errorf("%w (%d/%d)", ErrTooManyConnections, cl.total, cl.maxConnections)
	}
	if cl.maxPerIP > 0 && cl.perIP[ip] >= cl.maxPerIP {
		return nil, fmt.Errorf("%w for %s (%d/%d)", ErrTooManyConnectionsPerIP, ip, cl.perIP[ip], cl.maxPerIP)
	}

	cl.total++
	cl.perIP[ip]++

	var once sync.Once
	return func() {
		once.Do(func() { cl.release(ip) })
	}, nil
}

func (cl *ConnectionLimiter) release(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.total--
	if cl.perIP[ip] <= 1 {
		delete(cl.perIP, ip)
	} else {
		cl.perIP[ip]--
	}
}

// Current returns the number of registered connections.
func (cl *ConnectionLimiter) Current() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
