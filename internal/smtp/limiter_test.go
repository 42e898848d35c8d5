package smtp

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpAddr(ip string, port int) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestConnectionLimiter_Total(t *testing.T) {
	t.Parallel()

	cl := NewConnectionLimiter(2, 0)
	r1, err := cl.Accept(tcpAddr("10.0.0.1", 1000))
	require.NoError(t, err)
	_, err = cl.Accept(tcpAddr("10.0.0.2", 1000))
	require.NoError(t, err)

	_, err = cl.Accept(tcpAddr("10.0.0.3", 1000))
	assert.ErrorIs(t, err, ErrTooManyConnections)

	r1()
	r1() // releasing twice has no effect
	assert.Equal(t, 1, cl.Current())

	_, err = cl.Accept(tcpAddr("10.0.0.3", 1000))
	assert.NoError(t, err)
}

func TestConnectionLimiter_PerIP(t *testing.T) {
	t.Parallel()

	cl := NewConnectionLimiter(0, 2)
	var releases []func()
	for port := 1; port <= 2; port++ {
		r, err := cl.Accept(tcpAddr("192.0.2.7", port))
		require.NoError(t, err)
		releases = append(releases, r)
	}

	_, err := cl.Accept(tcpAddr("192.0.2.7", 3))
	assert.ErrorIs(t, err, ErrTooManyConnectionsPerIP)

	_, err = cl.Accept(tcpAddr("192.0.2.8", 1))
	assert.NoError(t, err, "other addresses are unaffected")

	releases[0]()
	_, err = cl.Accept(tcpAddr("192.0.2.7", 4))
	assert.NoError(t, err)
}

func TestConnectionLimiter_Unlimited(t *testing.T) {
	t.Parallel()

	cl := NewConnectionLimiter(0, 0)
	for i := 0; i < 100; i++ {
		_, err := cl.Accept(tcpAddr("127.0.0.1", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 100, cl.Current())
}

func TestConnectionLimiter_Concurrent(t *testing.T) {
	t.Parallel()

	cl := NewConnectionLimiter(50, 0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := cl.Accept(tcpAddr("127.0.0.1", i)); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, accepted)
	assert.Equal(t, 50, cl.Current())
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "10.1.2.3", hostOf(tcpAddr("10.1.2.3", 25)))
	assert.Equal(t, "::1", hostOf(tcpAddr("::1", 25)))
	assert.Equal(t, "", hostOf(nil))
}
