package probe

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TransferLookup reports how many bytes an attempt keyed by its request URL
// transferred. ok is false when nothing was recorded.
type TransferLookup interface {
	TransferSize(key string) (n int64, ok bool)
}

type meterKey struct{}

// withMeterKey tags ctx so connections dialed under it are counted under key.
func withMeterKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, meterKey{}, key)
}

// Meter counts the raw bytes read from every connection dialed for a tagged
// request. It is the transport-level stand-in for resource timing entries.
type Meter struct {
	Dialer *net.Dialer

	mu     sync.Mutex
	counts map[string]*atomic.Int64
}

func NewMeter() *Meter {
	return &Meter{
		Dialer: &net.Dialer{Timeout: 30 * time.Second, KeepAlive: -1},
		counts: make(map[string]*atomic.Int64),
	}
}

// DialContext has the signature http.Transport expects.
func (m *Meter) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := m.Dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	key, ok := ctx.Value(meterKey{}).(string)
	if !ok {
		return conn, nil
	}
	return &countingConn{Conn: conn, n: m.counter(key)}, nil
}

func (m *Meter) counter(key string) *atomic.Int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counts[key]
	if !ok {
		c = new(atomic.Int64)
		m.counts[key] = c
	}
	return c
}

// TransferSize returns and forgets the count for key.
func (m *Meter) TransferSize(key string) (int64, bool) {
	m.mu.Lock()
	c, ok := m.counts[key]
	delete(m.counts, key)
	m.mu.Unlock()
	if !ok || c.Load() == 0 {
		return 0, false
	}
	return c.Load(), true
}

type countingConn struct {
	net.Conn
	n *atomic.Int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.n.Add(int64(n))
	return n, err
}
