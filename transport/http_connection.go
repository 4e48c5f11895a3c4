// Package transport provides the production pool.Connection implementation,
// backed by a dedicated net/http.Transport per connection. It is grounded on
// the gateway provider package's shared-transport pool manager, narrowed here
// to a single logical connection per instance since ConnectionPool already
// owns reuse/coalescing across instances.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"time"

	"github.com/AlfredDev/httppool/pool"
)

// Config mirrors the dial knobs the gateway's provider.PoolConfig exposes for
// its shared http.Transport, applied here per pool.Connection instance.
type Config struct {
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration
	DisableCompression    bool
	TLSClientConfig       *tls.Config
	LocalAddr             net.Addr
}

// DefaultConfig returns production-grade dial defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewDialer returns a pool.Config.Dial function that constructs one
// HTTPConnection per call, each wrapping its own single-host http.Transport.
func NewDialer(cfg Config) func(origin pool.Origin, http2Enabled bool) pool.Connection {
	return func(origin pool.Origin, http2Enabled bool) pool.Connection {
		return newHTTPConnection(origin, cfg, http2Enabled)
	}
}

// HTTPConnection is the default pool.Connection: a single http.Client with a
// transport scoped to exactly one TCP connection to origin (MaxConnsPerHost
// and MaxIdleConnsPerHost pinned to 1), so that the pool's own selection
// logic — not net/http's internal pool — governs reuse and coalescing.
type HTTPConnection struct {
	mu sync.Mutex

	origin        pool.Origin
	client        *http.Client
	http2Enabled  bool
	negotiatedH2  bool
	state         pool.ConnectionState
	expiresAt     time.Time
	activeStreams int
	dropped       bool
}

func newHTTPConnection(origin pool.Origin, cfg Config, http2Enabled bool) *HTTPConnection {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAlive,
		LocalAddr: cfg.LocalAddr,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          1,
		MaxIdleConnsPerHost:   1,
		MaxConnsPerHost:       1,
		IdleConnTimeout:       0, // pool.ConnectionPool owns keep-alive expiry
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableCompression:    cfg.DisableCompression,
	}

	if http2Enabled {
		tlsConfig := cfg.TLSClientConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			tlsConfig = tlsConfig.Clone()
		}
		tlsConfig.NextProtos = []string{"h2", "http/1.1"}
		transport.TLSClientConfig = tlsConfig
		transport.ForceAttemptHTTP2 = true
	} else if cfg.TLSClientConfig != nil {
		transport.TLSClientConfig = cfg.TLSClientConfig
	}

	return &HTTPConnection{
		origin:       origin,
		client:       &http.Client{Transport: transport},
		http2Enabled: http2Enabled,
		state:        pool.StatePending,
	}
}

func (c *HTTPConnection) Origin() pool.Origin { return c.origin }

func (c *HTTPConnection) State() pool.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsHTTP11 reports true once the connection is known not to be HTTP/2 — it
// is conservative while Pending, since the handshake has not resolved yet.
func (c *HTTPConnection) IsHTTP11() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.http2Enabled || (c.state != pool.StatePending && !c.negotiatedH2)
}

func (c *HTTPConnection) IsHTTP2() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiatedH2
}

func (c *HTTPConnection) ExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiresAt
}

func (c *HTTPConnection) SetExpiresAt(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiresAt = t
}

// IsConnectionDropped is a best-effort approximation: net/http does not
// expose a way to peek the underlying socket for a peer-initiated close
// without consuming it, so this only reflects errors already observed on a
// prior Request call.
func (c *HTTPConnection) IsConnectionDropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *HTTPConnection) MarkAsReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == pool.StateIdle {
		c.state = pool.StateReady
	}
}

func (c *HTTPConnection) Info() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("%s state=%s http2=%v streams=%d", c.origin, c.state, c.negotiatedH2, c.activeStreams)
}

func (c *HTTPConnection) Close() error {
	c.mu.Lock()
	c.state = pool.StateClosed
	c.mu.Unlock()
	c.client.Transport.(*http.Transport).CloseIdleConnections()
	return nil
}

func (c *HTTPConnection) Request(ctx context.Context, req *pool.Request) (*pool.Response, error) {
	c.mu.Lock()
	c.state = pool.StateActive
	c.activeStreams++
	c.mu.Unlock()

	var negotiatedH2 bool
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Conn == nil {
				return
			}
			if tlsConn, ok := info.Conn.(interface {
				ConnectionState() tls.ConnectionState
			}); ok {
				negotiatedH2 = tlsConn.ConnectionState().NegotiatedProtocol == "h2"
			}
		},
	}
	ctx = httptrace.WithClientTrace(ctx, trace)

	var body io.Reader = req.Body
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		c.noteFailure()
		return nil, fmt.Errorf("httppool/transport: build request: %w", err)
	}
	if req.Headers != nil {
		httpReq.Header = req.Headers.Clone()
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.noteFailure()
		if isConnectionReuseRace(err) {
			return nil, pool.ErrNewConnectionRequired
		}
		return nil, err
	}

	c.mu.Lock()
	if negotiatedH2 {
		c.negotiatedH2 = true
	}
	c.mu.Unlock()

	return &pool.Response{
		StatusCode: resp.StatusCode,
		Reason:     resp.Status,
		Proto:      resp.Proto,
		Headers:    resp.Header,
		Body:       newStreamBody(c, resp.Body),
	}, nil
}

// isConnectionReuseRace reports whether err is net/http's signal that a
// reused keep-alive connection was already closed by the peer before this
// request could be written — the HTTP/1.1 "reuse lost the race" case the
// pool's retry loop exists for. Go's Transport does not export a sentinel
// for this (golang/go#27063); matching the message is the only way to
// distinguish it from other round-trip failures.
func isConnectionReuseRace(err error) bool {
	return err != nil && strings.Contains(err.Error(), "server closed idle connection")
}

func (c *HTTPConnection) noteFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = true
	c.activeStreams--
	if c.activeStreams <= 0 {
		c.activeStreams = 0
		if c.state != pool.StateClosed {
			c.state = pool.StateIdle
		}
	}
}

// streamBody wraps the http.Response.Body so that closing it decrements the
// connection's active stream count and, once no streams remain, returns the
// connection to Idle — the signal pool.ConnectionPool.responseClosed acts
// on to reclassify or cull it.
type streamBody struct {
	conn  *HTTPConnection
	inner io.ReadCloser
}

func newStreamBody(conn *HTTPConnection, inner io.ReadCloser) *streamBody {
	return &streamBody{conn: conn, inner: inner}
}

func (b *streamBody) Read(p []byte) (int, error) {
	return b.inner.Read(p)
}

func (b *streamBody) Close() error {
	err := b.inner.Close()

	c := b.conn
	c.mu.Lock()
	c.activeStreams--
	if c.activeStreams <= 0 {
		c.activeStreams = 0
		if c.state != pool.StateClosed {
			c.state = pool.StateIdle
		}
	}
	c.mu.Unlock()

	return err
}
