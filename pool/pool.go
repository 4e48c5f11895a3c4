// Package pool implements the connection-pool orchestrator: per-origin
// connection index, admission semaphore, acquisition lock, keep-alive
// sweeper, and the get-or-create/retry dance that drives requests onto
// reusable HTTP/1.1 or coalesced HTTP/2 connections.
//
// The orchestration logic here is a direct port of httpcore's
// AsyncConnectionPool (bwelling/httpcore, _async/connection_pool.py),
// rewritten against Go's goroutines, context.Context, and an explicit
// Backend/Connection interface pair instead of Python's asyncio primitives.
package pool

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/AlfredDev/httppool/backend"
)

// connSet preserves most-recently-inserted order for a single origin, which
// makes selectOrNil's "last wins" tie-break (left unspecified upstream)
// into a deterministic most-recently-added rule. See DESIGN.md.
type connSet struct {
	order []Connection
	index map[Connection]int
}

func newConnSet() *connSet {
	return &connSet{index: make(map[Connection]int)}
}

func (s *connSet) add(c Connection) {
	if _, ok := s.index[c]; ok {
		return
	}
	s.index[c] = len(s.order)
	s.order = append(s.order, c)
}

func (s *connSet) remove(c Connection) bool {
	i, ok := s.index[c]
	if !ok {
		return false
	}
	delete(s.index, c)
	s.order = append(s.order[:i], s.order[i+1:]...)
	for j := i; j < len(s.order); j++ {
		s.index[s.order[j]] = j
	}
	return true
}

func (s *connSet) len() int { return len(s.order) }

// Config holds the ConnectionPool's tuning knobs. All fields are optional;
// the zero value means "unbounded"/"disabled" for the corresponding
// behavior, matching httpcore's Optional[...] semantics.
type Config struct {
	// MaxConnections caps the number of live connections across all
	// origins. Zero means unbounded.
	MaxConnections int

	// MaxKeepalive, when positive, causes a connection returning to Idle
	// to be evicted and closed if the total connection count (including
	// that connection) is above this bound.
	MaxKeepalive int

	// KeepaliveExpiry, when positive, is how long an Idle connection may
	// sit unused before keepaliveSweep reclaims it.
	KeepaliveExpiry time.Duration

	// HTTP2Enabled enables HTTP/2 coalescing: a PENDING connection may be
	// shared by concurrent requests before its handshake resolves, so long
	// as no HTTP/1.1 evidence on the same origin contradicts the
	// assumption.
	HTTP2Enabled bool

	// Dial constructs a new, not-yet-connected Connection for an origin.
	// It is supplied by the caller so that pool stays independent of any
	// concrete transport implementation (see the transport package for the
	// production net/http-backed Connection).
	Dial func(origin Origin, http2Enabled bool) Connection

	// Backend supplies the clock, lock, and semaphore primitives. Defaults
	// to backend.NewStandardBackend() if nil.
	Backend backend.Backend

	// Logger receives structured trace/debug events for admission
	// decisions, selection, and sweeps. Defaults to the global zerolog
	// logger.
	Logger *zerolog.Logger

	// Metrics, if set, receives lifecycle hooks for dials, reuses,
	// coalescing, timeouts, sweeps and evictions. Nil disables
	// instrumentation. See the metrics package for the production
	// implementation.
	Metrics Hooks
}

// Hooks receives pool lifecycle events for instrumentation. All methods must
// be safe for concurrent use. A nil Hooks is never called — callers check
// cfg.Metrics != nil before invoking any method.
type Hooks interface {
	OnDial()
	OnReuse()
	OnCoalesce()
	OnClose()
	OnPoolTimeout()
	OnKeepaliveSweep()
	OnEvictMaxKeepalive()
	OnEvictSweepExpired()
	OnEvictDroppedIdle()
	SetOpenConnections(n int)
}

// ConnectionPool multiplexes requests over a bounded set of reusable
// Connections, one set per Origin.
type ConnectionPool struct {
	cfg Config
	be  backend.Backend
	log zerolog.Logger

	admission       backend.Semaphore
	acquisitionLock backend.Lock

	structuralMu sync.Mutex
	connections  map[Origin]*connSet

	nextKeepaliveCheck time.Time
}

// New constructs a ConnectionPool. cfg.Dial must be non-nil; it is used
// whenever selection finds no reusable connection for an origin.
func New(cfg Config) *ConnectionPool {
	if cfg.Dial == nil {
		panic("httppool: pool.Config.Dial must not be nil")
	}

	be := cfg.Backend
	if be == nil {
		be = backend.NewStandardBackend()
	}

	lg := log.Logger
	if cfg.Logger != nil {
		lg = *cfg.Logger
	}

	return &ConnectionPool{
		cfg:             cfg,
		be:              be,
		log:             lg,
		admission:       be.NewSemaphore(cfg.MaxConnections),
		acquisitionLock: be.NewLock(),
		connections:     make(map[Origin]*connSet),
	}
}

// Request issues (method, url, headers, body) over a pooled connection,
// dialing one if needed, retrying selection when the chosen connection
// signals ErrNewConnectionRequired, and wrapping the response body so its
// Close reclassifies the connection.
func (p *ConnectionPool) Request(ctx context.Context, method string, u *url.URL, req *Request) (*Response, error) {
	origin, err := OriginFromURL(u)
	if err != nil {
		return nil, err
	}

	if p.cfg.KeepaliveExpiry > 0 {
		p.keepaliveSweep()
	}

	for {
		conn, err := p.acquireOrDial(ctx, origin)
		if err != nil {
			return nil, err
		}

		resp, err := conn.Request(ctx, req)
		if err != nil {
			if errors.Is(err, ErrNewConnectionRequired) {
				// The connection can no longer accept this request (e.g.
				// an HTTP/1.1 reuse raced a server-initiated close). The
				// connection drives its own state toward Idle/Closed; the
				// pool just reselects.
				continue
			}
			p.removeFromPool(conn)
			return nil, err
		}

		wrapped := newResponseStream(resp.Body, conn, p.responseClosed)
		resp.Body = wrapped
		return resp, nil
	}
}

// acquireOrDial performs the atomic get-or-create: under the acquisition
// lock, select a reusable connection or dial (and admit) a new one.
func (p *ConnectionPool) acquireOrDial(ctx context.Context, origin Origin) (Connection, error) {
	p.acquisitionLock.Lock()
	defer p.acquisitionLock.Unlock()

	p.log.Trace().Stringer("origin", origin).Msg("get_connection_from_pool")
	conn, coalesced := p.selectOrNil(origin)
	if conn != nil {
		p.log.Trace().Str("connection", conn.Info()).Msg("reuse connection")
		if p.cfg.Metrics != nil {
			if coalesced {
				p.cfg.Metrics.OnCoalesce()
			} else {
				p.cfg.Metrics.OnReuse()
			}
		}
		return conn, nil
	}

	conn = p.cfg.Dial(origin, p.cfg.HTTP2Enabled)
	p.log.Trace().Str("connection", conn.Info()).Msg("created connection")
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.OnDial()
	}
	if err := p.addToPool(ctx, conn); err != nil {
		return nil, err
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.SetOpenConnections(p.totalConnections())
	}
	return conn, nil
}

// selectOrNil scans the connection set for origin: an IDLE-and-dropped
// connection is evicted; the most-recently-inserted IDLE or ACTIVE+HTTP/2
// candidate wins reuse; absent that, a PENDING candidate is shared only when
// HTTP/2 is enabled and no HTTP/1.1 connection was observed on the same
// origin. The second return value reports whether the selection was a
// PENDING share (coalescing) rather than a reuse of an already-negotiated
// connection, purely for metrics labeling.
func (p *ConnectionPool) selectOrNil(origin Origin) (Connection, bool) {
	var reuse, pending Connection
	seenHTTP11 := false
	var toClose []Connection

	for _, conn := range p.connectionsForOrigin(origin) {
		if conn.IsHTTP11() {
			seenHTTP11 = true
		}

		switch conn.State() {
		case StateIdle:
			if conn.IsConnectionDropped() {
				p.log.Trace().Str("connection", conn.Info()).Msg("removing dropped idle connection")
				toClose = append(toClose, conn)
				p.removeFromPool(conn)
				if p.cfg.Metrics != nil {
					p.cfg.Metrics.OnEvictDroppedIdle()
				}
			} else {
				reuse = conn
			}
		case StateActive:
			if conn.IsHTTP2() {
				reuse = conn
			}
		case StatePending:
			pending = conn
		}
	}

	coalesced := false
	if reuse != nil {
		reuse.MarkAsReady()
		reuse.SetExpiresAt(time.Time{})
	} else if p.cfg.HTTP2Enabled && pending != nil && !seenHTTP11 {
		reuse = pending
		coalesced = true
	}

	for _, conn := range toClose {
		_ = conn.Close()
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.OnClose()
		}
	}

	return reuse, coalesced
}

// addToPool awaits an admission permit (bounded by ctx, surfacing
// backend.ErrPoolTimeout/ErrPoolTimeout on expiry) and then inserts conn
// under structuralMu.
func (p *ConnectionPool) addToPool(ctx context.Context, conn Connection) error {
	p.log.Trace().Str("connection", conn.Info()).Msg("adding connection to pool")
	if err := p.admission.Acquire(ctx); err != nil {
		if errors.Is(err, backend.ErrPoolTimeout) {
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.OnPoolTimeout()
			}
			return ErrPoolTimeout
		}
		return err
	}

	p.structuralMu.Lock()
	defer p.structuralMu.Unlock()
	set, ok := p.connections[conn.Origin()]
	if !ok {
		set = newConnSet()
		p.connections[conn.Origin()] = set
	}
	set.add(conn)
	return nil
}

// removeFromPool evicts conn from its origin's set, releasing one
// admission permit. Idempotent: removing an already-absent connection is a
// no-op.
func (p *ConnectionPool) removeFromPool(conn Connection) {
	p.log.Trace().Str("connection", conn.Info()).Msg("removing connection from pool")
	p.structuralMu.Lock()
	defer p.structuralMu.Unlock()

	set, ok := p.connections[conn.Origin()]
	if !ok {
		return
	}
	if !set.remove(conn) {
		return
	}
	p.admission.Release()
	if set.len() == 0 {
		delete(p.connections, conn.Origin())
	}
}

// responseClosed is invoked exactly once per returned response body Close,
// after the inner stream has closed. It reclassifies conn per its current
// state: removed if Closed, returned to the idle pool (and possibly culled
// for MaxKeepalive or given a keep-alive expiry) if Idle, left alone
// otherwise.
func (p *ConnectionPool) responseClosed(conn Connection) {
	removeFromPool := false
	closeConnection := false

	switch conn.State() {
	case StateClosed:
		removeFromPool = true
	case StateIdle:
		if p.cfg.MaxKeepalive > 0 && p.totalConnections() > p.cfg.MaxKeepalive {
			removeFromPool = true
			closeConnection = true
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.OnEvictMaxKeepalive()
			}
		} else if p.cfg.KeepaliveExpiry > 0 {
			conn.SetExpiresAt(p.be.Now().Add(p.cfg.KeepaliveExpiry))
		}
	}

	if removeFromPool {
		p.removeFromPool(conn)
	}
	if closeConnection {
		_ = conn.Close()
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.OnClose()
		}
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.SetOpenConnections(p.totalConnections())
	}
}

// keepaliveSweep reclaims Idle connections past their ExpiresAt deadline.
// It is rate-limited to run at most once per second.
func (p *ConnectionPool) keepaliveSweep() {
	now := p.be.Now()
	if now.Before(p.nextKeepaliveCheck) {
		return
	}
	p.nextKeepaliveCheck = now.Add(1 * time.Second)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.OnKeepaliveSweep()
	}

	var toClose []Connection
	for _, conn := range p.allConnections() {
		if conn.State() == StateIdle {
			expiresAt := conn.ExpiresAt()
			if !expiresAt.IsZero() && now.After(expiresAt) {
				toClose = append(toClose, conn)
				p.removeFromPool(conn)
				if p.cfg.Metrics != nil {
					p.cfg.Metrics.OnEvictSweepExpired()
				}
			}
		}
	}

	for _, conn := range toClose {
		_ = conn.Close()
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.OnClose()
		}
	}
}

// Close snapshots every connection, removes each from the pool, and closes
// each. After Close returns, the pool holds no connections.
func (p *ConnectionPool) Close() error {
	conns := p.allConnections()
	for _, conn := range conns {
		p.removeFromPool(conn)
	}

	var errs []error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.OnClose()
		}
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.SetOpenConnections(0)
	}
	return errors.Join(errs...)
}

// GetConnectionInfo returns a best-effort snapshot mapping each origin's
// URL-string form to a list of per-connection summary strings.
func (p *ConnectionPool) GetConnectionInfo() map[string][]string {
	p.structuralMu.Lock()
	defer p.structuralMu.Unlock()

	stats := make(map[string][]string, len(p.connections))
	for origin, set := range p.connections {
		infos := make([]string, 0, set.len())
		for _, conn := range set.order {
			infos = append(infos, conn.Info())
		}
		stats[origin.String()] = infos
	}
	return stats
}

func (p *ConnectionPool) connectionsForOrigin(origin Origin) []Connection {
	p.structuralMu.Lock()
	defer p.structuralMu.Unlock()
	set, ok := p.connections[origin]
	if !ok {
		return nil
	}
	out := make([]Connection, len(set.order))
	copy(out, set.order)
	return out
}

func (p *ConnectionPool) allConnections() []Connection {
	p.structuralMu.Lock()
	defer p.structuralMu.Unlock()

	var out []Connection
	for _, set := range p.connections {
		out = append(out, set.order...)
	}
	return out
}

func (p *ConnectionPool) totalConnections() int {
	p.structuralMu.Lock()
	defer p.structuralMu.Unlock()
	n := 0
	for _, set := range p.connections {
		n += set.len()
	}
	return n
}
