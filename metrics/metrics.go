// Package metrics provides a minimal Prometheus-compatible registry for the
// connection pool, following the gateway's observability package: plain
// atomic counters and gauges rather than a full client library, exposed
// through a hand-rolled text-exposition handler.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/AlfredDev/httppool/pool"
)

// Counter is a monotonically increasing value.
type Counter struct {
	value int64
}

func (c *Counter) Inc()         { atomic.AddInt64(&c.value, 1) }
func (c *Counter) Add(n int64)  { atomic.AddInt64(&c.value, n) }
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.value) }

// Gauge is a value that can go up and down.
type Gauge struct {
	value int64
}

func (g *Gauge) Set(v int64)   { atomic.StoreInt64(&g.value, v) }
func (g *Gauge) Inc()          { atomic.AddInt64(&g.value, 1) }
func (g *Gauge) Dec()          { atomic.AddInt64(&g.value, -1) }
func (g *Gauge) Value() int64  { return atomic.LoadInt64(&g.value) }

// Registry is the pool's metrics registry. Unlike the gateway's registry it
// has no per-request label cardinality concerns, so counters and gauges are
// named fields rather than a dynamic label-keyed map.
type Registry struct {
	ConnectionsDialed      Counter
	ConnectionsReused      Counter
	ConnectionsCoalesced   Counter
	ConnectionsClosed      Counter
	PoolTimeouts           Counter
	KeepaliveSweepsRun     Counter
	EvictionsKeepaliveMax  Counter
	EvictionsSweepExpired  Counter
	EvictionsDroppedIdle   Counter

	OpenConnections Gauge
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Handler serves the registry in Prometheus text exposition format.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		counters := map[string]*Counter{
			"httppool_connections_dialed_total":     &r.ConnectionsDialed,
			"httppool_connections_reused_total":     &r.ConnectionsReused,
			"httppool_connections_coalesced_total":  &r.ConnectionsCoalesced,
			"httppool_connections_closed_total":     &r.ConnectionsClosed,
			"httppool_pool_timeouts_total":          &r.PoolTimeouts,
			"httppool_keepalive_sweeps_total":       &r.KeepaliveSweepsRun,
			"httppool_evictions_max_keepalive_total": &r.EvictionsKeepaliveMax,
			"httppool_evictions_sweep_expired_total": &r.EvictionsSweepExpired,
			"httppool_evictions_dropped_idle_total":  &r.EvictionsDroppedIdle,
		}

		names := make([]string, 0, len(counters))
		for name := range counters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sb.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
			sb.WriteString(fmt.Sprintf("%s %d\n", name, counters[name].Value()))
		}

		sb.WriteString("# TYPE httppool_open_connections gauge\n")
		sb.WriteString(fmt.Sprintf("httppool_open_connections %d\n", r.OpenConnections.Value()))

		_, _ = w.Write([]byte(sb.String()))
	}
}

// Snapshot is a point-in-time view of the registry suitable for JSON
// encoding, used by the snapshot publisher.
type Snapshot struct {
	ConnectionsDialed     int64 `json:"connections_dialed"`
	ConnectionsReused     int64 `json:"connections_reused"`
	ConnectionsCoalesced  int64 `json:"connections_coalesced"`
	ConnectionsClosed     int64 `json:"connections_closed"`
	PoolTimeouts          int64 `json:"pool_timeouts"`
	KeepaliveSweepsRun    int64 `json:"keepalive_sweeps_run"`
	EvictionsKeepaliveMax int64 `json:"evictions_keepalive_max"`
	EvictionsSweepExpired int64 `json:"evictions_sweep_expired"`
	EvictionsDroppedIdle  int64 `json:"evictions_dropped_idle"`
	OpenConnections       int64 `json:"open_connections"`
}

// Registry implements pool.Hooks so it can be wired directly into
// pool.Config.Metrics.
var _ pool.Hooks = (*Registry)(nil)

func (r *Registry) OnDial()              { r.ConnectionsDialed.Inc() }
func (r *Registry) OnReuse()             { r.ConnectionsReused.Inc() }
func (r *Registry) OnCoalesce()          { r.ConnectionsCoalesced.Inc() }
func (r *Registry) OnClose()             { r.ConnectionsClosed.Inc() }
func (r *Registry) OnPoolTimeout()       { r.PoolTimeouts.Inc() }
func (r *Registry) OnKeepaliveSweep()    { r.KeepaliveSweepsRun.Inc() }
func (r *Registry) OnEvictMaxKeepalive() { r.EvictionsKeepaliveMax.Inc() }
func (r *Registry) OnEvictSweepExpired() { r.EvictionsSweepExpired.Inc() }
func (r *Registry) OnEvictDroppedIdle()  { r.EvictionsDroppedIdle.Inc() }
func (r *Registry) SetOpenConnections(n int) { r.OpenConnections.Set(int64(n)) }

func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		ConnectionsDialed:     r.ConnectionsDialed.Value(),
		ConnectionsReused:     r.ConnectionsReused.Value(),
		ConnectionsCoalesced:  r.ConnectionsCoalesced.Value(),
		ConnectionsClosed:     r.ConnectionsClosed.Value(),
		PoolTimeouts:          r.PoolTimeouts.Value(),
		KeepaliveSweepsRun:    r.KeepaliveSweepsRun.Value(),
		EvictionsKeepaliveMax: r.EvictionsKeepaliveMax.Value(),
		EvictionsSweepExpired: r.EvictionsSweepExpired.Value(),
		EvictionsDroppedIdle:  r.EvictionsDroppedIdle.Value(),
		OpenConnections:       r.OpenConnections.Value(),
	}
}
