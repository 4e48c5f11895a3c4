package main

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/httppool/pool"
)

// proxyHandler forwards incoming requests through the pool's connection
// pool to an upstream origin, demonstrating the pool serving real traffic.
// Target URLs are taken from the request path after /proxy/, e.g.
// GET /proxy/https://example.com/status forwards to https://example.com/status.
//
// Unauthenticated and unallowlisted by design: it is a demo surface for
// exercising the pool, not something to expose beyond local testing.
type proxyHandler struct {
	logger zerolog.Logger
	pool   *pool.ConnectionPool
}

func newProxyHandler(logger zerolog.Logger, p *pool.ConnectionPool) *proxyHandler {
	return &proxyHandler{logger: logger, pool: p}
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimPrefix(r.URL.Path, "/proxy/")
	if target == "" {
		h.writeError(w, http.StatusBadRequest, "missing proxy target")
		return
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	u, err := url.Parse(target)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid target url: "+err.Error())
		return
	}

	start := time.Now()
	resp, err := h.pool.Request(r.Context(), r.Method, u, &pool.Request{
		Method:  r.Method,
		URL:     u,
		Headers: r.Header.Clone(),
		Body:    r.Body,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("target", target).Msg("pool request failed")
		h.writeError(w, http.StatusBadGateway, "upstream error: "+err.Error())
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	h.logger.Debug().
		Str("target", target).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("proxied request")
}

func (h *proxyHandler) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
