package transport_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/AlfredDev/httppool/pool"
	"github.com/AlfredDev/httppool/transport"
)

func TestHTTPConnectionRoundTripsAndReturnsToIdle(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	origin, err := pool.OriginFromURL(u)
	if err != nil {
		t.Fatalf("origin: %v", err)
	}

	dial := transport.NewDialer(transport.DefaultConfig())
	conn := dial(origin, false)
	defer conn.Close()

	if conn.State() != pool.StatePending {
		t.Fatalf("expected freshly dialed connection to start Pending, got %s", conn.State())
	}

	resp, err := conn.Request(context.Background(), &pool.Request{Method: "GET", URL: u})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if conn.State() != pool.StateActive {
		t.Fatalf("expected Active while body unread, got %s", conn.State())
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", body)
	}
	if err := resp.Body.Close(); err != nil {
		t.Fatalf("close body: %v", err)
	}

	if conn.State() != pool.StateIdle {
		t.Fatalf("expected Idle after body close, got %s", conn.State())
	}
	if conn.IsHTTP2() {
		t.Fatal("expected plaintext http server to not negotiate h2")
	}
	if !conn.IsHTTP11() {
		t.Fatal("expected connection to report as HTTP/1.1")
	}

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly one server hit, got %d", hits)
	}
}

func TestHTTPConnectionSerialReuseOverSameClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	origin, _ := pool.OriginFromURL(u)

	dial := transport.NewDialer(transport.DefaultConfig())
	conn := dial(origin, false)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		resp, err := conn.Request(context.Background(), &pool.Request{Method: "GET", URL: u})
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if err := resp.Body.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
		if conn.State() != pool.StateIdle {
			t.Fatalf("expected Idle after request %d, got %s", i, conn.State())
		}
	}
}

func TestHTTPConnectionNegotiatesHTTP2OverTLS(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	origin, err := pool.OriginFromURL(u)
	if err != nil {
		t.Fatalf("origin: %v", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())

	cfg := transport.DefaultConfig()
	cfg.TLSClientConfig = &tls.Config{RootCAs: roots}

	dial := transport.NewDialer(cfg)
	conn := dial(origin, true)
	defer conn.Close()

	if conn.IsHTTP2() {
		t.Fatal("expected a freshly dialed connection to not yet report h2")
	}

	resp, err := conn.Request(context.Background(), &pool.Request{Method: "GET", URL: u})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := resp.Body.Close(); err != nil {
		t.Fatalf("close body: %v", err)
	}

	if !conn.IsHTTP2() {
		t.Fatal("expected the connection to negotiate h2 over TLS via GotConn's ALPN check")
	}
	if conn.IsHTTP11() {
		t.Fatal("expected an h2-negotiated connection to not report as HTTP/1.1")
	}
}

func TestHTTPConnectionRequestErrorMarksDropped(t *testing.T) {
	u, _ := url.Parse("http://127.0.0.1:1") // nothing listens here
	origin, _ := pool.OriginFromURL(u)

	dial := transport.NewDialer(transport.DefaultConfig())
	conn := dial(origin, false)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := conn.Request(ctx, &pool.Request{Method: "GET", URL: u})
	if err == nil {
		t.Fatal("expected an error against a cancelled context")
	}
	if !conn.IsConnectionDropped() {
		t.Fatal("expected IsConnectionDropped to report true after a failed request")
	}
}
