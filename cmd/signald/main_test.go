package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func TestHealthHandler_ReturnsOK(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	healthHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := rec.Body.String(); body != "ok" {
		t.Fatalf("body = %q, want %q", body, "ok")
	}
}

func TestHealthHandler_AllMethods(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodPost} {
		req := httptest.NewRequest(method, "/health", nil)
		rec := httptest.NewRecorder()

		healthHandler(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s /health status = %d, want %d", method, rec.Code, http.StatusOK)
		}
	}
}

func TestServe_GracefulShutdown(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- serve(ctx, addr, "test-secret")
	}()

	waitForServer(t, addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("health body = %q, want %q", body, "ok")
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve returned error after shutdown: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not return after context cancel")
	}
}

func TestServe_ListenError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := serve(ctx, "256.256.256.256:0", "test-secret")
	if err == nil {
		t.Fatal("expected error for unusable listen address")
	}
	if !strings.Contains(err.Error(), "server failed") {
		t.Fatalf("error = %v, want it wrapped as server failure", err)
	}
}

func TestRun_MissingSecret(t *testing.T) {
	t.Setenv("RINGLINE_RELAY_SECRET", "")
	origArgs := os.Args
	os.Args = []string{"ringline-signald"}
	defer func() { os.Args = origArgs }()

	err := run()
	if err == nil {
		t.Fatal("expected error when no secret is configured")
	}
	if !strings.Contains(err.Error(), "relay secret is required") {
		t.Fatalf("error = %v, want missing-secret message", err)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server at %s did not start in time", addr)
}
