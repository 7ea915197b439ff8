package opsserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wisbric/triad/internal/telemetry"
	"github.com/wisbric/triad/pkg/authority"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthz(t *testing.T) {
	a := authority.New(authority.Config{ThisAuthority: "triad-authority"}, nil)
	s := NewServer(slog.Default(), a, nil, telemetry.NewMetricsRegistry(), []string{"*"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadyzWithoutReplica(t *testing.T) {
	a := authority.New(authority.Config{ThisAuthority: "triad-authority"}, nil)
	s := NewServer(slog.Default(), a, nil, telemetry.NewMetricsRegistry(), []string{"*"})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadyzReportsUnreadyReplica(t *testing.T) {
	a := authority.New(authority.Config{ThisAuthority: "triad-authority"}, nil)
	s := NewServer(slog.Default(), a, fakePinger{err: errors.New("connection refused")}, telemetry.NewMetricsRegistry(), []string{"*"})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	a := authority.New(authority.Config{ThisAuthority: "triad-authority"}, nil)
	s := NewServer(slog.Default(), a, nil, telemetry.NewMetricsRegistry(), []string{"*"})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
