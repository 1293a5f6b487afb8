package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

func setupRateLimiter(t *testing.T, maxReqs, windowSec int) (http.Handler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rl := NewRateLimiter(client, maxReqs, windowSec)
	r := chi.NewRouter()
	r.With(rl.Middleware).Post("/api/v1/agents/{agentName}/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r, mr
}

func post(h http.Handler, agent, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/v1/agents/"+agent+"/sessions", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	h, _ := setupRateLimiter(t, 5, 60)

	for i := 0; i < 5; i++ {
		rec := post(h, "csv_agent", "192.168.1.1:12345")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got, want := rec.Header().Get("X-RateLimit-Remaining"), strconv.Itoa(4-i); got != want {
			t.Fatalf("request %d: expected remaining %s, got %s", i+1, want, got)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	h, _ := setupRateLimiter(t, 3, 60)

	for i := 0; i < 3; i++ {
		if rec := post(h, "csv_agent", "10.0.0.1:12345"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	// 4th request should be blocked
	rec := post(h, "csv_agent", "10.0.0.1:12345")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After: 60, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected X-RateLimit-Remaining: 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON body, got content type %q", ct)
	}
}

func TestRateLimiter_AgentsAndIPsIndependent(t *testing.T) {
	h, _ := setupRateLimiter(t, 2, 60)

	for i := 0; i < 2; i++ {
		post(h, "csv_agent", "1.1.1.1:1")
	}

	if rec := post(h, "csv_agent", "2.2.2.2:1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for different IP, got %d", rec.Code)
	}
	if rec := post(h, "rag_agent", "1.1.1.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for different agent, got %d", rec.Code)
	}
}

func TestRateLimiter_ForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "5.5.5.5, 10.0.0.1")
	if ip := clientIP(req); ip != "5.5.5.5" {
		t.Fatalf("expected 5.5.5.5, got %q", ip)
	}
}

func TestRateLimiter_FailsOpenOnRedisError(t *testing.T) {
	h, mr := setupRateLimiter(t, 1, 60)
	mr.Close() // kill Redis

	if rec := post(h, "csv_agent", "3.3.3.3:1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on Redis failure (fail-open), got %d", rec.Code)
	}
}
