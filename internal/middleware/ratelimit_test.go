package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukerupert/graphsafe/internal/apperr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit, window)
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiterAllow(t *testing.T) {
	rl, _ := newTestLimiter(LoginLimit, LoginWindow)

	for i := 0; i < 5; i++ {
		if ok, _ := rl.Allow("key"); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, retry := rl.Allow("key")
	if ok {
		t.Error("6th request should be denied")
	}
	if retry != LoginWindow {
		t.Errorf("retry = %v, want %v", retry, LoginWindow)
	}
	if ok, _ := rl.Allow("other"); !ok {
		t.Error("other keys are limited separately")
	}
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl, clock := newTestLimiter(5, 5*time.Minute)

	// Two attempts at t=0, three at t=3m.
	rl.Allow("ip")
	rl.Allow("ip")
	clock.advance(3 * time.Minute)
	for i := 0; i < 3; i++ {
		rl.Allow("ip")
	}
	if ok, _ := rl.Allow("ip"); ok {
		t.Fatal("should be blocked with 5 attempts in the window")
	}

	// At t=5m the first two slide out; a fixed window anchored at t=0 would
	// free all five here.
	clock.advance(2 * time.Minute)
	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("ip"); !ok {
			t.Fatalf("attempt %d after slide should be allowed", i+1)
		}
	}
	ok, retry := rl.Allow("ip")
	if ok {
		t.Error("third attempt after slide should be denied")
	}
	if retry != 3*time.Minute {
		t.Errorf("retry = %v, want 3m", retry)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl, clock := newTestLimiter(5, time.Minute)

	rl.Allow("expired")
	clock.advance(2 * time.Minute)
	rl.Allow("active")

	rl.Cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.entries["expired"]; ok {
		t.Error("expired entry should have been cleaned up")
	}
	if _, ok := rl.entries["active"]; !ok {
		t.Error("active entry should still exist")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newTestLimiter(2, time.Minute)
	keyFunc := PeerIP

	handler := RateLimit(rl, keyFunc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/auth/github/login", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}

	req := httptest.NewRequest("POST", "/auth/github/login", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("3rd request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	var body apperr.Body
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error != apperr.KindRateLimited {
		t.Errorf("error = %q, want %q", body.Error, apperr.KindRateLimited)
	}
}

func TestClientIP(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.1", "172.16.0.0/12"})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{"untrusted peer ignores header", "2.2.2.2", "3.3.3.3:1234", "3.3.3.3"},
		{"trusted peer", "2.2.2.2", "10.0.0.1:1234", "2.2.2.2"},
		{"client prefix ignored", "6.6.6.6, 2.2.2.2", "10.0.0.1:1234", "2.2.2.2"},
		{"trusted hops skipped", "2.2.2.2, 172.16.4.4", "10.0.0.1:1234", "2.2.2.2"},
		{"trusted peer without header", "", "172.20.0.9:1234", "172.20.0.9"},
		{"remote without port", "", "3.3.3.3", "3.3.3.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := proxies.ClientIP(req); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIPTrustsNobodyByDefault(t *testing.T) {
	var proxies TrustedProxies
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "2.2.2.2")
	if got := proxies.ClientIP(req); got != "10.0.0.1" {
		t.Errorf("ClientIP = %q, want the socket peer", got)
	}
}

func TestParseTrustedProxiesRejectsGarbage(t *testing.T) {
	for _, in := range []string{"not-an-ip", "10.0.0.0/99"} {
		if _, err := ParseTrustedProxies([]string{in}); err == nil {
			t.Errorf("ParseTrustedProxies(%q) should fail", in)
		}
	}
}

func TestRateLimitIgnoresSpoofedForwarding(t *testing.T) {
	rl, _ := newTestLimiter(5, time.Minute)
	var proxies TrustedProxies
	handler := RateLimit(rl, proxies.ClientIP)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	limited := false
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest("POST", "/auth/google/login", nil)
		req.RemoteAddr = "203.0.113.5:5000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			if i != 5 {
				t.Errorf("first denial at attempt %d, want 6", i+1)
			}
			limited = true
			break
		}
	}
	if !limited {
		t.Error("rotating X-Forwarded-For from one peer escaped the limit")
	}
}
