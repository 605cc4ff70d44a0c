package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func testRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    2,
		AuthRate:        0.1,
		AuthBurst:       1,
		CleanupInterval: time.Minute,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func userRequest(userID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	if userID != "" {
		req = req.WithContext(ContextWithUserID(req.Context(), userID))
	}
	return req
}

func ipRequest(method, remoteAddr string) *http.Request {
	req := httptest.NewRequest(method, "/api/auth/sign-in", nil)
	req.RemoteAddr = remoteAddr
	return req
}

// --- RateLimitMiddleware (API全般) のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.GeneralBurst = 5
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handlerCallCount := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, userRequest("user-1"))
		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, userRequest("user-1"))
		if w.Result().StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, userRequest("user-1"))

	resp := w.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After = %q, want positive integer", resp.Header.Get("Retry-After"))
	}
}

func TestRateLimitMiddleware_429ResponseIsJSON(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.GeneralBurst = 1
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), userRequest("user-json-test"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, userRequest("user-json-test"))

	resp := w.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q, want %q", body.Code, "RATE_LIMIT_EXCEEDED")
	}
	if body.Category != "system" {
		t.Errorf("category = %q, want %q", body.Category, "system")
	}
}

func TestRateLimitMiddleware_IsolatesClients(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	// user-1のバーストを使い切る
	for i := 0; i < 3; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), userRequest("user-1"))
	}

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"exhausted user", userRequest("user-1"), http.StatusTooManyRequests},
		{"other user", userRequest("user-2"), http.StatusOK},
		{"anonymous by IP", ipRequest(http.MethodGet, "198.51.100.7:5000"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, tt.req)
			if w.Result().StatusCode != tt.want {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, tt.want)
			}
		})
	}
}

func TestRateLimitMiddleware_AnonymousKeyedByIP(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), ipRequest(http.MethodGet, "203.0.113.1:1111"))
	}

	// 同一IPはポートが異なっても同じリミッター
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, ipRequest(http.MethodGet, "203.0.113.1:2222"))
	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusTooManyRequests)
	}
}

// --- AuthMiddleware のテスト ---

func TestAuthRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	authHandler := rl.AuthMiddleware()(okHandler())
	generalHandler := rl.GeneralMiddleware()(okHandler())

	w := httptest.NewRecorder()
	authHandler.ServeHTTP(w, ipRequest(http.MethodPost, "192.0.2.10:4000"))
	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("first auth request: status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	w = httptest.NewRecorder()
	authHandler.ServeHTTP(w, ipRequest(http.MethodPost, "192.0.2.10:4000"))
	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second auth request: status = %d, want %d", w.Result().StatusCode, http.StatusTooManyRequests)
	}
	if got := w.Result().Header.Get("Retry-After"); got != "10" {
		t.Errorf("Retry-After = %q, want %q", got, "10")
	}

	// 認証操作の制限はAPI全般に影響しない
	w = httptest.NewRecorder()
	generalHandler.ServeHTTP(w, ipRequest(http.MethodGet, "192.0.2.10:4000"))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("general request: status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	if rl.AuthLimiterCount() != 1 || rl.GeneralLimiterCount() != 1 {
		t.Errorf("limiter counts = (auth %d, general %d), want (1, 1)", rl.AuthLimiterCount(), rl.GeneralLimiterCount())
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.CleanupInterval = 50 * time.Millisecond // テスト用に短く

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), userRequest("user-cleanup"))
	rl.AuthMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), ipRequest(http.MethodPost, "192.0.2.1:1"))

	if rl.GeneralLimiterCount() == 0 || rl.AuthLimiterCount() == 0 {
		t.Fatal("expected limiter entries")
	}

	// エントリのTTLはCleanupIntervalの2倍（100ms）
	time.Sleep(250 * time.Millisecond)

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("expected 0 general entries after cleanup, got %d", count)
	}
	if count := rl.AuthLimiterCount(); count != 0 {
		t.Errorf("expected 0 auth entries after cleanup, got %d", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.0.2.1:1234", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if got := ClientIP(req); got != tt.want {
			t.Errorf("ClientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}

// --- デフォルト設定値のテスト ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 { // 120/60 = 2
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.AuthRate == 0 {
		t.Error("AuthRate should not be 0")
	}
	if cfg.AuthBurst != 10 {
		t.Errorf("AuthBurst = %d, want 10", cfg.AuthBurst)
	}
}
