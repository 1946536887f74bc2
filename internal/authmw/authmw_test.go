package authmw

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func serve(h http.Handler, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, "/api/v1/partitions/4", http.NoBody)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	h := BearerToken("secret-token-123")(okHandler)

	tests := []struct {
		name string
		auth string
		want int
	}{
		{"valid", "Bearer secret-token-123", http.StatusOK},
		{"lowercase scheme", "bearer secret-token-123", http.StatusOK},
		{"padded credential", "Bearer  secret-token-123 ", http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"no scheme", "secret-token-123", http.StatusUnauthorized},
		{"empty credential", "Bearer ", http.StatusUnauthorized},
		{"wrong token", "Bearer wrong-token", http.StatusUnauthorized},
		{"prefix of token", "Bearer secret", http.StatusUnauthorized},
		{"token with suffix", "Bearer secret-token-123-extra", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := serve(h, tt.auth); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestBearerToken_Rotation(t *testing.T) {
	t.Parallel()

	h := BearerToken("old", "new")(okHandler)
	for _, tok := range []string{"old", "new"} {
		if rec := serve(h, "Bearer "+tok); rec.Code != http.StatusOK {
			t.Errorf("token %q: status = %d, want 200", tok, rec.Code)
		}
	}
	if rec := serve(h, "Bearer other"); rec.Code != http.StatusUnauthorized {
		t.Errorf("unknown token: status = %d, want 401", rec.Code)
	}
}

func TestBearerToken_EmptyTokenNeverMatches(t *testing.T) {
	t.Parallel()

	h := BearerToken("")(okHandler)
	if rec := serve(h, "Bearer x"); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestBearerToken_DenyBody(t *testing.T) {
	t.Parallel()

	rec := serve(BearerToken("tok")(okHandler), "Bearer nope")
	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="winnow"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "unauthorized" || body["error"] != "invalid token" {
		t.Errorf("body = %v", body)
	}
}

func TestBearerToken_PassesRequestThrough(t *testing.T) {
	t.Parallel()

	var called bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
	})

	rec := serve(BearerToken("tok")(inner), "Bearer tok")
	if !called {
		t.Error("inner handler was not called")
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
}
