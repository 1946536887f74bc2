// Package authmw gates mutating API routes behind a static bearer credential.
package authmw

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

const scheme = "bearer"

// BearerToken returns middleware that admits requests whose Authorization
// header carries one of tokens. Listing more than one lets an operator rotate
// the credential without downtime. Empty tokens never match. Comparison is
// constant time.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	expected := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if t != "" {
			expected = append(expected, []byte(t))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				deny(w, "missing or malformed authorization header")
				return
			}

			match := 0
			for _, e := range expected {
				// no early exit so timing does not reveal which token matched
				match |= subtle.ConstantTimeCompare(got, e)
			}
			if match != 1 {
				deny(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearer extracts the credential from an Authorization header. The scheme is
// matched case-insensitively.
func bearer(header string) ([]byte, bool) {
	s, cred, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(s, scheme) {
		return nil, false
	}
	cred = strings.TrimSpace(cred)
	if cred == "" {
		return nil, false
	}
	return []byte(cred), true
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="winnow"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "unauthorized"})
}
