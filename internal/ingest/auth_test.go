package ingest

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHashToken(t *testing.T) {
	// Known SHA-256 vector.
	const want = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	if got := HashToken("test"); got != want {
		t.Errorf("HashToken(test) = %s, want %s", got, want)
	}
	if HashToken("a") == HashToken("b") {
		t.Error("distinct tokens hash equal")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantToken  string
		wantDetail string
	}{
		{"valid", "Bearer secret-token", "secret-token", ""},
		{"missing", "", "", "Missing Authorization header"},
		{"basic scheme", "Basic dXNlcjpwdw==", "", "Invalid authorization scheme"},
		{"lowercase scheme", "bearer secret-token", "", "Invalid authorization scheme"},
		{"empty token", "Bearer ", "", "Empty token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			token, detail := bearerToken(req)
			if token != tt.wantToken || detail != tt.wantDetail {
				t.Errorf("bearerToken() = (%q, %q), want (%q, %q)",
					token, detail, tt.wantToken, tt.wantDetail)
			}
		})
	}
}

func TestTokenPrefix(t *testing.T) {
	if got := tokenPrefix("abc"); got != "abc" {
		t.Errorf("tokenPrefix(abc) = %q", got)
	}
	if got := tokenPrefix("0123456789abcdef"); got != "01234567" {
		t.Errorf("tokenPrefix long = %q, want first 8 chars", got)
	}
}
