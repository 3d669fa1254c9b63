package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func tokenServer(t *testing.T, handler http.HandlerFunc) *TokenClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewTokenClient(srv.URL)
}

func TestGetToken(t *testing.T) {
	expiry := time.Now().Add(time.Hour).Unix()
	c := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/accounts/gmail/bob@example.com/token" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"at","refresh_token":"rt","expires_at":%d}`, expiry)
	})

	tok, err := c.GetToken(context.Background(), "bob@example.com", "gmail")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" {
		t.Errorf("token = %+v", tok)
	}
	if !tok.Expiry.Equal(time.Unix(expiry, 0)) {
		t.Errorf("expiry = %v", tok.Expiry)
	}
}

func TestGetTokenFailureClasses(t *testing.T) {
	tests := []struct {
		name             string
		status           int
		wantNotConnected bool
	}{
		{"missing account", http.StatusNotFound, true},
		{"rejected credentials", http.StatusUnauthorized, true},
		{"forbidden", http.StatusForbidden, true},
		// Service trouble is not a credential problem.
		{"server error", http.StatusInternalServerError, false},
		{"bad gateway", http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})

			_, err := c.GetToken(context.Background(), "bob@example.com", "gmail")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrNotConnected); got != tt.wantNotConnected {
				t.Errorf("ErrNotConnected = %v, want %v (err: %v)", got, tt.wantNotConnected, err)
			}
		})
	}
}
