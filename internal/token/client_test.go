package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchParsesCredential(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":     "aaaa.bbbb.cccc",
			"room_name": "r1",
			"user_id":   "u1",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Hour)
	tok, err := c.Fetch(context.Background(), "u1", "r1", "Ada")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if tok.Value != "aaaa.bbbb.cccc" {
		t.Fatalf("token value = %q", tok.Value)
	}
	if tok.RoomName != "r1" || tok.UserID != "u1" {
		t.Fatalf("token scope = %q/%q, want r1/u1", tok.RoomName, tok.UserID)
	}
	if gotBody["can_publish"] != true || gotBody["can_subscribe"] != true {
		t.Fatalf("grant flags missing from request body: %v", gotBody)
	}
	if gotBody["ttl"] != float64(3600) {
		t.Fatalf("ttl = %v, want 3600", gotBody["ttl"])
	}
}

func TestFetchRejectsMissingCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"room_name": "r1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Hour)
	_, err := c.Fetch(context.Background(), "u1", "r1", "Ada")
	var tokenErr *Error
	if !errors.As(err, &tokenErr) {
		t.Fatalf("Fetch() error = %v, want *token.Error", err)
	}
}

func TestFetchRejectsMalformedCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "not-a-jwt"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Hour)
	if _, err := c.Fetch(context.Background(), "u1", "r1", "Ada"); err == nil {
		t.Fatalf("Fetch() expected error for malformed credential")
	}
}

func TestFetchClassifiesRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Hour)
	_, err := c.Fetch(context.Background(), "u1", "r1", "Ada")
	var tokenErr *Error
	if !errors.As(err, &tokenErr) {
		t.Fatalf("Fetch() error = %v, want *token.Error", err)
	}
	if !tokenErr.Retryable {
		t.Fatalf("status 503 should be retryable")
	}
	if tokenErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", tokenErr.Status)
	}
}

func TestRedactKeepsPrefixOnly(t *testing.T) {
	if got := Redact("aaaa.bbbb.cccc"); got != "aaaa.bbb..." {
		t.Fatalf("Redact() = %q", got)
	}
	if got := Redact("short"); got != "***" {
		t.Fatalf("Redact(short) = %q", got)
	}
}
