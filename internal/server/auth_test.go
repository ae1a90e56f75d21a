package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mohammad-safakhou/autoresearch/internal/guard"
	"github.com/mohammad-safakhou/autoresearch/internal/queue"
)

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	secret := []byte("s3cret")
	q := &fakeQueue{views: map[string]queue.StatusView{"j": {Status: "pending"}}}
	e := New(Deps{Queue: q, Guard: guard.New(time.Hour), Retriever: &fakeRetriever{}, JWTSecret: secret})

	if rec := do(t, e, http.MethodGet, "/research/j", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := do(t, e, http.MethodGet, "/images?q=x", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on listing without token, got %d", rec.Code)
	}
	if rec := do(t, e, http.MethodGet, "/ratelimit", ""); rec.Code != http.StatusOK {
		t.Fatalf("ratelimit must stay public, got %d", rec.Code)
	}

	tok, err := SignToken("tester", secret, time.Hour)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/research/j", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthRejectsBadTokens(t *testing.T) {
	secret := []byte("s3cret")
	e := New(Deps{Queue: &fakeQueue{}, JWTSecret: secret})

	expired, _ := SignToken("tester", secret, -time.Minute)
	wrongKey, _ := SignToken("tester", []byte("other"), time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, tok := range map[string]string{"expired": expired, "wrong key": wrongKey, "alg none": none} {
		req := httptest.NewRequest(http.MethodPost, "/research", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}
