package hmacauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/escrows/abc", nil)
	if err := Sign(req, "secret", now); err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := httptest.NewRecorder()

	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	v.Middleware(handler).ServeHTTP(rec, req)

	if !called {
		t.Fatalf("handler was not called")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMiddleware_BodyIsReadable(t *testing.T) {
	body := `{"hello":"world"}`
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodPost, "/admin/sweep", strings.NewReader(body))
	if err := Sign(req, "secret", now); err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := httptest.NewRecorder()

	var got string
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
	})).ServeHTTP(rec, req)

	if got != body {
		t.Fatalf("handler saw body %q, want %q", got, body)
	}
}

func TestMiddleware_AcceptsHandComputedSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("1700000000" + "POST" + "/admin/escrows/abc" + `{"a":1}`))

	req := httptest.NewRequest(http.MethodPost, "/admin/escrows/abc?verbose=1", strings.NewReader(`{"a":1}`))
	req.Header.Set(HeaderTimestamp, "1700000000")
	req.Header.Set(HeaderSignature, strings.ToUpper(hex.EncodeToString(mac.Sum(nil))))

	if err := v.verify(req); err != nil {
		t.Fatalf("expected the documented layout to verify, got %v", err)
	}
}

func TestMiddleware_RejectsInvalidSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/escrows/abc", nil)
	req.Header.Set(HeaderSignature, "deadbeef")
	req.Header.Set(HeaderTimestamp, ts)
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_SignatureBindsPath(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}

	signed := httptest.NewRequest(http.MethodGet, "/admin/escrows/abc", nil)
	if err := Sign(signed, "secret", now); err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/admin/escrows/xyz", nil)
	req.Header = signed.Header.Clone()

	if err := v.verify(req); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodGet, "/admin/escrows/abc", nil)
	if err := Sign(req, "secret", now.Add(-2*time.Minute)); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := v.verify(req); err != ErrStaleTimestamp {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}

	req.Header.Del(HeaderTimestamp)
	if err := v.verify(req); err != ErrMissingTimestamp {
		t.Fatalf("expected ErrMissingTimestamp, got %v", err)
	}
	req.Header.Del(HeaderSignature)
	if err := v.verify(req); err != ErrMissingSignature {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
}

func TestMiddleware_EmptySecretDisablesCheck(t *testing.T) {
	v := &Verifier{}
	req := httptest.NewRequest(http.MethodGet, "/admin/escrows/abc", nil)
	if err := v.verify(req); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
