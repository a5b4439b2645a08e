package preview

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPFetcher(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.jpg":
			_, _ = w.Write([]byte("jpeg-bytes"))
		case "/big.jpg":
			_, _ = w.Write(make([]byte, 64))
		case "/boom.jpg":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Config{MaxBytes: 32})
	ctx := context.Background()

	b, err := f.Fetch(ctx, srv.URL+"/ok.jpg")
	if err != nil {
		t.Fatalf("Fetch ok: %v", err)
	}
	if string(b) != "jpeg-bytes" {
		t.Fatalf("body = %q", b)
	}

	if _, err := f.Fetch(ctx, srv.URL+"/missing.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: err = %v, want ErrNotFound", err)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/boom.jpg"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("502: err = %v, want non-404 error", err)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/big.jpg"); err == nil {
		t.Fatal("oversized body should fail")
	}
}
