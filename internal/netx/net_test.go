package netx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDo(t *testing.T) {
	t.Run("success with json body and headers", func(t *testing.T) {
		var gotBody, gotCT, gotMethod, gotKey string

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotCT = r.Header.Get("Content-Type")
			gotKey = r.Header.Get("apikey")
			body, _ := io.ReadAll(r.Body)
			_ = r.Body.Close()
			gotBody = string(body)
			_, _ = w.Write([]byte(`[{"id":"1"}]`))
		}))
		defer ts.Close()

		h := http.Header{}
		h.Set("apikey", "k")
		out, err := Do(context.Background(), ts.Client(), Request{
			Method: http.MethodPost,
			URL:    ts.URL + "/rest/v1/groups",
			Header: h,
			Body:   map[string]string{"name": "Smiths"},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotMethod != http.MethodPost {
			t.Fatalf("method = %q, want POST", gotMethod)
		}
		if gotCT != "application/json" {
			t.Fatalf("Content-Type = %q, want application/json", gotCT)
		}
		if gotKey != "k" {
			t.Fatalf("apikey = %q, want k", gotKey)
		}
		if gotBody != `{"name":"Smiths"}` {
			t.Fatalf("body = %q", gotBody)
		}
		if string(out) != `[{"id":"1"}]` {
			t.Fatalf("out = %q", string(out))
		}
	})

	t.Run("non-2xx -> StatusError", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		}))
		defer ts.Close()

		_, err := Do(context.Background(), nil, Request{Method: http.MethodGet, URL: ts.URL})
		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("expected StatusError, got %v", err)
		}
		if se.Status != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", se.Status)
		}
		if !strings.Contains(string(se.Body), "nope") {
			t.Fatalf("body = %q", string(se.Body))
		}
	})

	t.Run("network error", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		ts.Close()

		_, err := Do(context.Background(), nil, Request{Method: http.MethodGet, URL: ts.URL})
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		var se *StatusError
		if errors.As(err, &se) {
			t.Fatalf("got wrong kind of error: %v", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer ts.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Do(ctx, nil, Request{Method: http.MethodGet, URL: ts.URL})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}
