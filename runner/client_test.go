package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/echo" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var in map[string]int
		json.NewDecoder(r.Body).Decode(&in)
		json.NewEncoder(w).Encode(map[string]int{"doubled": in["n"] * 2})
	}))
	defer srv.Close()

	var out struct {
		Doubled int `json:"doubled"`
	}
	c := New(srv.URL+"/", nil)
	if err := c.Do(context.Background(), http.MethodPost, "/v1/echo", map[string]int{"n": 21}, &out); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out.Doubled != 42 {
		t.Errorf("doubled = %d", out.Doubled)
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"json error field", 500, `{"error":"CUDA out of memory"}`, "CUDA out of memory"},
		{"fastapi detail", 422, `{"detail":"bad lora"}`, "bad lora"},
		{"plain text", 502, "upstream died", "upstream died"},
		{"empty body", 503, "", "Service Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := New(srv.URL, nil).Do(context.Background(), http.MethodGet, "/x", nil, nil)
			var rerr *Error
			if !errors.As(err, &rerr) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if rerr.Status != tt.status || rerr.Message != tt.wantMsg {
				t.Errorf("got %d %q, want %d %q", rerr.Status, rerr.Message, tt.status, tt.wantMsg)
			}
		})
	}
}

func TestClient_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, nil).Health(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestClient_WaitReady(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "loading"
		if calls.Add(1) >= 3 {
			status = "ok"
		}
		json.NewEncoder(w).Encode(Health{Status: status})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := New(srv.URL, nil).WaitReady(ctx, 10*time.Millisecond); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if calls.Load() < 3 {
		t.Errorf("calls = %d", calls.Load())
	}
}

func TestClient_WaitReady_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Health{Status: "loading"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := New(srv.URL, nil).WaitReady(ctx, 10*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
