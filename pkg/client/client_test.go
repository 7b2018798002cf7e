package client

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudtree/cloudtree/pkg/retry"
)

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := New(Config{
		BaseURL:   ts.URL + "/",
		AuthToken: "secret-token",
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
	})
	return c, ts
}

func TestFetch_Success(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("path")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"objects": []map[string]any{{"path": "/Users/me", "object_type": "DIRECTORY"}},
		})
	}))
	defer ts.Close()

	var out struct {
		Objects []struct {
			Path       string `json:"path"`
			ObjectType string `json:"object_type"`
		} `json:"objects"`
	}
	err := c.Fetch(context.Background(), "/api/2.0/workspace/list", url.Values{"path": {"/Users"}}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	if gotPath != "/api/2.0/workspace/list" {
		t.Errorf("unexpected request path %q", gotPath)
	}
	if gotQuery != "/Users" {
		t.Errorf("expected path param /Users, got %q", gotQuery)
	}
	if len(out.Objects) != 1 || out.Objects[0].Path != "/Users/me" {
		t.Errorf("unexpected decoded body: %+v", out)
	}
	if !c.IsOnline() {
		t.Error("client should be online after success")
	}
}

func TestFetch_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error_code": "RESOURCE_DOES_NOT_EXIST",
			"message":    "Path (/nope) doesn't exist.",
		})
	}))
	defer ts.Close()

	err := c.Fetch(context.Background(), "api/2.0/workspace/list", nil, nil)
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	se, ok := AsStatus(err)
	if !ok || se.ErrorCode != "RESOURCE_DOES_NOT_EXIST" {
		t.Errorf("expected error code to be parsed, got %+v", se)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestFetch_ServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]int{"n": 7})
	}))
	defer ts.Close()

	var out struct{ N int }
	if err := c.Fetch(context.Background(), "x", nil, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.N != 7 {
		t.Errorf("expected 7, got %d", out.N)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestFetch_PersistentFailureMarksOffline(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	err := c.Fetch(context.Background(), "x", nil, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if c.IsOnline() {
		t.Error("client should be offline after repeated 503")
	}
}

func TestFetch_NestedErrorShape(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"PowerBINotAuthorizedException","message":"denied"}}`))
	}))
	defer ts.Close()

	err := c.Fetch(context.Background(), "v1.0/myorg/groups", nil, nil)
	se, ok := AsStatus(err)
	if !ok {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusForbidden || se.ErrorCode != "PowerBINotAuthorizedException" || se.Message != "denied" {
		t.Errorf("unexpected status error: %+v", se)
	}
}

func TestFetch_Gzip(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		json.NewEncoder(gw).Encode(map[string]string{"name": "zipped"})
		gw.Close()
	}))
	defer ts.Close()

	var out struct{ Name string }
	if err := c.Fetch(context.Background(), "x", nil, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Name != "zipped" {
		t.Errorf("expected zipped, got %q", out.Name)
	}
}

func TestPost_SendsJSONBody(t *testing.T) {
	var got map[string]any
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	body := map[string]any{"queries": []map[string]string{{"query": "EVALUATE INFO.TABLES()"}}}
	if err := c.Post(context.Background(), "query", body, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := got["queries"]; !ok {
		t.Errorf("server did not receive body: %v", got)
	}
}

func TestRetryAfter(t *testing.T) {
	if got := retryAfter("3"); got != 3*time.Second {
		t.Errorf("retryAfter(3) = %v", got)
	}
	if got := retryAfter(""); got != 0 {
		t.Errorf("retryAfter(\"\") = %v", got)
	}
	if got := retryAfter("garbage"); got != 0 {
		t.Errorf("retryAfter(garbage) = %v", got)
	}
}
