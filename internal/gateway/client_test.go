package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecommendedShards(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gateway/bot" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"wss://gateway.example","shards":6,"session_start_limit":{"total":1000,"remaining":999,"reset_after":0,"max_concurrency":1}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "secret")
	shards, err := client.RecommendedShards(context.Background())
	if err != nil {
		t.Fatalf("recommended shards: %v", err)
	}
	if shards != 6 {
		t.Fatalf("expected 6 shards, got %d", shards)
	}
	if gotAuth != "Bot secret" {
		t.Fatalf("expected bot authorization header, got %q", gotAuth)
	}
}

func TestRecommendedShardsStripsBotPrefix(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"shards":1}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "Bot secret")
	if _, err := client.RecommendedShards(context.Background()); err != nil {
		t.Fatalf("recommended shards: %v", err)
	}
	if gotAuth != "Bot secret" {
		t.Fatalf("expected single prefix, got %q", gotAuth)
	}
}

func TestRecommendedShardsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, "bad")
	if _, err := client.RecommendedShards(context.Background()); err == nil {
		t.Fatal("expected error for unauthorized response")
	}
}

func TestRecommendedShardsRequiresToken(t *testing.T) {
	client := NewClient("", " ")
	if _, err := client.RecommendedShards(context.Background()); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}
