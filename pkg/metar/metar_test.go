package metar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetch(t *testing.T) {
	t.Run("Successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/data/metar" {
				t.Errorf("Unexpected path %s", r.URL.Path)
			}
			if got := r.URL.Query().Get("ids"); got != "KBOS,KJFK" {
				t.Errorf("Expected sorted, deduplicated ids, got %q", got)
			}
			if r.URL.Query().Get("format") != "json" {
				t.Error("Expected json format")
			}
			w.Write([]byte(`[
				{"icaoId":"KBOS","rawOb":"KBOS 011154Z 27010KT 10SM FEW250 18/06 A3002","reportTime":"2024-05-01 11:54:00"},
				{"icaoId":"KBOS","rawOb":"KBOS 011254Z 28012KT 10SM FEW250 19/06 A3001","reportTime":"2024-05-01 12:54:00"},
				{"icaoId":"KJFK","rawOb":"KJFK 011251Z 19008KT 10SM CLR 17/09 A2999","reportTime":"2024-05-01T12:51:00.000Z"}
			]`))
		}))
		defer server.Close()

		client := NewClient(server.URL, 0)
		obs, err := client.Fetch(context.Background(), "kjfk", "KBOS", "KBOS")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(obs) != 2 {
			t.Fatalf("Expected 2 observations, got %d", len(obs))
		}

		if obs[0].Station != "KBOS" || obs[0].Raw != "KBOS 011254Z 28012KT 10SM FEW250 19/06 A3001" {
			t.Errorf("Expected the newest KBOS report, got %+v", obs[0])
		}
		if !obs[0].Time.Equal(time.Date(2024, 5, 1, 12, 54, 0, 0, time.UTC)) {
			t.Errorf("Unexpected time %v", obs[0].Time)
		}
		if !obs[1].Time.Equal(time.Date(2024, 5, 1, 12, 51, 0, 0, time.UTC)) {
			t.Errorf("Unexpected ISO time %v", obs[1].Time)
		}
	})

	t.Run("No content", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		obs, err := NewClient(server.URL, 0).Fetch(context.Background(), "XXXX")
		if err != nil || len(obs) != 0 {
			t.Errorf("Expected no observations and no error, got %v %v", obs, err)
		}
	})

	t.Run("No stations", func(t *testing.T) {
		obs, err := NewClient("http://127.0.0.1:1", 0).Fetch(context.Background())
		if err != nil || obs != nil {
			t.Errorf("Expected nothing, got %v %v", obs, err)
		}
	})

	t.Run("HTTP error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		if _, err := NewClient(server.URL, 0).Fetch(context.Background(), "KBOS"); err == nil {
			t.Error("Expected error")
		}
	})

	t.Run("Malformed report", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[{"icaoId":"KBOS","rawOb":"KBOS 011254Z","reportTime":"yesterday"}]`))
		}))
		defer server.Close()

		if _, err := NewClient(server.URL, 0).Fetch(context.Background(), "KBOS"); err == nil {
			t.Error("Expected error for bad report time")
		}
	})

	t.Run("Unix observation time", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[{"icaoId":"KBOS","rawOb":"KBOS 011254Z","obsTime":1714567440}]`))
		}))
		defer server.Close()

		obs, err := NewClient(server.URL, 0).Fetch(context.Background(), "KBOS")
		if err != nil || len(obs) != 1 {
			t.Fatalf("Unexpected result %v %v", obs, err)
		}
		if !obs[0].Time.Equal(time.Unix(1714567440, 0)) {
			t.Errorf("Unexpected time %v", obs[0].Time)
		}
	})
}
