package openalgo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"chainview/internal/errors"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	client := New(Config{Host: srv.URL, APIKey: "test-key"}, zerolog.Nop())
	return client, srv
}

func decodeBody(t *testing.T, r *http.Request) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decoding request body: %v", err)
	}
	return body
}

func TestExpiry(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/expiry" {
			t.Errorf("path = %q", r.URL.Path)
		}
		body := decodeBody(t, r)
		if body["apikey"] != "test-key" {
			t.Errorf("apikey = %q", body["apikey"])
		}
		if body["symbol"] != "NIFTY" || body["exchange"] != "NFO" {
			t.Errorf("symbol/exchange = %q/%q", body["symbol"], body["exchange"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   []string{"28-AUG-25", "04-SEP-25"},
		})
	})

	dates, err := client.Expiry(context.Background(), "NIFTY")
	if err != nil {
		t.Fatalf("Expiry: %v", err)
	}
	if len(dates) != 2 || dates[0] != "28-AUG-25" {
		t.Errorf("dates = %v", dates)
	}
}

func TestExpirySensexUsesBFO(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body["exchange"] != "BFO" {
			t.Errorf("exchange = %q, want BFO", body["exchange"])
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "success", "data": []string{"28-AUG-25"}})
	})

	if _, err := client.Expiry(context.Background(), "SENSEX"); err != nil {
		t.Fatalf("Expiry: %v", err)
	}
}

func TestQuote(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/quotes" {
			t.Errorf("path = %q", r.URL.Path)
		}
		body := decodeBody(t, r)
		if body["exchange"] != "NSE_INDEX" {
			t.Errorf("exchange = %q, want NSE_INDEX", body["exchange"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]float64{"ltp": 24512.35, "bid": 24512.0, "ask": 24512.7},
		})
	})

	quote, err := client.Quote(context.Background(), "NIFTY")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if quote.LTP != 24512.35 || quote.Bid != 24512.0 || quote.Ask != 24512.7 {
		t.Errorf("quote = %+v", quote)
	}
}

func TestQuoteUpstreamRejection(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "error", "message": "unknown symbol"})
	})

	_, err := client.Quote(context.Background(), "NIFTY")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, errors.ErrUpstreamUnavailable) {
		t.Errorf("error chain = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestPingAuthFailure(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "http 403",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
		},
		{
			name: "status error body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{"status": "error", "message": "bad key"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestServer(t, tt.handler)
			err := client.Ping(context.Background())
			if !errors.Is(err, errors.ErrAuthFailure) {
				t.Errorf("err = %v, want ErrAuthFailure", err)
			}
		})
	}
}

func TestPingSuccess(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "success"})
	})

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestServerErrorIsUpstreamUnavailable(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	if _, err := client.Expiry(context.Background(), "NIFTY"); !errors.Is(err, errors.ErrUpstreamUnavailable) {
		t.Errorf("err = %v, want ErrUpstreamUnavailable", err)
	}
}
