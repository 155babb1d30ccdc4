package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chainview/internal/config"
	"chainview/internal/errors"
	"chainview/internal/expiry"
	"chainview/internal/models"
	"chainview/internal/store"
	"chainview/internal/stream"
)

type fakeSource struct {
	payload   models.Payload
	switched  []models.Selection
	switchErr error
}

func (f *fakeSource) Payload() models.Payload { return f.payload }

func (f *fakeSource) Switch(ctx context.Context, sel models.Selection) error {
	if f.switchErr != nil {
		return f.switchErr
	}
	f.switched = append(f.switched, sel)
	return nil
}

type fixedFetcher struct{ dates []string }

func (f *fixedFetcher) Expiry(ctx context.Context, underlying string) ([]string, error) {
	if len(f.dates) == 0 {
		return nil, errors.ErrUpstreamUnavailable
	}
	return f.dates, nil
}

func newTestServer(source *fakeSource, fetcher expiry.Fetcher) (*Server, *stream.Hub) {
	cache := expiry.NewCache(expiry.CacheConfig{TTL: time.Minute}, fetcher, nil, zerolog.Nop())
	hub := stream.NewHub(zerolog.Nop())
	srv := New(config.Publish{}, ":0", source, cache, hub, nil, zerolog.Nop())
	return srv, hub
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)
	return w
}

func TestHandleChain(t *testing.T) {
	source := &fakeSource{payload: models.Payload{
		Version:    42,
		Underlying: "NIFTY",
		Expiry:     "28-AUG-25",
		SpotLTP:    24512.35,
		ATMStrike:  24500,
	}}
	srv, _ := newTestServer(source, &fixedFetcher{dates: []string{"28-AUG-25"}})

	w := doRequest(srv, http.MethodGet, "/api/option-chain", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Status string         `json:"status"`
		Data   models.Payload `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "success" || resp.Data.Version != 42 || resp.Data.ATMStrike != 24500 {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandleExpiry(t *testing.T) {
	srv, _ := newTestServer(&fakeSource{}, &fixedFetcher{dates: []string{"28-AUG-25", "04-SEP-25"}})

	w := doRequest(srv, http.MethodGet, "/api/option-chain/expiry/nifty", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data []string `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 2 {
		t.Errorf("data = %v", resp.Data)
	}
}

func TestHandleExpiryUpstreamDown(t *testing.T) {
	srv, _ := newTestServer(&fakeSource{}, &fixedFetcher{})

	w := doRequest(srv, http.MethodGet, "/api/option-chain/expiry/NIFTY", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestHandleSelect(t *testing.T) {
	source := &fakeSource{}
	srv, _ := newTestServer(source, &fixedFetcher{dates: []string{"28-AUG-25"}})

	w := doRequest(srv, http.MethodPost, "/api/option-chain/select",
		`{"underlying": "banknifty", "expiry": "02-sep-25"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	if len(source.switched) != 1 {
		t.Fatalf("switch calls = %d, want 1", len(source.switched))
	}
	got := source.switched[0]
	if got.Underlying != "BANKNIFTY" || got.Expiry != "02-SEP-25" {
		t.Errorf("selection = %+v, want upper-cased values", got)
	}
}

func TestHandleSelectMissingUnderlying(t *testing.T) {
	srv, _ := newTestServer(&fakeSource{}, &fixedFetcher{dates: []string{"28-AUG-25"}})

	w := doRequest(srv, http.MethodPost, "/api/option-chain/select", `{"expiry": "02-SEP-25"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleSelectSwitchFailure(t *testing.T) {
	source := &fakeSource{switchErr: errors.ErrUpstreamUnavailable}
	srv, _ := newTestServer(source, &fixedFetcher{dates: []string{"28-AUG-25"}})

	w := doRequest(srv, http.MethodPost, "/api/option-chain/select", `{"underlying": "NIFTY"}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	source := &fakeSource{payload: models.Payload{Version: 7, Underlying: "NIFTY", Stale: true}}
	srv, hub := newTestServer(source, &fixedFetcher{dates: []string{"28-AUG-25"}})

	hub.Publish(models.Payload{Version: 7})

	w := doRequest(srv, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["stale"] != true {
		t.Errorf("stale = %v, want true", resp["stale"])
	}
	if resp["published"].(float64) != 1 {
		t.Errorf("published = %v, want 1", resp["published"])
	}
}

// Compile-time check that the sqlite store satisfies the health
// endpoint's reader interface.
var _ OutageReader = (*store.SQLiteStore)(nil)
