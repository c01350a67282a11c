package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dataplaned/dataplaned/internal/config"
	"github.com/dataplaned/dataplaned/internal/device"
	"github.com/dataplaned/dataplaned/internal/eventbus"
	"github.com/dataplaned/dataplaned/internal/om"
)

func newTestInspect(t *testing.T) *InspectService {
	t.Helper()
	bus := eventbus.NewWithConfig(1, 4)
	t.Cleanup(func() { bus.Close(context.Background()) })
	return NewInspectService(&config.Config{}, om.NewRegistry(device.NewQueue()), bus)
}

func get(t *testing.T, mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestReadyTracksDeviceConnectivity(t *testing.T) {
	svc := newTestInspect(t)
	mux := svc.routes()

	if rec := get(t, mux, "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/ready before connect = %d, want 503", rec.Code)
	}

	svc.handleConnectivity(eventbus.Event{
		Type: eventbus.EventTypeConnectivity,
		Data: map[string]interface{}{"session": "s1", "up": true},
	})
	if rec := get(t, mux, "/ready"); rec.Code != http.StatusOK {
		t.Fatalf("/ready after connect = %d, want 200", rec.Code)
	}

	svc.handleConnectivity(eventbus.Event{
		Type: eventbus.EventTypeConnectivity,
		Data: map[string]interface{}{"session": "s1", "up": false},
	})
	if rec := get(t, mux, "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/ready after disconnect = %d, want 503", rec.Code)
	}
}

func TestHealthAndStateEndpoints(t *testing.T) {
	svc := newTestInspect(t)
	mux := svc.routes()

	if rec := get(t, mux, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("/health = %d, want 200", rec.Code)
	}

	rec := get(t, mux, "/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("/state = %d, want 200", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("/state content type %q", rec.Header().Get("Content-Type"))
	}
}
