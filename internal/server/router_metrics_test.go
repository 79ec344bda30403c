package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opsdash/console/internal/metricsdb"
)

func TestMetricsSeriesEndpointReturnsWindow(t *testing.T) {
	handler, store := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		sample := metricsdb.Sample{
			Series:           "volume.iops",
			ObjectID:         "vol-1",
			TimestampSeconds: base.Add(time.Duration(i) * time.Minute).Unix(),
			Value:            float64(100 * i),
		}
		if err := store.Insert(context.Background(), sample); err != nil {
			t.Fatalf("failed to insert sample: %v", err)
		}
	}

	target := fmt.Sprintf("/metrics/series?series=volume.iops&objectId=vol-1&from=%d&to=%d",
		base.Add(time.Minute).Unix(), base.Add(3*time.Minute).Unix())
	request := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	request.Header.Set("X-Account", "acct-1")
	request.Header.Set("X-Auth", freshToken(t))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", recorder.Code, recorder.Body.String())
	}

	var payload struct {
		Samples []struct {
			Series           string  `json:"series"`
			TimestampSeconds int64   `json:"timestamp_s"`
			Value            float64 `json:"value"`
		} `json:"samples"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid response payload: %v", err)
	}
	if len(payload.Samples) != 3 {
		t.Fatalf("expected 3 samples in window, got %d", len(payload.Samples))
	}
	if payload.Samples[0].Value != 100 {
		t.Fatalf("expected window to start at value 100, got %v", payload.Samples[0].Value)
	}
}

func TestMetricsSeriesEndpointRejectsMissingSeries(t *testing.T) {
	handler, _ := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	request := httptest.NewRequest(http.MethodGet, "/metrics/series", http.NoBody)
	request.Header.Set("X-Account", "acct-1")
	request.Header.Set("X-Auth", freshToken(t))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing series, got %d", recorder.Code)
	}
}

func TestMetricsSeriesEndpointRejectsBadRange(t *testing.T) {
	handler, _ := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	request := httptest.NewRequest(http.MethodGet, "/metrics/series?series=volume.iops&from=yesterday", http.NoBody)
	request.Header.Set("X-Account", "acct-1")
	request.Header.Set("X-Auth", freshToken(t))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid range value, got %d", recorder.Code)
	}
}
