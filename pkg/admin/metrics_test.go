package admin

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func TestMetricsSnapshotPercentiles(t *testing.T) {
	m := NewMetrics()
	for i := 1; i <= 100; i++ {
		m.Record(time.Duration(i)*time.Millisecond, false)
	}
	m.Record(time.Millisecond, true)

	snap := m.Snapshot()
	if got := snap["request_count"].(int64); got != 101 {
		t.Errorf("request_count = %d", got)
	}
	if got := snap["error_count"].(int64); got != 1 {
		t.Errorf("error_count = %d", got)
	}
	// 1/101 requests failed.
	if got := snap["error_rate"].(float64); got < 0.9 || got > 1.1 {
		t.Errorf("error_rate = %v", got)
	}
	p50 := snap["response_time_p50"].(float64)
	p95 := snap["response_time_p95"].(float64)
	if p50 < 0.045 || p50 > 0.055 {
		t.Errorf("p50 = %v seconds", p50)
	}
	if p95 < p50 {
		t.Errorf("p95 %v below p50 %v", p95, p50)
	}
	if snap["uptime_seconds"].(float64) < 0 {
		t.Error("uptime went backwards")
	}
}

func TestMetricsEmptySnapshot(t *testing.T) {
	snap := NewMetrics().Snapshot()
	if got := snap["request_count"].(int64); got != 0 {
		t.Errorf("request_count = %d", got)
	}
	if got := snap["error_rate"].(float64); got != 0 {
		t.Errorf("error_rate = %v", got)
	}
	if got := snap["response_time_p99"].(float64); got != 0 {
		t.Errorf("p99 = %v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := testServer(t, "")

	// One hit and one miss against the API, plus traffic on the two
	// exempt paths that must not count.
	http.Get(srv.URL + "/api/runs?user=u1")
	http.Get(srv.URL + "/api/runs/nope")
	http.Get(srv.URL + "/healthz")

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap struct {
		RequestCount int64   `json:"request_count"`
		ErrorCount   int64   `json:"error_count"`
		P50          float64 `json:"response_time_p50"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.RequestCount != 2 {
		t.Errorf("request_count = %d, want 2", snap.RequestCount)
	}
	if snap.ErrorCount != 1 {
		t.Errorf("error_count = %d, want 1", snap.ErrorCount)
	}
}
