// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeProvider struct {
	state          string
	durationMS     int64
	windowSegments int
	bufferedMS     int64
}

func (f fakeProvider) State() string              { return f.state }
func (f fakeProvider) DurationMS() int64          { return f.durationMS }
func (f fakeProvider) WindowSegments() int        { return f.windowSegments }
func (f fakeProvider) BufferedDurationMS() int64  { return f.bufferedMS }

func TestServeHealthReturnsProviderSnapshot(t *testing.T) {
	provider := fakeProvider{state: "recording", durationMS: 5000, windowSegments: 3, bufferedMS: 9000}
	h := NewHandler(provider, NewMetrics())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", resp.Status)
	}
	if resp.State != "recording" {
		t.Errorf("State = %q, want recording", resp.State)
	}
	if resp.DurationMS != 5000 {
		t.Errorf("DurationMS = %d, want 5000", resp.DurationMS)
	}
	if resp.WindowSegments != 3 {
		t.Errorf("WindowSegments = %d, want 3", resp.WindowSegments)
	}
	if resp.BufferedDurationMS != 9000 {
		t.Errorf("BufferedDurationMS = %d, want 9000", resp.BufferedDurationMS)
	}
}

func TestServeHealthWithNilProviderReportsUnknown(t *testing.T) {
	h := NewHandler(nil, NewMetrics())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "unknown" {
		t.Errorf("Status = %q, want unknown", resp.Status)
	}
}

func TestServeHealthRejectsNonGetMethods(t *testing.T) {
	h := NewHandler(fakeProvider{}, NewMetrics())

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestMetricsEndpointExposesRegisteredSeries(t *testing.T) {
	m := NewMetrics()
	m.SetWindowState(4, 12000, 1)
	m.IncWaveformEmit()
	m.ObserveMergeTick(10*time.Millisecond, nil)

	h := NewHandler(fakeProvider{}, m)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"loopcast_window_segments",
		"loopcast_buffered_duration_ms",
		"loopcast_plan_merged_version_skew",
		"loopcast_waveform_emits_total",
		"loopcast_merge_ticks_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing series %q", name)
		}
	}
}

func TestObserveMergeTickCountsFailures(t *testing.T) {
	m := NewMetrics()
	m.ObserveMergeTick(5*time.Millisecond, nil)
	m.ObserveMergeTick(5*time.Millisecond, context.DeadlineExceeded)

	h := NewHandler(fakeProvider{}, m)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "loopcast_merge_failures_total 1") {
		t.Error("expected exactly one recorded merge failure")
	}
}

func TestLatencyPercentilesReflectRecordedValues(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 100; i++ {
		m.ObserveStop(time.Duration(i+1) * time.Millisecond)
	}
	p50 := m.StopLatencyPercentile(50)
	if p50 < 40_000 || p50 > 60_000 {
		t.Errorf("StopLatencyPercentile(50) = %d us, want roughly 50000", p50)
	}

	m.ObserveMergeTick(2*time.Millisecond, nil)
	if got := m.TickLatencyPercentile(100); got < 2000 {
		t.Errorf("TickLatencyPercentile(100) = %d us, want at least 2000", got)
	}
}

func TestListenAndServeReadySignalsReadyAndShutsDownOnCancel(t *testing.T) {
	ready := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- ListenAndServeReady(ctx, "127.0.0.1:0", http.NewServeMux(), ready)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server never signaled ready")
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("ListenAndServeReady() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down after context cancellation")
	}
}

func TestListenAndServeReadyReturnsErrorOnBindFailure(t *testing.T) {
	ready := make(chan struct{})

	err := ListenAndServeReady(context.Background(), "invalid-address", http.NewServeMux(), ready)
	if err == nil {
		t.Error("ListenAndServeReady() with an invalid address: expected error, got nil")
	}
	select {
	case <-ready:
		t.Error("ready was closed despite a bind failure")
	default:
	}
}
