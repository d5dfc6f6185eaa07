package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"guardsuite/internal/guardsuite"
	"guardsuite/internal/monitor"
	"guardsuite/internal/recordstore"
	"guardsuite/internal/sampler"
	"guardsuite/internal/scanner"
)

type fakeCheck struct {
	events []guardsuite.SecurityEvent
}

func (fakeCheck) Name() string { return "fake" }

func (f fakeCheck) Run(context.Context) ([]guardsuite.SecurityEvent, error) {
	return f.events, nil
}

type fakeStore struct {
	listed []recordstore.ScanRecord
	scans  []guardsuite.ThreatScanResult
	events []guardsuite.SecurityEvent
	device string
	fail   int
	mu     sync.Mutex
}

func (f *fakeStore) SaveScan(_ context.Context, r guardsuite.ThreatScanResult) (recordstore.ScanRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return recordstore.ScanRecord{}, errors.New("disk full")
	}
	f.scans = append(f.scans, r)
	return recordstore.ScanRecord{Result: r}, nil
}

func (f *fakeStore) SaveEvent(_ context.Context, deviceID string, ev guardsuite.SecurityEvent) (recordstore.EventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return recordstore.EventRecord{}, errors.New("disk full")
	}
	f.device = deviceID
	f.events = append(f.events, ev)
	return recordstore.EventRecord{Event: ev}, nil
}

func (f *fakeStore) ListScans(context.Context, string) ([]recordstore.ScanRecord, error) {
	return f.listed, nil
}

func (*fakeStore) Prune(context.Context, time.Time) (int, error) { return 0, nil }

func (f *fakeStore) counts() (scans, events int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scans), len(f.events)
}

func highEvent() guardsuite.SecurityEvent {
	return guardsuite.SecurityEvent{
		Type:     guardsuite.EventAppScan,
		Severity: guardsuite.SeverityHigh,
		Details:  map[string]any{"message": "miner"},
	}
}

func newTestServer(t *testing.T, store recordStore, key string, checks ...sampler.Check) *Server {
	t.Helper()
	mon := monitor.New(monitor.Options{Checks: checks, CheckTimeout: time.Second})
	t.Cleanup(mon.Close)
	s := NewServer(scanner.New(nil), mon, store, key, "device-1")
	s.retryDelay = time.Millisecond
	return s
}

func do(t *testing.T, s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

const scanBody = `{"apps":[
	{"packageName":"com.example.safe","appName":"Safe","versionName":"1.0","versionCode":1,
	 "permissions":["android.permission.INTERNET"]},
	{"packageName":"com.example.spy","appName":"Spy","versionName":"2.0","versionCode":2,
	 "permissions":["android.permission.READ_SMS","android.permission.READ_CONTACTS"]}
]}`

func TestHandleScan(t *testing.T) {
	s := newTestServer(t, nil, "")
	rec := do(t, s, http.MethodPost, "/scan", scanBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body)
	}

	var resp scanResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(resp.Results))
	}
	if resp.Results[0].PackageName != "com.example.safe" || resp.Results[0].ThreatLevel != guardsuite.ThreatLow {
		t.Errorf("result 0 = %s/%s, want com.example.safe/low", resp.Results[0].PackageName, resp.Results[0].ThreatLevel)
	}
	if resp.Results[1].ThreatLevel != guardsuite.ThreatHigh {
		t.Errorf("result 1 level = %s, want high", resp.Results[1].ThreatLevel)
	}
}

func TestHandleScanErrors(t *testing.T) {
	s := newTestServer(t, nil, "")
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "/scan", "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "/scan", "{", http.StatusBadRequest},
		{"missing permissions", http.MethodPost, "/scan", `{"apps":[{"packageName":"com.a"}]}`, http.StatusBadRequest},
		{"empty package name", http.MethodPost, "/scan", `{"apps":[{"packageName":"","permissions":[]}]}`, http.StatusBadRequest},
		{"single without app", http.MethodPost, "/scan/single", `{}`, http.StatusBadRequest},
		{"single missing name", http.MethodPost, "/scan/single", `{"app":{"permissions":[]}}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.path, tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body: %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestHandleScanSingle(t *testing.T) {
	s := newTestServer(t, nil, "")
	body := `{"app":{"packageName":"com.example.cam","permissions":["android.permission.CAMERA"]}}`
	rec := do(t, s, http.MethodPost, "/scan/single", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body)
	}
	var resp singleScanResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Result.ThreatLevel != guardsuite.ThreatMedium {
		t.Errorf("level = %s, want medium", resp.Result.ThreatLevel)
	}
}

func TestAPIKey(t *testing.T) {
	s := newTestServer(t, nil, "secret")

	if rec := do(t, s, http.MethodPost, "/scan", scanBody, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("without key: status = %d, want 401", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/scan", scanBody, map[string]string{"X-API-Key": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/scan", scanBody, map[string]string{"X-API-Key": "secret"}); rec.Code != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", rec.Code)
	}
	// Reads stay open
	if rec := do(t, s, http.MethodGet, "/api/v1/status", "", nil); rec.Code != http.StatusOK {
		t.Errorf("status endpoint: status = %d, want 200", rec.Code)
	}
}

func TestPollEventsAndSummary(t *testing.T) {
	s := newTestServer(t, nil, "", fakeCheck{events: []guardsuite.SecurityEvent{highEvent()}})

	rec := do(t, s, http.MethodPost, "/api/v1/monitoring/poll", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("poll status = %d, want 200", rec.Code)
	}
	var polled struct {
		Events []guardsuite.SecurityEvent `json:"events"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&polled); err != nil {
		t.Fatalf("Failed to decode poll response: %v", err)
	}
	if len(polled.Events) != 1 || polled.Events[0].ID == "" {
		t.Fatalf("poll returned %+v, want one stamped event", polled.Events)
	}

	rec = do(t, s, http.MethodGet, "/api/v1/events", "", nil)
	var listed struct {
		Events []guardsuite.SecurityEvent `json:"events"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listed); err != nil {
		t.Fatalf("Failed to decode events: %v", err)
	}
	if len(listed.Events) != 1 || listed.Events[0].ID != polled.Events[0].ID {
		t.Errorf("events = %+v, want the polled event", listed.Events)
	}

	rec = do(t, s, http.MethodGet, "/api/v1/summary", "", nil)
	var summary struct {
		BySeverity map[string]int `json:"bySeverity"`
		Total      int            `json:"total"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("Failed to decode summary: %v", err)
	}
	if summary.Total != 1 || summary.BySeverity["high"] != 1 {
		t.Errorf("summary = %+v, want one high event", summary)
	}
}

func TestMonitoringStartStop(t *testing.T) {
	s := newTestServer(t, nil, "")

	if rec := do(t, s, http.MethodPost, "/api/v1/monitoring/start?interval=bogus", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad interval: status = %d, want 400", rec.Code)
	}

	rec := do(t, s, http.MethodPost, "/api/v1/monitoring/start?interval=1h", "", nil)
	var started struct {
		Status  guardsuite.MonitoringStatus `json:"status"`
		Started bool                       `json:"started"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&started); err != nil {
		t.Fatalf("Failed to decode start response: %v", err)
	}
	if !started.Started || !started.Status.IsActive {
		t.Errorf("start = %+v, want started and active", started)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/monitoring/start", "", nil)
	if err := json.NewDecoder(rec.Body).Decode(&started); err != nil {
		t.Fatalf("Failed to decode start response: %v", err)
	}
	if started.Started {
		t.Error("second start should report started=false")
	}

	rec = do(t, s, http.MethodPost, "/api/v1/monitoring/stop", "", nil)
	var stopped struct {
		Status  guardsuite.MonitoringStatus `json:"status"`
		Stopped bool                       `json:"stopped"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&stopped); err != nil {
		t.Fatalf("Failed to decode stop response: %v", err)
	}
	if !stopped.Stopped || stopped.Status.IsActive {
		t.Errorf("stop = %+v, want stopped and inactive", stopped)
	}
}

func TestScanHistory(t *testing.T) {
	s := newTestServer(t, nil, "")
	if rec := do(t, s, http.MethodGet, "/api/v1/scans?package=com.a", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("without store: status = %d, want 404", rec.Code)
	}

	store := &fakeStore{listed: []recordstore.ScanRecord{{ID: "r1"}}}
	s = newTestServer(t, store, "")
	if rec := do(t, s, http.MethodGet, "/api/v1/scans", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing package: status = %d, want 400", rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/api/v1/scans?package=com.a", "", nil)
	var resp struct {
		Scans []recordstore.ScanRecord `json:"scans"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode history: %v", err)
	}
	if len(resp.Scans) != 1 || resp.Scans[0].ID != "r1" {
		t.Errorf("scans = %+v, want r1", resp.Scans)
	}
}

func TestRecordsPersisted(t *testing.T) {
	store := &fakeStore{}
	s := newTestServer(t, store, "", fakeCheck{events: []guardsuite.SecurityEvent{highEvent()}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.runWriter(ctx)

	if rec := do(t, s, http.MethodPost, "/scan", scanBody, nil); rec.Code != http.StatusOK {
		t.Fatalf("scan status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/v1/monitoring/poll", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("poll status = %d", rec.Code)
	}

	waitFor(t, func() bool {
		scans, events := store.counts()
		return scans == 2 && events == 1
	})
	store.mu.Lock()
	device := store.device
	store.mu.Unlock()
	if device != "device-1" {
		t.Errorf("event saved for %q, want device-1", device)
	}
}

func TestFailedRecordsRetried(t *testing.T) {
	// Exhausts the first round of retries only
	store := &fakeStore{fail: maxRetries}
	s := newTestServer(t, store, "")
	ctx := context.Background()

	result := guardsuite.ThreatScanResult{PackageName: "com.a", ThreatLevel: guardsuite.ThreatLow}
	s.persist(ctx, pendingRecord{scan: &result})
	if scans, _ := store.counts(); scans != 0 {
		t.Fatalf("expected first save to fail, got %d saved", scans)
	}
	if len(s.failedRecords) != 1 {
		t.Fatalf("failed queue has %d records, want 1", len(s.failedRecords))
	}

	s.retryFailedRecords(ctx)
	if scans, _ := store.counts(); scans != 1 {
		t.Errorf("expected retry to save the scan, got %d saved", scans)
	}
	if len(s.failedRecords) != 0 {
		t.Errorf("failed queue has %d records after retry, want 0", len(s.failedRecords))
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, nil, "")
	do(t, s, http.MethodGet, "/api/v1/status", "", nil)

	rec := do(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var health struct {
		Status   string `json:"status"`
		Requests int64  `json:"requests"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if health.Status != "healthy" || health.Requests != 2 {
		t.Errorf("health = %+v, want healthy with 2 requests", health)
	}
}

func TestStream(t *testing.T) {
	s := newTestServer(t, nil, "", fakeCheck{events: []guardsuite.SecurityEvent{highEvent()}})
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stream failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)
	nextEvent := func() string {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("stream read failed: %v", err)
			}
			if name, ok := strings.CutPrefix(strings.TrimSpace(line), "event: "); ok {
				return name
			}
		}
	}

	if got := nextEvent(); got != "monitoring_status" {
		t.Fatalf("first frame = %s, want monitoring_status", got)
	}

	if rec := do(t, s, http.MethodPost, "/api/v1/monitoring/poll", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("poll status = %d", rec.Code)
	}
	if got := nextEvent(); got != "security_event" {
		t.Errorf("second frame = %s, want security_event", got)
	}
	if got := nextEvent(); got != "high_risk_alert" {
		t.Errorf("third frame = %s, want high_risk_alert", got)
	}
}
