package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"guardsuite/internal/guardsuite"
	"guardsuite/internal/monitor"
	"guardsuite/internal/recordstore"
	"guardsuite/internal/scanner"
	"guardsuite/internal/stream"
	"guardsuite/internal/viewmodels"
)

// recordStore is the persistence the server needs. *recordstore.Store
// satisfies it.
type recordStore interface {
	SaveScan(ctx context.Context, result guardsuite.ThreatScanResult) (recordstore.ScanRecord, error)
	SaveEvent(ctx context.Context, deviceID string, event guardsuite.SecurityEvent) (recordstore.EventRecord, error)
	ListScans(ctx context.Context, packageName string) ([]recordstore.ScanRecord, error)
	Prune(ctx context.Context, now time.Time) (int, error)
}

// pendingRecord is a scan or an event waiting to be persisted.
type pendingRecord struct {
	scan  *guardsuite.ThreatScanResult
	event *guardsuite.SecurityEvent
}

func (p pendingRecord) String() string {
	if p.scan != nil {
		return "scan " + p.scan.PackageName
	}
	return "event " + p.event.ID
}

type scanRequest struct {
	Apps []guardsuite.AppDescriptor `json:"apps"`
}

type scanResponse struct {
	Results []guardsuite.ThreatScanResult `json:"results"`
}

type singleScanRequest struct {
	App *guardsuite.AppDescriptor `json:"app"`
}

type singleScanResponse struct {
	Result guardsuite.ThreatScanResult `json:"result"`
}

// Server serves the scan API, monitoring controls, and the event stream.
type Server struct {
	scanner       *scanner.Scanner
	monitor       *monitor.Monitor
	store         recordStore
	records       chan pendingRecord
	failedRecords chan pendingRecord
	apiKey        string
	deviceID      string
	retryDelay    time.Duration
	healthMu      sync.RWMutex
	statsmu       sync.RWMutex
	requestCount  int64
	errorCount    int64
	healthy       bool
}

// NewServer wires the handlers to a scanner and a monitor. store may be nil,
// in which case nothing is persisted.
func NewServer(sc *scanner.Scanner, mon *monitor.Monitor, store recordStore, apiKey, deviceID string) *Server {
	s := &Server{
		scanner:       sc,
		monitor:       mon,
		store:         store,
		apiKey:        apiKey,
		deviceID:      deviceID,
		retryDelay:    initialBackoff,
		records:       make(chan pendingRecord, recordQueueSize),
		failedRecords: make(chan pendingRecord, failedRecordsQueueSize),
		healthy:       true,
	}

	mon.OnEvent(func(ev guardsuite.SecurityEvent) {
		s.enqueue(pendingRecord{event: &ev})
	})
	mon.OnError(func(err error) {
		log.Printf("[WARN] Monitor error: %v", err)
	})
	return s
}

// Routes returns the server mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/scan", s.handleScan)
	mux.HandleFunc("/scan/single", s.handleScanSingle)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/summary", s.handleSummary)
	mux.HandleFunc("/api/v1/monitoring/start", s.handleMonitoringStart)
	mux.HandleFunc("/api/v1/monitoring/stop", s.handleMonitoringStop)
	mux.HandleFunc("/api/v1/monitoring/poll", s.handleMonitoringPoll)
	mux.HandleFunc("/api/v1/scans", s.handleScanHistory)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleScan(writer http.ResponseWriter, request *http.Request) {
	start := time.Now()
	s.incrementRequestCount()

	if !s.allowMethod(writer, request, http.MethodPost) || !s.authorized(writer, request) {
		return
	}

	var req scanRequest
	if !s.decodeBody(writer, request, &req) {
		return
	}

	results, err := s.scanner.BulkScan(req.Apps)
	if err != nil {
		s.writeError(writer, request, err)
		return
	}
	for i := range results {
		s.enqueue(pendingRecord{scan: &results[i]})
	}

	log.Printf("[INFO] Scanned %d apps for %s in %v", len(results), request.RemoteAddr, time.Since(start))
	s.writeJSON(writer, http.StatusOK, scanResponse{Results: results})
}

func (s *Server) handleScanSingle(writer http.ResponseWriter, request *http.Request) {
	s.incrementRequestCount()

	if !s.allowMethod(writer, request, http.MethodPost) || !s.authorized(writer, request) {
		return
	}

	var req singleScanRequest
	if !s.decodeBody(writer, request, &req) {
		return
	}
	if req.App == nil {
		s.writeError(writer, request, fmt.Errorf("%w: app is required", guardsuite.ErrInvalidArgument))
		return
	}

	result, err := s.scanner.ScanApp(*req.App)
	if err != nil {
		s.writeError(writer, request, err)
		return
	}
	s.enqueue(pendingRecord{scan: &result})

	log.Printf("[INFO] Scanned %s: %s (%d threats)", result.PackageName, result.ThreatLevel, len(result.Threats))
	s.writeJSON(writer, http.StatusOK, singleScanResponse{Result: result})
}

func (s *Server) handleEvents(writer http.ResponseWriter, request *http.Request) {
	s.incrementRequestCount()
	if !s.allowMethod(writer, request, http.MethodGet) {
		return
	}
	s.writeJSON(writer, http.StatusOK, map[string]any{"events": s.monitor.Events()})
}

func (s *Server) handleStatus(writer http.ResponseWriter, request *http.Request) {
	s.incrementRequestCount()
	if !s.allowMethod(writer, request, http.MethodGet) {
		return
	}
	s.writeJSON(writer, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleSummary(writer http.ResponseWriter, request *http.Request) {
	s.incrementRequestCount()
	if !s.allowMethod(writer, request, http.MethodGet) {
		return
	}
	s.writeJSON(writer, http.StatusOK, viewmodels.BuildEventSummary(s.monitor.Status(), s.monitor.Events()))
}

func (s *Server) handleMonitoringStart(writer http.ResponseWriter, request *http.Request) {
	s.incrementRequestCount()
	if !s.allowMethod(writer, request, http.MethodPost) || !s.authorized(writer, request) {
		return
	}

	interval := monitor.DefaultInterval
	if raw := request.URL.Query().Get("interval"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.writeError(writer, request, fmt.Errorf("%w: interval %q", guardsuite.ErrInvalidArgument, raw))
			return
		}
		interval = d
	}

	started := s.monitor.Start(interval)
	s.writeJSON(writer, http.StatusOK, map[string]any{"started": started, "status": s.monitor.Status()})
}

func (s *Server) handleMonitoringStop(writer http.ResponseWriter, request *http.Request) {
	s.incrementRequestCount()
	if !s.allowMethod(writer, request, http.MethodPost) || !s.authorized(writer, request) {
		return
	}
	stopped := s.monitor.Stop()
	s.writeJSON(writer, http.StatusOK, map[string]any{"stopped": stopped, "status": s.monitor.Status()})
}

func (s *Server) handleMonitoringPoll(writer http.ResponseWriter, request *http.Request) {
	s.incrementRequestCount()
	if !s.allowMethod(writer, request, http.MethodPost) || !s.authorized(writer, request) {
		return
	}

	events, err := s.monitor.PollNow(request.Context())
	if errors.Is(err, monitor.ErrPollInFlight) {
		s.incrementErrorCount()
		http.Error(writer, "Poll already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		s.writeError(writer, request, err)
		return
	}
	if events == nil {
		events = []guardsuite.SecurityEvent{}
	}
	s.writeJSON(writer, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleScanHistory(writer http.ResponseWriter, request *http.Request) {
	s.incrementRequestCount()
	if !s.allowMethod(writer, request, http.MethodGet) {
		return
	}
	if s.store == nil {
		s.incrementErrorCount()
		http.Error(writer, "Scan history is not enabled", http.StatusNotFound)
		return
	}

	pkg := request.URL.Query().Get("package")
	if pkg == "" {
		s.writeError(writer, request, fmt.Errorf("%w: package is required", guardsuite.ErrInvalidArgument))
		return
	}

	records, err := s.store.ListScans(request.Context(), pkg)
	if err != nil {
		s.writeError(writer, request, err)
		return
	}
	if records == nil {
		records = []recordstore.ScanRecord{}
	}
	s.writeJSON(writer, http.StatusOK, map[string]any{"package": pkg, "scans": records})
}

func (s *Server) handleStream(writer http.ResponseWriter, request *http.Request) {
	s.incrementRequestCount()
	if !s.allowMethod(writer, request, http.MethodGet) {
		return
	}
	if _, ok := writer.(http.Flusher); !ok {
		s.incrementErrorCount()
		http.Error(writer, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Streams outlive the server write timeout
	if err := http.NewResponseController(writer).SetWriteDeadline(time.Time{}); err != nil {
		log.Printf("[DEBUG] Could not clear write deadline: %v", err)
	}

	conn := stream.NewConn(stream.DefaultQueueSize)
	if err := s.monitor.AddSubscriber(conn); err != nil {
		s.incrementErrorCount()
		log.Printf("[WARN] Failed to register subscriber for %s: %v", request.RemoteAddr, err)
		http.Error(writer, "Internal server error", http.StatusInternalServerError)
		return
	}
	log.Printf("[INFO] Subscriber %s connected from %s", conn.ID(), request.RemoteAddr)

	if err := conn.Serve(request.Context(), writer); err != nil {
		log.Printf("[WARN] Stream to %s ended: %v", conn.ID(), err)
	}
	s.monitor.RemoveSubscriber(conn.ID())
	log.Printf("[INFO] Subscriber %s disconnected after %v", conn.ID(), time.Since(conn.ConnectedAt).Round(time.Second))
}

func (s *Server) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	s.incrementRequestCount()

	s.healthMu.RLock()
	healthy := s.healthy
	s.healthMu.RUnlock()

	s.statsmu.RLock()
	requestCount := s.requestCount
	errorCount := s.errorCount
	s.statsmu.RUnlock()

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(writer, statusCode, map[string]any{
		"status":      status,
		"monitoring":  s.monitor.Status().IsActive,
		"subscribers": s.monitor.SubscriberCount(),
		"requests":    requestCount,
		"errors":      errorCount,
	})
}

// enqueue hands a record to the writer without blocking the caller.
func (s *Server) enqueue(rec pendingRecord) {
	if s.store == nil {
		return
	}
	select {
	case s.records <- rec:
	default:
		log.Printf("[WARN] Record queue is full, dropping %s", rec)
		s.setHealthy(false)
	}
}

// runWriter persists queued records until ctx is done.
func (s *Server) runWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-s.records:
			s.persist(ctx, rec)
		}
	}
}

// persist saves one record with retries, queueing it for a later attempt
// when the store keeps failing.
func (s *Server) persist(ctx context.Context, rec pendingRecord) {
	if err := s.save(ctx, rec); err != nil {
		log.Printf("[WARN] Failed to save %s after %d retries: %v", rec, maxRetries, err)
		select {
		case s.failedRecords <- rec:
			log.Printf("[INFO] %s queued for retry processing", rec)
		default:
			log.Printf("[WARN] Failed records queue is full, %s will not be retried", rec)
			s.setHealthy(false)
		}
	}
}

func (s *Server) save(ctx context.Context, rec pendingRecord) error {
	return retry.Do(func() error {
		var err error
		if rec.scan != nil {
			_, err = s.store.SaveScan(ctx, *rec.scan)
		} else {
			_, err = s.store.SaveEvent(ctx, s.deviceID, *rec.event)
		}
		return err
	}, retry.Attempts(maxRetries), retry.Delay(s.retryDelay), retry.MaxDelay(maxBackoff))
}

// retryFailedRecords drains the failed queue once. Records that fail again
// are re-queued if there is room.
func (s *Server) retryFailedRecords(ctx context.Context) {
	for {
		select {
		case rec := <-s.failedRecords:
			log.Printf("[INFO] Retrying failed %s", rec)
			if err := s.save(ctx, rec); err != nil {
				log.Printf("[ERROR] Failed to retry saving %s: %v", rec, err)
				select {
				case s.failedRecords <- rec:
				default:
					log.Printf("[WARN] Dropping failed %s - queue full", rec)
				}
				return
			}
			log.Printf("[INFO] Successfully saved queued %s", rec)
			s.setHealthy(true)
		default:
			return
		}
	}
}

func (s *Server) processFailedRecords(ctx context.Context) {
	ticker := time.NewTicker(failedRecordsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.retryFailedRecords(ctx)
		}
	}
}

func (s *Server) pruneRecords(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := s.store.Prune(ctx, now); err != nil {
				log.Printf("[ERROR] Failed to prune records: %v", err)
			}
		}
	}
}

func (s *Server) allowMethod(writer http.ResponseWriter, request *http.Request, method string) bool {
	if request.Method == method {
		return true
	}
	s.incrementErrorCount()
	writer.Header().Set("Allow", method)
	http.Error(writer, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}

// authorized checks the API key when one is configured.
func (s *Server) authorized(writer http.ResponseWriter, request *http.Request) bool {
	if s.apiKey == "" {
		return true
	}
	// Security: Don't accept API key from query params (exposes in logs)
	if constantTimeCompare(request.Header.Get("X-API-Key"), s.apiKey) {
		return true
	}
	s.incrementErrorCount()
	log.Printf("[WARN] Unauthorized request from %s", request.RemoteAddr)
	http.Error(writer, "Unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) decodeBody(writer http.ResponseWriter, request *http.Request, v any) bool {
	// Security: Limit request body size to prevent DoS
	request.Body = http.MaxBytesReader(writer, request.Body, maxRequestBody)
	if err := json.NewDecoder(request.Body).Decode(v); err != nil {
		s.incrementErrorCount()
		log.Printf("[ERROR] Failed to decode request from %s: %v", request.RemoteAddr, err)
		http.Error(writer, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps invalid input to 400 and everything else to a generic 500.
func (s *Server) writeError(writer http.ResponseWriter, request *http.Request, err error) {
	s.incrementErrorCount()
	if errors.Is(err, guardsuite.ErrInvalidArgument) {
		log.Printf("[WARN] Rejected request from %s: %v", request.RemoteAddr, err)
		s.writeJSON(writer, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	log.Printf("[ERROR] %s %s failed: %v", request.Method, request.URL.Path, err)
	s.writeJSON(writer, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func (*Server) writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		log.Printf("[WARN] Error writing response: %v", err)
	}
}

// Utility methods for tracking server statistics and health.
func (s *Server) incrementRequestCount() {
	s.statsmu.Lock()
	s.requestCount++
	s.statsmu.Unlock()
}

func (s *Server) incrementErrorCount() {
	s.statsmu.Lock()
	s.errorCount++
	s.statsmu.Unlock()
}

func (s *Server) setHealthy(healthy bool) {
	s.healthMu.Lock()
	changed := s.healthy != healthy
	s.healthy = healthy
	s.healthMu.Unlock()

	if !changed {
		return
	}
	if !healthy {
		log.Printf("[WARN] Server health status changed to degraded")
	} else {
		log.Printf("[INFO] Server health status changed to healthy")
	}
}

// constantTimeCompare performs constant-time string comparison to prevent timing attacks.
func constantTimeCompare(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
