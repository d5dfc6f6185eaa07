// Package main implements the guardsuite server that scans app descriptors
// and monitors the host for suspicious activity.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"guardsuite/internal/monitor"
	"guardsuite/internal/recordstore"
	"guardsuite/internal/rules"
	"guardsuite/internal/sampler"
	"guardsuite/internal/scanner"
	"guardsuite/internal/stream"
)

const (
	// HTTP timeouts.
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second

	maxRequestBody  = 1024 * 1024 // 1MB limit
	shutdownTimeout = 10 * time.Second

	// Retry configuration for record persistence.
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second

	// Queue sizes.
	recordQueueSize        = 1000
	failedRecordsQueueSize = 1000

	failedRecordsInterval = 2 * time.Minute
	pruneInterval         = time.Hour
)

var (
	port         = flag.String("port", "8080", "Server port")
	apiKey       = flag.String("api-key", "", "API key for mutating endpoints (optional but recommended)")
	rulesPath    = flag.String("rules", "", "Path to a risk rules YAML file (defaults to the embedded rules)")
	interval     = flag.Duration("interval", monitor.DefaultInterval, "Monitoring poll interval")
	checkTimeout = flag.Duration("check-timeout", monitor.DefaultCheckTimeout, "Timeout for each check routine")
	autostart    = flag.Bool("autostart", false, "Start monitoring on boot")
	storePath    = flag.String("store", "", "Git repository URL or local path for scan and event records (optional)")
	deviceID     = flag.String("device-id", "", "Device identifier for stored events (defaults to hostname)")
	systemChecks = flag.Bool("system-checks", false, "Also raise system alerts for memory pressure and load")
	debug        = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rs := rules.Default()
	if *rulesPath != "" {
		var err error
		rs, err = rules.Load(*rulesPath)
		if err != nil {
			cancel() // Cancel context before fatal exit
			log.Fatalf("[ERROR] Failed to load rules: %v", err)
		}
		log.Printf("[INFO] Loaded rules from %s (%d dangerous permissions, %d pairs)",
			*rulesPath, len(rs.DangerousPermissions()), len(rs.Pairs()))
	}

	host := &sampler.HostSampler{Debug: *debug}
	checks := sampler.DefaultChecks(host, host)
	if *systemChecks {
		checks = append(checks, &sampler.SystemResourceCheck{Sampler: host, MemoryThreshold: sampler.DefaultMemoryThreshold})
	}
	mon := monitor.New(monitor.Options{
		Hub:          stream.NewHub(),
		Checks:       checks,
		CheckTimeout: *checkTimeout,
		Debug:        *debug,
	})

	var store recordStore
	if *storePath != "" {
		st, err := recordstore.New(ctx, *storePath)
		if err != nil {
			cancel() // Cancel context before fatal exit
			log.Fatalf("[ERROR] Failed to initialize record store: %v", err)
		}
		store = st
	} else {
		log.Println("[INFO] No -store configured; scan results and events are kept in memory only")
	}

	id := *deviceID
	if id == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "unknown"
		}
		id = hostname
	}

	server := NewServer(scanner.New(rs), mon, store, *apiKey, id)

	if store != nil {
		go server.runWriter(ctx)
		go server.processFailedRecords(ctx)
		go server.pruneRecords(ctx)
		log.Printf("[INFO] Retry configuration: max_retries=%d, initial_backoff=%v, max_backoff=%v",
			maxRetries, initialBackoff, maxBackoff)
		log.Printf("[INFO] Record queue size: %d, failed records queue size: %d", recordQueueSize, failedRecordsQueueSize)
	}

	// Log security configuration
	if *apiKey != "" {
		log.Println("[INFO] API key authentication enabled")
	} else {
		log.Println("[WARN] Running without API key authentication")
	}

	if *autostart {
		mon.Start(*interval)
	}

	srv := &http.Server{
		Addr:           ":" + *port,
		Handler:        loggingMiddleware(server.Routes()),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << 16, // 64KB max header size
	}

	go func() {
		log.Printf("[INFO] Server starting on port %s (device: %s)", *port, id)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[ERROR] Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("[INFO] Shutting down server...")
	// Closing the monitor ends open streams so Shutdown does not wait on them
	mon.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] Server shutdown error: %v", err)
	} else {
		log.Println("[INFO] Server shutdown complete")
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Security: Add comprehensive security headers
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")

		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		// Streams stay open until the client leaves
		if duration > 1*time.Second && r.URL.Path != "/stream" {
			log.Printf("[WARN] Slow request: %s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, duration)
		} else if *debug {
			log.Printf("[DEBUG] %s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, duration)
		}
	})
}
