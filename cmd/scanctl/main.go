// Package main implements scanctl, a CLI that scans app descriptor files
// against a guardsuite server or locally.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"gopkg.in/yaml.v3"

	"guardsuite/internal/guardsuite"
	"guardsuite/internal/rules"
	"guardsuite/internal/scanner"
	"guardsuite/internal/viewmodels"
)

const (
	// Retry configuration.
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	// HTTP client timeout.
	httpTimeout = 30 * time.Second
	// Largest descriptor file accepted.
	maxInputSize = 1024 * 1024
)

var (
	server    = flag.String("server", "", "Server URL (e.g., http://localhost:8080)")
	apiKey    = flag.String("api-key", "", "API key sent as X-API-Key")
	file      = flag.String("file", "", "App descriptor file (JSON or YAML); - reads stdin")
	local     = flag.Bool("local", false, "Scan locally instead of calling the server")
	rulesPath = flag.String("rules", "", "Risk rules YAML for -local scans (defaults to the embedded rules)")
	jsonOut   = flag.Bool("json", false, "Print raw results as JSON")
	verbose   = flag.Bool("v", false, "Print threats and recommendations for each app")
	debug     = flag.Bool("debug", false, "Enable debug logging")
)

// appsFile is the descriptor file layout. A bare list of apps is also accepted.
type appsFile struct {
	Apps []guardsuite.AppDescriptor `json:"apps" yaml:"apps"`
}

// Client submits apps to a guardsuite server.
type Client struct {
	httpClient *http.Client
	serverURL  string
	apiKey     string
	retryDelay time.Duration
}

// NewClient returns a client for the server at serverURL.
func NewClient(serverURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: httpTimeout},
		serverURL:  strings.TrimSuffix(serverURL, "/"),
		apiKey:     apiKey,
		retryDelay: initialBackoff,
	}
}

// options holds the parsed command line.
type options struct {
	server  string
	apiKey  string
	file    string
	rules   string
	local   bool
	jsonOut bool
	verbose bool
}

func main() {
	flag.Parse()

	if !*debug {
		log.SetOutput(io.Discard)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := options{
		server:  *server,
		apiKey:  *apiKey,
		file:    *file,
		rules:   *rulesPath,
		local:   *local,
		jsonOut: *jsonOut,
		verbose: *verbose,
	}
	if err := run(ctx, opts, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "scanctl: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, stdin io.Reader, stdout io.Writer) error {
	if opts.file == "" {
		return errors.New("an app descriptor file is required (use -file)")
	}
	if !opts.local && opts.server == "" {
		return errors.New("server URL is required (use -server, or -local to scan without one)")
	}

	var in io.Reader = stdin
	if opts.file != "-" {
		f, err := os.Open(opts.file)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", opts.file, err)
		}
		defer func() {
			if err := f.Close(); err != nil {
				log.Printf("[WARN] Error closing %s: %v", opts.file, err)
			}
		}()
		in = f
	}

	apps, err := loadApps(in)
	if err != nil {
		return err
	}
	log.Printf("[INFO] Loaded %d apps from %s", len(apps), opts.file)

	var results []guardsuite.ThreatScanResult
	if opts.local {
		rs := rules.Default()
		if opts.rules != "" {
			if rs, err = rules.Load(opts.rules); err != nil {
				return err
			}
		}
		results, err = scanner.New(rs).BulkScan(apps)
	} else {
		results, err = NewClient(opts.server, opts.apiKey).Scan(ctx, apps)
	}
	if err != nil {
		return err
	}

	if opts.jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	printResults(stdout, results, opts.verbose)
	return nil
}

// loadApps decodes a descriptor document. YAML decoding also accepts JSON.
func loadApps(r io.Reader) ([]guardsuite.AppDescriptor, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptors: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("descriptor file exceeds %d bytes", maxInputSize)
	}

	var doc appsFile
	if err := yaml.Unmarshal(data, &doc); err == nil && doc.Apps != nil {
		return doc.Apps, nil
	}
	var apps []guardsuite.AppDescriptor
	if err := yaml.Unmarshal(data, &apps); err != nil {
		return nil, fmt.Errorf("failed to parse descriptors: %w", err)
	}
	if len(apps) == 0 {
		return nil, errors.New("no apps found in descriptor file")
	}
	return apps, nil
}

// Scan posts apps to /scan, retrying transport and server failures.
// Client errors such as 400 or 401 fail on the first attempt.
func (c *Client) Scan(ctx context.Context, apps []guardsuite.AppDescriptor) ([]guardsuite.ThreatScanResult, error) {
	start := time.Now()
	data, err := json.Marshal(map[string]any{"apps": apps})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	results, err := retry.DoWithData(func() ([]guardsuite.ThreatScanResult, error) {
		return c.send(ctx, data)
	}, retry.Attempts(maxRetries), retry.Delay(c.retryDelay), retry.MaxDelay(maxBackoff))
	if err != nil {
		return nil, err
	}
	log.Printf("[INFO] Server scanned %d apps in %v", len(results), time.Since(start))
	return results, nil
}

func (c *Client) send(ctx context.Context, data []byte) ([]guardsuite.ThreatScanResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/scan", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("[WARN] Error closing response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Unrecoverable(err)
		}
		return nil, err
	}

	var out struct {
		Results []guardsuite.ThreatScanResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Results, nil
}

func printResults(w io.Writer, results []guardsuite.ThreatScanResult, verbose bool) {
	byName := make(map[string]guardsuite.ThreatScanResult, len(results))
	for _, r := range results {
		byName[r.PackageName] = r
	}

	overview := viewmodels.BuildScanOverview(results)
	for _, item := range overview.Riskiest {
		fmt.Fprintf(w, "%s %-40s %-6s %d threats\n", item.Emoji, item.PackageName, item.ThreatLevel, item.ThreatCount)
		if !verbose {
			continue
		}
		r := byName[item.PackageName]
		for _, t := range r.Threats {
			fmt.Fprintf(w, "    - %s\n", t)
		}
		for _, rec := range r.Recommendations {
			fmt.Fprintf(w, "    > %s\n", rec)
		}
	}
	fmt.Fprintf(w, "\n%d apps: %d high, %d medium, %d low\n", overview.Total,
		overview.ByLevel[guardsuite.ThreatHigh], overview.ByLevel[guardsuite.ThreatMedium], overview.ByLevel[guardsuite.ThreatLow])
}
