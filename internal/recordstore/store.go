// Package recordstore provides Git-based append-only storage for scan results
// and security events.
package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"

	"guardsuite/internal/guardsuite"
)

const (
	// Directory permissions.
	recordDirPerm = 0o750
	repoDirPerm   = 0o750
	// File permissions.
	recordFilePerm = 0o600
	// String replacement constant.
	replacementChar = "-"
	// Longest sanitized path component.
	maxIDLength = 255
	// Retry configuration for git operations.
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	// Git command timeout.
	gitTimeout = 30 * time.Second

	// DefaultScanTTL is how long scan records are retained.
	DefaultScanTTL = 30 * 24 * time.Hour
	// DefaultEventTTL is how long event records are retained.
	DefaultEventTTL = 90 * 24 * time.Hour

	scansDir  = "scans"
	eventsDir = "events"
)

// ScanRecord is a persisted scan result.
type ScanRecord struct {
	StoredAt time.Time                   `json:"stored_at"`
	ID       string                      `json:"id"`
	Result   guardsuite.ThreatScanResult `json:"result"`
}

// EventRecord is a persisted security event.
type EventRecord struct {
	StoredAt time.Time                `json:"stored_at"`
	ID       string                   `json:"id"`
	DeviceID string                   `json:"device_id"`
	Event    guardsuite.SecurityEvent `json:"event"`
}

// Store provides Git-based storage for scan and event records.
type Store struct {
	gitURL   string
	repoPath string
	scanTTL  time.Duration
	eventTTL time.Duration
	mu       sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithRetention overrides the default TTLs. Zero keeps the default.
func WithRetention(scanTTL, eventTTL time.Duration) Option {
	return func(s *Store) {
		if scanTTL > 0 {
			s.scanTTL = scanTTL
		}
		if eventTTL > 0 {
			s.eventTTL = eventTTL
		}
	}
}

// New creates a store. A gitURL starting with "/" or "./" is used as a local
// repository in place; anything else is cloned to a temp directory and
// pushed after each commit.
func New(ctx context.Context, gitURL string, opts ...Option) (*Store, error) {
	tempDir := filepath.Join(os.TempDir(), fmt.Sprintf("guardsuite-%d", time.Now().Unix()))

	s := &Store{
		repoPath: tempDir,
		gitURL:   gitURL,
		scanTTL:  DefaultScanTTL,
		eventTTL: DefaultEventTTL,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize record store: %w", err)
	}

	log.Printf("[INFO] Record store initialized: %s (repo: %s, scan ttl: %v, event ttl: %v)",
		gitURL, s.repoPath, s.scanTTL, s.eventTTL)
	return s, nil
}

func (s *Store) isLocal() bool {
	return strings.HasPrefix(s.gitURL, "/") || strings.HasPrefix(s.gitURL, "./")
}

func (s *Store) initialize(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isLocal() {
		s.repoPath = s.gitURL
		if err := os.MkdirAll(s.repoPath, repoDirPerm); err != nil {
			return fmt.Errorf("failed to create repository directory: %w", err)
		}
		if _, err := os.Stat(filepath.Join(s.repoPath, ".git")); os.IsNotExist(err) {
			log.Printf("[INFO] Initializing new local git repository: %s", s.repoPath)
			if err := s.runGitCommandWithRetry(ctx, "init"); err != nil {
				return fmt.Errorf("failed to init local repository: %w", err)
			}
		} else {
			log.Printf("[INFO] Using existing local git repository: %s", s.repoPath)
		}
	} else {
		log.Printf("[INFO] Cloning remote repository: %s", s.gitURL)
		if err := s.runGitCommandInDirWithRetry(ctx, "", "clone", s.gitURL, s.repoPath); err != nil {
			return fmt.Errorf("failed to clone repository: %w", err)
		}
	}

	if err := s.runGitCommandWithRetry(ctx, "config", "user.email", "guardsuite@localhost"); err != nil {
		return err
	}
	if err := s.runGitCommandWithRetry(ctx, "config", "user.name", "guardsuite"); err != nil {
		return err
	}

	for _, dir := range []string{scansDir, eventsDir} {
		if err := os.MkdirAll(filepath.Join(s.repoPath, dir), repoDirPerm); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	log.Printf("[INFO] Record store initialization completed in %v", time.Since(start))
	return nil
}

// SaveScan appends a scan result keyed by package name and scan time.
func (s *Store) SaveScan(ctx context.Context, result guardsuite.ThreatScanResult) (ScanRecord, error) {
	if result.PackageName == "" {
		return ScanRecord{}, fmt.Errorf("%w: scan result has no package name", guardsuite.ErrInvalidArgument)
	}
	at := result.LastScanned
	if at.IsZero() {
		at = time.Now()
	}
	rec := ScanRecord{ID: uuid.NewString(), StoredAt: time.Now(), Result: result}

	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.repoPath, scansDir, sanitizeID(result.PackageName))
	if err := s.writeRecord(dir, recordName(at, rec.ID), rec); err != nil {
		return ScanRecord{}, err
	}
	s.commit(ctx, fmt.Sprintf("Scan %s (%s)", result.PackageName, result.ThreatLevel))
	return rec, nil
}

// SaveEvent appends a security event keyed by device and event time.
func (s *Store) SaveEvent(ctx context.Context, deviceID string, event guardsuite.SecurityEvent) (EventRecord, error) {
	if deviceID == "" {
		return EventRecord{}, fmt.Errorf("%w: device id is required", guardsuite.ErrInvalidArgument)
	}
	at := event.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}
	rec := EventRecord{ID: id, DeviceID: deviceID, StoredAt: time.Now(), Event: event}

	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.repoPath, eventsDir, sanitizeID(deviceID))
	if err := s.writeRecord(dir, recordName(at, id), rec); err != nil {
		return EventRecord{}, err
	}
	s.commit(ctx, fmt.Sprintf("Event %s/%s on %s", event.Type, event.Severity, deviceID))
	return rec, nil
}

// ListScans returns the stored scans for a package, newest first.
func (s *Store) ListScans(ctx context.Context, packageName string) ([]ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pull(ctx)

	dir := filepath.Join(s.repoPath, scansDir, sanitizeID(packageName))
	var out []ScanRecord
	err := readRecords(dir, func(data []byte) error {
		var rec ScanRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// ListEvents returns the stored events for a device, newest first.
func (s *Store) ListEvents(ctx context.Context, deviceID string) ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pull(ctx)

	dir := filepath.Join(s.repoPath, eventsDir, sanitizeID(deviceID))
	var out []EventRecord
	err := readRecords(dir, func(data []byte) error {
		var rec EventRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Prune deletes records older than their TTL relative to now and returns
// how many were removed.
func (s *Store) Prune(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for dir, ttl := range map[string]time.Duration{scansDir: s.scanTTL, eventsDir: s.eventTTL} {
		cutoff := now.Add(-ttl)
		n, err := pruneTree(filepath.Join(s.repoPath, dir), cutoff)
		removed += n
		if err != nil {
			return removed, fmt.Errorf("failed to prune %s: %w", dir, err)
		}
	}

	if removed > 0 {
		s.commit(ctx, fmt.Sprintf("Prune %d expired records", removed))
	}
	log.Printf("[INFO] Pruned %d expired records in %v", removed, time.Since(start))
	return removed, nil
}

// writeRecord writes one record file. Caller holds s.mu.
func (s *Store) writeRecord(dir, name string, rec any) error {
	// Security: Verify the path stays within repo bounds
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve record directory: %w", err)
	}
	absRepoPath, err := filepath.Abs(s.repoPath)
	if err != nil {
		return fmt.Errorf("failed to resolve repo path: %w", err)
	}
	if !strings.HasPrefix(absDir, absRepoPath+string(filepath.Separator)) {
		return errors.New("security error: path traversal detected")
	}

	if err := os.MkdirAll(dir, recordDirPerm); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, recordFilePerm); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// commit stages and commits all changes. Git failures degrade gracefully:
// the record stays on disk and is picked up by the next commit.
// Caller holds s.mu.
func (s *Store) commit(ctx context.Context, msg string) {
	if err := retry.Do(func() error {
		return s.runGitCommand(ctx, "add", "-A")
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
		log.Printf("[WARN] Git add failed: %v", err)
		return
	}

	status, err := retry.DoWithData(func() (string, error) {
		return s.runGitCommandOutput(ctx, "status", "--porcelain")
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
	if err != nil {
		log.Printf("[WARN] Git status failed: %v", err)
		return
	}
	if strings.TrimSpace(status) == "" {
		log.Printf("[DEBUG] No changes to commit for %q", msg)
		return
	}

	if err := retry.Do(func() error {
		return s.runGitCommand(ctx, "commit", "-m", msg)
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
		log.Printf("[WARN] Git commit failed: %v", err)
		return
	}

	if !s.isLocal() {
		if err := retry.Do(func() error {
			return s.runGitCommand(ctx, "push")
		}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
			// Don't return error - push failure is not critical
			log.Printf("[WARN] Git push failed: %v", err)
		}
	}
}

// pull refreshes a cloned repository. Caller holds s.mu.
func (s *Store) pull(ctx context.Context) {
	if s.isLocal() {
		return
	}
	if err := retry.Do(func() error {
		return s.runGitCommand(ctx, "pull")
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
		log.Printf("[WARN] Git pull failed: %v (continuing with local data)", err)
	}
}

// recordName encodes the record time so names sort chronologically.
func recordName(at time.Time, id string) string {
	return fmt.Sprintf("%019d-%s.json", at.UnixNano(), sanitizeID(id))
}

// recordTime decodes the time prefix written by recordName.
func recordTime(name string) (time.Time, bool) {
	prefix, _, ok := strings.Cut(name, "-")
	if !ok {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

// readRecords decodes every record in dir, newest first. A missing
// directory yields no records. Unreadable files are logged and skipped.
func readRecords(dir string, decode func([]byte) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read record directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Printf("[WARN] Failed to read record %s: %v", name, err)
			continue
		}
		if err := decode(data); err != nil {
			log.Printf("[WARN] Failed to decode record %s: %v", name, err)
		}
	}
	return nil
}

// pruneTree removes record files under root whose time is before cutoff,
// and any record directories left empty.
func pruneTree(root string, cutoff time.Time) (int, error) {
	groups, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, group := range groups {
		if !group.IsDir() {
			continue
		}
		dir := filepath.Join(root, group.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			return removed, err
		}
		kept := 0
		for _, entry := range entries {
			at, ok := recordTime(entry.Name())
			if !ok || !at.Before(cutoff) {
				kept++
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				return removed, err
			}
			removed++
		}
		if kept == 0 {
			if err := os.Remove(dir); err != nil {
				log.Printf("[WARN] Failed to remove empty record directory %s: %v", dir, err)
			}
		}
	}
	return removed, nil
}

func (s *Store) runGitCommand(ctx context.Context, args ...string) error {
	return s.runGitCommandInDir(ctx, s.repoPath, args...)
}

func (s *Store) runGitCommandWithRetry(ctx context.Context, args ...string) error {
	return s.runGitCommandInDirWithRetry(ctx, s.repoPath, args...)
}

func (s *Store) runGitCommandInDirWithRetry(ctx context.Context, dir string, args ...string) error {
	return retry.Do(func() error {
		return s.runGitCommandInDir(ctx, dir, args...)
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
}

func (*Store) runGitCommandInDir(ctx context.Context, dir string, args ...string) error {
	// Add timeout to prevent hanging git operations
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	output, err := cmd.CombinedOutput()
	duration := time.Since(start)

	if err != nil {
		log.Printf("[DEBUG] Git command failed in %v: git %v (error: %v, output: %s)",
			duration, args, err, string(output))
		return fmt.Errorf("git %v failed: %w\n%s", args, err, output)
	}

	log.Printf("[DEBUG] Git command completed in %v: git %v", duration, args)
	return nil
}

func (s *Store) runGitCommandOutput(ctx context.Context, args ...string) (string, error) {
	// Add timeout to prevent hanging git operations
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.repoPath

	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %v failed: %w", args, err)
	}
	return string(output), nil
}

// sanitizeID maps an identifier to a safe single path component.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteString(replacementChar)
		}
	}
	out := strings.Trim(b.String(), ".-")
	if len(out) > maxIDLength {
		out = out[:maxIDLength]
	}
	if out == "" {
		return "unknown"
	}
	return out
}
