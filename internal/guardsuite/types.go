// Package guardsuite defines shared data structures for the guardsuite threat engine.
package guardsuite

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy. Callers match with errors.Is.
var (
	// ErrInvalidArgument marks malformed scan input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrCheckRoutine marks a single sampling routine failure. Non-fatal.
	ErrCheckRoutine = errors.New("check routine failed")
	// ErrCycle marks an unexpected failure spanning a whole poll cycle.
	ErrCycle = errors.New("poll cycle failed")
	// ErrTransport marks a failed delivery to a subscriber.
	ErrTransport = errors.New("subscriber transport failed")
)

// ThreatLevel is the classification assigned to a scanned app.
type ThreatLevel string

// Threat levels, lowest first.
const (
	ThreatLow    ThreatLevel = "low"
	ThreatMedium ThreatLevel = "medium"
	ThreatHigh   ThreatLevel = "high"
)

// Rank returns an integer rank for comparison (low=1, high=3).
func (l ThreatLevel) Rank() int {
	switch l {
	case ThreatLow:
		return 1
	case ThreatMedium:
		return 2
	case ThreatHigh:
		return 3
	default:
		return 0
	}
}

// Severity grades a security event. It shares the threat level vocabulary.
type Severity = ThreatLevel

// Event severities.
const (
	SeverityLow    = ThreatLow
	SeverityMedium = ThreatMedium
	SeverityHigh   = ThreatHigh
)

// EventType identifies the check category that produced a SecurityEvent.
type EventType string

// Event types.
const (
	EventAppScan          EventType = "app_scan"
	EventNetworkActivity  EventType = "network_activity"
	EventPermissionChange EventType = "permission_change"
	EventSystemAlert      EventType = "system_alert"
)

// AppDescriptor describes an installed app submitted for scanning.
type AppDescriptor struct {
	PackageName        string   `json:"packageName" yaml:"packageName"`
	AppName            string   `json:"appName,omitempty" yaml:"appName,omitempty"`
	VersionName        string   `json:"versionName,omitempty" yaml:"versionName,omitempty"`
	Permissions        []string `json:"permissions" yaml:"permissions"`
	NetworkConnections []string `json:"networkConnections,omitempty" yaml:"networkConnections,omitempty"`
	VersionCode        int      `json:"versionCode,omitempty" yaml:"versionCode,omitempty"`
}

// Validate reports ErrInvalidArgument when a required field is missing.
// A nil permission list is missing; an empty one is valid.
func (a *AppDescriptor) Validate() error {
	if a.PackageName == "" {
		return fmt.Errorf("%w: packageName is required", ErrInvalidArgument)
	}
	if a.Permissions == nil {
		return fmt.Errorf("%w: permissions are required for %s", ErrInvalidArgument, a.PackageName)
	}
	return nil
}

// ThreatScanResult is the outcome of one scan. Results are never merged.
type ThreatScanResult struct {
	LastScanned     time.Time   `json:"lastScanned"`
	PackageName     string      `json:"packageName"`
	ThreatLevel     ThreatLevel `json:"threatLevel"`
	Threats         []string    `json:"threats"`
	Recommendations []string    `json:"recommendations"`
}

// SecurityEvent is one detected condition from a poll cycle.
type SecurityEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details"`
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
}

// ActiveMonitors reports which check categories are enabled.
// All flags are display-only and always true.
type ActiveMonitors struct {
	AppBehavior       bool `json:"appBehavior"`
	NetworkActivity   bool `json:"networkActivity"`
	PermissionChanges bool `json:"permissionChanges"`
}

// MonitoringStatus is a snapshot of the monitor state.
type MonitoringStatus struct {
	LastCheck      time.Time      `json:"lastCheck"`
	ActiveMonitors ActiveMonitors `json:"activeMonitors"`
	IsActive       bool           `json:"isActive"`
}
