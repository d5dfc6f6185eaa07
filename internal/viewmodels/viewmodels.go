// Package viewmodels provides summary views over security events and scan
// results for the API and the CLI.
package viewmodels

import (
	"sort"
	"time"

	"guardsuite/internal/guardsuite"
)

// maxRecentAlerts caps the high severity events listed in a summary.
const maxRecentAlerts = 10

// EventSummary is the /api/v1/summary view model.
type EventSummary struct {
	LastCheck      time.Time                    `json:"lastCheck"`
	BySeverity     map[guardsuite.Severity]int  `json:"bySeverity"`
	ByType         map[guardsuite.EventType]int `json:"byType"`
	PostureEmoji   string                       `json:"postureEmoji"`
	PostureMessage string                       `json:"postureMessage"`
	RecentAlerts   []guardsuite.SecurityEvent   `json:"recentAlerts"`
	ActiveMonitors guardsuite.ActiveMonitors    `json:"activeMonitors"`
	Total          int                          `json:"total"`
	IsActive       bool                         `json:"isActive"`
}

// BuildEventSummary counts events by severity and type. events are expected
// newest first, as the monitor returns them.
func BuildEventSummary(status guardsuite.MonitoringStatus, events []guardsuite.SecurityEvent) *EventSummary {
	s := &EventSummary{
		IsActive:       status.IsActive,
		LastCheck:      status.LastCheck,
		ActiveMonitors: status.ActiveMonitors,
		BySeverity: map[guardsuite.Severity]int{
			guardsuite.SeverityLow:    0,
			guardsuite.SeverityMedium: 0,
			guardsuite.SeverityHigh:   0,
		},
		ByType:       make(map[guardsuite.EventType]int),
		RecentAlerts: []guardsuite.SecurityEvent{},
		Total:        len(events),
	}

	for _, ev := range events {
		s.BySeverity[ev.Severity]++
		s.ByType[ev.Type]++
		if ev.Severity == guardsuite.SeverityHigh && len(s.RecentAlerts) < maxRecentAlerts {
			s.RecentAlerts = append(s.RecentAlerts, ev)
		}
	}

	switch {
	case !status.IsActive && status.LastCheck.IsZero():
		s.PostureEmoji = "➖"
		s.PostureMessage = "Monitoring has never run. Nothing to see, which is not the same as safe."
	case s.BySeverity[guardsuite.SeverityHigh] > 0:
		s.PostureEmoji = "❌"
		s.PostureMessage = "High severity events recorded. Someone should look at this now."
	case s.BySeverity[guardsuite.SeverityMedium] > 0:
		s.PostureEmoji = "⚠️"
		s.PostureMessage = "Some suspicious activity. Probably fine, but keep an eye on it."
	default:
		s.PostureEmoji = "✅"
		s.PostureMessage = "All quiet. Either very secure or very good at hiding."
	}

	return s
}

// ScanOverview summarizes a batch of scan results.
type ScanOverview struct {
	ByLevel  map[guardsuite.ThreatLevel]int `json:"byLevel"`
	Riskiest []RiskItem                     `json:"riskiest"`
	Total    int                            `json:"total"`
}

// RiskItem is one app in the overview, ordered by threat level.
type RiskItem struct {
	PackageName string                 `json:"packageName"`
	ThreatLevel guardsuite.ThreatLevel `json:"threatLevel"`
	Emoji       string                 `json:"emoji"`
	ThreatCount int                    `json:"threatCount"`
}

// BuildScanOverview counts results by level and lists every app sorted
// high before medium before low, then by threat count, then by name.
func BuildScanOverview(results []guardsuite.ThreatScanResult) *ScanOverview {
	o := &ScanOverview{
		ByLevel: map[guardsuite.ThreatLevel]int{
			guardsuite.ThreatLow:    0,
			guardsuite.ThreatMedium: 0,
			guardsuite.ThreatHigh:   0,
		},
		Riskiest: make([]RiskItem, 0, len(results)),
		Total:    len(results),
	}

	for _, r := range results {
		o.ByLevel[r.ThreatLevel]++
		o.Riskiest = append(o.Riskiest, RiskItem{
			PackageName: r.PackageName,
			ThreatLevel: r.ThreatLevel,
			Emoji:       LevelEmoji(r.ThreatLevel),
			ThreatCount: len(r.Threats),
		})
	}

	sort.SliceStable(o.Riskiest, func(i, j int) bool {
		a, b := o.Riskiest[i], o.Riskiest[j]
		if a.ThreatLevel.Rank() != b.ThreatLevel.Rank() {
			return a.ThreatLevel.Rank() > b.ThreatLevel.Rank()
		}
		if a.ThreatCount != b.ThreatCount {
			return a.ThreatCount > b.ThreatCount
		}
		return a.PackageName < b.PackageName
	})

	return o
}

// LevelEmoji returns the display marker for a threat level.
func LevelEmoji(level guardsuite.ThreatLevel) string {
	switch level {
	case guardsuite.ThreatHigh:
		return "❌"
	case guardsuite.ThreatMedium:
		return "⚠️"
	default:
		return "✅"
	}
}
