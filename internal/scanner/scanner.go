// Package scanner classifies apps by their declared permissions.
package scanner

import (
	"fmt"
	"time"

	"guardsuite/internal/guardsuite"
	"guardsuite/internal/rules"
)

// Recommendation strings.
const (
	RecommendReview  = "Review and restrict app permissions"
	RecommendRemove  = "Consider removing this app"
	RecommendMonitor = "Monitor app behavior and network activity"
)

// Scanner evaluates AppDescriptors against a rule set. It holds no mutable
// state and is safe for concurrent use.
type Scanner struct {
	rules *rules.RuleSet
	now   func() time.Time
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithClock overrides the time source used for LastScanned.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// New creates a Scanner. A nil rule set selects the embedded defaults.
func New(rs *rules.RuleSet, opts ...Option) *Scanner {
	if rs == nil {
		rs = rules.Default()
	}
	s := &Scanner{rules: rs, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScanApp classifies one app. It fails with guardsuite.ErrInvalidArgument on
// malformed input and never returns a partial result.
func (s *Scanner) ScanApp(app guardsuite.AppDescriptor) (guardsuite.ThreatScanResult, error) {
	if err := app.Validate(); err != nil {
		return guardsuite.ThreatScanResult{}, err
	}

	result := guardsuite.ThreatScanResult{
		PackageName:     app.PackageName,
		ThreatLevel:     guardsuite.ThreatLow,
		Threats:         []string{},
		Recommendations: []string{},
	}

	granted := make(map[string]bool, len(app.Permissions))
	var dangerous []string
	for _, perm := range app.Permissions {
		if granted[perm] {
			continue
		}
		granted[perm] = true
		if s.rules.IsDangerous(perm) {
			dangerous = append(dangerous, perm)
		}
	}

	if len(dangerous) > 0 {
		result.Threats = append(result.Threats, fmt.Sprintf("Found %d dangerous permission(s)", len(dangerous)))
		for _, perm := range dangerous {
			result.Threats = append(result.Threats, "Dangerous permission: "+perm)
		}
	}

	th := s.rules.Thresholds()
	switch {
	case len(dangerous) >= th.High:
		result.ThreatLevel = guardsuite.ThreatHigh
		result.Recommendations = append(result.Recommendations, RecommendReview, RecommendRemove)
	case len(dangerous) >= th.Medium:
		result.ThreatLevel = guardsuite.ThreatMedium
		result.Recommendations = append(result.Recommendations, RecommendReview)
	default:
		// Below every threshold: level stays low
	}
	thresholdRecommended := len(result.Recommendations) > 0

	// Pairs escalate independently of the count; there is no way back down
	for _, pair := range s.rules.Pairs() {
		if pair.Matches(granted) {
			result.Threats = append(result.Threats, "Suspicious permission combination: "+pair.Label)
			result.ThreatLevel = guardsuite.ThreatHigh
		}
	}

	if len(result.Threats) > 0 && !thresholdRecommended {
		result.Recommendations = append(result.Recommendations, RecommendMonitor)
		if result.ThreatLevel == guardsuite.ThreatHigh {
			result.Recommendations = append(result.Recommendations, RecommendRemove)
		}
	}

	result.LastScanned = s.now()
	return result, nil
}

// BulkScan scans each app independently. Output order matches input order.
// The first invalid descriptor fails the whole batch.
func (s *Scanner) BulkScan(apps []guardsuite.AppDescriptor) ([]guardsuite.ThreatScanResult, error) {
	results := make([]guardsuite.ThreatScanResult, 0, len(apps))
	for i, app := range apps {
		result, err := s.ScanApp(app)
		if err != nil {
			return nil, fmt.Errorf("app %d: %w", i, err)
		}
		results = append(results, result)
	}
	return results, nil
}
