// Package sampler implements the periodic security check routines.
//
// Routines never touch the OS directly; they read samples through the
// sampler interfaces so the thresholding logic can run against canned data.
// HostSampler is the gopsutil-backed adapter.
package sampler

import (
	"context"
	"fmt"

	"guardsuite/internal/guardsuite"
)

// Default thresholds.
const (
	DefaultCPUThreshold        = 80.0
	DefaultConnectionThreshold = 100
	DefaultMemoryThreshold     = 90.0
)

// ProcessSample is one process CPU reading.
type ProcessSample struct {
	ProcessName string  `json:"name"`
	CPUPercent  float64 `json:"cpu"`
}

// NetInterface is a non-loopback IPv4 interface.
type NetInterface struct {
	Name        string `json:"name"`
	IPv4Address string `json:"address"`
}

// ResourceUsage is a host-wide resource reading.
type ResourceUsage struct {
	MemoryPercent float64 `json:"memory"`
	Load1         float64 `json:"load1"`
	CPUCount      int     `json:"cpus"`
}

// ProcessSampler reports per-process CPU utilisation.
type ProcessSampler interface {
	SampleProcessCPU(ctx context.Context) ([]ProcessSample, error)
}

// NetworkSampler enumerates interfaces and their active connections.
type NetworkSampler interface {
	ListActiveInterfaces(ctx context.Context) ([]NetInterface, error)
	CountConnections(ctx context.Context, interfaceName string) (int, error)
}

// ResourceSampler reports host memory and load.
type ResourceSampler interface {
	SampleResources(ctx context.Context) (ResourceUsage, error)
}

// Check is one check routine. Returned events carry no timestamp or ID;
// the monitor stamps them per cycle.
type Check interface {
	Name() string
	Run(ctx context.Context) ([]guardsuite.SecurityEvent, error)
}

// AppBehaviorCheck flags processes with excessive CPU usage.
type AppBehaviorCheck struct {
	Sampler   ProcessSampler
	Threshold float64
}

// Name implements Check.
func (*AppBehaviorCheck) Name() string { return "app_behavior" }

// Run implements Check.
func (c *AppBehaviorCheck) Run(ctx context.Context) ([]guardsuite.SecurityEvent, error) {
	samples, err := c.Sampler.SampleProcessCPU(ctx)
	if err != nil {
		return nil, fmt.Errorf("sample process cpu: %w", err)
	}

	threshold := c.Threshold
	if threshold <= 0 {
		threshold = DefaultCPUThreshold
	}

	var offenders []ProcessSample
	for _, s := range samples {
		if s.CPUPercent > threshold {
			offenders = append(offenders, s)
		}
	}
	if len(offenders) == 0 {
		return nil, nil
	}

	return []guardsuite.SecurityEvent{{
		Type:     guardsuite.EventAppScan,
		Severity: guardsuite.SeverityMedium,
		Details: map[string]any{
			"message":   fmt.Sprintf("%d process(es) above %.0f%% CPU", len(offenders), threshold),
			"processes": offenders,
		},
	}}, nil
}

// NetworkActivityCheck flags interfaces with too many active connections.
type NetworkActivityCheck struct {
	Sampler   NetworkSampler
	Threshold int
}

// Name implements Check.
func (*NetworkActivityCheck) Name() string { return "network_activity" }

// Run implements Check. One event per offending interface, in interface order.
func (c *NetworkActivityCheck) Run(ctx context.Context) ([]guardsuite.SecurityEvent, error) {
	ifaces, err := c.Sampler.ListActiveInterfaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	threshold := c.Threshold
	if threshold <= 0 {
		threshold = DefaultConnectionThreshold
	}

	var events []guardsuite.SecurityEvent
	for _, iface := range ifaces {
		count, err := c.Sampler.CountConnections(ctx, iface.Name)
		if err != nil {
			return nil, fmt.Errorf("count connections on %s: %w", iface.Name, err)
		}
		if count <= threshold {
			continue
		}
		events = append(events, guardsuite.SecurityEvent{
			Type:     guardsuite.EventNetworkActivity,
			Severity: guardsuite.SeverityMedium,
			Details: map[string]any{
				"interface":   iface.Name,
				"connections": count,
				"address":     iface.IPv4Address,
			},
		})
	}
	return events, nil
}

// PermissionChangeCheck is the extension point for runtime permission
// tracking. It reports nothing until a permission source is wired in.
type PermissionChangeCheck struct{}

// Name implements Check.
func (PermissionChangeCheck) Name() string { return "permission_changes" }

// Run implements Check.
func (PermissionChangeCheck) Run(context.Context) ([]guardsuite.SecurityEvent, error) {
	return nil, nil
}

// SystemResourceCheck raises a system alert when memory is nearly
// exhausted (medium) or the one minute load exceeds the CPU count (low).
type SystemResourceCheck struct {
	Sampler         ResourceSampler
	MemoryThreshold float64
}

// Name implements Check.
func (*SystemResourceCheck) Name() string { return "system_resources" }

// Run implements Check. At most one event per cycle.
func (c *SystemResourceCheck) Run(ctx context.Context) ([]guardsuite.SecurityEvent, error) {
	usage, err := c.Sampler.SampleResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("sample resources: %w", err)
	}

	threshold := c.MemoryThreshold
	if threshold <= 0 {
		threshold = DefaultMemoryThreshold
	}

	var severity guardsuite.Severity
	var message string
	switch {
	case usage.MemoryPercent > threshold:
		severity = guardsuite.SeverityMedium
		message = fmt.Sprintf("memory usage %.1f%% above %.0f%%", usage.MemoryPercent, threshold)
	case usage.CPUCount > 0 && usage.Load1 > float64(usage.CPUCount):
		severity = guardsuite.SeverityLow
		message = fmt.Sprintf("load average %.2f exceeds %d CPUs", usage.Load1, usage.CPUCount)
	default:
		return nil, nil
	}

	return []guardsuite.SecurityEvent{{
		Type:     guardsuite.EventSystemAlert,
		Severity: severity,
		Details: map[string]any{
			"message": message,
			"memory":  usage.MemoryPercent,
			"load1":   usage.Load1,
			"cpus":    usage.CPUCount,
		},
	}}, nil
}

// DefaultChecks returns the routines in their fixed cycle order:
// app behavior, network activity, permission changes.
func DefaultChecks(procs ProcessSampler, nets NetworkSampler) []Check {
	return []Check{
		&AppBehaviorCheck{Sampler: procs, Threshold: DefaultCPUThreshold},
		&NetworkActivityCheck{Sampler: nets, Threshold: DefaultConnectionThreshold},
		PermissionChangeCheck{},
	}
}
