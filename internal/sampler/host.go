package sampler

import (
	"context"
	"fmt"
	"log"
	"net"
	"slices"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

const establishedStatus = "ESTABLISHED"

// HostSampler reads process and network state from the local host.
// Results are platform dependent; unsupported platforms return errors that
// the monitor logs and skips.
type HostSampler struct {
	Debug bool
}

// SampleProcessCPU implements ProcessSampler. Processes that vanish or deny
// access mid-scan are skipped.
func (h *HostSampler) SampleProcessCPU(ctx context.Context) ([]ProcessSample, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	samples := make([]ProcessSample, 0, len(procs))
	skipped := 0
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cpu, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			skipped++
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			name = fmt.Sprintf("pid-%d", p.Pid)
		}
		samples = append(samples, ProcessSample{ProcessName: name, CPUPercent: cpu})
	}

	if h.Debug {
		log.Printf("[DEBUG] Sampled CPU for %d processes (%d skipped)", len(samples), skipped)
	}
	return samples, nil
}

// ListActiveInterfaces implements NetworkSampler. Loopback interfaces and
// interfaces without an IPv4 address are excluded.
func (*HostSampler) ListActiveInterfaces(ctx context.Context) ([]NetInterface, error) {
	stats, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	var out []NetInterface
	for _, st := range stats {
		if slices.Contains(st.Flags, "loopback") {
			continue
		}
		for _, addr := range st.Addrs {
			ip := parseIPv4(addr.Addr)
			if ip == nil || ip.IsLoopback() {
				continue
			}
			out = append(out, NetInterface{Name: st.Name, IPv4Address: ip.String()})
			break
		}
	}
	return out, nil
}

// CountConnections implements NetworkSampler. It counts established inet
// connections whose local address belongs to the interface.
func (*HostSampler) CountConnections(ctx context.Context, interfaceName string) (int, error) {
	stats, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list interfaces: %w", err)
	}

	local := make(map[string]bool)
	for _, st := range stats {
		if st.Name != interfaceName {
			continue
		}
		for _, addr := range st.Addrs {
			if ip := parseIPv4(addr.Addr); ip != nil {
				local[ip.String()] = true
			}
		}
	}
	if len(local) == 0 {
		return 0, fmt.Errorf("interface %s has no IPv4 address", interfaceName)
	}

	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return 0, fmt.Errorf("failed to list connections: %w", err)
	}

	count := 0
	for _, c := range conns {
		if c.Status == establishedStatus && local[c.Laddr.IP] {
			count++
		}
	}
	return count, nil
}

// SampleResources implements ResourceSampler.
func (*HostSampler) SampleResources(ctx context.Context) (ResourceUsage, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("failed to read memory: %w", err)
	}
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("failed to read load average: %w", err)
	}
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("failed to count cpus: %w", err)
	}
	return ResourceUsage{MemoryPercent: vm.UsedPercent, Load1: avg.Load1, CPUCount: cpus}, nil
}

// parseIPv4 accepts "a.b.c.d" or CIDR notation and returns nil for non-IPv4.
func parseIPv4(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		var err error
		ip, _, err = net.ParseCIDR(s)
		if err != nil {
			return nil
		}
	}
	return ip.To4()
}
