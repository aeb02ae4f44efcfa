package worker

import (
	"fmt"
	"net"

	"distributed-resize/internal/domain"
)

// BuildRecord assembles the registration record for a worker serving
// capability on port.
func BuildRecord(info SystemInfo, policy CapacityPolicy, host string, port int, capability string) domain.WorkerRecord {
	return domain.WorkerRecord{
		Address:      domain.WorkerAddress{Host: host, Port: port},
		Threads:      max(1, policy.Threads(info)),
		Capabilities: []domain.CapabilityPort{{Capability: capability, Port: port}},
		Platform:     info.Platform,
		Arch:         info.Arch,
		CPUs:         info.CPUs,
		FreeMemory:   info.FreeMemory,
		GoVersion:    info.GoVersion,
	}
}

// DetectHost returns the first non-loopback IPv4 address of this machine.
func DetectHost() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("failed to list interface addresses: %w", err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}

// ListenPort extracts the port of a listen address such as ":4000".
func ListenPort(listenAddr string) (int, error) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid port in %q: %w", listenAddr, err)
	}
	return port, nil
}
