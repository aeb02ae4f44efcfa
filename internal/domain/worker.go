// internal/domain/worker.go
package domain

import (
	"net"
	"strconv"
	"time"
)

// WorkerAddress identifies one worker process.
type WorkerAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LocalAddress is the sentinel address of in-process execution. It never
// equals a network address because port 0 is not routable.
var LocalAddress = WorkerAddress{Host: "local", Port: 0}

// IsLocal reports whether the address is the local sentinel.
func (a WorkerAddress) IsLocal() bool {
	return a == LocalAddress
}

// String returns host:port, or "local" for the sentinel.
func (a WorkerAddress) String() string {
	if a.IsLocal() {
		return a.Host
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// WithPort returns the same host with another port.
func (a WorkerAddress) WithPort(port int) WorkerAddress {
	return WorkerAddress{Host: a.Host, Port: port}
}

// CapabilityPort advertises one capability served on a port of the worker.
type CapabilityPort struct {
	Capability string `json:"capability" validate:"required"`
	Port       int    `json:"port" validate:"gt=0,lte=65535"`
}

// WorkerRecord is what a worker advertises when it registers.
// Platform metadata is informational only.
type WorkerRecord struct {
	Address      WorkerAddress    `json:"address"`
	Threads      int              `json:"threads" validate:"gte=1"`
	Capabilities []CapabilityPort `json:"capabilities" validate:"required,min=1,dive"`
	Platform     string           `json:"platform,omitempty"`
	Arch         string           `json:"arch,omitempty"`
	CPUs         int              `json:"cpus,omitempty"`
	FreeMemory   uint64           `json:"free_memory,omitempty"`
	GoVersion    string           `json:"go_version,omitempty"`
}

// WorkerStatus is a point-in-time view of a registry record.
type WorkerStatus struct {
	Record       WorkerRecord `json:"record"`
	Alive        bool         `json:"alive"`
	RegisteredAt time.Time    `json:"registered_at"`
	LastProbeAt  time.Time    `json:"last_probe_at"`
}

// MethodEndpoint is one live provider of a capability as returned by a
// capability query.
type MethodEndpoint struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Threads int    `json:"threads"`
}

// Address returns the endpoint as a WorkerAddress.
func (e MethodEndpoint) Address() WorkerAddress {
	return WorkerAddress{Host: e.Host, Port: e.Port}
}
