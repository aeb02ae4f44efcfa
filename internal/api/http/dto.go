package http

import (
	"time"

	"distributed-resize/internal/domain"
)

// CapabilityRequest is the DTO for one advertised capability.
type CapabilityRequest struct {
	Name string `json:"name" validate:"required,min=1,max=64"`
	Port int    `json:"port" validate:"required,gt=0,lte=65535"`
}

// RegisterWorkerRequest is the Data Transfer Object for registering a worker
// over HTTP instead of gRPC.
type RegisterWorkerRequest struct {
	Host         string              `json:"host" validate:"required,hostname|ip"`
	Port         int                 `json:"port" validate:"required,gt=0,lte=65535"`
	Threads      int                 `json:"threads" validate:"required,gte=1"`
	Capabilities []CapabilityRequest `json:"capabilities" validate:"required,min=1,dive"`
	Platform     string              `json:"platform"`
	Arch         string              `json:"arch"`
	CPUs         int                 `json:"cpus" validate:"gte=0"`
}

// ToDomainRecord converts a RegisterWorkerRequest DTO to a domain.WorkerRecord.
func (r *RegisterWorkerRequest) ToDomainRecord() domain.WorkerRecord {
	caps := make([]domain.CapabilityPort, 0, len(r.Capabilities))
	for _, c := range r.Capabilities {
		caps = append(caps, domain.CapabilityPort{Capability: c.Name, Port: c.Port})
	}
	return domain.WorkerRecord{
		Address:      domain.WorkerAddress{Host: r.Host, Port: r.Port},
		Threads:      r.Threads,
		Capabilities: caps,
		Platform:     r.Platform,
		Arch:         r.Arch,
		CPUs:         r.CPUs,
	}
}

// WorkerResponse is one row of GET /workers.
type WorkerResponse struct {
	Address      string    `json:"address"`
	Alive        bool      `json:"alive"`
	Threads      int       `json:"threads"`
	Capabilities []string  `json:"capabilities"`
	Platform     string    `json:"platform,omitempty"`
	Arch         string    `json:"arch,omitempty"`
	CPUs         int       `json:"cpus,omitempty"`
	FreeMemoryGB float64   `json:"free_memory_gb,omitempty"`
	GoVersion    string    `json:"go_version,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastProbeAt  time.Time `json:"last_probe_at"`
}

func newWorkerResponse(s domain.WorkerStatus) WorkerResponse {
	caps := make([]string, 0, len(s.Record.Capabilities))
	for _, c := range s.Record.Capabilities {
		caps = append(caps, c.Capability)
	}
	return WorkerResponse{
		Address:      s.Record.Address.String(),
		Alive:        s.Alive,
		Threads:      s.Record.Threads,
		Capabilities: caps,
		Platform:     s.Record.Platform,
		Arch:         s.Record.Arch,
		CPUs:         s.Record.CPUs,
		FreeMemoryGB: float64(s.Record.FreeMemory) / (1 << 30),
		GoVersion:    s.Record.GoVersion,
		RegisteredAt: s.RegisteredAt,
		LastProbeAt:  s.LastProbeAt,
	}
}
