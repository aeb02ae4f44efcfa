package rpc

import "distributed-resize/internal/domain"

// AliveStatus is the only valid payload of an Alive reply.
const AliveStatus = "still"

// RegisterOK is the only valid payload of a Register reply.
const RegisterOK = "ok"

type RegisterRequest struct {
	Record domain.WorkerRecord `json:"record"`
}

type RegisterReply struct {
	Status string `json:"status"`
}

type MethodConfigRequest struct {
	Capability string `json:"capability"`
}

type MethodConfigReply struct {
	Endpoints []domain.MethodEndpoint `json:"endpoints"`
}

type AliveRequest struct{}

// AliveReply carries the worker's current executor capacity so the registry
// can keep advertised threads fresh between registrations.
type AliveReply struct {
	Status  string `json:"status"`
	Threads int    `json:"threads"`
}

type TaskRequest struct {
	TaskID     string `json:"task_id"`
	Capability string `json:"capability"`
	Payload    []byte `json:"payload"`
}

type TaskReply struct {
	Payload []byte `json:"payload"`
}
