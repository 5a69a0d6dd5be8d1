// Package backend defines shared types for the container backend abstraction.
package backend

import "time"

// BotSpec describes how a bot workload container should be created.
type BotSpec struct {
	// BotID is the unique bot identifier (used for the container name and label).
	BotID string
	// OwnerID is the tenant that owns the bot.
	OwnerID string
	// Code is the workload source payload fetched from source storage.
	Code []byte
	// Entrypoint is the file name the code is materialized as (e.g. "main.py").
	Entrypoint string
	// Image is the runtime image the workload runs in.
	Image string
	// Credential is the bot's messaging-platform token, injected as BOT_TOKEN.
	Credential string
	// Env holds additional environment variables for the container.
	Env map[string]string
	// IngressPort is the HTTP port the workload's webhook ingress listens on
	// inside the container.
	IngressPort int
}

// Handle identifies a live (or formerly live) workload instance.
type Handle struct {
	// BotID is the logical bot ID the instance belongs to.
	BotID string
	// ContainerRef is the backend's opaque instance identifier.
	ContainerRef string
	// IngressURL is the base URL webhook payloads are forwarded to
	// (e.g. "http://172.20.0.5:8081").
	IngressURL string
}

// InstanceState mirrors the substrate's coarse container states.
type InstanceState string

const (
	StateRunning InstanceState = "running"
	StateStopped InstanceState = "stopped"
	StateExited  InstanceState = "exited"
	StateCreated InstanceState = "created"
	StateUnknown InstanceState = "unknown"
)

// Status is the backend's authoritative view of a bot's instance, independent
// of whatever the state store currently believes.
type Status struct {
	BotID        string
	Running      bool
	ContainerRef string
	IngressURL   string
	State        InstanceState
	StartedAt    time.Time
	FinishedAt   time.Time
	ExitCode     int
	Error        string
}

// DefaultIngressPort is the webhook ingress port bot workloads listen on.
const DefaultIngressPort = 8081

// ContainerNameFor returns the container name for a bot ID.
func ContainerNameFor(botID string) string {
	return "botsmith-bot-" + botID
}
