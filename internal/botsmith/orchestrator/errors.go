package orchestrator

import "fmt"

// ValidationError means the request could never succeed: unknown bot, wrong
// owner, malformed credential, missing source. Nothing was provisioned and
// no state changed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// ProvisioningError means the backend failed or timed out while creating or
// tearing down an instance. The bot has been transitioned to "error" and any
// partially created instance was cleaned up best-effort.
type ProvisioningError struct {
	Stage string
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning (%s): %v", e.Stage, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// ReconciliationError means the backend call succeeded but the state-store
// write that should have recorded it failed. The persisted record is now
// behind reality; the reconciler repairs it from the backend's authoritative
// status. Never swallowed.
type ReconciliationError struct {
	Op           string
	BotID        string
	ContainerRef string
	Err          error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation needed after %s of bot %s (container %s): %v",
		e.Op, e.BotID, e.ContainerRef, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }
