package backend

import (
	"context"
	"errors"
)

// ErrConflict is wrapped by Create when the substrate reports an instance for
// this bot already live (e.g. a name collision or the upstream platform
// rejecting a second connection). The orchestrator reacts with a forced
// cleanup-then-recreate.
var ErrConflict = errors.New("workload instance already exists")

// Backend abstracts whatever actually runs bot code: a container engine, a
// remote deployment service, or an in-process test double. The orchestrator
// works identically against any implementation.
//
// Implementations must make Stop succeed when the instance is already gone,
// and must hand out a fresh ContainerRef on every Create so a re-created bot
// is never confused with its predecessor.
type Backend interface {
	// Create provisions and starts a workload instance for the given spec.
	Create(ctx context.Context, spec BotSpec) (Handle, error)

	// Stop tears down the instance identified by ref. A missing or already
	// stopped instance is treated as success, never an error. An empty ref
	// tears down whatever instance currently carries the bot's label.
	Stop(ctx context.Context, botID, ref string) error

	// Status reports the authoritative state of the bot's instance. A bot
	// with no instance yields Running=false with an empty ContainerRef.
	Status(ctx context.Context, botID string) (Status, error)

	// Logs returns a best-effort tail of the workload's output.
	Logs(ctx context.Context, botID string) ([]string, error)

	// List returns handles for every instance this backend manages,
	// running or not. Used by the reconciler.
	List(ctx context.Context) ([]Handle, error)
}
