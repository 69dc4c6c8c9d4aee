package host

import (
	"context"

	"github.com/nerrad567/statesync/internal/entity"
)

// StateReader provides point-in-time reads of entity state from the
// host platform.
type StateReader interface {
	// State returns the current snapshot for an entity.
	// Returns ErrEntityUnknown if the host has never reported the entity.
	State(ctx context.Context, entityID string) (*entity.Snapshot, error)
}

// ActionInvoker executes a service call against the host platform.
type ActionInvoker interface {
	// Invoke dispatches a service call. The data map carries the
	// service payload including the target entity_id.
	Invoke(ctx context.Context, domain, service string, data map[string]any) error
}

// ChangeNotifier delivers entity state change events from the host.
type ChangeNotifier interface {
	// Subscribe registers a callback for every state change event.
	// Callbacks are invoked sequentially per event; they must not block.
	Subscribe(fn func(entity.Snapshot)) (Subscription, error)
}

// StateWriter mirrors remote entity state into the local host platform.
// Used on the client side to reflect imported entities locally.
type StateWriter interface {
	// Apply writes a snapshot of a remote entity to the host.
	Apply(ctx context.Context, snap entity.Snapshot) error
}

// CommandSource delivers locally requested entity actions from the
// host platform. Used on the client side so local controls can drive
// remote entities.
type CommandSource interface {
	// SubscribeCommands registers a callback for every local command.
	SubscribeCommands(fn func(Command)) (Subscription, error)
}

// Command is a locally requested entity action received from the host.
type Command struct {
	EntityID string
	State    string
	Params   map[string]any
}

// Subscription represents an active event subscription.
// Cancel must be called on shutdown to release the callback.
type Subscription interface {
	Cancel()
}
