package host

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nerrad567/statesync/internal/entity"
	"github.com/nerrad567/statesync/internal/infrastructure/logging"
	"github.com/nerrad567/statesync/internal/infrastructure/mqtt"
)

// Broker is the subset of the MQTT client used by the host bridge.
// Satisfied by *mqtt.Client.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// commandPayload is the wire format for local commands received on
// statesync/command/{domain}/{service} topics.
type commandPayload struct {
	EntityID string         `json:"entity_id"`
	State    string         `json:"state"`
	Params   map[string]any `json:"params,omitempty"`
}

// MQTTHost bridges the sync core to the automation host over MQTT.
//
// It implements all five host capability interfaces:
//   - StateReader / ChangeNotifier / ActionInvoker on the server side
//   - StateWriter / CommandSource on the client side
//
// Entity state arrives as retained JSON snapshots on per-entity topics
// and is cached locally for reads. Service invocations are published to
// per-service command topics.
type MQTTHost struct {
	broker Broker
	logger *logging.Logger
	qos    byte

	// cache holds the last reported snapshot per entity.
	cache   map[string]entity.Snapshot
	cacheMu sync.RWMutex

	// Subscriber registries. IDs are monotonic within each registry.
	subMu     sync.Mutex
	nextSubID int
	stateSubs map[int]func(entity.Snapshot)
	cmdSubs   map[int]func(Command)

	started bool
}

// Compile-time interface checks.
var (
	_ StateReader    = (*MQTTHost)(nil)
	_ ActionInvoker  = (*MQTTHost)(nil)
	_ ChangeNotifier = (*MQTTHost)(nil)
	_ StateWriter    = (*MQTTHost)(nil)
	_ CommandSource  = (*MQTTHost)(nil)
)

// NewMQTTHost creates a host bridge over the given broker connection.
// Call Start to begin receiving state and command messages.
func NewMQTTHost(broker Broker, logger *logging.Logger, qos byte) *MQTTHost {
	return &MQTTHost{
		broker:    broker,
		logger:    logger.With("component", "host"),
		qos:       qos,
		cache:     make(map[string]entity.Snapshot),
		stateSubs: make(map[int]func(entity.Snapshot)),
		cmdSubs:   make(map[int]func(Command)),
	}
}

// Start subscribes to the entity state and command topic trees.
// Retained state messages populate the cache immediately on subscribe.
func (h *MQTTHost) Start() error {
	topics := mqtt.Topics{}

	if err := h.broker.Subscribe(topics.AllEntityStates(), h.qos, h.handleState); err != nil {
		return fmt.Errorf("subscribe entity states: %w", err)
	}
	if err := h.broker.Subscribe(topics.AllCommands(), h.qos, h.handleCommand); err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}

	h.started = true
	return nil
}

// Close unsubscribes from the host topic trees and drops all callbacks.
func (h *MQTTHost) Close() error {
	if h.started && h.broker.IsConnected() {
		topics := mqtt.Topics{}
		if err := h.broker.Unsubscribe(topics.AllEntityStates()); err != nil {
			h.logger.Warn("failed to unsubscribe entity states", "error", err)
		}
		if err := h.broker.Unsubscribe(topics.AllCommands()); err != nil {
			h.logger.Warn("failed to unsubscribe commands", "error", err)
		}
	}

	h.subMu.Lock()
	h.stateSubs = make(map[int]func(entity.Snapshot))
	h.cmdSubs = make(map[int]func(Command))
	h.subMu.Unlock()

	h.started = false
	return nil
}

// State returns the last reported snapshot for an entity.
// The returned snapshot is a copy; callers may mutate it freely.
func (h *MQTTHost) State(ctx context.Context, entityID string) (*entity.Snapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	h.cacheMu.RLock()
	snap, ok := h.cache[entityID]
	h.cacheMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityUnknown, entityID)
	}
	return snap.Clone(), nil
}

// Invoke publishes a service call to the host command topic.
func (h *MQTTHost) Invoke(ctx context.Context, domain, service string, data map[string]any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !h.broker.IsConnected() {
		return ErrHostUnavailable
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal service data: %w", err)
	}

	topic := mqtt.Topics{}.Command(domain, service)
	if err := h.broker.Publish(topic, payload, h.qos, false); err != nil {
		return fmt.Errorf("publish command: %w", err)
	}

	h.logger.Debug("service invoked", "domain", domain, "service", service)
	return nil
}

// Subscribe registers a callback for entity state change events.
func (h *MQTTHost) Subscribe(fn func(entity.Snapshot)) (Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil callback", ErrInvalidPayload)
	}

	h.subMu.Lock()
	id := h.nextSubID
	h.nextSubID++
	h.stateSubs[id] = fn
	h.subMu.Unlock()

	return &subscription{cancel: func() {
		h.subMu.Lock()
		delete(h.stateSubs, id)
		h.subMu.Unlock()
	}}, nil
}

// SubscribeCommands registers a callback for local command events.
func (h *MQTTHost) SubscribeCommands(fn func(Command)) (Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil callback", ErrInvalidPayload)
	}

	h.subMu.Lock()
	id := h.nextSubID
	h.nextSubID++
	h.cmdSubs[id] = fn
	h.subMu.Unlock()

	return &subscription{cancel: func() {
		h.subMu.Lock()
		delete(h.cmdSubs, id)
		h.subMu.Unlock()
	}}, nil
}

// Apply publishes a snapshot as retained state on the entity's topic.
// The local cache is updated so subsequent reads see the applied value.
func (h *MQTTHost) Apply(ctx context.Context, snap entity.Snapshot) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if snap.EntityID == "" {
		return fmt.Errorf("%w: missing entity_id", ErrInvalidPayload)
	}
	if !h.broker.IsConnected() {
		return ErrHostUnavailable
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	topic := mqtt.Topics{}.EntityState(snap.EntityID)
	if err := h.broker.PublishRetained(topic, payload); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}

	h.cacheMu.Lock()
	h.cache[snap.EntityID] = *snap.Clone()
	h.cacheMu.Unlock()

	return nil
}

// handleState decodes an entity state message, updates the cache and
// notifies state subscribers.
func (h *MQTTHost) handleState(topic string, payload []byte) error {
	var snap entity.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	// Fall back to the topic suffix when the payload omits entity_id.
	if snap.EntityID == "" {
		snap.EntityID = strings.TrimPrefix(topic, mqtt.TopicPrefix+"/state/")
	}
	if snap.EntityID == "" {
		return fmt.Errorf("%w: missing entity_id on %s", ErrInvalidPayload, topic)
	}

	h.cacheMu.Lock()
	h.cache[snap.EntityID] = *snap.Clone()
	h.cacheMu.Unlock()

	h.subMu.Lock()
	subs := make([]func(entity.Snapshot), 0, len(h.stateSubs))
	for _, fn := range h.stateSubs {
		subs = append(subs, fn)
	}
	h.subMu.Unlock()

	for _, fn := range subs {
		fn(*snap.Clone())
	}

	return nil
}

// handleCommand decodes a local command message and notifies command
// subscribers.
func (h *MQTTHost) handleCommand(topic string, payload []byte) error {
	var cmd commandPayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if cmd.EntityID == "" {
		return fmt.Errorf("%w: missing entity_id on %s", ErrInvalidPayload, topic)
	}

	h.subMu.Lock()
	subs := make([]func(Command), 0, len(h.cmdSubs))
	for _, fn := range h.cmdSubs {
		subs = append(subs, fn)
	}
	h.subMu.Unlock()

	for _, fn := range subs {
		fn(Command{
			EntityID: cmd.EntityID,
			State:    cmd.State,
			Params:   cmd.Params,
		})
	}

	return nil
}

// subscription implements Subscription with idempotent cancellation.
type subscription struct {
	cancel func()
	once   sync.Once
}

func (s *subscription) Cancel() {
	s.once.Do(s.cancel)
}
