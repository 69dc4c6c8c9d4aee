package host

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/statesync/internal/entity"
	"github.com/nerrad567/statesync/internal/infrastructure/config"
	"github.com/nerrad567/statesync/internal/infrastructure/logging"
	"github.com/nerrad567/statesync/internal/infrastructure/mqtt"
)

// fakeBroker records publishes and delivers messages to registered
// handlers without a real MQTT connection.
type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]mqtt.MessageHandler
	published []publishedMessage
}

type publishedMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (b *fakeBroker) Publish(topic string, payload []byte, _ byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return mqtt.ErrNotConnected
	}
	b.published = append(b.published, publishedMessage{topic: topic, payload: payload, retained: retained})
	return nil
}

func (b *fakeBroker) PublishRetained(topic string, payload []byte) error {
	return b.Publish(topic, payload, 1, true)
}

func (b *fakeBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return mqtt.ErrNotConnected
	}
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	return nil
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// deliver simulates an inbound message on the given topic, routed to
// the matching wildcard subscription.
func (b *fakeBroker) deliver(t *testing.T, pattern, topic string, payload []byte) {
	t.Helper()
	b.mu.Lock()
	handler, ok := b.handlers[pattern]
	b.mu.Unlock()
	if !ok {
		t.Fatalf("no handler registered for pattern %s", pattern)
	}
	if err := handler(topic, payload); err != nil {
		t.Fatalf("handler(%s) error = %v", topic, err)
	}
}

func (b *fakeBroker) lastPublished(t *testing.T) publishedMessage {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.published) == 0 {
		t.Fatal("no messages published")
	}
	return b.published[len(b.published)-1]
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
}

func testHost(t *testing.T) (*MQTTHost, *fakeBroker) {
	t.Helper()
	broker := newFakeBroker()
	h := NewMQTTHost(broker, testLogger(), 1)
	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h, broker
}

func snapshotPayload(t *testing.T, snap entity.Snapshot) []byte {
	t.Helper()
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	return data
}

func TestStateAfterMessage(t *testing.T) {
	h, broker := testHost(t)

	snap := entity.Snapshot{
		EntityID:    "light.kitchen",
		State:       "on",
		Attributes:  map[string]any{"brightness": float64(200)},
		LastUpdated: time.Now().UTC(),
	}
	broker.deliver(t, mqtt.Topics{}.AllEntityStates(),
		mqtt.Topics{}.EntityState("light.kitchen"), snapshotPayload(t, snap))

	got, err := h.State(context.Background(), "light.kitchen")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if got.State != "on" {
		t.Errorf("State = %q, want on", got.State)
	}
	if got.Attributes["brightness"] != float64(200) {
		t.Errorf("brightness = %v, want 200", got.Attributes["brightness"])
	}

	// Returned snapshot must be a copy.
	got.Attributes["brightness"] = float64(1)
	again, _ := h.State(context.Background(), "light.kitchen")
	if again.Attributes["brightness"] != float64(200) {
		t.Error("State() returned shared attributes map")
	}
}

func TestStateUnknownEntity(t *testing.T) {
	h, _ := testHost(t)

	_, err := h.State(context.Background(), "light.garage")
	if !errors.Is(err, ErrEntityUnknown) {
		t.Errorf("State() error = %v, want ErrEntityUnknown", err)
	}
}

func TestStateMissingEntityIDUsesTopic(t *testing.T) {
	h, broker := testHost(t)

	// Payload without entity_id; the topic suffix identifies the entity.
	broker.deliver(t, mqtt.Topics{}.AllEntityStates(),
		mqtt.Topics{}.EntityState("switch.porch"), []byte(`{"state":"off"}`))

	got, err := h.State(context.Background(), "switch.porch")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if got.State != "off" {
		t.Errorf("State = %q, want off", got.State)
	}
}

func TestSubscribeNotifiesOnChange(t *testing.T) {
	h, broker := testHost(t)

	var received []entity.Snapshot
	sub, err := h.Subscribe(func(snap entity.Snapshot) {
		received = append(received, snap)
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	snap := entity.Snapshot{EntityID: "light.kitchen", State: "on"}
	broker.deliver(t, mqtt.Topics{}.AllEntityStates(),
		mqtt.Topics{}.EntityState("light.kitchen"), snapshotPayload(t, snap))

	if len(received) != 1 || received[0].EntityID != "light.kitchen" {
		t.Fatalf("received = %+v, want one light.kitchen event", received)
	}

	// After Cancel, no further notifications.
	sub.Cancel()
	broker.deliver(t, mqtt.Topics{}.AllEntityStates(),
		mqtt.Topics{}.EntityState("light.kitchen"), snapshotPayload(t, snap))
	if len(received) != 1 {
		t.Errorf("received %d events after Cancel, want 1", len(received))
	}
}

func TestInvokePublishesCommand(t *testing.T) {
	h, broker := testHost(t)

	err := h.Invoke(context.Background(), "light", "turn_on", map[string]any{
		"entity_id":  "light.kitchen",
		"brightness": 128,
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	msg := broker.lastPublished(t)
	if msg.topic != "statesync/command/light/turn_on" {
		t.Errorf("topic = %q, want statesync/command/light/turn_on", msg.topic)
	}
	if msg.retained {
		t.Error("command published retained, want non-retained")
	}

	var data map[string]any
	if err := json.Unmarshal(msg.payload, &data); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if data["entity_id"] != "light.kitchen" {
		t.Errorf("entity_id = %v, want light.kitchen", data["entity_id"])
	}
}

func TestInvokeDisconnected(t *testing.T) {
	h, broker := testHost(t)
	broker.mu.Lock()
	broker.connected = false
	broker.mu.Unlock()

	err := h.Invoke(context.Background(), "light", "turn_on", map[string]any{"entity_id": "light.kitchen"})
	if !errors.Is(err, ErrHostUnavailable) {
		t.Errorf("Invoke() error = %v, want ErrHostUnavailable", err)
	}
}

func TestApplyPublishesRetainedState(t *testing.T) {
	h, broker := testHost(t)

	snap := entity.Snapshot{EntityID: "light.cabin", State: "on"}
	if err := h.Apply(context.Background(), snap); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	msg := broker.lastPublished(t)
	if msg.topic != "statesync/state/light.cabin" {
		t.Errorf("topic = %q, want statesync/state/light.cabin", msg.topic)
	}
	if !msg.retained {
		t.Error("state published non-retained, want retained")
	}

	// Apply updates the local cache too.
	got, err := h.State(context.Background(), "light.cabin")
	if err != nil {
		t.Fatalf("State() after Apply error = %v", err)
	}
	if got.State != "on" {
		t.Errorf("cached state = %q, want on", got.State)
	}
}

func TestApplyMissingEntityID(t *testing.T) {
	h, _ := testHost(t)

	err := h.Apply(context.Background(), entity.Snapshot{State: "on"})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Apply() error = %v, want ErrInvalidPayload", err)
	}
}

func TestSubscribeCommands(t *testing.T) {
	h, broker := testHost(t)

	var received []Command
	sub, err := h.SubscribeCommands(func(cmd Command) {
		received = append(received, cmd)
	})
	if err != nil {
		t.Fatalf("SubscribeCommands() error = %v", err)
	}
	defer sub.Cancel()

	payload := []byte(`{"entity_id":"light.kitchen","state":"on","params":{"brightness":64}}`)
	broker.deliver(t, mqtt.Topics{}.AllCommands(),
		mqtt.Topics{}.Command("light", "turn_on"), payload)

	if len(received) != 1 {
		t.Fatalf("received %d commands, want 1", len(received))
	}
	cmd := received[0]
	if cmd.EntityID != "light.kitchen" || cmd.State != "on" {
		t.Errorf("Command = %+v, want light.kitchen on", cmd)
	}
	if cmd.Params["brightness"] != float64(64) {
		t.Errorf("brightness param = %v, want 64", cmd.Params["brightness"])
	}
}

func TestCommandMissingEntityID(t *testing.T) {
	h, broker := testHost(t)

	notified := false
	sub, _ := h.SubscribeCommands(func(Command) { notified = true })
	defer sub.Cancel()

	broker.mu.Lock()
	handler := broker.handlers[mqtt.Topics{}.AllCommands()]
	broker.mu.Unlock()

	err := handler(mqtt.Topics{}.Command("light", "turn_on"), []byte(`{"state":"on"}`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("handler error = %v, want ErrInvalidPayload", err)
	}
	if notified {
		t.Error("subscriber notified for invalid command")
	}
}
