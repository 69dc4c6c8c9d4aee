// Package mqtt provides MQTT client connectivity for the statesync daemon.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The sync server uses MQTT as the bridge to the local automation host:
// entity state arrives on retained per-entity topics, and service
// invocations are published to per-service command topics. The broker
// decouples the sync core from whatever produces the state.
//
//	Sync Server ↔ MQTT Broker ↔ Automation Host
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all entity state updates
//	err = client.Subscribe(mqtt.Topics{}.AllEntityStates(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish command
//	topic := mqtt.Topics{}.Command("light", "turn_on")
//	client.Publish(topic, []byte(`{"entity_id":"light.kitchen"}`), 1, false)
package mqtt
