// Package host defines the capability interfaces between the sync core
// and the local automation platform, plus the MQTT implementation.
//
// The sync core never talks to the automation platform directly. It
// depends on five narrow interfaces:
//
//   - StateReader: point-in-time entity snapshot reads (server)
//   - ChangeNotifier: entity state change events (server)
//   - ActionInvoker: service call execution (server)
//   - StateWriter: mirroring remote entity state locally (client)
//   - CommandSource: locally requested actions on remote entities (client)
//
// MQTTHost implements all five over the mqtt infrastructure package.
// Entity state lives on retained per-entity topics so the cache
// repopulates immediately after a reconnect, and commands flow through
// per-service topics.
package host
