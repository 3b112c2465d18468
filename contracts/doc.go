// Package contracts provides the core message types shared by both ends of a tie.
//
// This package defines:
//   - ConnectionState: Disconnected, Connecting and Connected, shared by producer and consumer
//   - Message: the unit of transfer, tagged with a Kind that selects its handling
//   - Directive: what the consumer does with a message after dequeue (Deliver or Suppress)
//   - Outcome: the completed result of an application message, stored for later retrieval
//   - ProtocolError and the sentinel errors raised on broken handshake invariants
package contracts
