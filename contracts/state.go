package contracts

import "fmt"

// ConnectionState is the state of a tie between a producer and its consumer.
// The zero value is StateDisconnected.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String returns the lower-case name of the state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// Valid reports whether s is one of the defined states
func (s ConnectionState) Valid() bool {
	return s >= StateDisconnected && s <= StateConnected
}

// MarshalText encodes the state by name
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
