package tie

import "github.com/glimte/tiebridge/contracts"

// Handler receives the messages accepted by a consumer. MessageAccepted runs
// synchronously inside Poll and must not block.
type Handler interface {
	MessageAccepted(msg *contracts.Message)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(msg *contracts.Message)

// MessageAccepted implements Handler
func (f HandlerFunc) MessageAccepted(msg *contracts.Message) {
	f(msg)
}
