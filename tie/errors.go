package tie

import "errors"

var (
	ErrNilProducer = errors.New("tie: producer cannot be nil")
	ErrLoopRunning = errors.New("tie: loop is already running")
)
