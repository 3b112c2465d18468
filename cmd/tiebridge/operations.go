package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/glimte/tiebridge"
	"github.com/glimte/tiebridge/contracts"
)

// registerDemoOperations installs the operations served by default
func registerDemoOperations(bridge *tiebridge.Bridge) error {
	if err := bridge.RegisterFunc("echo", echo); err != nil {
		return err
	}
	return bridge.RegisterFunc("sum", sum)
}

// echo returns its payload unchanged
func echo(ctx context.Context, msg *contracts.Message) (any, error) {
	if len(msg.Payload) == 0 {
		return nil, nil
	}
	return msg.Payload, nil
}

// sum adds a JSON array of numbers
func sum(ctx context.Context, msg *contracts.Message) (any, error) {
	var values []float64
	if err := json.Unmarshal(msg.Payload, &values); err != nil {
		return nil, fmt.Errorf("sum expects a JSON array of numbers: %w", err)
	}

	total := 0.0
	for _, v := range values {
		total += v
	}
	return map[string]any{"sum": total, "count": len(values)}, nil
}
