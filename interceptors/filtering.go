package interceptors

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/tiebridge/contracts"
	"github.com/glimte/tiebridge/messaging"
)

// ErrMessageFiltered is returned for messages a filter refuses
var ErrMessageFiltered = errors.New("message filtered")

// MessageFilter defines the interface for message filtering
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *contracts.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	return f(ctx, msg)
}

// Filtering fails messages the filter refuses with ErrMessageFiltered
func Filtering(filter MessageFilter) messaging.MiddlewareFunc {
	return func(ctx context.Context, msg *contracts.Message, next messaging.Operation) (any, error) {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("filter error: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: type=%s, id=%s", ErrMessageFiltered, msg.Type, msg.ID)
		}
		return next.Execute(ctx, msg)
	}
}

// CompositeFilter passes a message only if every filter does
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a filter that requires all filters to pass
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// OrFilter passes a message if any filter does
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a filter that requires at least one filter to pass
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *OrFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// MessageTypeFilter passes messages whose type is in the allowed set
type MessageTypeFilter struct {
	allowed map[string]struct{}
}

// NewMessageTypeFilter creates a filter for the given message types
func NewMessageTypeFilter(allowedTypes ...string) *MessageTypeFilter {
	allowed := make(map[string]struct{}, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = struct{}{}
	}
	return &MessageTypeFilter{allowed: allowed}
}

// ShouldProcess implements MessageFilter
func (f *MessageTypeFilter) ShouldProcess(_ context.Context, msg *contracts.Message) (bool, error) {
	_, ok := f.allowed[msg.Type]
	return ok, nil
}
