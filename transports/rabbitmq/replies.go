package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/glimte/tiebridge/contracts"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

func (in *Ingress) replyLoop(ctx context.Context) {
	ticker := time.NewTicker(in.replyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.flushReplies(ctx)
		}
	}
}

// flushReplies publishes every outcome that has become available and
// drops waiters older than the reply timeout
func (in *Ingress) flushReplies(ctx context.Context) {
	now := in.now()

	in.mu.Lock()
	waiting := make(map[string]pendingReply, len(in.pending))
	for id, p := range in.pending {
		waiting[id] = p
	}
	in.mu.Unlock()

	for id, p := range waiting {
		outcome, ok := in.results.Take(id)
		if !ok {
			if now.Sub(p.since) > in.replyTimeout {
				in.forget(id)
				in.logger.Warn("reply timed out",
					"correlationId", id,
					"replyTo", p.replyTo,
					"waited", now.Sub(p.since))
			}
			continue
		}

		in.forget(id)
		if err := in.publishReply(ctx, id, p.replyTo, outcome); err != nil {
			// The outcome has been taken; the reply is lost
			in.logger.Error("failed to publish reply",
				"correlationId", id,
				"replyTo", p.replyTo,
				"error", err)
			continue
		}
		in.replied.Add(1)
	}
}

func (in *Ingress) forget(id string) {
	in.mu.Lock()
	delete(in.pending, id)
	in.mu.Unlock()
}

func (in *Ingress) publishReply(ctx context.Context, correlationID, replyTo string, outcome contracts.Outcome) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return err
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		MessageId:     uuid.New().String(),
		Type:          outcome.Type,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}

	err = in.breaker.Execute(ctx, func() error {
		ch, err := in.replyChannel()
		if err != nil {
			return err
		}
		if err := ch.PublishWithContext(ctx, "", replyTo, false, false, publishing); err != nil {
			in.closeReplyChannel()
			return err
		}
		return nil
	})
	if err != nil {
		return &PublishError{
			RoutingKey:    replyTo,
			CorrelationID: correlationID,
			Err:           err,
			Timestamp:     time.Now(),
		}
	}
	return nil
}

// replyChannel returns the channel used for replies, opening it on demand
func (in *Ingress) replyChannel() (Channel, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.replyCh != nil {
		return in.replyCh, nil
	}

	ch, err := in.source.Channel()
	if err != nil {
		return nil, err
	}
	in.replyCh = ch
	return ch, nil
}

func (in *Ingress) closeReplyChannel() {
	in.mu.Lock()
	ch := in.replyCh
	in.replyCh = nil
	in.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
}
